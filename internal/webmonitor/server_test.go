package webmonitor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rakshak-ai/accident-monitor/internal/alert"
	"github.com/rakshak-ai/accident-monitor/internal/collision"
	"github.com/rakshak-ai/accident-monitor/internal/detector"
	"github.com/rakshak-ai/accident-monitor/internal/pipeline"
	"github.com/rakshak-ai/accident-monitor/internal/source"
	"github.com/rakshak-ai/accident-monitor/internal/store"
	"github.com/rakshak-ai/accident-monitor/pkg/types"
)

func frames(n int) []image.Image {
	out := make([]image.Image, n)
	for i := range out {
		out[i] = image.NewRGBA(image.Rect(0, 0, 320, 240))
	}
	return out
}

// crashDetector reports two heavily overlapping cars on every frame.
var crashDetector = detector.Func(func(ctx context.Context, img image.Image) ([]types.BoundingBox, error) {
	return []types.BoundingBox{
		{X1: 0, Y1: 0, X2: 100, Y2: 100, ClassID: types.ClassCar, Confidence: 0.9},
		{X1: 0, Y1: 0, X2: 100, Y2: 95, ClassID: types.ClassCar, Confidence: 0.9},
	}, nil
})

var emptyDetector = detector.Func(func(ctx context.Context, img image.Image) ([]types.BoundingBox, error) {
	return nil, nil
})

func staticOpener(n int) source.Opener {
	return func(ctx context.Context, name string) (source.Source, error) {
		return source.NewStatic(name, frames(n)...), nil
	}
}

// endlessOpener yields frames until its context ends.
func endlessOpener(ctx context.Context, name string) (source.Source, error) {
	var n uint64
	return source.Func(func(ctx context.Context) (*types.Frame, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
		n++
		return &types.Frame{Image: image.NewRGBA(image.Rect(0, 0, 64, 48)), Number: n, Source: name, Timestamp: time.Now()}, nil
	}), nil
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Pipeline == (pipeline.Config{}) {
		opts.Pipeline = pipeline.DefaultConfig()
	}
	if opts.Config.UploadDir == "" {
		opts.Config.UploadDir = t.TempDir()
	}
	srv, err := NewServer(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func getJSON(t *testing.T, h http.Handler, target string, v any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if v != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
	}
	return rec
}

func TestNewServerRequiresOpener(t *testing.T) {
	_, err := NewServer(Options{Pipeline: pipeline.DefaultConfig()})
	assert.Error(t, err)
}

func TestAccidentStatusIdle(t *testing.T) {
	srv := newTestServer(t, Options{Opener: staticOpener(1)})

	var st AccidentStatusResponse
	rec := getJSON(t, srv.Handler(), "/accident_status", &st)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, AccidentStatusResponse{}, st)
	assert.JSONEq(t, `{"accident":false,"severity":0}`, rec.Body.String())
}

func TestVideoFeedConfirmsAccident(t *testing.T) {
	events := make(chan collision.AccidentEvent, 4)
	srv := newTestServer(t, Options{
		Opener:     staticOpener(5),
		Capability: detector.Available(crashDetector),
		Clock:      clock.NewMock(),
		Notifier: alert.Func(func(ctx context.Context, ev collision.AccidentEvent) []alert.Result {
			events <- ev
			return nil
		}),
	})
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/video_feed?source=clip.mp4", nil))
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", rec.Header().Get("Content-Type"))
	assert.GreaterOrEqual(t, strings.Count(rec.Body.String(), "--frame\r\n"), 1)

	select {
	case ev := <-events:
		assert.Equal(t, "clip.mp4", ev.Source)
		assert.Equal(t, 5, ev.Severity)
	case <-time.After(2 * time.Second):
		t.Fatal("no accident dispatched")
	}

	// The clip has ended but the mock clock keeps the cooldown running.
	var st AccidentStatusResponse
	getJSON(t, h, "/accident_status", &st)
	assert.Equal(t, AccidentStatusResponse{Accident: true, Severity: 5}, st)

	getJSON(t, h, "/accident_status?source=clip.mp4", &st)
	assert.True(t, st.Accident)

	getJSON(t, h, "/accident_status?source=other", &st)
	assert.False(t, st.Accident)

	var payload StatusPayload
	getJSON(t, h, "/api/status", &payload)
	assert.True(t, payload.Accident)
	require.Len(t, payload.History, 1)
	assert.Equal(t, "clip.mp4", payload.History[0].Source)
	assert.Empty(t, payload.Sources)
}

func TestVideoFeedSourceUnavailable(t *testing.T) {
	srv := newTestServer(t, Options{
		Opener: func(ctx context.Context, name string) (source.Source, error) {
			return nil, errors.New("no such camera")
		},
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/video_feed", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, strings.Count(rec.Body.String(), "--frame\r\n"))
	assert.Contains(t, rec.Body.String(), "Content-Type: image/jpeg")
	assert.Empty(t, srv.Sessions().Active())
}

func TestSessionsShareOnePipeline(t *testing.T) {
	srv := newTestServer(t, Options{Opener: endlessOpener, Capability: detector.Available(emptyDetector)})
	sessions := srv.Sessions()

	a, idA, chA, err := sessions.Subscribe("cam")
	require.NoError(t, err)
	b, idB, chB, err := sessions.Subscribe("cam")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, []string{"cam"}, sessions.Active())

	for _, ch := range []<-chan []byte{chA, chB} {
		select {
		case data := <-ch:
			assert.Equal(t, []byte{0xFF, 0xD8}, data[:2])
		case <-time.After(2 * time.Second):
			t.Fatal("no frame")
		}
	}

	var payload StatusPayload
	getJSON(t, srv.Handler(), "/api/status", &payload)
	require.Len(t, payload.Sources, 1)
	assert.Equal(t, "cam", payload.Sources[0].Source)
	assert.True(t, payload.Sources[0].Running)
	assert.Equal(t, 2, payload.Sources[0].Viewers)

	sessions.Unsubscribe(a, idA)
	assert.Equal(t, []string{"cam"}, sessions.Active())

	sessions.Unsubscribe(b, idB)
	assert.Empty(t, sessions.Active())
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
}

func TestSessionAliasesShareOnePipeline(t *testing.T) {
	var mu sync.Mutex
	var opened []string
	opener := func(ctx context.Context, name string) (source.Source, error) {
		mu.Lock()
		opened = append(opened, name)
		mu.Unlock()
		return endlessOpener(ctx, name)
	}
	srv := newTestServer(t, Options{Opener: opener, Capability: detector.Available(emptyDetector)})
	sessions := srv.Sessions()

	a, idA, _, err := sessions.Subscribe("clip.mp4")
	require.NoError(t, err)
	b, idB, _, err := sessions.Subscribe("../clip.mp4")
	require.NoError(t, err)
	c, idC, _, err := sessions.Subscribe(`uploads\clip.mp4`)
	require.NoError(t, err)
	defer sessions.Unsubscribe(a, idA)
	defer sessions.Unsubscribe(b, idB)
	defer sessions.Unsubscribe(c, idC)

	assert.Same(t, a, b)
	assert.Same(t, a, c)
	assert.Equal(t, "clip.mp4", a.Name())
	assert.Equal(t, []string{"clip.mp4"}, sessions.Active())
	mu.Lock()
	assert.Equal(t, []string{"clip.mp4"}, opened)
	mu.Unlock()

	var st AccidentStatusResponse
	rec := getJSON(t, srv.Handler(), "/accident_status?source=..%2Fclip.mp4", &st)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, st.Accident)
}

func TestSlowStartDoesNotBlockOtherSources(t *testing.T) {
	release := make(chan struct{})
	var slowOpens atomic.Int32
	opener := func(ctx context.Context, name string) (source.Source, error) {
		if name != "slow" {
			return endlessOpener(ctx, name)
		}
		slowOpens.Add(1)
		rest, err := endlessOpener(ctx, name)
		if err != nil {
			return nil, err
		}
		var started bool
		return source.Func(func(ctx context.Context) (*types.Frame, error) {
			if !started {
				started = true
				select {
				case <-release:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return rest.Next(ctx)
		}), nil
	}
	srv := newTestServer(t, Options{Opener: opener, Capability: detector.Available(emptyDetector)})
	sessions := srv.Sessions()

	type joined struct {
		s   *Session
		id  int
		err error
	}
	results := make(chan joined, 2)
	for range 2 {
		go func() {
			s, id, _, err := sessions.Subscribe("slow")
			results <- joined{s, id, err}
		}()
	}
	require.Eventually(t, func() bool { return slowOpens.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Another source starts while "slow" is still waiting for its first frame.
	cam, idCam, _, err := sessions.Subscribe("cam")
	require.NoError(t, err)
	assert.Equal(t, []string{"cam"}, sessions.Active())
	sessions.Unsubscribe(cam, idCam)

	close(release)
	first, second := <-results, <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Same(t, first.s, second.s)
	assert.Equal(t, int32(1), slowOpens.Load())

	sessions.Unsubscribe(first.s, first.id)
	sessions.Unsubscribe(second.s, second.id)
	select {
	case <-first.s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
}

func TestCloseAbortsPendingStart(t *testing.T) {
	opener := func(ctx context.Context, name string) (source.Source, error) {
		return source.Func(func(ctx context.Context) (*types.Frame, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}), nil
	}
	srv, err := NewServer(Options{Opener: opener, Pipeline: pipeline.DefaultConfig(), Config: Config{UploadDir: t.TempDir()}})
	require.NoError(t, err)
	sessions := srv.Sessions()

	errc := make(chan error, 1)
	go func() {
		_, _, _, err := sessions.Subscribe("cam")
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = srv.Close()
		close(closed)
	}()
	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return after close")
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return")
	}
	assert.Empty(t, sessions.Active())
}

func TestUpload(t *testing.T) {
	dir := t.TempDir()
	srv := newTestServer(t, Options{Opener: staticOpener(1), Config: Config{UploadDir: dir}})
	h := srv.Handler()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("video", "../my clip.mp4")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("fake video"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload_video", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"filename":"my_clip.mp4"}`, rec.Body.String())
	data, err := os.ReadFile(filepath.Join(dir, "my_clip.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "fake video", string(data))
}

func TestUploadMissingFile(t *testing.T) {
	srv := newTestServer(t, Options{Opener: staticOpener(1)})
	h := srv.Handler()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("other", "x"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload_video", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"No video file provided"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/upload_video", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestLogsAndStats(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	ts := time.Date(2024, 3, 1, 10, 30, 0, 0, time.Local)
	_, err = db.LogAccident(context.Background(), store.Accident{
		Timestamp: ts, Latitude: 28.6139, Longitude: 77.209, Severity: 5,
	})
	require.NoError(t, err)

	srv := newTestServer(t, Options{Opener: staticOpener(1), Store: db})
	h := srv.Handler()

	var rows [][]any
	getJSON(t, h, "/logs", &rows)
	require.Len(t, rows, 1)
	assert.Equal(t, []any{1.0, "2024-03-01 10:30:00", 28.6139, 77.209, 5.0, "Accident detected"}, rows[0])

	var stats StatsResponse
	getJSON(t, h, "/stats", &stats)
	assert.Equal(t, 1, stats.AccidentCount)
}

func TestLogsWithoutStore(t *testing.T) {
	srv := newTestServer(t, Options{Opener: staticOpener(1)})
	h := srv.Handler()

	rec := getJSON(t, h, "/logs", nil)
	assert.JSONEq(t, `[]`, rec.Body.String())
	rec = getJSON(t, h, "/stats", nil)
	assert.JSONEq(t, `{"accident_count":0}`, rec.Body.String())
}

func readSSEData(t *testing.T, resp *http.Response) string {
	t.Helper()
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if line, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			return line
		}
	}
	t.Fatalf("no SSE event: %v", sc.Err())
	return ""
}

func TestStatusStream(t *testing.T) {
	srv := newTestServer(t, Options{Opener: staticOpener(1), Config: Config{StatusInterval: 20 * time.Millisecond}})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("json", func(t *testing.T) {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/status/stream", nil)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
		assert.Equal(t, "application/json", resp.Header.Get("X-Content-Format"))

		var payload StatusPayload
		require.NoError(t, json.Unmarshal([]byte(readSSEData(t, resp)), &payload))
		assert.False(t, payload.Accident)
	})

	t.Run("protobuf", func(t *testing.T) {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/status/stream", nil)
		req.Header.Set("Accept", "application/x-protobuf")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, "application/protobuf", resp.Header.Get("X-Content-Format"))

		raw, err := base64.StdEncoding.DecodeString(readSSEData(t, resp))
		require.NoError(t, err)
		var st structpb.Struct
		require.NoError(t, proto.Unmarshal(raw, &st))
		assert.False(t, st.GetFields()["accident"].GetBoolValue())
		assert.Contains(t, st.GetFields(), "sources")
	})
}

func TestWebRTCOfferDisabled(t *testing.T) {
	srv := newTestServer(t, Options{Opener: staticOpener(1)})
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/webrtc/offer", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/webrtc/offer", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthAndAssets(t *testing.T) {
	srv := newTestServer(t, Options{Opener: staticOpener(1), Capability: detector.Unavailable(nil)})
	h := srv.Handler()

	var health map[string]any
	getJSON(t, h, "/health", &health)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, true, health["degraded"])

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/assets/dashboard.js", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "accident-status")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Contains(t, rec.Body.String(), "/video_feed")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = getJSON(t, h, "/api/recording/status", nil)
	assert.JSONEq(t, `{}`, rec.Body.String())
}
