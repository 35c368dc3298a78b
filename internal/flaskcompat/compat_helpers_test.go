// Package flaskcompat holds black-box contract tests asserting that the HTTP
// surface keeps the JSON shapes the Flask dashboard consumed.
package flaskcompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rakshak-ai/accident-monitor/internal/detector"
	"github.com/rakshak-ai/accident-monitor/internal/pipeline"
	"github.com/rakshak-ai/accident-monitor/internal/source"
	"github.com/rakshak-ai/accident-monitor/internal/store"
	"github.com/rakshak-ai/accident-monitor/internal/webmonitor"
	"github.com/rakshak-ai/accident-monitor/pkg/types"
)

const defaultRequestTimeout = 2 * time.Second

type compatClient struct {
	baseURL string
	client  *http.Client
}

// newCompatClient targets COMPAT_BASE_URL when set, otherwise an in-process
// server with an in-memory logbook holding one accident.
func newCompatClient(t *testing.T) *compatClient {
	t.Helper()
	client := &http.Client{Timeout: defaultRequestTimeout}

	if baseURL := os.Getenv("COMPAT_BASE_URL"); baseURL != "" {
		if !isReachable(client, baseURL+"/accident_status") {
			t.Skipf("compat server not reachable at %s", baseURL)
		}
		return &compatClient{baseURL: baseURL, client: client}
	}

	return &compatClient{baseURL: startLocalServer(t), client: client}
}

func startLocalServer(t *testing.T) string {
	t.Helper()

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.LogAccident(context.Background(), store.Accident{Latitude: 28.6139, Longitude: 77.209, Severity: 5}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	noBoxes := detector.Func(func(ctx context.Context, img image.Image) ([]types.BoundingBox, error) {
		return nil, nil
	})
	srv, err := webmonitor.NewServer(webmonitor.Options{
		Config:     webmonitor.Config{UploadDir: t.TempDir(), StatusInterval: 50 * time.Millisecond},
		Pipeline:   pipeline.DefaultConfig(),
		Capability: detector.Available(noBoxes),
		Store:      db,
		Opener: func(ctx context.Context, name string) (source.Source, error) {
			img := image.NewRGBA(image.Rect(0, 0, 160, 120))
			return source.NewStatic(name, img, img, img), nil
		},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})
	return ts.URL
}

func isReachable(client *http.Client, url string) bool {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

func (c *compatClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return c.do(t, req)
}

func (c *compatClient) do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

func (c *compatClient) postFile(t *testing.T, path, field, filename string, content []byte) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if field != "" {
		fw, err := mw.CreateFormFile(field, filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		_, _ = fw.Write(content)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(t, req)
}

func readSSEEvent(url string, timeout time.Duration) (string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 256)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
				return string(buf[:idx]), resp.Header, nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return "", nil, fmt.Errorf("sse stream closed before event")
			}
			return "", nil, fmt.Errorf("read sse: %w", readErr)
		}
	}
}

func parseSSEData(t *testing.T, event string) map[string]any {
	t.Helper()
	for _, line := range strings.Split(event, "\n") {
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				t.Fatalf("empty sse data line")
			}
			return decodeJSONMap(t, []byte(payload))
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return nil
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func decodeJSONSlice(t *testing.T, body []byte) []any {
	t.Helper()
	var payload []any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireBool(t *testing.T, value any, field string) bool {
	t.Helper()
	b, ok := value.(bool)
	if !ok {
		t.Fatalf("expected %s to be bool, got %T", field, value)
	}
	return b
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

// assertAccidentStatus checks the {"accident": bool, "severity": int} shape.
func assertAccidentStatus(t *testing.T, payload map[string]any) {
	t.Helper()
	if len(payload) != 2 {
		t.Fatalf("accident status has extra fields: %v", payload)
	}
	accident := requireBool(t, payload["accident"], "accident")
	severity := requireNumber(t, payload["severity"], "severity")
	if severity != float64(int(severity)) || severity < 0 || severity > 5 {
		t.Fatalf("severity = %v, want integer in [0, 5]", severity)
	}
	if !accident && severity != 0 {
		t.Fatalf("severity = %v while no accident", severity)
	}
}

// assertLogRow checks [id, timestamp, latitude, longitude, severity, description].
func assertLogRow(t *testing.T, raw any, field string) {
	t.Helper()
	row := requireSlice(t, raw, field)
	if len(row) != 6 {
		t.Fatalf("%s has %d columns, want 6", field, len(row))
	}
	requireNumber(t, row[0], field+".id")
	ts := requireString(t, row[1], field+".timestamp")
	if _, err := time.Parse("2006-01-02 15:04:05", ts); err != nil {
		t.Fatalf("%s.timestamp = %q: %v", field, ts, err)
	}
	requireNumber(t, row[2], field+".latitude")
	requireNumber(t, row[3], field+".longitude")
	requireNumber(t, row[4], field+".severity")
	requireString(t, row[5], field+".description")
}

func assertStatusPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	requireBool(t, payload["accident"], "accident")
	requireNumber(t, payload["severity"], "severity")
	requireNumber(t, payload["timestamp"], "timestamp")

	sources := requireSlice(t, payload["sources"], "sources")
	for i, raw := range sources {
		src := requireMap(t, raw, fmt.Sprintf("sources[%d]", i))
		requireString(t, src["source"], "sources.source")
		requireString(t, src["phase"], "sources.phase")
		requireNumber(t, src["streak"], "sources.streak")
		requireBool(t, src["degraded"], "sources.degraded")
	}

	history := requireSlice(t, payload["accident_history"], "accident_history")
	for i, raw := range history {
		item := requireMap(t, raw, fmt.Sprintf("accident_history[%d]", i))
		requireString(t, item["id"], "accident_history.id")
		requireNumber(t, item["severity"], "accident_history.severity")
	}
}
