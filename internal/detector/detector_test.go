package detector

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakshak-ai/accident-monitor/pkg/types"
)

func testImage() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 32, 24))
}

func TestCapability(t *testing.T) {
	det := Func(func(ctx context.Context, img image.Image) ([]types.BoundingBox, error) { return nil, nil })

	c := Available(det)
	assert.True(t, c.Available())
	assert.NoError(t, c.Reason())
	assert.Equal(t, "available", c.String())

	u := Unavailable(errors.New("model file missing"))
	assert.False(t, u.Available())
	assert.Nil(t, u.Detector())
	assert.ErrorIs(t, u.Reason(), ErrUnavailable)
	assert.Contains(t, u.Reason().Error(), "model file missing")

	assert.ErrorIs(t, Unavailable(nil).Reason(), ErrUnavailable)
	assert.False(t, Available(nil).Available())

	var zero Capability
	assert.False(t, zero.Available())
}

func TestWithTimeoutExceeded(t *testing.T) {
	slow := Func(func(ctx context.Context, img image.Image) ([]types.BoundingBox, error) {
		time.Sleep(200 * time.Millisecond)
		return []types.BoundingBox{{ClassID: 2}}, nil
	})

	start := time.Now()
	_, err := WithTimeout(slow, 20*time.Millisecond).Detect(context.Background(), testImage())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDetection)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestWithTimeoutWrapsErrors(t *testing.T) {
	boom := errors.New("cuda out of memory")
	failing := Func(func(ctx context.Context, img image.Image) ([]types.BoundingBox, error) {
		return nil, boom
	})

	_, err := WithTimeout(failing, time.Second).Detect(context.Background(), testImage())
	assert.ErrorIs(t, err, ErrDetection)
	assert.ErrorIs(t, err, boom)

	ok := Func(func(ctx context.Context, img image.Image) ([]types.BoundingBox, error) {
		return []types.BoundingBox{{ClassID: 7}}, nil
	})
	boxes, err := WithTimeout(ok, 0).Detect(context.Background(), testImage())
	require.NoError(t, err)
	assert.Len(t, boxes, 1)
}

func TestRemoteDetect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/detect":
			assert.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))
			_, err := jpeg.Decode(r.Body)
			assert.NoError(t, err)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"detections": []map[string]any{
					{"x1": 1, "y1": 2, "x2": 30, "y2": 20, "class_id": 2, "confidence": 0.9},
					{"x1": 0, "y1": 0, "x2": 5, "y2": 5, "class_id": 0, "confidence": 0.1},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	r := NewRemote(RemoteConfig{URL: srv.URL + "/detect", MinConfidence: 0.25}, srv.Client())
	require.NoError(t, r.Probe(context.Background()))

	boxes, err := r.Detect(context.Background(), testImage())
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	assert.Equal(t, types.BoundingBox{X1: 1, Y1: 2, X2: 30, Y2: 20, ClassID: 2, Confidence: 0.9}, boxes[0])
}

func TestRemoteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "model not loaded"})
	}))
	defer srv.Close()

	r := NewRemote(RemoteConfig{URL: srv.URL + "/detect"}, srv.Client())
	_, err := r.Detect(context.Background(), testImage())
	assert.ErrorIs(t, err, ErrDetection)
	assert.Contains(t, err.Error(), "model not loaded")

	assert.ErrorIs(t, r.Probe(context.Background()), ErrUnavailable)
}

func TestConnectFallsBackToUnavailable(t *testing.T) {
	c := Connect(context.Background(), RemoteConfig{})
	assert.False(t, c.Available())
	assert.ErrorIs(t, c.Reason(), ErrUnavailable)

	c = Connect(context.Background(), RemoteConfig{URL: "http://127.0.0.1:1/detect"})
	assert.False(t, c.Available())
}

func TestHealthURL(t *testing.T) {
	assert.Equal(t, "http://localhost:8000/health", healthURL("http://localhost:8000/detect"))
	assert.Equal(t, "http://localhost:8000/health", healthURL("http://localhost:8000"))
}
