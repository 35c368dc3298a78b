package flaskcompat

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestFlaskCompatVideoFeed(t *testing.T) {
	client := newCompatClient(t)
	resp, body := client.get(t, "/video_feed?source=clip.mp4")

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /video_feed status = %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "multipart/x-mixed-replace") ||
		!strings.Contains(contentType, "boundary=frame") {
		t.Fatalf("GET /video_feed content-type = %q", contentType)
	}
	if !strings.HasPrefix(string(body), "--frame\r\nContent-Type: image/jpeg\r\n\r\n") {
		t.Fatalf("GET /video_feed first part = %q", string(body[:min(len(body), 48)]))
	}
}

func TestFlaskCompatStatusStream(t *testing.T) {
	client := newCompatClient(t)
	event, headers, err := readSSEEvent(client.baseURL+"/api/status/stream", 3*time.Second)
	if err != nil {
		t.Fatalf("status stream error: %v", err)
	}
	if !strings.Contains(headers.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("status stream content-type = %q", headers.Get("Content-Type"))
	}
	assertStatusPayload(t, parseSSEData(t, event))
}
