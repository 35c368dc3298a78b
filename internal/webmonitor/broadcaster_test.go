package webmonitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameBroadcaster(t *testing.T) {
	fb := NewFrameBroadcaster("cam")

	id, ch := fb.Subscribe()
	fb.Broadcast([]byte("a"))
	assert.Equal(t, []byte("a"), <-ch)

	// Late subscribers start from the latest frame.
	_, late := fb.Subscribe()
	assert.Equal(t, []byte("a"), <-late)
	assert.Equal(t, 2, fb.ClientCount())

	// A full buffer drops instead of blocking.
	for range 10 {
		fb.Broadcast([]byte("b"))
	}

	assert.Equal(t, 1, fb.Unsubscribe(id))
	_, open := <-ch
	for open {
		_, open = <-ch
	}

	fb.Close()
	for range late {
	}
	_, closed := fb.Subscribe()
	_, ok := <-closed
	assert.False(t, ok)
	assert.Equal(t, 0, fb.ClientCount())
}

func TestSerializeStatus(t *testing.T) {
	ev, err := serializeStatus(StatusPayload{Accident: true, Severity: 5, Sources: []SourceStatus{}, History: []AccidentRecord{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"accident":true,"severity":5,"sources":[],"accident_history":[],"timestamp":0}`, string(ev.JSONData))
	assert.NotEmpty(t, ev.ProtobufData)
}
