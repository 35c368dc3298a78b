package webmonitor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rakshak-ai/accident-monitor/internal/logger"
)

// FrameBroadcaster fans annotated JPEG frames of one session out to every
// viewer. Slow viewers skip frames instead of stalling the pipeline.
type FrameBroadcaster struct {
	name    string
	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	closed  bool
	last    []byte
	dropped uint64
}

// NewFrameBroadcaster creates a broadcaster for the named source.
func NewFrameBroadcaster(name string) *FrameBroadcaster {
	return &FrameBroadcaster{
		name:    name,
		clients: make(map[int]chan []byte),
	}
}

// Subscribe adds a new client and returns a channel for receiving frames.
// The channel starts with the latest frame, if any, and is closed when the
// session ends. Subscribing to a closed broadcaster yields a closed channel.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2) // Buffer 2 frames to avoid blocking
	if fb.closed {
		close(ch)
		return id, ch
	}
	if fb.last != nil {
		ch <- fb.last
	}
	fb.clients[id] = ch

	logger.Debug("FrameBroadcaster", "[%s] client #%d subscribed (total clients: %d)", fb.name, id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client and returns how many remain.
func (fb *FrameBroadcaster) Unsubscribe(id int) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		logger.Debug("FrameBroadcaster", "[%s] client #%d unsubscribed (remaining clients: %d)", fb.name, id, len(fb.clients))
	}
	return len(fb.clients)
}

// ClientCount returns the number of subscribers.
func (fb *FrameBroadcaster) ClientCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.clients)
}

// Broadcast delivers data to every client without blocking.
func (fb *FrameBroadcaster) Broadcast(data []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.closed {
		return
	}
	fb.last = data
	for _, ch := range fb.clients {
		select {
		case ch <- data:
		default:
			fb.dropped++
		}
	}
}

// Close ends every subscription.
func (fb *FrameBroadcaster) Close() {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.closed {
		return
	}
	fb.closed = true
	for id, ch := range fb.clients {
		close(ch)
		delete(fb.clients, id)
	}
	if fb.dropped > 0 {
		logger.Debug("FrameBroadcaster", "[%s] closed (%d frames dropped for slow clients)", fb.name, fb.dropped)
	}
}

// SerializedEvent holds a status event pre-encoded in both wire formats.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // google.protobuf.Struct, base64 encoded for SSE
}

func serializeStatus(payload StatusPayload) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	var generic map[string]any
	if err := json.Unmarshal(jsonData, &generic); err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(generic)
	if err != nil {
		return nil, fmt.Errorf("protobuf struct: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// StatusSink receives every status event as JSON, e.g. the WebRTC server.
type StatusSink interface {
	Broadcast(payload []byte)
}

// StatusBroadcaster periodically snapshots the Monitor and pushes the result
// to SSE subscribers and an optional sink.
type StatusBroadcaster struct {
	mu       sync.Mutex
	clients  map[int]chan *SerializedEvent
	nextID   int
	monitor  *Monitor
	sink     StatusSink
	stop     chan struct{}
	kick     chan struct{}
	stopped  bool
	interval time.Duration
	wg       sync.WaitGroup
}

// NewStatusBroadcaster creates a broadcaster; sink may be nil.
func NewStatusBroadcaster(monitor *Monitor, interval time.Duration, sink StatusSink) *StatusBroadcaster {
	return &StatusBroadcaster{
		clients:  make(map[int]chan *SerializedEvent),
		monitor:  monitor,
		sink:     sink,
		stop:     make(chan struct{}),
		kick:     make(chan struct{}, 1),
		interval: interval,
	}
}

// Subscribe adds an SSE client. The current status is queued immediately.
func (sb *StatusBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	id := sb.nextID
	sb.nextID++
	ch := make(chan *SerializedEvent, 2) // Buffer 2 events to avoid blocking
	if sb.stopped {
		close(ch)
		return id, ch
	}
	if event, err := serializeStatus(sb.monitor.Snapshot()); err == nil {
		ch <- event
	}
	sb.clients[id] = ch

	logger.Debug("StatusBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(sb.clients))
	return id, ch
}

// Unsubscribe removes an SSE client.
func (sb *StatusBroadcaster) Unsubscribe(id int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if ch, ok := sb.clients[id]; ok {
		close(ch)
		delete(sb.clients, id)
		logger.Debug("StatusBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(sb.clients))
	}
}

// Start begins the broadcast loop.
func (sb *StatusBroadcaster) Start() {
	sb.wg.Add(1)
	go sb.run()
}

// Publish pushes a status event now instead of at the next tick.
func (sb *StatusBroadcaster) Publish() {
	select {
	case sb.kick <- struct{}{}:
	default:
	}
}

// Stop halts the broadcaster and closes every subscription.
func (sb *StatusBroadcaster) Stop() {
	sb.mu.Lock()
	if sb.stopped {
		sb.mu.Unlock()
		return
	}
	sb.stopped = true
	close(sb.stop)
	sb.mu.Unlock()

	sb.wg.Wait()

	sb.mu.Lock()
	for id, ch := range sb.clients {
		close(ch)
		delete(sb.clients, id)
	}
	sb.mu.Unlock()
}

func (sb *StatusBroadcaster) run() {
	defer sb.wg.Done()
	logger.Info("StatusBroadcaster", "Starting status event broadcaster (interval=%v)...", sb.interval)
	ticker := time.NewTicker(sb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sb.stop:
			return
		case <-ticker.C:
		case <-sb.kick:
		}

		sb.mu.Lock()
		clientCount := len(sb.clients)
		sb.mu.Unlock()

		if clientCount == 0 && sb.sink == nil {
			continue
		}

		event, err := serializeStatus(sb.monitor.Snapshot())
		if err != nil {
			logger.Error("StatusBroadcaster", "Serialize status: %v", err)
			continue
		}
		if sb.sink != nil {
			sb.sink.Broadcast(event.JSONData)
		}
		sb.broadcast(event)
	}
}

func (sb *StatusBroadcaster) broadcast(event *SerializedEvent) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	for _, ch := range sb.clients {
		select {
		case ch <- event:
		default:
		}
	}
}
