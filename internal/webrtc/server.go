// Package webrtc pushes live accident status to browsers over a data channel.
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/rakshak-ai/accident-monitor/internal/logger"
	"github.com/rakshak-ai/accident-monitor/internal/metrics"
)

// ChannelLabel is the data channel the dashboard opens in its offer.
const ChannelLabel = "accident-status"

// ErrTooManyClients is returned by HandleOffer when the client limit is reached.
var ErrTooManyClients = errors.New("maximum clients reached")

// Client represents a connected WebRTC client
type Client struct {
	id           string
	peerConn     *webrtc.PeerConnection
	dataChan     *webrtc.DataChannel
	sendChan     chan []byte
	closeChan    chan struct{}
	closeOnce    sync.Once
	sent         atomic.Uint64
	dropped      atomic.Uint64
	connectedAt  time.Time
	channelReady bool
}

// Server manages WebRTC connections
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	metrics    *metrics.Metrics

	lastMu sync.RWMutex
	last   []byte
}

// NewServer creates a new WebRTC server. m may be nil.
func NewServer(stunServers []string, maxClients int, m *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		if url == "" {
			continue
		}
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	// Data channels only; no media codecs are negotiated.
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine))

	return &Server{
		clients: make(map[string]*Client),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		maxClients: maxClients,
		api:        api,
		metrics:    m,
	}
}

// HandleOffer answers a browser offer. The answer carries every gathered ICE
// candidate, so no trickle signalling is needed.
func (s *Server) HandleOffer(ctx context.Context, offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("failed to parse offer: expected type %q", webrtc.SDPTypeOffer)
	}

	if s.ClientCount() >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := &Client{
		id:          uuid.NewString(),
		peerConn:    peerConn,
		sendChan:    make(chan []byte, 16),
		closeChan:   make(chan struct{}),
		connectedAt: time.Now(),
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			logger.Debug("WebRTC", "Client %s opened unknown channel %q", client.id, dc.Label())
			_ = dc.Close()
			return
		}
		dc.OnOpen(func() {
			s.clientsMu.Lock()
			client.dataChan = dc
			client.channelReady = true
			s.clientsMu.Unlock()

			go s.sendLoop(client, dc)

			// Bring the new client up to date immediately.
			if last := s.Last(); last != nil {
				s.enqueue(client, last)
			}
			logger.Info("WebRTC", "Client %s status channel open", client.id)
		})
		dc.OnClose(func() {
			s.RemoveClient(client.id)
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())

		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			logger.Info("WebRTC", "Client %s connection lost (Peer: %s), removing...", client.id, state.String())
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)

	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		peerConn.Close()
		return nil, fmt.Errorf("ice gathering: %w", ctx.Err())
	}

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		peerConn.Close()
		return nil, fmt.Errorf("no local description available")
	}

	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}

	s.clientsMu.Lock()
	s.clients[client.id] = client
	n := len(s.clients)
	s.clientsMu.Unlock()
	if s.metrics != nil {
		s.metrics.WebRTCClients.Store(int64(n))
	}

	logger.Info("WebRTC", "Client %s connected", client.id)
	return answerJSON, nil
}

// Broadcast sends payload to every open status channel and remembers it for
// clients that connect later. Slow clients drop messages.
func (s *Server) Broadcast(payload []byte) {
	s.lastMu.Lock()
	s.last = payload
	s.lastMu.Unlock()

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		if !client.channelReady {
			continue
		}
		s.enqueueLocked(client, payload)
	}
}

// Last returns the most recent broadcast payload.
func (s *Server) Last() []byte {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.last
}

func (s *Server) enqueue(client *Client, payload []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	s.enqueueLocked(client, payload)
}

func (s *Server) enqueueLocked(client *Client, payload []byte) {
	select {
	case <-client.closeChan:
	case client.sendChan <- payload:
	default:
		client.dropped.Add(1)
	}
}

func (s *Server) sendLoop(client *Client, dc *webrtc.DataChannel) {
	for {
		select {
		case <-client.closeChan:
			return
		case payload := <-client.sendChan:
			if err := dc.SendText(string(payload)); err != nil {
				logger.Warn("WebRTC", "Error sending status to client %s: %v", client.id, err)
				s.RemoveClient(client.id)
				return
			}
			client.sent.Add(1)
		}
	}
}

// RemoveClient removes a client by ID. Safe to call repeatedly and from pion
// callbacks.
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	n := len(s.clients)
	s.clientsMu.Unlock()

	if !exists {
		return
	}
	if s.metrics != nil {
		s.metrics.WebRTCClients.Store(int64(n))
	}

	client.closeOnce.Do(func() {
		close(client.closeChan)
	})
	// Closing triggers state callbacks that call back into RemoveClient.
	if err := client.peerConn.Close(); err != nil {
		logger.Debug("WebRTC", "Close client %s: %v", clientID, err)
	}

	logger.Info("WebRTC", "Client %s disconnected after %s (sent: %d, dropped: %d)",
		clientID, time.Since(client.connectedAt).Round(time.Second), client.sent.Load(), client.dropped.Load())
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// ClientStats returns per-client message counters.
func (s *Server) ClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64)
	for id, client := range s.clients {
		stats[id] = map[string]uint64{
			"messages_sent":    client.sent.Load(),
			"messages_dropped": client.dropped.Load(),
		}
	}
	return stats
}

// Close closes all client connections
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
