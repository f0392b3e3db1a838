package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"HedgeVault/internal/ingestion"
	"HedgeVault/internal/observability"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 54 * time.Second // below streamPongWait
	streamSendBuffer = 256
	streamReadLimit  = 4 * 1024
)

// StreamMessage is one frame sent to stream clients.
type StreamMessage struct {
	Type  string                   `json:"type"` // event, welcome or subscribed
	Event *ingestion.OutboundEvent `json:"event,omitempty"`
	Types []string                 `json:"types,omitempty"`
}

// subscribeRequest narrows a client to some notice types. An empty list
// means everything.
type subscribeRequest struct {
	Type  string   `json:"type"`
	Types []string `json:"types"`
}

// Hub fans published vault events out to websocket clients. Clients that
// fall behind are disconnected rather than slowing the publisher.
type Hub struct {
	upgrader websocket.Upgrader
	metrics  *observability.Metrics
	log      zerolog.Logger

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	closed  bool
}

type streamClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu    sync.RWMutex
	types map[string]bool
}

func NewHub(metrics *observability.Metrics, log zerolog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// origin policy is enforced by the CORS layer in front
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		metrics: metrics,
		log:     log.With().Str("component", "stream").Logger(),
		clients: make(map[*streamClient]struct{}),
	}
}

// ServeHTTP upgrades the request and streams events until the client leaves.
// ?types=ticket_issued,claimed filters from the start.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &streamClient{hub: h, conn: conn, send: make(chan []byte, streamSendBuffer)}
	if q := r.URL.Query().Get("types"); q != "" {
		c.subscribe(strings.Split(q, ","))
	}
	welcome, _ := json.Marshal(StreamMessage{Type: "welcome"})
	c.send <- welcome
	if !h.register(c) {
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *streamClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.setGauge()
	return true
}

func (h *Hub) unregister(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.setGauge()
	}
}

// setGauge expects h.mu held.
func (h *Hub) setGauge() {
	if h.metrics != nil {
		h.metrics.StreamClients.Set(float64(len(h.clients)))
	}
}

// Broadcast sends events to every interested client. It never blocks.
func (h *Hub) Broadcast(events []ingestion.OutboundEvent) {
	if len(events) == 0 {
		return
	}

	frames := make([][]byte, len(events))
	for i := range events {
		data, err := json.Marshal(StreamMessage{Type: "event", Event: &events[i]})
		if err != nil {
			h.log.Error().Err(err).Int64("sequence", events[i].Sequence).Msg("marshal stream event")
			continue
		}
		frames[i] = data
	}

	var slow []*streamClient
	h.mu.RLock()
	for c := range h.clients {
	perClient:
		for i, e := range events {
			if frames[i] == nil || !c.wants(e.Notice.Type.String()) {
				continue
			}
			select {
			case c.send <- frames[i]:
			default:
				slow = append(slow, c)
				break perClient
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("dropping slow stream client")
		h.unregister(c)
	}
}

// sendTo queues one frame for a registered client, dropping it when the
// client's buffer is full.
func (h *Hub) sendTo(c *streamClient, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.setGauge()
}

func (c *streamClient) subscribe(types []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(types) == 0 {
		c.types = nil
		return
	}
	c.types = make(map[string]bool, len(types))
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			c.types[t] = true
		}
	}
}

func (c *streamClient) wants(noticeType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.types == nil || c.types[noticeType]
}

func (c *streamClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(streamReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	for {
		var req subscribeRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug().Err(err).Msg("stream read")
			}
			return
		}
		if req.Type == "subscribe" {
			c.subscribe(req.Types)
			ack, _ := json.Marshal(StreamMessage{Type: "subscribed", Types: req.Types})
			c.hub.sendTo(c, ack)
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
