package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"AgentLedger/internal/event"
	"AgentLedger/internal/ingestion"
	"AgentLedger/internal/observability"
	"AgentLedger/internal/persistence"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const streamClientBuffer = 256

// StreamHub fans persisted event records out to websocket clients. Clients
// filter with ?types=EscrowLocked,DisputeOpened and/or ?entity=<id>.
// A client that falls behind loses records rather than slowing the hub.
type StreamHub struct {
	upgrader websocket.Upgrader
	metrics  *observability.Metrics
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[uint64]*streamClient
	nextID  atomic.Uint64
}

type streamClient struct {
	types  map[event.RecordType]bool // empty means all
	entity string
	out    chan []byte
	drops  atomic.Int64
}

func NewStreamHub(metrics *observability.Metrics) *StreamHub {
	return &StreamHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		metrics: metrics,
		logger:  observability.NewLogger("stream"),
		clients: make(map[uint64]*streamClient),
	}
}

var _ persistence.PersistedMarker = (*StreamHub)(nil)

// MarkPersisted broadcasts the records of committed rows.
func (h *StreamHub) MarkPersisted(_ context.Context, rows []persistence.EventRow) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return nil
	}
	for _, row := range rows {
		evts, err := ingestion.PublishablesFromRow(row)
		if err != nil {
			return err
		}
		for _, evt := range evts {
			h.broadcast(evt)
		}
	}
	return nil
}

func (h *StreamHub) broadcast(evt ingestion.PublishableEvent) {
	var msg []byte
	for _, c := range h.clients {
		if !c.wants(evt.Record) {
			continue
		}
		if msg == nil {
			var err error
			if msg, err = json.Marshal(evt); err != nil {
				h.logger.Warn().Err(err).Int64("seq", evt.Sequence).Msg("marshal stream record")
				return
			}
		}
		select {
		case c.out <- msg:
		default:
			c.drops.Add(1)
		}
	}
}

func (c *streamClient) wants(r event.Record) bool {
	if len(c.types) > 0 && !c.types[r.Type] {
		return false
	}
	return c.entity == "" || c.entity == r.EntityID
}

// ClientCount returns the number of connected clients.
func (h *StreamHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *StreamHub) register(c *streamClient) uint64 {
	id := h.nextID.Add(1)
	h.mu.Lock()
	h.clients[id] = c
	n := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.StreamClients.Set(float64(n))
	}
	return id
}

func (h *StreamHub) unregister(id uint64) {
	h.mu.Lock()
	delete(h.clients, id)
	n := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.StreamClients.Set(float64(n))
	}
}

func parseStreamFilter(r *http.Request) *streamClient {
	c := &streamClient{
		types:  make(map[event.RecordType]bool),
		entity: r.URL.Query().Get("entity"),
		out:    make(chan []byte, streamClientBuffer),
	}
	if v := r.URL.Query().Get("types"); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				c.types[event.RecordType(t)] = true
			}
		}
	}
	return c
}

// ServeHTTP upgrades the connection and streams records until either side
// closes.
func (h *StreamHub) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	client := parseStreamFilter(r)
	id := h.register(client)
	defer h.unregister(id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Writer goroutine.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(30 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case b := <-client.out:
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					cancel()
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// Reader loop: clients only send pongs and close frames.
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	cancel()
	<-writerDone
	if n := client.drops.Load(); n > 0 {
		h.logger.Info().Uint64("client", id).Int64("dropped", n).Msg("stream client fell behind")
	}
}
