// Package observer streams appearance events to websocket clients and
// accepts operator requests from them.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/osCore2/osCore2-sub001/internal/bus"
	"github.com/osCore2/osCore2-sub001/internal/config"
)

const (
	subscriberName = "observer"
	writeTimeout   = 5 * time.Second
)

type wsEvent struct {
	Type      string    `json:"type"`
	AgentID   string    `json:"agentId,omitempty"`
	TextureID string    `json:"textureId,omitempty"`
	Serial    int       `json:"serial,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type wsRequest struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
}

type wsClient struct {
	conn  *websocket.Conn
	id    string
	agent uuid.UUID // uuid.Nil follows every avatar
}

type Observer struct {
	bus  *bus.MessageBus
	addr string

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server

	clients sync.Map
	nextID  atomic.Int64
}

func New(cfg config.ObserverConfig, b *bus.MessageBus) *Observer {
	host := cfg.Host
	if host == "" {
		host = config.DefaultHost
	}
	return &Observer{
		bus:  b,
		addr: net.JoinHostPort(host, fmt.Sprint(cfg.Port)),
	}
}

// Start binds the listener and serves in the background. Port 0 picks a
// free port, see Addr.
func (o *Observer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", o.addr)
	if err != nil {
		return fmt.Errorf("observer listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", o.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"clients": o.ClientCount(),
			"dropped": o.bus.Dropped(),
		})
	})

	srv := &http.Server{
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	o.mu.Lock()
	o.listener = ln
	o.server = srv
	o.mu.Unlock()

	o.bus.SubscribeOutbound(subscriberName, o.Broadcast)

	go func() {
		log.Printf("[observer] listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[observer] server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (o *Observer) Addr() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.listener != nil {
		return o.listener.Addr().String()
	}
	return o.addr
}

func (o *Observer) ClientCount() int {
	n := 0
	o.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (o *Observer) handleWS(w http.ResponseWriter, r *http.Request) {
	var agent uuid.UUID
	if q := r.URL.Query().Get("agent"); q != "" {
		id, err := uuid.Parse(q)
		if err != nil {
			http.Error(w, "invalid agent id", http.StatusBadRequest)
			return
		}
		agent = id
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[observer] websocket accept error: %v", err)
		return
	}

	clientID := fmt.Sprintf("observer-%d", o.nextID.Add(1))
	client := &wsClient{conn: conn, id: clientID, agent: agent}
	o.clients.Store(clientID, client)
	log.Printf("[observer] client connected: %s", clientID)

	defer func() {
		o.clients.Delete(clientID)
		conn.CloseNow()
		log.Printf("[observer] client disconnected: %s", clientID)
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			o.reply(client, wsEvent{Type: "error", Error: "malformed request"})
			continue
		}
		in, err := toInbound(req, clientID)
		if err != nil {
			o.reply(client, wsEvent{Type: "error", AgentID: req.AgentID, Error: err.Error()})
			continue
		}

		select {
		case o.bus.Inbound <- in:
			o.reply(client, wsEvent{Type: "ack", AgentID: req.AgentID})
		default:
			log.Printf("[observer] warning: inbound buffer full, rejected %s from %s", in.Kind, clientID)
			o.reply(client, wsEvent{Type: "error", AgentID: req.AgentID, Error: "busy"})
		}
	}
}

func toInbound(req wsRequest, source string) (bus.InboundRequest, error) {
	kind := bus.RequestKind(req.Type)
	switch kind {
	case bus.RequestSendAppearance, bus.RequestValidate, bus.RequestRebake, bus.RequestReset:
	default:
		return bus.InboundRequest{}, fmt.Errorf("unknown request %q", req.Type)
	}
	id, err := uuid.Parse(req.AgentID)
	if err != nil {
		return bus.InboundRequest{}, fmt.Errorf("invalid agent id")
	}
	return bus.InboundRequest{
		Kind:      kind,
		AgentID:   id,
		Source:    source,
		Timestamp: time.Now(),
	}, nil
}

// Broadcast writes ev to every client following its avatar.
func (o *Observer) Broadcast(ev bus.OutboundEvent) {
	msg := wsEvent{
		Type:      string(ev.Kind),
		AgentID:   ev.AgentID.String(),
		Serial:    ev.Serial,
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp,
	}
	if ev.TextureID != uuid.Nil {
		msg.TextureID = ev.TextureID.String()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[observer] marshal %s event: %v", ev.Kind, err)
		return
	}

	o.clients.Range(func(_, value any) bool {
		c := value.(*wsClient)
		if c.agent != uuid.Nil && c.agent != ev.AgentID {
			return true
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
			log.Printf("[observer] write to %s: %v", c.id, err)
		}
		return true
	})
}

func (o *Observer) reply(c *wsClient, msg wsEvent) {
	msg.Timestamp = time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_ = c.conn.Write(ctx, websocket.MessageText, data)
}

func (o *Observer) Stop() error {
	o.bus.UnsubscribeOutbound(subscriberName)

	o.mu.Lock()
	srv := o.server
	o.mu.Unlock()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("[observer] shutdown error: %v", err)
		}
	}
	o.clients.Range(func(_, value any) bool {
		value.(*wsClient).conn.CloseNow()
		return true
	})
	log.Printf("[observer] stopped")
	return nil
}
