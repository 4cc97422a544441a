// Package notify fans the pipeline's lifecycle events out to whatever is
// listening: connected WebSocket clients by default, and optionally a
// signed webhook and a Redis Pub/Sub channel. The webhook and Redis sinks
// run in their own goroutines and each WebSocket write has a short
// deadline, so a slow or failing sink never blocks the caller for long.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	rpcmessage "github.com/AgustinSRG/go-simple-rpc-message"
)

// Emitter delivers one named event with an arbitrary JSON-able payload to
// every configured sink.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any)
}

// WebhookConfig configures the optional HMAC-signed outbound webhook
// sink. URL == "" disables it.
type WebhookConfig struct {
	URL    string
	Secret string
}

// RedisConfig configures the optional Redis Pub/Sub sink. Addr == ""
// disables it.
type RedisConfig struct {
	Addr    string
	Channel string
}

// Default is the standard Emitter: broadcast to WebSocket clients plus
// the optional webhook and Redis sinks.
type Default struct {
	log *zap.Logger

	hub *Hub

	webhook WebhookConfig
	http    *http.Client

	redis   *redis.Client
	redisCh string
}

// NewDefault builds a Default emitter. redisCfg.Addr == "" leaves the
// Redis sink disabled.
func NewDefault(log *zap.Logger, hub *Hub, webhook WebhookConfig, redisCfg RedisConfig) *Default {
	d := &Default{
		log:     log,
		hub:     hub,
		webhook: webhook,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
	if redisCfg.Addr != "" {
		d.redis = redis.NewClient(&redis.Options{Addr: redisCfg.Addr})
		d.redisCh = redisCfg.Channel
		if d.redisCh == "" {
			d.redisCh = "ingestd-events"
		}
	}
	return d
}

// Emit implements Emitter. It never blocks on a slow sink for long: the
// webhook POST and Redis publish each run in their own goroutine, and
// each WebSocket write is bounded by wsWriteTimeout.
func (d *Default) Emit(ctx context.Context, event string, payload any) {
	d.hub.Broadcast(event, payload)

	if d.webhook.URL != "" {
		go d.postWebhook(event, payload)
	}
	if d.redis != nil {
		go d.publishRedis(event, payload)
	}
}

func (d *Default) postWebhook(event string, payload any) {
	body, err := json.Marshal(map[string]any{"event": event, "payload": payload})
	if err != nil {
		d.log.Warn("notify: marshal webhook payload", zap.Error(err))
		return
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"event": event,
		"iat":   time.Now().Unix(),
	})
	signed, err := token.SignedString([]byte(d.webhook.Secret))
	if err != nil {
		d.log.Warn("notify: sign webhook token", zap.Error(err))
		return
	}

	req, err := http.NewRequest(http.MethodPost, d.webhook.URL, bytes.NewReader(body))
	if err != nil {
		d.log.Warn("notify: build webhook request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+signed)

	resp, err := d.http.Do(req)
	if err != nil {
		d.log.Warn("notify: webhook post failed", zap.Error(err), zap.String("event", event))
		return
	}
	defer resp.Body.Close()
}

func (d *Default) publishRedis(event string, payload any) {
	body, err := json.Marshal(map[string]any{"event": event, "payload": payload})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.redis.Publish(ctx, d.redisCh, body).Err(); err != nil {
		d.log.Warn("notify: redis publish failed", zap.Error(err), zap.String("event", event))
	}
}

// Hub is a small WebSocket broadcaster: every connected client receives
// every event, framed as an RPCMessage whose Method is the event name and
// whose Params carry the payload's fields, each rendered as a string.
type Hub struct {
	log *zap.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub builds an empty Hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{log: log, clients: make(map[*websocket.Conn]struct{})}
}

// Add registers a newly upgraded WebSocket connection.
func (h *Hub) Add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = struct{}{}
}

// Remove unregisters and closes a connection.
func (h *Hub) Remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		_ = conn.Close()
	}
}

// wsWriteTimeout bounds each WebSocket write in Broadcast.
const wsWriteTimeout = time.Second

// Broadcast sends event to every connected client. A client that fails a
// write (including one that misses the write deadline) is dropped rather
// than retried.
func (h *Hub) Broadcast(event string, payload any) {
	params := make(map[string]string)
	if m, ok := payload.(map[string]any); ok {
		for k, v := range m {
			params[k] = stringify(v)
		}
	}
	msg := rpcmessage.RPCMessage{Method: event, Params: params}
	wire := []byte(msg.Serialize())

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, wire); err != nil {
			h.log.Debug("notify: dropping websocket client after write error", zap.Error(err))
			delete(h.clients, conn)
			_ = conn.Close()
		}
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
