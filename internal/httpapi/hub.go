package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/gridsync/internal/ledger"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

// subscribeMessage is the first frame a client sends after connecting.
type subscribeMessage struct {
	Type   string `json:"type"`
	Table  string `json:"table"`
	UserID int64  `json:"userId"`
}

type hubClient struct {
	userID int64
	send   chan []byte
}

// Hub fans broadcasts out to every connected socket. A client that cannot
// keep up is disconnected rather than blocking the others.
type Hub struct {
	logger logrus.FieldLogger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
}

func NewHub(logger logrus.FieldLogger) *Hub {
	return &Hub{logger: logger, clients: map[*hubClient]struct{}{}}
}

// Broadcast sends env to every client.
func (h *Hub) Broadcast(env ledger.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.WithError(err).Error("encode broadcast")
		return
	}
	broadcastsTotal.WithLabelValues(string(env.Type)).Inc()
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			h.logger.WithField("userId", client.userID).Warn("socket client too slow; dropping")
			h.removeLocked(client)
		}
	}
}

// Clients reports the number of connected sockets.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(client *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = struct{}{}
	socketClients.Set(float64(len(h.clients)))
}

func (h *Hub) remove(client *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client)
}

func (h *Hub) removeLocked(client *hubClient) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	socketClients.Set(float64(len(h.clients)))
}

// serve runs one socket until the peer leaves, the request context ends or
// the hub drops the client.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request, userID int64) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.WithError(err).Warn("socket accept failed")
		return
	}
	defer conn.CloseNow()

	client := &hubClient{userID: userID, send: make(chan []byte, clientBuffer)}
	h.add(client)
	defer h.remove(client)
	logger := h.logger.WithField("userId", userID)
	logger.Info("socket connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			var msg subscribeMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			if msg.Type == "subscribe" {
				logger.WithField("table", msg.Table).Debug("socket subscribed")
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			logger.Info("socket disconnected")
			return
		case data, ok := <-client.send:
			if !ok {
				_ = conn.Close(websocket.StatusPolicyViolation, "too slow")
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				logger.WithError(err).Warn("socket write failed")
				return
			}
		}
	}
}
