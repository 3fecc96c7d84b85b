// Package websocket pushes appointment lifecycle events to connected
// browsers. Clients subscribe to appointment/<id>, patient/<id> or
// doctor/<id> topics and receive every event touching those resources.
// Patients may only watch their own patient topic and their own
// appointments; doctors and admins may watch any topic.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/platform/auth"
	"github.com/ehr/clinic/internal/platform/events"
	"github.com/ehr/clinic/internal/platform/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64

	ownerLookupTimeout = 5 * time.Second
)

var topicPrefixes = []string{"appointment/", "patient/", "doctor/"}

// ValidTopic reports whether topic names a resource the hub publishes on.
func ValidTopic(topic string) bool {
	for _, p := range topicPrefixes {
		if strings.HasPrefix(topic, p) && len(topic) > len(p) {
			return true
		}
	}
	return false
}

// Message is the frame delivered to clients.
type Message struct {
	Topic string       `json:"topic"`
	Event events.Event `json:"event"`
}

// ClientMessage is an inbound subscribe/unsubscribe request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is one live connection. UserID and Roles identify the caller and
// decide which topics it may join.
type Client struct {
	ID     string
	UserID string
	Roles  []string
	Topics []string
	Send   chan []byte
}

func NewClient() *Client {
	return &Client{ID: uuid.New().String(), Send: make(chan []byte, sendBuffer)}
}

// AppointmentOwner resolves the patient an appointment belongs to.
type AppointmentOwner func(ctx context.Context, appointmentID string) (string, error)

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	all     map[*Client]struct{}
	owner   AppointmentOwner
	logger  zerolog.Logger
	metrics *metrics.Collector
}

func NewHub(logger zerolog.Logger, m *metrics.Collector) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "websocket").Logger(),
		metrics: m,
	}
}

// SetAppointmentOwner installs the lookup used to let patients watch their
// own appointment topics. Without it patients are limited to patient/<self>.
func (h *Hub) SetAppointmentOwner(fn AppointmentOwner) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.owner = fn
}

// Register adds a client and subscribes it to the initial topics it is
// allowed to watch.
func (h *Hub) Register(client *Client) {
	topics := h.permitted(client, client.Topics)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	client.Topics = nil
	h.subscribeLocked(client, topics)
	h.metrics.SetWebSocketClients(len(h.all))
}

// Unregister drops the client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	h.unsubscribeLocked(client, client.Topics)
	delete(h.all, client)
	close(client.Send)
	h.metrics.SetWebSocketClients(len(h.all))
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	topics = h.permitted(client, topics)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeLocked(client, topics)
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(client, topics)
}

func (h *Hub) subscribeLocked(client *Client, topics []string) {
	for _, topic := range topics {
		if !ValidTopic(topic) {
			continue
		}
		subs := h.clients[topic]
		if subs == nil {
			subs = make(map[*Client]struct{})
			h.clients[topic] = subs
		}
		if _, already := subs[client]; already {
			continue
		}
		subs[client] = struct{}{}
		client.Topics = append(client.Topics, topic)
	}
}

// permitted drops the topics client may not watch. It runs outside the hub
// lock because appointment ownership may need a store lookup.
func (h *Hub) permitted(client *Client, topics []string) []string {
	ctx := auth.WithUser(context.Background(), client.UserID, client.Roles)
	if auth.HasRole(ctx, auth.RoleDoctor) {
		return topics
	}
	out := make([]string, 0, len(topics))
	for _, topic := range topics {
		if h.canWatch(ctx, client.UserID, topic) {
			out = append(out, topic)
			continue
		}
		h.logger.Warn().
			Str("client_id", client.ID).
			Str("user_id", client.UserID).
			Str("topic", topic).
			Msg("subscription refused")
	}
	return out
}

func (h *Hub) canWatch(ctx context.Context, userID, topic string) bool {
	if userID == "" || !auth.HasRole(ctx, auth.RolePatient) {
		return false
	}
	if topic == "patient/"+userID {
		return true
	}
	id, ok := strings.CutPrefix(topic, "appointment/")
	if !ok || id == "" {
		return false
	}

	h.mu.RLock()
	owner := h.owner
	h.mu.RUnlock()
	if owner == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, ownerLookupTimeout)
	defer cancel()
	patientID, err := owner(ctx, id)
	if err != nil {
		return false
	}
	return patientID == userID
}

func (h *Hub) unsubscribeLocked(client *Client, topics []string) {
	remove := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		remove[topic] = struct{}{}
		if subs, ok := h.clients[topic]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.clients, topic)
			}
		}
	}

	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if _, rm := remove[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// ProcessMessage applies a client request.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Publish delivers e on each of its topics. A client subscribed to several of
// them receives the event once, framed with the first matching topic. Slow
// clients whose buffers are full miss the event rather than block the caller.
func (h *Hub) Publish(_ context.Context, e events.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := make(map[*Client]struct{})
	for _, topic := range e.Topics() {
		subs := h.clients[topic]
		if len(subs) == 0 {
			continue
		}
		data, err := json.Marshal(Message{Topic: topic, Event: e})
		if err != nil {
			return err
		}
		for client := range subs {
			if _, done := delivered[client]; done {
				continue
			}
			delivered[client] = struct{}{}
			select {
			case client.Send <- data:
			default:
				h.logger.Warn().Str("client_id", client.ID).Str("topic", topic).Msg("client buffer full, dropping event")
			}
		}
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// ---------------------------------------------------------------------------
// HTTP upgrade handler
// ---------------------------------------------------------------------------

// Handler upgrades GET /ws and pumps frames between the socket and the hub.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler accepts connections whose Origin is in allowedOrigins. An empty
// list or "*" allows any origin.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if allowAll || origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades the request. Initial topics may be passed as a
// comma-separated "topics" query parameter. The caller's identity comes from
// the auth middleware in front of the route.
func (h *Handler) HandleConnect(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient()
	ctx := c.Request().Context()
	client.UserID = auth.UserIDFromContext(ctx)
	client.Roles = auth.RolesFromContext(ctx)
	if q := c.QueryParam("topics"); q != "" {
		client.Topics = strings.Split(q, ",")
	}
	h.hub.Register(client)

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(4096)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if _, ok := err.(*json.SyntaxError); ok {
				continue
			}
			return
		}
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
