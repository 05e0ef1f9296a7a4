package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/consult-platform/internal/models"
	"go.uber.org/zap"
)

// Control frames exchanged over the websocket next to domain events.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"

	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventError        = "error"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

type ClientFrame struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

type errorData struct {
	Message string `json:"message"`
}

// Authorizer decides whether user may listen on channel.
type Authorizer func(ctx context.Context, user *models.User, channel string) error

// Hub bridges websocket clients onto broker subscriptions.
type Hub struct {
	sub       Subscriber
	authorize Authorizer
	log       *zap.SugaredLogger
	upgrader  websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*wsConn
}

func NewHub(sub Subscriber, authorize Authorizer, log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		sub:       sub,
		authorize: authorize,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns: make(map[string]*wsConn),
	}
}

// ServeWS upgrades the request and serves the authenticated user until the
// socket closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, user *models.User) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		id:     uuid.NewString(),
		hub:    h,
		user:   user,
		ws:     ws,
		send:   make(chan Event, sendBuffer),
		subs:   make(map[string]Subscription),
		ctx:    ctx,
		cancel: cancel,
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.log.Debugw("websocket connected", "conn_id", c.id, "user_id", user.ID)

	go c.writePump()
	c.readPump()
}

// Connections returns the number of open sockets.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown closes every socket.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.cancel()
		_ = c.ws.Close()
	}
}

func (h *Hub) remove(c *wsConn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
}

type wsConn struct {
	id   string
	hub  *Hub
	user *models.User
	ws   *websocket.Conn
	send chan Event

	mu   sync.Mutex
	subs map[string]Subscription

	ctx    context.Context
	cancel context.CancelFunc
}

func (c *wsConn) readPump() {
	defer func() {
		c.cancel()
		c.closeSubs()
		c.hub.remove(c)
		_ = c.ws.Close()
		c.hub.log.Debugw("websocket disconnected", "conn_id", c.id, "user_id", c.user.ID)
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f ClientFrame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Warnw("websocket read failed", "conn_id", c.id, "err", err)
			}
			return
		}

		switch f.Action {
		case ActionSubscribe:
			c.subscribe(f.Channel)
		case ActionUnsubscribe:
			c.unsubscribe(f.Channel)
		default:
			c.fail(f.Channel, "unknown action")
		}
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case ev := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(ev); err != nil {
				c.hub.log.Warnw("websocket write failed", "conn_id", c.id, "err", err)
				c.cancel()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *wsConn) subscribe(channel string) {
	if err := c.hub.authorize(c.ctx, c.user, channel); err != nil {
		c.fail(channel, err.Error())
		return
	}

	c.mu.Lock()
	if _, ok := c.subs[channel]; ok {
		c.mu.Unlock()
		c.enqueue(Event{Name: EventSubscribed, Channel: channel})
		return
	}
	c.mu.Unlock()

	sub, err := c.hub.sub.Subscribe(c.ctx, channel)
	if err != nil {
		c.hub.log.Warnw("broker subscribe failed", "conn_id", c.id, "channel", channel, "err", err)
		c.fail(channel, "subscribe failed")
		return
	}

	c.mu.Lock()
	if _, ok := c.subs[channel]; ok {
		c.mu.Unlock()
		_ = sub.Close()
		c.enqueue(Event{Name: EventSubscribed, Channel: channel})
		return
	}
	c.subs[channel] = sub
	c.mu.Unlock()

	// ack before forwarding anything so the client sees subscribed first
	c.enqueue(Event{Name: EventSubscribed, Channel: channel})
	go c.forward(sub)
}

func (c *wsConn) unsubscribe(channel string) {
	c.mu.Lock()
	sub, ok := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()

	if ok {
		_ = sub.Close()
	}
	c.enqueue(Event{Name: EventUnsubscribed, Channel: channel})
}

func (c *wsConn) forward(sub Subscription) {
	for ev := range sub.Events() {
		c.enqueue(ev)
	}
}

func (c *wsConn) enqueue(ev Event) {
	select {
	case <-c.ctx.Done():
	case c.send <- ev:
	default:
		c.hub.log.Warnw("websocket send buffer full, disconnecting", "conn_id", c.id)
		c.cancel()
		_ = c.ws.Close()
	}
}

func (c *wsConn) fail(channel, msg string) {
	b, _ := json.Marshal(errorData{Message: msg})
	c.enqueue(Event{Name: EventError, Channel: channel, Data: b})
}

func (c *wsConn) closeSubs() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]Subscription)
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
}
