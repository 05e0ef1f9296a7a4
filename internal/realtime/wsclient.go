package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrAlreadySubscribed = errors.New("realtime: channel already subscribed")
	ErrConnClosed        = errors.New("realtime: connection closed")
)

// WSSubscriber multiplexes channel subscriptions over one websocket to the Hub.
type WSSubscriber struct {
	ws  *websocket.Conn
	log *zap.SugaredLogger

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[string]*wsSub
	pending map[string]chan error
	closed  bool
	done    chan struct{}
}

// DialWS connects to the hub at url authenticating with a bearer token.
func DialWS(ctx context.Context, url, token string, log *zap.SugaredLogger) (*WSSubscriber, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime: dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime: dial %s: %w", url, err)
	}

	c := &WSSubscriber{
		ws:      ws,
		log:     log,
		subs:    make(map[string]*wsSub),
		pending: make(map[string]chan error),
		done:    make(chan struct{}),
	}
	ws.SetPingHandler(func(data string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	go c.readLoop()
	return c, nil
}

// Done is closed once the connection is gone.
func (c *WSSubscriber) Done() <-chan struct{} { return c.done }

func (c *WSSubscriber) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ack := make(chan error, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	if _, ok := c.subs[channel]; ok {
		c.mu.Unlock()
		return nil, ErrAlreadySubscribed
	}
	if _, ok := c.pending[channel]; ok {
		c.mu.Unlock()
		return nil, ErrAlreadySubscribed
	}
	s := &wsSub{client: c, channel: channel, events: make(chan Event, subscriptionBuffer)}
	// registered before the ack so events right after it are not lost
	c.subs[channel] = s
	c.pending[channel] = ack
	c.mu.Unlock()

	fail := func(err error) (Subscription, error) {
		c.mu.Lock()
		if c.subs[channel] == s {
			delete(c.subs, channel)
		}
		delete(c.pending, channel)
		c.mu.Unlock()
		s.shut()
		return nil, err
	}

	if err := c.write(ClientFrame{Action: ActionSubscribe, Channel: channel}); err != nil {
		return fail(err)
	}

	select {
	case err := <-ack:
		if err != nil {
			return fail(err)
		}
		return s, nil
	case <-ctx.Done():
		_ = c.write(ClientFrame{Action: ActionUnsubscribe, Channel: channel})
		return fail(ctx.Err())
	case <-c.done:
		return fail(ErrConnClosed)
	}
}

// Close drops the socket and ends every subscription.
func (c *WSSubscriber) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *WSSubscriber) write(f ClientFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(f)
}

func (c *WSSubscriber) readLoop() {
	defer c.shutdown()
	for {
		var ev Event
		if err := c.ws.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warnw("realtime connection lost", "err", err)
			}
			return
		}

		switch ev.Name {
		case EventSubscribed:
			c.resolve(ev.Channel, nil)
		case EventUnsubscribed:
		case EventError:
			var d errorData
			_ = json.Unmarshal(ev.Data, &d)
			c.resolve(ev.Channel, fmt.Errorf("realtime: %s: %s", ev.Channel, d.Message))
		default:
			c.mu.Lock()
			s := c.subs[ev.Channel]
			c.mu.Unlock()
			if s != nil {
				s.deliver(ev, c.log)
			}
		}
	}
}

func (c *WSSubscriber) resolve(channel string, err error) {
	c.mu.Lock()
	ack, ok := c.pending[channel]
	delete(c.pending, channel)
	c.mu.Unlock()
	if ok {
		ack <- err
	}
}

func (c *WSSubscriber) shutdown() {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]*wsSub)
	c.pending = make(map[string]chan error)
	c.mu.Unlock()

	close(c.done)
	for _, s := range subs {
		s.shut()
	}
}

type wsSub struct {
	client  *WSSubscriber
	channel string
	events  chan Event

	mu     sync.Mutex
	closed bool
}

func (s *wsSub) Channel() string      { return s.channel }
func (s *wsSub) Events() <-chan Event { return s.events }

func (s *wsSub) deliver(ev Event, log *zap.SugaredLogger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		log.Warnw("subscription buffer full, dropping event", "channel", s.channel, "event", ev.Name)
	}
}

// shut closes the local side only.
func (s *wsSub) shut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.events)
	return true
}

func (s *wsSub) Close() error {
	if !s.shut() {
		return nil
	}
	c := s.client
	c.mu.Lock()
	if c.subs[s.channel] == s {
		delete(c.subs, s.channel)
	}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	return c.write(ClientFrame{Action: ActionUnsubscribe, Channel: s.channel})
}
