// Package transport owns the broadcast socket: one persistent connection
// with reconnect and backoff, decoding every inbound envelope once into a
// ledger.SyncEvent before fanning it out to listeners.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/gridsync/internal/ledger"
)

var (
	ErrNotConnected    = errors.New("socket not connected")
	ErrClosed          = errors.New("socket closed")
	ErrInvalidIdentity = errors.New("invalid socket identity")
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// Identity authenticates the socket and names the subscriber.
type Identity struct {
	UserID int64
	Token  string
}

func (i Identity) Valid() bool {
	return i.UserID > 0 && strings.TrimSpace(i.Token) != ""
}

// Listener receives decoded events on the socket goroutine.
type Listener func(ledger.SyncEvent)

type Options struct {
	URL    string
	Table  string
	Dialer Dialer
	Logger logrus.FieldLogger
	// BaseDelay and MaxDelay shape the reconnect backoff (1s and 30s when
	// unset).
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Sleep waits out a reconnect delay. Defaults to a timer honouring ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

type subscribeMessage struct {
	Type   string `json:"type"`
	Table  string `json:"table"`
	UserID int64  `json:"userId"`
}

type listenerEntry struct {
	id uint64
	fn Listener
}

type Client struct {
	url       string
	table     string
	dialer    Dialer
	logger    logrus.FieldLogger
	baseDelay time.Duration
	maxDelay  time.Duration
	sleep     func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	identity Identity
	state    State
	conn     Conn
	cancel   context.CancelFunc
	done     chan struct{}
	attempts int

	listenersMu  sync.RWMutex
	listeners    []listenerEntry
	nextListener uint64
}

func NewClient(opts Options) (*Client, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, fmt.Errorf("socket url is required")
	}
	table := strings.TrimSpace(opts.Table)
	if table == "" {
		table = "records"
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	logger := opts.Logger
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = waitWithContext
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &Client{
		url:       url,
		table:     table,
		dialer:    dialer,
		logger:    logger.WithField("component", "transport"),
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		sleep:     sleep,
	}, nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers a listener and returns its unsubscribe function.
// Listeners run on the socket goroutine and must not call Disconnect,
// Reconnect or UpdateCredentials synchronously.
func (c *Client) Subscribe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	c.listenersMu.Lock()
	c.nextListener++
	id := c.nextListener
	c.listeners = append(c.listeners, listenerEntry{id: id, fn: listener})
	c.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenersMu.Lock()
			defer c.listenersMu.Unlock()
			for i, entry := range c.listeners {
				if entry.id == id {
					c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Connect starts the connection loop for identity. It returns immediately;
// the loop dials, subscribes and reconnects in the background.
func (c *Client) Connect(identity Identity) error {
	if !identity.Valid() {
		c.logger.Warn("no valid identity; staying disconnected")
		return ErrInvalidIdentity
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = identity
	if c.done != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	c.setStateLocked(StateConnecting)
	go c.run(ctx, done, identity)
	return nil
}

// Disconnect closes the socket cleanly; no reconnect is scheduled. It is
// the only clean close: peer closures of any status are retried. It
// blocks until the connection loop has exited.
func (c *Client) Disconnect() {
	c.mu.Lock()
	done, conn := c.done, c.conn
	if done == nil {
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateClosing)
	c.cancel()
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	<-done

	c.mu.Lock()
	if c.done == nil {
		c.conn = nil
		c.attempts = 0
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()
	c.logger.Info("socket disconnected")
}

// Reconnect tears the connection down and dials again with the current
// identity.
func (c *Client) Reconnect() error {
	c.Disconnect()
	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()
	return c.Connect(identity)
}

// UpdateCredentials replaces the identity and reconnects with it. An
// invalid identity leaves the client disconnected.
func (c *Client) UpdateCredentials(identity Identity) error {
	c.Disconnect()
	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()
	return c.Connect(identity)
}

// Send writes payload as JSON. When the socket is not open the payload is
// dropped with a warning.
func (c *Client) Send(ctx context.Context, payload any) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if conn == nil || state != StateOpen {
		c.logger.WithField("state", state.String()).Warn("send while socket not open; dropping payload")
		return ErrNotConnected
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.Write(ctx, data)
}

func (c *Client) Close() error {
	c.Disconnect()
	return nil
}

func (c *Client) run(ctx context.Context, done chan struct{}, identity Identity) {
	defer close(done)
	for {
		peerClosed, err := c.session(ctx, identity)
		if ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		c.conn = nil
		c.attempts++
		attempts := c.attempts
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()

		// Only Disconnect ends the loop. A peer normal closure (a server
		// restart, an idle proxy) is retried like any other drop.
		delay := Backoff(attempts, c.baseDelay, c.maxDelay)
		reconnectsTotal.Inc()
		entry := c.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempts,
			"delay":   delay.String(),
		})
		if peerClosed {
			entry.Info("socket closed by peer; scheduling reconnect")
		} else {
			entry.Warn("socket closed uncleanly; scheduling reconnect")
		}
		if err := c.sleep(ctx, delay); err != nil {
			return
		}
	}
}

// session dials once and reads until the connection ends. peerClosed
// reports a normal closure by the peer.
func (c *Client) session(ctx context.Context, identity Identity) (peerClosed bool, err error) {
	c.mu.Lock()
	if ctx.Err() == nil {
		c.setStateLocked(StateConnecting)
	}
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(identity.Token))
	conn, err := c.dialer.Dial(ctx, c.url, header)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return false, ctx.Err()
	}
	c.conn = conn
	c.attempts = 0
	c.setStateLocked(StateOpen)
	c.mu.Unlock()
	c.logger.WithField("userId", identity.UserID).Info("socket open")

	subscribe, _ := json.Marshal(subscribeMessage{Type: "subscribe", Table: c.table, UserID: identity.UserID})
	if err := conn.Write(ctx, subscribe); err != nil {
		c.logger.WithError(err).Warn("subscribe announcement failed")
	}

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			_ = conn.Close()
			return IsCleanClose(err), err
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	event, err := ledger.DecodeSyncEvent(data)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownEvent) {
			messagesTotal.WithLabelValues("unknown").Inc()
			c.logger.WithError(err).Debug("ignoring socket message")
			return
		}
		messagesTotal.WithLabelValues("malformed").Inc()
		c.logger.WithError(err).Warn("dropping malformed socket message")
		return
	}
	if event.Skipped > 0 {
		c.logger.WithFields(logrus.Fields{"event": event.Type, "skipped": event.Skipped}).Warn("event carried undecodable records")
	}
	messagesTotal.WithLabelValues("delivered").Inc()

	c.listenersMu.RLock()
	listeners := make([]listenerEntry, len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.RUnlock()
	for _, entry := range listeners {
		c.deliver(entry.fn, event)
	}
}

func (c *Client) deliver(listener Listener, event ledger.SyncEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithField("event", event.Type).Errorf("listener panicked: %v", r)
		}
	}()
	listener(event)
}

func (c *Client) setStateLocked(state State) {
	c.state = state
	connectionState.Set(float64(state))
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
