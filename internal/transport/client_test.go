package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/gridsync/internal/ledger"
)

type readResult struct {
	data []byte
	err  error
}

type fakeConn struct {
	inbound   chan readResult
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan readResult, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case r := <-c.inbound:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

type dialStep struct {
	conn *fakeConn
	err  error
}

type fakeDialer struct {
	mu      sync.Mutex
	steps   []dialStep
	calls   int32
	headers []http.Header
}

func (d *fakeDialer) Dial(_ context.Context, _ string, header http.Header) (Conn, error) {
	atomic.AddInt32(&d.calls, 1)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.headers = append(d.headers, header)
	if len(d.steps) == 0 {
		return nil, errors.New("connection refused")
	}
	step := d.steps[0]
	d.steps = d.steps[1:]
	if step.err != nil {
		return nil, step.err
	}
	return step.conn, nil
}

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	limit  int
}

func (r *delayRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	if r.limit > 0 && len(r.delays) >= r.limit {
		return context.Canceled
	}
	return nil
}

func (r *delayRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

var testIdentity = Identity{UserID: 7, Token: "token"}

func newTestClient(t *testing.T, dialer Dialer, recorder *delayRecorder) *Client {
	t.Helper()
	client, err := NewClient(Options{URL: "ws://example.test/ws", Table: "records", Dialer: dialer, Sleep: recorder.sleep})
	require.NoError(t, err)
	t.Cleanup(client.Disconnect)
	return client
}

func waitForState(t *testing.T, client *Client, state State) {
	t.Helper()
	require.Eventually(t, func() bool { return client.State() == state }, 2*time.Second, 5*time.Millisecond, "state %s", state)
}

func TestBackoffSequence(t *testing.T) {
	var got []time.Duration
	for attempt := 1; attempt <= 8; attempt++ {
		got = append(got, Backoff(attempt, time.Second, 30*time.Second))
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)
	assert.Zero(t, Backoff(0, time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, Backoff(200, time.Second, 30*time.Second))
}

func TestReconnectDelaysDoubleAfterUncleanClosures(t *testing.T) {
	conn := newFakeConn()
	refused := errors.New("refused")
	dialer := &fakeDialer{steps: []dialStep{{err: refused}, {err: refused}, {err: refused}, {conn: conn}}}
	recorder := &delayRecorder{}
	client := newTestClient(t, dialer, recorder)

	require.NoError(t, client.Connect(testIdentity))
	waitForState(t, client, StateOpen)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, recorder.recorded())
	assert.Equal(t, "Bearer token", dialer.headers[0].Get("Authorization"))
}

func TestReconnectDelayIsCapped(t *testing.T) {
	dialer := &fakeDialer{}
	recorder := &delayRecorder{limit: 7}
	client := newTestClient(t, dialer, recorder)

	require.NoError(t, client.Connect(testIdentity))
	require.Eventually(t, func() bool { return len(recorder.recorded()) == 7 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, recorder.recorded())
}

func TestAttemptsResetAfterOpen(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	dialer := &fakeDialer{steps: []dialStep{{err: errors.New("refused")}, {conn: first}, {conn: second}}}
	recorder := &delayRecorder{}
	client := newTestClient(t, dialer, recorder)

	require.NoError(t, client.Connect(testIdentity))
	waitForState(t, client, StateOpen)
	first.inbound <- readResult{err: errors.New("connection reset")}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&dialer.calls) == 3 }, 2*time.Second, 5*time.Millisecond)
	waitForState(t, client, StateOpen)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, recorder.recorded())
}

func TestPeerNormalClosureReconnects(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	dialer := &fakeDialer{steps: []dialStep{{conn: first}, {conn: second}}}
	recorder := &delayRecorder{}
	client := newTestClient(t, dialer, recorder)

	require.NoError(t, client.Connect(testIdentity))
	waitForState(t, client, StateOpen)
	first.inbound <- readResult{err: websocket.CloseError{Code: websocket.StatusNormalClosure, Reason: "restart"}}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&dialer.calls) == 2 }, 2*time.Second, 5*time.Millisecond)
	waitForState(t, client, StateOpen)
	assert.Equal(t, []time.Duration{time.Second}, recorder.recorded())
}

func TestExplicitDisconnectDoesNotReconnect(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{steps: []dialStep{{conn: conn}}}
	recorder := &delayRecorder{}
	client := newTestClient(t, dialer, recorder)

	require.NoError(t, client.Connect(testIdentity))
	waitForState(t, client, StateOpen)
	client.Disconnect()
	assert.Equal(t, StateDisconnected, client.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&dialer.calls))
	assert.Empty(t, recorder.recorded())
}

func TestSubscribeAnnouncedOnOpen(t *testing.T) {
	conn := newFakeConn()
	client := newTestClient(t, &fakeDialer{steps: []dialStep{{conn: conn}}}, &delayRecorder{})

	require.NoError(t, client.Connect(testIdentity))
	require.Eventually(t, func() bool { return len(conn.writes()) == 1 }, 2*time.Second, 5*time.Millisecond)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(conn.writes()[0], &msg))
	assert.Equal(t, "subscribe", msg["type"])
	assert.Equal(t, "records", msg["table"])
	assert.Equal(t, float64(7), msg["userId"])
}

func TestMessagesFanOutAndMalformedAreDropped(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{steps: []dialStep{{conn: conn}}}
	client := newTestClient(t, dialer, &delayRecorder{})

	var mu sync.Mutex
	var got []ledger.SyncEvent
	client.Subscribe(func(event ledger.SyncEvent) { panic("boom") })
	unsubscribe := client.Subscribe(func(event ledger.SyncEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, event)
	})

	require.NoError(t, client.Connect(testIdentity))
	waitForState(t, client, StateOpen)
	conn.inbound <- readResult{data: []byte(`{"type":"status_create","listName":"May","records":[{"id":1}]}`)}
	conn.inbound <- readResult{data: []byte(`{not json`)}
	conn.inbound <- readResult{data: []byte(`{"type":"pong"}`)}
	conn.inbound <- readResult{data: []byte(`{"type":"status_delete","listToDel":"1"}`)}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, ledger.EventCreate, got[0].Type)
	assert.Equal(t, []int64{1}, got[1].DeleteIDs)
	assert.Equal(t, StateOpen, client.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&dialer.calls))

	unsubscribe()
	conn.inbound <- readResult{data: []byte(`{"type":"status_delete","listToDel":"2"}`)}
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Len(t, got, 2)
	mu.Unlock()
}

func TestSendRequiresOpenSocket(t *testing.T) {
	conn := newFakeConn()
	client := newTestClient(t, &fakeDialer{steps: []dialStep{{conn: conn}}}, &delayRecorder{})

	err := client.Send(context.Background(), map[string]string{"type": "ping"})
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, client.Connect(testIdentity))
	waitForState(t, client, StateOpen)
	require.NoError(t, client.Send(context.Background(), map[string]string{"type": "ping"}))
	require.Eventually(t, func() bool { return len(conn.writes()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestUpdateCredentials(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	dialer := &fakeDialer{steps: []dialStep{{conn: first}, {conn: second}}}
	client := newTestClient(t, dialer, &delayRecorder{})

	require.NoError(t, client.Connect(testIdentity))
	waitForState(t, client, StateOpen)

	require.NoError(t, client.UpdateCredentials(Identity{UserID: 8, Token: "fresh"}))
	waitForState(t, client, StateOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&dialer.calls))
	dialer.mu.Lock()
	assert.Equal(t, "Bearer fresh", dialer.headers[1].Get("Authorization"))
	dialer.mu.Unlock()

	err := client.UpdateCredentials(Identity{UserID: 8})
	assert.ErrorIs(t, err, ErrInvalidIdentity)
	assert.Equal(t, StateDisconnected, client.State())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&dialer.calls))
}

func TestConnectRejectsInvalidIdentity(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(t, dialer, &delayRecorder{})
	assert.ErrorIs(t, client.Connect(Identity{}), ErrInvalidIdentity)
	assert.Equal(t, StateDisconnected, client.State())
	assert.Zero(t, atomic.LoadInt32(&dialer.calls))
}

func TestIsCleanClose(t *testing.T) {
	assert.True(t, IsCleanClose(websocket.CloseError{Code: websocket.StatusNormalClosure}))
	assert.False(t, IsCleanClose(websocket.CloseError{Code: websocket.StatusGoingAway}))
	assert.False(t, IsCleanClose(errors.New("eof")))
	assert.False(t, IsCleanClose(nil))
}
