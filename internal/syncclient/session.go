package syncclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/gridsync/internal/access"
	"github.com/agentworkforce/gridsync/internal/ledger"
	"github.com/agentworkforce/gridsync/internal/transport"
)

type SessionOptions struct {
	BaseURL   string
	SocketURL string
	Token     string
	UserID    int64
	Role      string
	Table     string
	// FallbackList receives broadcasts that name no list.
	FallbackList  string
	DeletePayload DeletePayload
	Debounce      time.Duration
	MaxBatch      int
	Policy        access.Source
	HTTPClient    *http.Client
	Logger        logrus.FieldLogger

	// Remote, Dialer and Grid replace the production collaborators.
	Remote RemoteClient
	Dialer transport.Dialer
	Grid   Grid
}

// Session owns every per-login component. Nothing here is process-wide:
// a new login builds a new Session and the old one is closed.
type Session struct {
	Store   *Store
	Manager *SyncManager
	Batcher *Batcher
	Bridge  *Bridge
	Socket  *transport.Client
	Grid    Grid

	http     *HTTPClient
	fallback string
	identity transport.Identity
	logger   logrus.FieldLogger
	cancel   context.CancelFunc
	unsubs   []func()
}

func NewSession(opts SessionOptions) (*Session, error) {
	logger := componentLogger(opts.Logger, "session")
	policy := opts.Policy
	if policy == nil {
		policy = access.StaticSource{Policy: access.DefaultPolicy()}
	}
	s := &Session{
		fallback: strings.TrimSpace(opts.FallbackList),
		identity: transport.Identity{UserID: opts.UserID, Token: opts.Token},
		logger:   logger,
	}
	remote := opts.Remote
	if remote == nil {
		s.http = NewHTTPClient(HTTPClientOptions{
			BaseURL:       opts.BaseURL,
			Token:         opts.Token,
			HTTPClient:    opts.HTTPClient,
			DeletePayload: opts.DeletePayload,
		})
		remote = s.http
	}

	store, err := NewStore(remote, StoreOptions{
		Elevated: policy.Current().Elevated(opts.Role),
		UserID:   opts.UserID,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.Store = store
	s.Manager = NewSyncManager(store, NewGuard(), opts.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.Batcher = NewBatcher(s.Manager, store, BatcherOptions{
		Debounce: opts.Debounce,
		MaxSize:  opts.MaxBatch,
		Logger:   opts.Logger,
		Context:  ctx,
	})

	grid := opts.Grid
	if grid == nil {
		grid = NewMemoryGrid()
	}
	s.Grid = grid
	bridge, err := NewBridge(grid, store, s.Manager, s.Batcher, BridgeOptions{Role: opts.Role, Policy: policy, Logger: opts.Logger})
	if err != nil {
		cancel()
		return nil, err
	}
	s.Bridge = bridge
	if memory, ok := grid.(*MemoryGrid); ok {
		memory.KeepPending(s.Batcher)
		s.unsubs = append(s.unsubs, store.Subscribe(func(Change) { memory.Render(store) }))
	}

	if strings.TrimSpace(opts.SocketURL) != "" {
		socket, err := transport.NewClient(transport.Options{
			URL:    opts.SocketURL,
			Table:  opts.Table,
			Dialer: opts.Dialer,
			Logger: opts.Logger,
		})
		if err != nil {
			bridge.Close()
			cancel()
			return nil, err
		}
		s.Socket = socket
		s.unsubs = append(s.unsubs, socket.Subscribe(s.apply))
	}
	return s, nil
}

func (s *Session) apply(event ledger.SyncEvent) {
	s.Store.Reconcile(event, s.fallback)
}

// Start loads every list and opens the socket. A load failure is shown in
// the grid and returned; the socket is opened regardless so broadcasts are
// not missed while the caller retries the load.
func (s *Session) Start(ctx context.Context) error {
	loadErr := s.Store.FetchAll(ctx)
	if loadErr != nil {
		s.Grid.Notify(NoticeError, "Could not load records: "+loadErr.Error())
		s.logger.WithError(loadErr).Error("initial load failed")
	}
	if s.Socket != nil {
		if err := s.Socket.Connect(s.identity); err != nil {
			return fmt.Errorf("connect socket: %w", err)
		}
	}
	return loadErr
}

// RunResync refetches all lists each time next() elapses until ctx ends.
func (s *Session) RunResync(ctx context.Context, next func() time.Duration) {
	for {
		timer := time.NewTimer(next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := s.Store.FetchAll(ctx); err != nil {
			s.logger.WithError(err).Warn("periodic resync failed")
		}
	}
}

// UpdateCredentials swaps the token on both channels.
func (s *Session) UpdateCredentials(userID int64, token string) error {
	s.identity = transport.Identity{UserID: userID, Token: token}
	s.Store.SetUserID(userID)
	if s.http != nil {
		s.http.SetToken(token)
	}
	if s.Socket == nil {
		return nil
	}
	return s.Socket.UpdateCredentials(s.identity)
}

// Close flushes queued edits and tears the session down.
func (s *Session) Close(ctx context.Context) {
	s.Batcher.Close(ctx)
	if s.Socket != nil {
		s.Socket.Disconnect()
	}
	for _, unsubscribe := range s.unsubs {
		unsubscribe()
	}
	s.Bridge.Close()
	s.cancel()
}
