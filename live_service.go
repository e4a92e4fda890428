package kinvey

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Live event kinds delivered by the realtime stream.
const (
	LiveEventCreated = "created"
	LiveEventUpdated = "updated"
	LiveEventDeleted = "deleted"
)

// LiveEvent is one realtime entity notification.
type LiveEvent struct {
	Collection string `json:"collection"`
	Event      string `json:"event"`
	Entity     Entity `json:"entity"`
}

// LiveServiceConfig configures the realtime stream.
type LiveServiceConfig struct {
	// BufferSize is the channel buffer size per subscription.
	BufferSize int
	// PingInterval is how often to ping the server.
	PingInterval time.Duration
	// WriteTimeout bounds WebSocket writes.
	WriteTimeout time.Duration
	// ReconnectInterval is the delay before redialing a dropped stream.
	ReconnectInterval time.Duration
}

// DefaultLiveServiceConfig returns default configuration.
func DefaultLiveServiceConfig() LiveServiceConfig {
	return LiveServiceConfig{
		BufferSize:        1000,
		PingInterval:      30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReconnectInterval: 5 * time.Second,
	}
}

// LiveSubscription is an active stream subscription for one collection.
type LiveSubscription struct {
	ID         string
	Collection string
	ch         chan LiveEvent
	done       chan struct{}
	closed     bool
	mu         sync.Mutex
}

// C returns the channel delivering events.
func (s *LiveSubscription) C() <-chan LiveEvent {
	return s.ch
}

// Close closes the subscription.
func (s *LiveSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

func (s *LiveSubscription) deliver(event LiveEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		// Subscriber is not draining; drop rather than stall the stream.
	}
}

// LiveService maintains a WebSocket to the backend's entity-event stream,
// applies incoming events to the offline cache, and fans them out to
// subscribers. Optional; a Client works fully without it.
type LiveService struct {
	client *Client
	config LiveServiceConfig
	dialer *websocket.Dialer
	clock  Clock

	mu     sync.RWMutex
	conn   *websocket.Conn
	subs   map[string][]*LiveSubscription
	nextID int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLiveService creates a live service for the client.
func NewLiveService(client *Client, cfg LiveServiceConfig) *LiveService {
	if cfg.BufferSize <= 0 {
		cfg = DefaultLiveServiceConfig()
	}
	return &LiveService{
		client: client,
		config: cfg,
		dialer: websocket.DefaultDialer,
		clock:  client.config.Clock,
		subs:   make(map[string][]*LiveSubscription),
	}
}

// streamURL derives the websocket endpoint from the client config.
func (l *LiveService) streamURL() string {
	host := l.client.config.LiveServiceHost
	if host == "" {
		host = l.client.config.BaaSHost
		host = strings.Replace(host, "https://", "wss://", 1)
		host = strings.Replace(host, "http://", "ws://", 1)
	}
	return fmt.Sprintf("%s/stream/%s", host, l.client.config.AppKey)
}

// Connect dials the stream and starts the read and ping loops. The
// connection authenticates with the active user's session token.
func (l *LiveService) Connect(ctx context.Context) error {
	header, err := l.client.http.authorizationHeader(ctx, AuthSession)
	if err != nil {
		return err
	}

	conn, _, err := l.dialer.DialContext(ctx, l.streamURL(), http.Header{"Authorization": {header}})
	if err != nil {
		return wrapError(KindNoResponse, err, "dialing live stream")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.conn = conn
	l.ctx = runCtx
	l.cancel = cancel
	l.mu.Unlock()

	l.wg.Add(2)
	go l.readLoop(runCtx, conn)
	go l.pingLoop(runCtx, conn)
	return nil
}

// Close stops the loops and drops the connection. Subscriptions stay open
// and resume receiving after a reconnect.
func (l *LiveService) Close() error {
	l.mu.Lock()
	cancel := l.cancel
	conn := l.conn
	l.conn = nil
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	l.wg.Wait()
	return err
}

// Subscribe registers for one collection's events.
func (l *LiveService) Subscribe(collection string) *LiveSubscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	sub := &LiveSubscription{
		ID:         fmt.Sprintf("sub-%d", l.nextID),
		Collection: collection,
		ch:         make(chan LiveEvent, l.config.BufferSize),
		done:       make(chan struct{}),
	}
	l.subs[collection] = append(l.subs[collection], sub)
	return sub
}

func (l *LiveService) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer l.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.client.logger.Warn("live stream read failed; reconnecting", "error", err)
			l.reconnect(ctx)
			return
		}
		var event LiveEvent
		if err := json.Unmarshal(data, &event); err != nil {
			l.client.logger.Warn("dropping malformed live event", "error", err)
			continue
		}
		l.apply(ctx, event)
		l.fanOut(event)
	}
}

// apply folds one event into the offline cache so cache-mode reads observe
// realtime changes without a pull.
func (l *LiveService) apply(ctx context.Context, event LiveEvent) {
	repo := l.client.offline
	switch event.Event {
	case LiveEventCreated, LiveEventUpdated:
		if event.Entity.ID() == "" {
			return
		}
		if _, err := repo.Update(ctx, event.Collection, []Entity{event.Entity}); err != nil {
			l.client.logger.Warn("applying live event failed", "collection", event.Collection, "error", err)
		}
	case LiveEventDeleted:
		if event.Entity.ID() == "" {
			return
		}
		if _, err := repo.DeleteByID(ctx, event.Collection, event.Entity.ID()); err != nil {
			l.client.logger.Warn("applying live delete failed", "collection", event.Collection, "error", err)
		}
	}
}

func (l *LiveService) fanOut(event LiveEvent) {
	l.mu.RLock()
	subs := append([]*LiveSubscription(nil), l.subs[event.Collection]...)
	l.mu.RUnlock()
	for _, sub := range subs {
		sub.deliver(event)
	}
}

func (l *LiveService) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := l.clock.Now().Add(l.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if ctx.Err() == nil {
					l.client.logger.Warn("live stream ping failed", "error", err)
				}
				return
			}
		}
	}
}

// reconnect redials after the configured interval until it succeeds or the
// service is closed.
func (l *LiveService) reconnect(ctx context.Context) {
	for {
		timer := time.NewTimer(l.config.ReconnectInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		err := l.Connect(context.Background())
		if err == nil {
			return
		}
		l.client.logger.Warn("live stream reconnect failed", "error", err)
	}
}
