// Package channel maintains the persistent push connection and normalizes
// its frames into wire events. Delivery is at-least-once and unordered;
// anything missed while disconnected is gone, so on reconnect the adapter
// re-joins every open conversation and signals the owner to refetch
// history over REST.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Nardo758/Traveloure-Platform-sub001/internal/wire"
)

type Handler func(ev wire.Event)

type Options struct {
	URL    string // websocket endpoint
	Token  string // bearer token, sent on the handshake
	Dialer *websocket.Dialer
	Logger *slog.Logger
	Now    func() time.Time

	MaxReconnectAttempts int           // defaults to 5
	ReconnectBase        time.Duration // defaults to 1s, doubled per attempt, capped at 30s
}

const (
	defaultMaxReconnectAttempts = 5
	defaultReconnectBase        = 1 * time.Second
	maxReconnectDelay           = 30 * time.Second
)

type Adapter struct {
	url     string
	token   string
	dialer  *websocket.Dialer
	log     *slog.Logger
	now     func() time.Time
	limiter *rate.Limiter

	maxAttempts   int
	reconnectBase time.Duration

	mu             sync.Mutex
	conn           *websocket.Conn
	joined         map[string]bool
	handlers       map[string]map[int]Handler
	nextHandlerID  int
	reconnectHooks map[int]func(conversationID string)
	nextHookID     int
	closed         bool
}

func New(opts Options) (*Adapter, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("channel url is required")
	}
	dialer := opts.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		dialer = &d
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxAttempts := opts.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxReconnectAttempts
	}
	base := opts.ReconnectBase
	if base <= 0 {
		base = defaultReconnectBase
	}
	return &Adapter{
		url:            strings.TrimSpace(opts.URL),
		token:          strings.TrimSpace(opts.Token),
		dialer:         dialer,
		log:            logger,
		now:            now,
		limiter:        rate.NewLimiter(rate.Every(base), 1),
		maxAttempts:    maxAttempts,
		reconnectBase:  base,
		joined:         make(map[string]bool),
		handlers:       make(map[string]map[int]Handler),
		reconnectHooks: make(map[int]func(string)),
	}, nil
}

// Connect dials the push endpoint and starts the read loop. The loop runs
// until ctx is cancelled, Close is called, or reconnection gives up.
func (a *Adapter) Connect(ctx context.Context) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	go a.readLoop(ctx)
	return nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.conn != nil {
		err := a.conn.Close()
		a.conn = nil
		return err
	}
	return nil
}

// Join subscribes to a conversation's event stream. The subscription is
// remembered and replayed after a reconnect.
func (a *Adapter) Join(conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	a.mu.Lock()
	a.joined[conversationID] = true
	a.mu.Unlock()
	return a.writeFrame(map[string]any{"type": "join", "chat_id": conversationID})
}

func (a *Adapter) Leave(conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	a.mu.Lock()
	delete(a.joined, conversationID)
	a.mu.Unlock()
	return a.writeFrame(map[string]any{"type": "leave", "chat_id": conversationID})
}

// SendChat pushes a plain text message over the channel.
func (a *Adapter) SendChat(conversationID, text string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	return a.writeFrame(map[string]any{
		"type":    "chat_message",
		"chat_id": conversationID,
		"message": text,
	})
}

// OnEvent registers a handler for one conversation's events; an empty
// conversation ID receives every event. The returned function removes the
// listener.
func (a *Adapter) OnEvent(conversationID string, h Handler) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextHandlerID++
	id := a.nextHandlerID
	if a.handlers[conversationID] == nil {
		a.handlers[conversationID] = make(map[int]Handler)
	}
	a.handlers[conversationID][id] = h
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.handlers[conversationID], id)
	}
}

// OnReconnect registers a recovery hook, invoked once per re-joined
// conversation after the connection is re-established. Owners use it to
// trigger a REST history refetch for anything missed while down. The
// returned function removes the hook.
func (a *Adapter) OnReconnect(fn func(conversationID string)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextHookID++
	id := a.nextHookID
	a.reconnectHooks[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.reconnectHooks, id)
	}
}

func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if a.token != "" {
		header.Set("Authorization", "Bearer "+a.token)
	}
	conn, _, err := a.dialer.DialContext(ctx, a.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial push channel: %w", err)
	}
	return conn, nil
}

func (a *Adapter) readLoop(ctx context.Context) {
	for {
		a.mu.Lock()
		conn := a.conn
		closed := a.closed
		a.mu.Unlock()
		if closed || conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || a.isClosed() {
				return
			}
			a.log.Warn("push_channel_read_failed", "error", err.Error())
			if !a.reconnect(ctx) {
				return
			}
			continue
		}
		a.dispatch(data)
	}
}

func (a *Adapter) dispatch(data []byte) {
	ev, err := wire.DecodeFrame(data, a.now())
	if err != nil {
		// Heartbeats and unknown frame types are not fatal.
		a.log.Debug("push_frame_skipped", "error", err.Error())
		return
	}
	a.mu.Lock()
	targets := make([]Handler, 0, 4)
	for _, h := range a.handlers[ev.ConversationID] {
		targets = append(targets, h)
	}
	if ev.ConversationID != "" {
		for _, h := range a.handlers[""] {
			targets = append(targets, h)
		}
	}
	a.mu.Unlock()
	for _, h := range targets {
		h(ev)
	}
}

// reconnect re-dials with exponential backoff, re-joins every remembered
// conversation, and fires the recovery hook. Reports false when it gave
// up, which ends the read loop.
func (a *Adapter) reconnect(ctx context.Context) bool {
	delay := a.reconnectBase
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return false
		}
		if err := sleepWithContext(ctx, delay); err != nil {
			return false
		}
		if a.isClosed() {
			return false
		}
		conn, err := a.dial(ctx)
		if err != nil {
			a.log.Warn("push_channel_redial_failed", "attempt", attempt, "error", err.Error())
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}

		a.mu.Lock()
		a.conn = conn
		joined := make([]string, 0, len(a.joined))
		for id := range a.joined {
			joined = append(joined, id)
		}
		hooks := make([]func(string), 0, len(a.reconnectHooks))
		for _, fn := range a.reconnectHooks {
			hooks = append(hooks, fn)
		}
		a.mu.Unlock()

		for _, id := range joined {
			if err := a.writeFrame(map[string]any{"type": "join", "chat_id": id}); err != nil {
				a.log.Warn("push_channel_rejoin_failed", "conversation_id", id, "error", err.Error())
			}
		}
		a.log.Info("push_channel_reconnected", "attempt", attempt, "rejoined", len(joined))
		for _, fn := range hooks {
			for _, id := range joined {
				fn(id)
			}
		}
		return true
	}
	a.log.Error("push_channel_reconnect_gave_up", "attempts", a.maxAttempts)
	return false
}

func (a *Adapter) writeFrame(frame map[string]any) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal push frame: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("push channel is not connected")
	}
	return a.conn.WriteMessage(websocket.TextMessage, raw)
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
