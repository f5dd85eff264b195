package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

var (
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// SetLoggers points the package loggers at the server's; both default to
// io.Discard until the host process wires them.
func SetLoggers(errLogger, dbgLogger *log.Logger) {
	if errLogger != nil {
		errorLog = errLogger
	}
	if dbgLogger != nil {
		debugLog = dbgLogger
	}
}

// State is the subscription state of the shared channel.
type State int

const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// MetricsRecorder receives relay counters. A nil recorder disables them.
type MetricsRecorder interface {
	RelayReconnectScheduled()
	SignalPublished()
	SignalPublishRetried()
	SignalDelivered()
	SignalDropped()
}

// Config holds the relay timings. Production uses the defaults; tests
// compress them.
type Config struct {
	Topic             string
	ReconnectDelay    time.Duration
	HealthInterval    time.Duration
	PublishRetryDelay time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		Topic:             "call-signals",
		ReconnectDelay:    3 * time.Second,
		HealthInterval:    30 * time.Second,
		PublishRetryDelay: 500 * time.Millisecond,
	}
}

type handlerEntry struct {
	fn     Handler
	connID string
}

// Relay owns the process-wide subscription to the shared signaling
// channel: the unsubscribed/subscribing/subscribed state machine, the
// fixed-delay reconnect, the periodic health check, and the per-user
// delivery handlers. Its lifecycle is independent of any connection.
type Relay struct {
	channel Channel
	cfg     Config
	metrics MetricsRecorder

	mu                 sync.Mutex
	state              State
	sub                Subscription
	reconnectScheduled bool
	reconnectTimer     *time.Timer

	handlersMu sync.RWMutex
	handlers   map[int64]handlerEntry

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Relay on the given transport. Call Start to subscribe.
func New(channel Channel, cfg Config, metrics MetricsRecorder) *Relay {
	if cfg.Topic == "" {
		cfg.Topic = DefaultConfig().Topic
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultConfig().ReconnectDelay
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultConfig().HealthInterval
	}
	if cfg.PublishRetryDelay <= 0 {
		cfg.PublishRetryDelay = DefaultConfig().PublishRetryDelay
	}
	return &Relay{
		channel:  channel,
		cfg:      cfg,
		metrics:  metrics,
		handlers: make(map[int64]handlerEntry),
		shutdown: make(chan struct{}),
	}
}

// Start subscribes to the shared channel and begins the health check
// loop. A failed initial subscribe is not fatal: it schedules a
// reconnect and call signaling stays degraded until one succeeds.
func (r *Relay) Start() {
	r.subscribe()

	r.wg.Add(1)
	go r.healthLoop()
}

// Stop tears down the subscription and stops all timers.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		close(r.shutdown)
	})

	r.mu.Lock()
	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
		r.reconnectTimer = nil
	}
	r.reconnectScheduled = false
	if r.sub != nil {
		r.sub.Close()
		r.sub = nil
	}
	r.state = StateUnsubscribed
	r.mu.Unlock()

	r.wg.Wait()
}

// State returns the current subscription state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Relay) stopping() bool {
	select {
	case <-r.shutdown:
		return true
	default:
		return false
	}
}

// subscribe drives unsubscribed → subscribing; the subscribed transition
// arrives through the channel's state callback. Calls in any other state
// collapse into the attempt already in flight.
func (r *Relay) subscribe() {
	r.mu.Lock()
	if r.state != StateUnsubscribed || r.stopping() {
		r.mu.Unlock()
		return
	}
	r.state = StateSubscribing
	r.mu.Unlock()

	sub, err := r.channel.Subscribe(context.Background(), r.cfg.Topic, r.handleMessage, r.handleChannelEvent)
	if err != nil {
		errorLog.Printf("relay: subscribe to %q failed: %v", r.cfg.Topic, err)
		r.mu.Lock()
		r.state = StateUnsubscribed
		r.mu.Unlock()
		r.scheduleReconnect()
		return
	}

	r.mu.Lock()
	if r.sub != nil {
		r.sub.Close()
	}
	r.sub = sub
	r.mu.Unlock()
	debugLog.Printf("relay: subscription to %q established", r.cfg.Topic)
}

func (r *Relay) handleChannelEvent(ev ChannelEvent) {
	switch ev {
	case ChannelSubscribed:
		r.mu.Lock()
		r.state = StateSubscribed
		r.mu.Unlock()
		debugLog.Printf("relay: channel subscribed")
	case ChannelClosed, ChannelErrored, ChannelTimedOut:
		errorLog.Printf("relay: channel %s, scheduling resubscribe", ev)
		r.mu.Lock()
		if r.sub != nil {
			r.sub.Close()
			r.sub = nil
		}
		r.state = StateUnsubscribed
		r.mu.Unlock()
		r.scheduleReconnect()
	}
}

// scheduleReconnect arms the fixed-delay resubscribe. Overlapping calls
// collapse into the one already scheduled.
func (r *Relay) scheduleReconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reconnectScheduled || r.stopping() {
		return
	}
	r.reconnectScheduled = true
	if r.metrics != nil {
		r.metrics.RelayReconnectScheduled()
	}
	r.reconnectTimer = time.AfterFunc(r.cfg.ReconnectDelay, func() {
		r.mu.Lock()
		r.reconnectScheduled = false
		r.mu.Unlock()
		if r.stopping() {
			return
		}
		r.subscribe()
	})
}

// healthLoop independently verifies the subscription. It catches the
// case where a disconnect event itself was lost: unsubscribed with no
// reconnect in flight forces recreation.
func (r *Relay) healthLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.shutdown:
			return
		case <-ticker.C:
			r.mu.Lock()
			unhealthy := r.state != StateSubscribed && !r.reconnectScheduled
			state := r.state
			r.mu.Unlock()
			if unhealthy {
				errorLog.Printf("relay: health check found channel %s with no reconnect in flight, recreating", state)
				r.recreate()
			}
		}
	}
}

// recreate tears the subscription down and immediately attempts a fresh
// one.
func (r *Relay) recreate() {
	r.mu.Lock()
	if r.sub != nil {
		r.sub.Close()
		r.sub = nil
	}
	r.state = StateUnsubscribed
	r.mu.Unlock()

	r.subscribe()
}

// RegisterHandler installs the delivery callback for a user, replacing
// any previous one. connID identifies the owning connection.
func (r *Relay) RegisterHandler(userID int64, connID string, fn Handler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers[userID] = handlerEntry{fn: fn, connID: connID}
}

// UnregisterHandler removes the user's delivery callback. It is a no-op
// when a newer connection has already replaced the entry, so a stale
// disconnect cannot silence the active device.
func (r *Relay) UnregisterHandler(userID int64, connID string) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	if entry, ok := r.handlers[userID]; ok && entry.connID == connID {
		delete(r.handlers, userID)
	}
}

// HandlerCount returns the number of registered delivery handlers.
func (r *Relay) HandlerCount() int {
	r.handlersMu.RLock()
	defer r.handlersMu.RUnlock()
	return len(r.handlers)
}

// handleMessage routes an inbound envelope to the target user's local
// handler. No handler means the user is not connected to this process;
// signaling has no store-and-forward, so the payload is dropped.
func (r *Relay) handleMessage(payload []byte) {
	var env SignalEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		errorLog.Printf("relay: dropping undecodable envelope: %v", err)
		return
	}

	r.handlersMu.RLock()
	entry, ok := r.handlers[env.TargetUserID]
	r.handlersMu.RUnlock()

	if !ok {
		debugLog.Printf("relay: no local handler for user %d, dropping %s", env.TargetUserID, env.Type)
		if r.metrics != nil {
			r.metrics.SignalDropped()
		}
		return
	}

	entry.fn(env.Type, env.FromUserID, env.Data)
	if r.metrics != nil {
		r.metrics.SignalDelivered()
	}
}

// SendSignal publishes a signal envelope to the shared channel. On
// publish failure the channel is treated as unhealthy: it is recreated
// and the same payload is retried once after a short delay; a second
// failure is logged and the signal abandoned.
func (r *Relay) SendSignal(ctx context.Context, fromUserID, targetUserID int64, signalType string, data json.RawMessage) error {
	payload, err := json.Marshal(SignalEnvelope{
		TargetUserID: targetUserID,
		FromUserID:   fromUserID,
		Type:         signalType,
		Data:         data,
	})
	if err != nil {
		return fmt.Errorf("relay: marshal envelope: %w", err)
	}

	err = r.channel.Publish(ctx, r.cfg.Topic, payload)
	if err == nil {
		if r.metrics != nil {
			r.metrics.SignalPublished()
		}
		return nil
	}
	errorLog.Printf("relay: publish of %s failed (%v), recreating channel", signalType, err)

	if r.metrics != nil {
		r.metrics.SignalPublishRetried()
	}
	r.recreate()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.shutdown:
		return ErrPublishFailed
	case <-time.After(r.cfg.PublishRetryDelay):
	}

	if err := r.channel.Publish(ctx, r.cfg.Topic, payload); err != nil {
		errorLog.Printf("relay: abandoning %s for user %d: %v", signalType, targetUserID, err)
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	if r.metrics != nil {
		r.metrics.SignalPublished()
	}
	return nil
}
