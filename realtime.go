package orbit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Frames
// ============================================================================

// wsEnvelope is the wire format for all frames in both directions.
type wsEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// wsCommand is a client-to-server command.
type wsCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"request_id,omitempty"`
}

// eventFrame carries one change notification, tagged with the scope key it
// was subscribed under.
type eventFrame struct {
	Scope  string          `json:"scope"`
	Kind   EventKind       `json:"kind"`
	Entity json.RawMessage `json:"entity"`
}

// presenceFrame carries one presence notification for a domain.
type presenceFrame struct {
	Domain       string            `json:"domain"`
	Kind         PresenceEventKind `json:"kind"`
	ObserverRef  string            `json:"observer_ref"`
	Participants []string          `json:"participants"`
}

type pongFrame struct {
	RequestID string `json:"request_id"`
}

type serverErrorFrame struct {
	Message string `json:"message"`
}

// ============================================================================
// Configuration
// ============================================================================

// TransportState represents the websocket connection state.
type TransportState string

const (
	StateDisconnected TransportState = "disconnected"
	StateConnecting   TransportState = "connecting"
	StateConnected    TransportState = "connected"
	StateReconnecting TransportState = "reconnecting"
)

// TransportConfig configures the websocket transport. AutoReconnect is
// opt-in: without it a dropped connection is reported once and the caller
// decides the reconnection policy.
type TransportConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *TransportConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *TransportConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// WSTransport
// ============================================================================

type presenceReg struct {
	selfID  string
	onEvent func(PresenceEvent)
}

// WSTransport multiplexes every scope's change events and every presence
// domain over one websocket connection. It implements PushTransport and
// PresenceTransport. Handlers are keyed by scope key / domain so incoming
// frames route without a type registry per entity.
//
// Subscriptions survive reconnects: after a successful redial every
// registered scope and domain is re-subscribed.
type WSTransport struct {
	baseURL string
	config  *TransportConfig
	logger  *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            TransportState
	intentionalClose bool
	cancelFn         context.CancelFunc

	recon *reconnector

	pingCounter  int
	pendingMu    sync.Mutex
	pendingPings map[string]chan pongFrame

	subMu        sync.RWMutex
	subs         map[string]func(Event)
	presenceSubs map[string]presenceReg
}

// NewWSTransport creates a websocket transport for the given base URL.
// config may be nil for defaults; logger may be nil for silence.
func NewWSTransport(baseURL string, config *TransportConfig, logger *zap.Logger) *WSTransport {
	if config == nil {
		config = &TransportConfig{}
	}
	config.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSTransport{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       config,
		logger:       logger,
		state:        StateDisconnected,
		recon:        newReconnector(config),
		pendingPings: make(map[string]chan pongFrame),
		subs:         make(map[string]func(Event)),
		presenceSubs: make(map[string]presenceReg),
	}
}

// State returns the current connection state.
func (t *WSTransport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect establishes the websocket connection and waits for the server's
// ready frame.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnected || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.intentionalClose = false
	t.mu.Unlock()

	wsURL := strings.Replace(t.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + t.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.setDisconnected()
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.setDisconnected()
		return fmt.Errorf("read ready frame: %w", err)
	}
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		t.setDisconnected()
		return fmt.Errorf("expected 'authenticated' frame, got %q", env.Type)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.state = StateConnected
	t.cancelFn = cancel
	t.mu.Unlock()
	t.recon.markConnected()

	go t.readLoop(connCtx, conn)
	go t.heartbeatLoop(connCtx)

	if err := t.resubscribeAll(ctx); err != nil {
		t.logger.Warn("resubscribe after connect", zap.Error(err))
	}

	t.logger.Debug("transport connected", zap.String("url", t.baseURL))
	return nil
}

// Disconnect gracefully closes the connection. Registered subscriptions are
// kept so a later Connect restores them.
func (t *WSTransport) Disconnect() error {
	t.mu.Lock()
	t.intentionalClose = true
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	t.mu.Unlock()

	t.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// ============================================================================
// PushTransport / PresenceTransport
// ============================================================================

// Subscribe implements PushTransport. Only one handler per scope key is
// held; a second Subscribe for the same scope replaces the first, which
// matches the lifecycle manager's one-live-subscription-per-slot guarantee.
func (t *WSTransport) Subscribe(ctx context.Context, scope Scope, onEvent func(Event)) (SubscriptionHandle, error) {
	if scope.ID == "" {
		return nil, ErrEmptyScopeID
	}
	key := scope.Key()

	t.subMu.Lock()
	t.subs[key] = onEvent
	t.subMu.Unlock()

	if err := t.send(ctx, &wsCommand{
		Type:    "subscribe",
		Payload: map[string]string{"scope": key},
	}); err != nil {
		t.subMu.Lock()
		delete(t.subs, key)
		t.subMu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}
	return &wsHandle{transport: t, key: key}, nil
}

// SubscribePresence implements PresenceTransport.
func (t *WSTransport) SubscribePresence(ctx context.Context, domain, selfID string, onEvent func(PresenceEvent)) (SubscriptionHandle, error) {
	if domain == "" {
		return nil, ErrEmptyScopeID
	}

	t.subMu.Lock()
	t.presenceSubs[domain] = presenceReg{selfID: selfID, onEvent: onEvent}
	t.subMu.Unlock()

	if err := t.send(ctx, &wsCommand{
		Type:    "presence.subscribe",
		Payload: map[string]string{"domain": domain, "participant": selfID},
	}); err != nil {
		t.subMu.Lock()
		delete(t.presenceSubs, domain)
		t.subMu.Unlock()
		return nil, fmt.Errorf("subscribe presence %s: %w", domain, err)
	}
	return &wsHandle{transport: t, key: domain, presence: true}, nil
}

// Track implements PresenceTransport.
func (t *WSTransport) Track(ctx context.Context, domain, participantID string) error {
	return t.send(ctx, &wsCommand{
		Type:    "presence.track",
		Payload: map[string]string{"domain": domain, "participant": participantID},
	})
}

// wsHandle unbinds one scope or presence domain from the transport.
type wsHandle struct {
	transport *WSTransport
	key       string
	presence  bool
	once      sync.Once
}

// Close is idempotent. The unsubscribe command is best-effort: if the
// connection is already gone the local registration still goes away, which
// is what guarantees teardown on every exit path.
func (h *wsHandle) Close() error {
	h.once.Do(func() {
		t := h.transport
		t.subMu.Lock()
		if h.presence {
			delete(t.presenceSubs, h.key)
		} else {
			delete(t.subs, h.key)
		}
		t.subMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cmd := &wsCommand{Type: "unsubscribe", Payload: map[string]string{"scope": h.key}}
		if h.presence {
			cmd = &wsCommand{Type: "presence.unsubscribe", Payload: map[string]string{"domain": h.key}}
		}
		if err := t.send(ctx, cmd); err != nil {
			t.logger.Debug("unsubscribe send failed", zap.String("key", h.key), zap.Error(err))
		}
	})
	return nil
}

// resubscribeAll replays every registered subscription, used after a
// (re)connect.
func (t *WSTransport) resubscribeAll(ctx context.Context) error {
	t.subMu.RLock()
	scopes := make([]string, 0, len(t.subs))
	for key := range t.subs {
		scopes = append(scopes, key)
	}
	domains := make(map[string]string, len(t.presenceSubs))
	for domain, reg := range t.presenceSubs {
		domains[domain] = reg.selfID
	}
	t.subMu.RUnlock()

	for _, key := range scopes {
		if err := t.send(ctx, &wsCommand{
			Type:    "subscribe",
			Payload: map[string]string{"scope": key},
		}); err != nil {
			return err
		}
	}
	for domain, selfID := range domains {
		if err := t.send(ctx, &wsCommand{
			Type:    "presence.subscribe",
			Payload: map[string]string{"domain": domain, "participant": selfID},
		}); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Wire plumbing
// ============================================================================

func (t *WSTransport) send(ctx context.Context, cmd *wsCommand) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (t *WSTransport) Ping(ctx context.Context) error {
	t.pendingMu.Lock()
	t.pingCounter++
	requestID := fmt.Sprintf("ping-%d", t.pingCounter)
	ch := make(chan pongFrame, 1)
	t.pendingPings[requestID] = ch
	t.pendingMu.Unlock()

	cleanup := func() {
		t.pendingMu.Lock()
		delete(t.pendingPings, requestID)
		t.pendingMu.Unlock()
	}

	if err := t.send(ctx, &wsCommand{
		Type:      "ping",
		Payload:   map[string]string{"request_id": requestID},
		RequestID: requestID,
	}); err != nil {
		cleanup()
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(10 * time.Second):
		cleanup()
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		cleanup()
		return ctx.Err()
	}
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			intentional := t.intentionalClose
			t.mu.Unlock()
			if intentional {
				return
			}

			t.mu.Lock()
			t.state = StateDisconnected
			t.conn = nil
			t.mu.Unlock()
			t.clearPendingPings()
			t.logger.Warn("transport connection lost", zap.Error(err))

			if t.config.AutoReconnect && t.recon.shouldReconnect() {
				t.scheduleReconnect()
			}
			return
		}

		var env wsEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		t.dispatch(env)
	}
}

func (t *WSTransport) dispatch(env wsEnvelope) {
	switch env.Type {
	case "event":
		var frame eventFrame
		if json.Unmarshal(env.Payload, &frame) != nil {
			return
		}
		t.subMu.RLock()
		handler := t.subs[frame.Scope]
		t.subMu.RUnlock()
		if handler != nil {
			handler(Event{Kind: frame.Kind, Entity: frame.Entity})
		}
	case "presence":
		var frame presenceFrame
		if json.Unmarshal(env.Payload, &frame) != nil {
			return
		}
		t.subMu.RLock()
		reg, ok := t.presenceSubs[frame.Domain]
		t.subMu.RUnlock()
		if ok {
			reg.onEvent(PresenceEvent{
				Kind:         frame.Kind,
				ObserverRef:  frame.ObserverRef,
				Participants: frame.Participants,
			})
		}
	case "pong":
		var frame pongFrame
		if json.Unmarshal(env.Payload, &frame) != nil || frame.RequestID == "" {
			return
		}
		t.pendingMu.Lock()
		ch, ok := t.pendingPings[frame.RequestID]
		if ok {
			delete(t.pendingPings, frame.RequestID)
		}
		t.pendingMu.Unlock()
		if ok {
			ch <- frame
		}
	case "error":
		var frame serverErrorFrame
		if json.Unmarshal(env.Payload, &frame) == nil {
			t.logger.Warn("server error frame", zap.String("message", frame.Message))
		}
	}
}

func (t *WSTransport) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			s := t.state
			conn := t.conn
			t.mu.Unlock()
			if s != StateConnected {
				return
			}
			if err := t.Ping(ctx); err != nil {
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (t *WSTransport) scheduleReconnect() {
	delay := t.recon.nextDelay()
	t.mu.Lock()
	t.state = StateReconnecting
	t.mu.Unlock()
	t.logger.Info("transport reconnecting",
		zap.Int("attempt", t.recon.attempt),
		zap.Duration("delay", delay))

	time.Sleep(delay)

	if err := t.Connect(context.Background()); err != nil {
		if t.config.AutoReconnect && t.recon.shouldReconnect() {
			t.scheduleReconnect()
		} else {
			t.setDisconnected()
		}
	}
}

func (t *WSTransport) setDisconnected() {
	t.mu.Lock()
	t.state = StateDisconnected
	t.mu.Unlock()
}

func (t *WSTransport) clearPendingPings() {
	t.pendingMu.Lock()
	for k, ch := range t.pendingPings {
		close(ch)
		delete(t.pendingPings, k)
	}
	t.pendingMu.Unlock()
}

var (
	_ PushTransport     = (*WSTransport)(nil)
	_ PresenceTransport = (*WSTransport)(nil)
)
