// Package worker wraps one WebSocket connection in a role: a DATA worker
// subscribes a shard of symbols and forwards normalized observations, a
// BACKUP worker keeps a warm connection on a heartbeat symbol and can take
// over its shard on demand.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"perpspread-core/internal/exchange"
	"perpspread-core/internal/market"
	"perpspread-core/internal/metrics"
	"perpspread-core/internal/ws"
)

// Role tags a worker as the shard's data feed or its hot standby.
type Role string

const (
	RoleData   Role = "DATA"
	RoleBackup Role = "BACKUP"
)

// staleAfter is the worker-level health threshold: a connected socket with
// no inbound frame for this long is treated as dead.
const staleAfter = 45 * time.Second

// Transport is the connection surface the worker drives. Production uses
// ws.Conn; tests inject fakes.
type Transport interface {
	Connect(ctx context.Context) error
	Send(text string) error
	Close()
	IsConnected() bool
	LastMessageAge() time.Duration
}

// TransportFactory builds a Transport with the worker's handlers attached.
type TransportFactory func(cfg ws.Config, onMessage ws.MessageHandler, onClose ws.CloseHandler) Transport

func defaultFactory(cfg ws.Config, onMessage ws.MessageHandler, onClose ws.CloseHandler) Transport {
	return ws.New(cfg, onMessage, onClose)
}

// DataCallback receives every normalized observation from a DATA worker.
type DataCallback func(obs *market.Observation)

// Config holds worker construction parameters.
type Config struct {
	Adapter   exchange.Adapter
	Role      Role
	LogicalID string
	Callback  DataCallback

	// StatusCallback receives the connection_status observations the
	// worker emits on connect and disconnect. Nil disables them.
	StatusCallback DataCallback

	// Factory is optional; nil selects the gorilla-backed transport.
	Factory TransportFactory

	// BatchInterval is the pause between subscribe frames. Zero selects
	// the default one second.
	BatchInterval time.Duration
}

// Status is the introspection projection of one worker.
type Status struct {
	ID             string `json:"id"`
	LogicalID      string `json:"logical_id"`
	Role           Role   `json:"role"`
	Connected      bool   `json:"connected"`
	Subscribed     bool   `json:"subscribed"`
	SymbolCount    int    `json:"symbol_count"`
	LastMessageAge string `json:"last_message_age"`
}

// Worker owns exactly one Transport it creates on Start. The worker parses
// inbound frames into exchange-agnostic observations and hands them to the
// injected callback.
type Worker struct {
	id             string
	adapter        exchange.Adapter
	callback       DataCallback
	statusCallback DataCallback
	factory        TransportFactory
	pacer          *rate.Limiter

	mu         sync.RWMutex
	logicalID  string
	role       Role
	conn       Transport
	symbols    []string
	subscribed bool
}

// New creates a stopped worker.
func New(cfg Config) *Worker {
	factory := cfg.Factory
	if factory == nil {
		factory = defaultFactory
	}
	interval := cfg.BatchInterval
	if interval <= 0 {
		interval = time.Second
	}

	return &Worker{
		id:             uuid.NewString(),
		adapter:        cfg.Adapter,
		callback:       cfg.Callback,
		statusCallback: cfg.StatusCallback,
		factory:        factory,
		pacer:          rate.NewLimiter(rate.Every(interval), 1),
		logicalID:      cfg.LogicalID,
		role:           cfg.Role,
	}
}

// Start connects and subscribes. A DATA worker subscribes the full symbol
// set (which may be empty); a BACKUP worker subscribes only the heartbeat
// symbol.
func (w *Worker) Start(ctx context.Context, symbols []string) error {
	conn := w.factory(ws.Config{
		URL:      w.adapter.WSURL(),
		TextPing: w.adapter.TextPing(),
	}, w.handleMessage, w.handleClose)

	if err := conn.Connect(ctx); err != nil {
		metrics.RecordConnectionError(string(w.adapter.ID()), "connect_failed")
		return fmt.Errorf("worker %s connect: %w", w.LogicalID(), err)
	}

	w.mu.Lock()
	w.conn = conn
	w.symbols = append([]string(nil), symbols...)
	w.mu.Unlock()

	metrics.RecordConnectionStatus(string(w.adapter.ID()), w.LogicalID(), true)
	w.emitStatus(true)

	if w.Role() == RoleBackup {
		return w.sendFrames(ctx, w.adapter.SubscribeFrames([]string{w.adapter.HeartbeatSymbol()}), true)
	}
	return w.Subscribe(ctx, symbols)
}

// Stop closes the connection. The worker is not restarted; recovery is
// always by replacement.
func (w *Worker) Stop() {
	w.mu.Lock()
	conn := w.conn
	w.subscribed = false
	w.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	metrics.RecordConnectionStatus(string(w.adapter.ID()), w.LogicalID(), false)
	w.emitStatus(false)
}

// Subscribe issues subscribe frames for the given canonical symbols in
// paced batches. An empty set marks the worker subscribed with no streams.
func (w *Worker) Subscribe(ctx context.Context, symbols []string) error {
	native := make([]string, 0, len(symbols))
	for _, s := range symbols {
		native = append(native, w.adapter.Native(s))
	}

	if err := w.sendFrames(ctx, w.adapter.SubscribeFrames(native), true); err != nil {
		return err
	}

	w.mu.Lock()
	w.symbols = append([]string(nil), symbols...)
	w.mu.Unlock()
	return nil
}

// UnsubscribeAll removes every active subscription.
func (w *Worker) UnsubscribeAll(ctx context.Context) error {
	w.mu.RLock()
	symbols := append([]string(nil), w.symbols...)
	role := w.role
	w.mu.RUnlock()

	var native []string
	if role == RoleBackup {
		native = []string{w.adapter.HeartbeatSymbol()}
	} else {
		for _, s := range symbols {
			native = append(native, w.adapter.Native(s))
		}
	}

	return w.sendFrames(ctx, w.adapter.UnsubscribeFrames(native), false)
}

// Takeover flips a BACKUP worker into the DATA role for the given shard:
// drop the heartbeat, subscribe the full symbol set, start forwarding.
func (w *Worker) Takeover(ctx context.Context, symbols []string) error {
	if w.Role() != RoleBackup {
		return fmt.Errorf("takeover on %s worker %s", w.Role(), w.LogicalID())
	}

	if err := w.UnsubscribeAll(ctx); err != nil {
		return fmt.Errorf("takeover unsubscribe heartbeat: %w", err)
	}

	if err := w.Subscribe(ctx, symbols); err != nil {
		return fmt.Errorf("takeover subscribe shard: %w", err)
	}

	w.mu.Lock()
	w.role = RoleData
	w.mu.Unlock()

	log.Info().
		Str("exchange", string(w.adapter.ID())).
		Str("worker", w.LogicalID()).
		Int("symbols", len(symbols)).
		Msg("Backup worker took over data role")
	return nil
}

func (w *Worker) sendFrames(ctx context.Context, frames []string, markSubscribed bool) error {
	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("worker %s not started", w.LogicalID())
	}

	for _, frame := range frames {
		if err := w.pacer.Wait(ctx); err != nil {
			return err
		}
		if err := conn.Send(frame); err != nil {
			return fmt.Errorf("worker %s send frame: %w", w.LogicalID(), err)
		}
	}

	if markSubscribed {
		w.mu.Lock()
		w.subscribed = true
		w.mu.Unlock()
	}
	return nil
}

// ID returns the ephemeral worker ID.
func (w *Worker) ID() string { return w.id }

// LogicalID returns the slot-facing name used in logs and status.
func (w *Worker) LogicalID() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.logicalID
}

// SetLogicalID renames the worker, used when a promoted backup inherits
// the data slot's identity.
func (w *Worker) SetLogicalID(id string) {
	w.mu.Lock()
	w.logicalID = id
	w.mu.Unlock()
}

// Role returns the current role.
func (w *Worker) Role() Role {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.role
}

// Symbols returns the shard the worker is responsible for.
func (w *Worker) Symbols() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.symbols...)
}

// IsConnected reports transport liveness.
func (w *Worker) IsConnected() bool {
	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()
	return conn != nil && conn.IsConnected()
}

// IsSubscribed reports whether the subscribe frames went out.
func (w *Worker) IsSubscribed() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.subscribed
}

// ReadyForTakeover reports whether this backup can assume the data role.
func (w *Worker) ReadyForTakeover() bool {
	return w.Role() == RoleBackup && w.IsConnected() && w.IsSubscribed()
}

// Healthy reports connected-and-fresh: a silent connection older than the
// stale threshold counts as dead even when the socket is open.
func (w *Worker) Healthy() bool {
	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return false
	}
	age := conn.LastMessageAge()
	return age < staleAfter
}

// Status returns the introspection projection.
func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()

	st := Status{
		ID:          w.id,
		LogicalID:   w.logicalID,
		Role:        w.role,
		Subscribed:  w.subscribed,
		SymbolCount: len(w.symbols),
	}
	if w.conn != nil {
		st.Connected = w.conn.IsConnected()
		st.LastMessageAge = w.conn.LastMessageAge().Truncate(time.Millisecond).String()
	}
	return st
}

// statusPayload is the wire shape of connection_status observations.
type statusPayload struct {
	Worker    string `json:"worker"`
	Role      Role   `json:"role"`
	Connected bool   `json:"connected"`
	At        int64  `json:"at"`
}

// emitStatus records a connection transition as a connection_status
// observation. Status rows flow to the store's status map, never the
// pipeline.
func (w *Worker) emitStatus(connected bool) {
	if w.statusCallback == nil {
		return
	}
	payload, err := json.Marshal(statusPayload{
		Worker:    w.LogicalID(),
		Role:      w.Role(),
		Connected: connected,
		At:        time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	w.statusCallback(&market.Observation{
		Exchange:    w.adapter.ID(),
		Symbol:      w.LogicalID(),
		Type:        market.TypeConnectionStatus,
		Payload:     payload,
		IngressTime: time.Now(),
	})
}

func (w *Worker) handleMessage(msg []byte) {
	obs, err := w.adapter.Parse(msg)
	if err != nil {
		metrics.RecordParseError(string(w.adapter.ID()))
		log.Warn().Err(err).
			Str("worker", w.LogicalID()).
			Msg("Dropping malformed frame")
		return
	}
	if obs == nil {
		// Control frame: ack, pong, unknown event.
		log.Debug().Str("worker", w.LogicalID()).Msg("Control frame swallowed")
		return
	}

	if w.Role() == RoleBackup {
		log.Debug().
			Str("worker", w.LogicalID()).
			Str("symbol", obs.Symbol).
			Msg("Backup worker dropping heartbeat data")
		return
	}

	obs.IngressTime = time.Now()
	metrics.RecordObservation(string(obs.Exchange), string(obs.Type))
	if w.callback != nil {
		w.callback(obs)
	}
}

func (w *Worker) handleClose(err error) {
	metrics.RecordConnectionStatus(string(w.adapter.ID()), w.LogicalID(), false)
	metrics.RecordConnectionError(string(w.adapter.ID()), "stream_closed")
	w.emitStatus(false)
	log.Warn().Err(err).
		Str("exchange", string(w.adapter.ID())).
		Str("worker", w.LogicalID()).
		Msg("WebSocket connection lost")
}
