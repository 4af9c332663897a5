package room

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/CodeWitchBella/netvr-sub001/protocol"
	"github.com/CodeWitchBella/netvr-sub001/storage"
)

const (
	DefaultTickInterval     = 20 * time.Millisecond
	DefaultHandshakeTimeout = 15 * time.Second
	DefaultHandlerTimeout   = time.Second

	eventBufferSize = 255
)

type Options struct {
	Log *zap.Logger

	// ProtocolVersion defaults to protocol.Version. Overriding it exists
	// for tests and staged rollouts, not for speaking old protocols.
	ProtocolVersion int

	TickInterval     time.Duration
	HandshakeTimeout time.Duration

	// HandlerTimeout is how long one message handler may run before the
	// connection is treated as errored.
	HandlerTimeout time.Duration

	// SelfEcho echoes a client's own device info, calibration and poses
	// back to it. Debugging aid, off by default.
	SelfEcho bool

	// Snapshot persists room state after every mutating operation. Nil
	// means the room is ephemeral.
	Snapshot *storage.SnapshotFile

	Features []Feature

	// TickSource replaces the internal ticker. Tests drive flushes
	// manually through it.
	TickSource <-chan time.Time
}

// Room is one instance of the relay's full state: identities, client
// documents and live connections. All of it is mutated from the single
// goroutine running Run; transports and compute offloads talk to that
// goroutine through the events channel.
type Room struct {
	log *zap.Logger

	protocolVersion  int
	tickInterval     time.Duration
	handshakeTimeout time.Duration
	handlerTimeout   time.Duration
	selfEcho         bool

	identities *storage.IdentityStore
	clients    *storage.ClientStore
	snapshot   *storage.SnapshotFile

	conns   map[uint16]*conn
	pending map[*conn]struct{}

	// Per-client document versions, bumped when the devices or
	// calibration field changes. The broadcast engine diffs these against
	// each connection's sent maps.
	deviceInfoVersion  map[uint16]uint64
	calibrationVersion map[uint16]uint64

	features       []Feature
	featureActions map[protocol.Action]Feature
	featureStates  map[string]interface{}

	tickSource <-chan time.Time
	events     chan event

	// done is closed when the loop exits; senders into events select
	// against it so a stopped room never wedges a transport goroutine.
	done chan struct{}
}

type event interface {
	isEvent()
}

type attachEvent struct {
	c *conn
}

type messageEvent struct {
	c      *conn
	data   []byte
	binary bool
}

type closeEvent struct {
	c   *conn
	err error
}

// featureEvent carries a compute offload result back into the loop.
type featureEvent struct {
	action  protocol.Action
	payload json.RawMessage
}

// queryEvent runs a closure on the loop goroutine; Inspect and
// StateSnapshot are built on it.
type queryEvent struct {
	fn   func(*Room)
	done chan struct{}
}

func (attachEvent) isEvent()  {}
func (messageEvent) isEvent() {}
func (closeEvent) isEvent()   {}
func (featureEvent) isEvent() {}
func (queryEvent) isEvent()   {}

func New(opts Options) *Room {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	r := &Room{
		log:                log,
		protocolVersion:    opts.ProtocolVersion,
		tickInterval:       opts.TickInterval,
		handshakeTimeout:   opts.HandshakeTimeout,
		handlerTimeout:     opts.HandlerTimeout,
		selfEcho:           opts.SelfEcho,
		identities:         storage.NewIdentityStore(),
		clients:            storage.NewClientStore(),
		snapshot:           opts.Snapshot,
		conns:              make(map[uint16]*conn),
		pending:            make(map[*conn]struct{}),
		deviceInfoVersion:  make(map[uint16]uint64),
		calibrationVersion: make(map[uint16]uint64),
		features:           opts.Features,
		featureActions:     make(map[protocol.Action]Feature),
		featureStates:      make(map[string]interface{}),
		tickSource:         opts.TickSource,
		events:             make(chan event, eventBufferSize),
		done:               make(chan struct{}),
	}

	if r.protocolVersion == 0 {
		r.protocolVersion = protocol.Version
	}
	if r.tickInterval <= 0 {
		r.tickInterval = DefaultTickInterval
	}
	if r.handshakeTimeout <= 0 {
		r.handshakeTimeout = DefaultHandshakeTimeout
	}
	if r.handlerTimeout <= 0 {
		r.handlerTimeout = DefaultHandlerTimeout
	}

	for _, f := range r.features {
		r.featureStates[f.Name()] = f.InitialState()

		for _, action := range f.Actions() {
			r.featureActions[action] = f
		}
	}

	return r
}

// RestoreFromDisk loads the persisted snapshot, if any. Call before Run.
func (r *Room) RestoreFromDisk() error {
	snap, err := r.snapshot.Load()
	if err != nil {
		return err
	}

	if snap == nil {
		return nil
	}

	r.identities.Restore(snap.Clients)

	if err := r.clients.Restore(snap.Handler); err != nil {
		return err
	}

	r.log.Info("Restored room snapshot",
		zap.Int("identities", len(snap.Clients)))

	return nil
}

// Run is the room's event loop. Everything that mutates room state runs
// here, one event at a time.
func (r *Room) Run(ctx context.Context) error {
	ticks := r.tickSource
	if ticks == nil {
		ticker := time.NewTicker(r.tickInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	r.log.Info("Room loop running",
		zap.Int("protocolVersion", r.protocolVersion),
		zap.Duration("tickInterval", r.tickInterval))

	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			r.closeAll()
			r.log.Info("Room loop stopped")
			return nil

		case ev := <-r.events:
			r.handleEvent(ev)

		case now := <-ticks:
			r.expireHandshakes(now)
			r.flush()
		}
	}
}

// Attach registers a new transport session. The connection starts in the
// handshaking state and must identify itself before anything else.
func (r *Room) Attach(link Link) *Handle {
	c := newConn(link, time.Now())
	r.submit(attachEvent{c: c})

	return &Handle{r: r, c: c}
}

// submit feeds one event to the loop, giving up if the loop has exited.
func (r *Room) submit(ev event) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

// Inspect runs fn on the loop goroutine with the room's stores. Used by
// tests and diagnostics endpoints.
func (r *Room) Inspect(ctx context.Context, fn func(clients *storage.ClientStore, identities *storage.IdentityStore)) error {
	done := make(chan struct{})

	select {
	case r.events <- queryEvent{fn: func(r *Room) { fn(r.clients, r.identities) }, done: done}:
	case <-r.done:
		return fmt.Errorf("room loop has stopped")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-r.done:
		return fmt.Errorf("room loop has stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StateSnapshot returns the full room document.
func (r *Room) StateSnapshot(ctx context.Context) ([]byte, error) {
	var doc []byte

	err := r.Inspect(ctx, func(clients *storage.ClientStore, _ *storage.IdentityStore) {
		doc = clients.Document()
	})

	return doc, err
}

func (r *Room) handleEvent(ev event) {
	switch e := ev.(type) {
	case attachEvent:
		r.pending[e.c] = struct{}{}

	case messageEvent:
		r.handleMessage(e.c, e.data, e.binary)

	case closeEvent:
		r.dropConn(e.c, e.err)

	case featureEvent:
		if f, ok := r.featureActions[e.action]; ok {
			if err := r.invokeFeature(nil, f, e.action, e.payload); err != nil {
				r.log.Warn("Feature rejected compute result",
					zap.String("action", string(e.action)),
					zap.Error(err))
			}
		}

	case queryEvent:
		e.fn(r)
		close(e.done)
	}
}

// handleMessage dispatches one inbound frame. Handler failures are
// per-message: the offender gets an error payload and the room moves on.
func (r *Room) handleMessage(c *conn, data []byte, binary bool) {
	if c.state == stateClosed {
		return
	}

	started := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			r.sendError(c, fmt.Sprintf("handler panic: %v", rec), debug.Stack())
			r.log.Error("Handler panicked",
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
			return
		}

		if elapsed := time.Since(started); elapsed > r.handlerTimeout {
			// A handler that wedged this long has already stalled the whole
			// room; the offending connection does not get to do it twice.
			r.log.Error("Handler overran its deadline, dropping connection",
				zap.Duration("elapsed", elapsed))
			r.dropConn(c, nil)
		}
	}()

	var err error
	if c.state == stateHandshaking {
		err = r.handleHandshake(c, data, binary)
	} else {
		err = r.dispatchBound(c, data, binary)
	}

	if err != nil {
		r.sendError(c, err.Error(), nil)
	}
}

// dropConn tears one connection down. Safe to call twice; the transport's
// own close notification arriving later is a no-op.
func (r *Room) dropConn(c *conn, cause error) {
	if c == nil || c.state == stateClosed {
		return
	}

	wasBound := c.state == stateBound
	c.state = stateClosed

	delete(r.pending, c)

	if err := c.link.Close(); err != nil {
		r.log.Debug("Link did not close cleanly", zap.Error(err))
	}

	if !wasBound || r.conns[c.id] != c {
		// Evicted connections lost their registry slot to their successor
		// already; releasing the identity would break the new binding.
		return
	}

	delete(r.conns, c.id)
	r.identities.Release(c.id)

	if err := r.clients.Update(c.id, "connected", false); err != nil {
		r.log.Error("Failed to mark client disconnected",
			zap.Uint16("client", c.id), zap.Error(err))
	}

	for _, f := range r.features {
		st, effects := f.OnDisconnect(c.id, r.featureStates[f.Name()])
		r.featureStates[f.Name()] = st
		r.applyEffects(effects)
	}

	r.persist()

	r.log.Info("Client disconnected",
		zap.Uint16("client", c.id),
		zap.Error(cause))
}

// reset forcibly closes every connection and clears all room state.
// Identities are reissued from 1 afterwards.
func (r *Room) reset() {
	r.log.Warn("Room reset requested, evicting everyone")

	r.closeAll()

	r.identities.Reset()
	r.clients.Reset()
	r.deviceInfoVersion = make(map[uint16]uint64)
	r.calibrationVersion = make(map[uint16]uint64)

	for _, f := range r.features {
		r.featureStates[f.Name()] = f.InitialState()
	}

	if err := r.snapshot.Remove(); err != nil {
		r.log.Error("Failed to remove snapshot", zap.Error(err))
	}
}

func (r *Room) closeAll() {
	// Copy before iterating: dropConn mutates the registry.
	all := make([]*conn, 0, len(r.conns)+len(r.pending))
	for _, c := range r.conns {
		all = append(all, c)
	}
	for c := range r.pending {
		all = append(all, c)
	}

	for _, c := range all {
		r.dropConn(c, nil)
	}
}

func (r *Room) expireHandshakes(now time.Time) {
	var expired []*conn

	for c := range r.pending {
		if now.Sub(c.attachedAt) > r.handshakeTimeout {
			expired = append(expired, c)
		}
	}

	for _, c := range expired {
		r.sendError(c, "handshake timed out", nil)
		r.dropConn(c, nil)
	}
}

func (r *Room) invokeFeature(c *conn, f Feature, action protocol.Action, payload json.RawMessage) error {
	st, effects, err := f.OnMessage(action, payload, r.featureStates[f.Name()])
	if err != nil {
		return err
	}

	r.featureStates[f.Name()] = st
	r.applyEffects(effects)

	return nil
}

func (r *Room) applyEffects(effects []Effect) {
	for _, effect := range effects {
		switch e := effect.(type) {
		case SendEffect:
			if target, ok := r.conns[e.Client]; ok {
				r.sendMessage(target, e.Message)
			}

		case BroadcastEffect:
			data, err := protocol.Marshal(e.Message)
			if err != nil {
				r.log.Error("Failed to encode broadcast effect", zap.Error(err))
				continue
			}

			for _, target := range r.boundConns() {
				if !target.link.EnqueueText(data) {
					r.log.Debug("Dropped broadcast effect on saturated connection",
						zap.Uint16("client", target.id))
				}
			}

		case SetFieldEffect:
			if err := r.applyField(e.Client, e.Field, e.Value); err != nil {
				r.log.Error("Failed to apply field effect",
					zap.Uint16("client", e.Client),
					zap.String("field", e.Field),
					zap.Error(err))
			}

		case ComputeEffect:
			go func(run func() (protocol.Action, json.RawMessage)) {
				action, payload := run()
				r.submit(featureEvent{action: action, payload: payload})
			}(e.Run)
		}
	}
}

// applyField writes one field of one client document and keeps the
// broadcast version counters in step.
func (r *Room) applyField(id uint16, field string, value interface{}) error {
	var err error
	if raw, ok := value.(json.RawMessage); ok {
		err = r.clients.UpdateRaw(id, field, raw)
	} else {
		err = r.clients.Update(id, field, value)
	}

	if err != nil {
		return err
	}

	r.bumpVersions(id, field)
	return nil
}

func (r *Room) bumpVersions(id uint16, field string) {
	switch {
	case field == "devices" || hasPrefixField(field, "devices"):
		r.deviceInfoVersion[id]++
	case field == "calibration" || hasPrefixField(field, "calibration"):
		r.calibrationVersion[id]++
	}
}

func hasPrefixField(field, prefix string) bool {
	return len(field) > len(prefix) && field[:len(prefix)] == prefix && field[len(prefix)] == '.'
}

func (r *Room) sendMessage(c *conn, msg protocol.ServerMessage) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		r.log.Error("Failed to encode message",
			zap.String("action", string(msg.GetAction())),
			zap.Error(err))
		return
	}

	if !c.link.EnqueueText(data) {
		r.log.Debug("Dropped message on saturated connection",
			zap.String("action", string(msg.GetAction())))
	}
}

func (r *Room) sendError(c *conn, message string, stack []byte) {
	if c == nil || c.state == stateClosed {
		return
	}

	r.sendMessage(c, &protocol.ErrorMessage{Message: message, Stack: string(stack)})
}

// persist writes the room snapshot after a mutating operation. Snapshot
// failures are logged, never fatal: the room can keep relaying without a
// disk.
func (r *Room) persist() {
	err := r.snapshot.Save(storage.Snapshot{
		Clients: r.identities.Snapshot(),
		Handler: r.clients.Save(),
	})
	if err != nil {
		r.log.Error("Failed to persist room snapshot", zap.Error(err))
	}
}

func (r *Room) boundConns() []*conn {
	out := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}

	return out
}
