package control

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wfunc/egg-collector/internal/bus"
	"github.com/wfunc/egg-collector/internal/config"
	"github.com/wfunc/egg-collector/internal/coordinate"
	"github.com/wfunc/egg-collector/internal/link"
	"github.com/wfunc/egg-collector/internal/logger"
	"github.com/wfunc/egg-collector/internal/protocol"
	"github.com/wfunc/egg-collector/internal/scheduler"
	"github.com/wfunc/egg-collector/internal/vision"
)

// Links pairs the two peer links the engine drives.
type Links struct {
	Actor *link.Link
	Arm   *link.Link
}

// pendingSend tracks one in-flight (unacknowledged) command for a peer.
// The engine allows at most one live entry per peer at a time.
type pendingSend struct {
	wireID       scheduler.CommandID
	wireIDUint   uint16
	kind         protocol.CommandKind
	target       coordinate.Coordinate
	isTransition bool
	idling       bool
	retries      int
	sentAt       time.Time
}

// Engine wires the pure Machine/Step function to the bus, scheduler,
// and serial links: it mints wire ids, enforces the one-in-flight-per-
// peer invariant, and turns scheduler/link events into control Events.
type Engine struct {
	bus    *bus.Bus
	sched  *scheduler.Scheduler
	links  Links
	params Params

	ackTimeout  time.Duration
	idleResend  time.Duration
	periods     map[string]time.Duration
	countdowns  map[string]time.Duration

	log *zap.Logger

	machine    Machine
	nextWireID uint32

	mu      sync.Mutex
	pending map[protocol.Peer]*pendingSend
}

// NewEngine builds an Engine from runtime configuration. ackTimeout
// applies to every command regardless of peer; per-peer
// PeerLinkConfig.AckTimeout values are not consulted here.
func NewEngine(b *bus.Bus, sched *scheduler.Scheduler, links Links, params Params, cfg config.ControlConfig, ackTimeout time.Duration) *Engine {
	idleResend := cfg.ResendIdleInterval
	if idleResend <= 0 {
		idleResend = time.Second
	}
	return &Engine{
		bus:        b,
		sched:      sched,
		links:      links,
		params:     params,
		ackTimeout: ackTimeout,
		idleResend: idleResend,
		periods: map[string]time.Duration{
			TimerActorStatus: cfg.ActorStatusPeriod,
			TimerArmStatus:   cfg.ArmStatusPeriod,
		},
		countdowns: map[string]time.Duration{
			TimerScanOnlyTimeout:   cfg.ScanOnlyTimeout,
			TimerMoveOnlyCountdown: cfg.MoveOnlyCountdown,
		},
		log:     logger.GetModuleLogger("control"),
		machine: NewMachine(),
		pending: make(map[protocol.Peer]*pendingSend),
	}
}

// Run drains the bus until ctx is canceled or the bus closes. It also
// drives the scheduler's wall-clock ticks, so callers only need to
// start the Actor/Arm links before calling Run.
func (e *Engine) Run(ctx context.Context) {
	go e.tickScheduler(ctx)

	e.dispatch(FirstTick{})
	for {
		evt, ok := e.bus.Receive(ctx)
		if !ok {
			return
		}
		e.handleBusEvent(evt)
	}
}

func (e *Engine) tickScheduler(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.sched.Tick(now)
		}
	}
}

func (e *Engine) handleBusEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindDetection:
		if d, ok := evt.Payload.(vision.DetectionEvent); ok {
			e.forwardCoordinates(d)
			e.dispatch(Detection{Event: d})
		}
	case bus.KindObstacleDistance:
		if o, ok := evt.Payload.(vision.ObstacleDistance); ok {
			e.dispatch(Obstacle{Distance: o})
		}
	case bus.KindPeerReply:
		if r, ok := evt.Payload.(protocol.PeerReply); ok {
			e.handlePeerReply(r)
		}
	case bus.KindTimerTick:
		if t, ok := evt.Payload.(scheduler.TimerTick); ok {
			e.handleTimerTick(t.Name)
		}
	case bus.KindCommandTimeout:
		if to, ok := evt.Payload.(scheduler.CommandTimeout); ok {
			e.handleCommandTimeout(to)
		}
	case bus.KindShutdown:
		e.shutdown()
	}
}

func (e *Engine) handlePeerReply(r protocol.PeerReply) {
	switch r.Kind {
	case protocol.ReplyAck:
		e.handleAck(r.Peer, r.AckWireID)
	case protocol.ReplyActorStatus1:
		e.dispatch(ActorStatus{State: r.ActorState, ObstacleCM: r.ObstacleCM})
	case protocol.ReplyArmStatus2:
		e.dispatch(ArmStatus{State: r.ArmState})
	case protocol.ReplyControlToggle:
		e.dispatch(ControlToggle{Peer: r.Peer, Enable: r.ToggleEnable})
	}
}

func (e *Engine) handleAck(peer protocol.Peer, wireID uint16) {
	e.mu.Lock()
	ps := e.pending[peer]
	if ps == nil || ps.wireIDUint != wireID {
		e.mu.Unlock()
		return
	}
	delete(e.pending, peer)
	e.mu.Unlock()

	e.sched.Ack(ps.wireID)
	latency := time.Since(ps.sentAt)
	e.publishResult(peer, ps.kind, true, latency)
	logger.LogCommand(peer.String(), string(ps.wireID), byte(ps.kind), true, latency)

	if ps.isTransition {
		e.dispatch(CommandAcked{})
	}
}

func (e *Engine) handleCommandTimeout(to scheduler.CommandTimeout) {
	peer := parsePeer(to.Peer)
	e.mu.Lock()
	ps := e.pending[peer]
	if ps == nil || ps.wireID != to.CommandID {
		e.mu.Unlock()
		return
	}
	isTransition := ps.isTransition
	alreadyIdling := ps.idling
	e.mu.Unlock()

	if isTransition {
		e.dispatch(CommandTimedOut{})
		return
	}
	if alreadyIdling {
		// The idle-resend countdown alone drives further resends now;
		// a stray ACK-timeout from the resend itself is a no-op.
		return
	}

	e.mu.Lock()
	ps.retries++
	exceeded := ps.retries > e.params.ResendLimit
	if exceeded {
		ps.idling = true
	}
	kind, target := ps.kind, ps.target
	e.mu.Unlock()

	if exceeded {
		e.log.Warn("command exceeded resend limit, entering idle-resend loop",
			zap.String("peer", peer.String()), zap.String("kind", kind.String()))
		e.publishResult(peer, kind, false, time.Since(ps.sentAt))
		e.sched.StartCountdown(idleResendTimerName(peer), e.idleResend)
		return
	}
	e.sendTracked(kind, target, false)
}

func (e *Engine) handleTimerTick(name string) {
	switch name {
	case TimerActorStatus:
		e.pollStatus(protocol.PeerActor, protocol.CmdReadStatus1)
		return
	case TimerArmStatus:
		e.pollStatus(protocol.PeerArm, protocol.CmdReadStatus2)
		return
	}

	if peer, ok := peerFromIdleResendName(name); ok {
		e.mu.Lock()
		ps := e.pending[peer]
		plainIdling := ps != nil && ps.idling && !ps.isTransition
		var kind protocol.CommandKind
		var target coordinate.Coordinate
		if plainIdling {
			kind, target = ps.kind, ps.target
		}
		e.mu.Unlock()

		if plainIdling {
			e.sendTracked(kind, target, false)
			e.sched.StartCountdown(name, e.idleResend)
			return
		}
		// Otherwise this tick belongs to a Transitioning-owned idle
		// resend, tracked inside Machine itself: fall through.
	}

	e.dispatch(TimerFired{Name: name})
}

// pollStatus issues a periodic status request unless a command is
// already outstanding for that peer, preserving the one-in-flight rule.
func (e *Engine) pollStatus(peer protocol.Peer, kind protocol.CommandKind) {
	e.mu.Lock()
	_, busy := e.pending[peer]
	e.mu.Unlock()
	if busy {
		return
	}
	e.sendTracked(kind, coordinate.Coordinate{}, false)
}

func (e *Engine) dispatch(ev Event) {
	m2, effects := Step(e.machine, ev, e.params)
	e.mu.Lock()
	e.machine = m2
	e.mu.Unlock()
	e.applyEffects(effects)
}

func (e *Engine) applyEffects(effects []Effect) {
	for _, eff := range effects {
		switch ef := eff.(type) {
		case SendCommand:
			e.sendTracked(ef.Kind, ef.Target, ef.IsTransition)
		case EnableTimer:
			e.enableTimer(ef.Name)
		case DisableTimer:
			e.sched.DisableTimer(ef.Name)
		case StartCountdown:
			e.startCountdown(ef.Name)
		case CancelCountdown:
			e.sched.CancelCountdown(ef.Name)
		case EmitTransitionLog:
			logger.LogTransition(ef.From.String(), ef.To.String(), "")
		case LogRetryExhausted:
			e.log.Warn("transition command exceeded resend limit, entering idle-resend loop",
				zap.String("peer", ef.Peer.String()), zap.String("kind", ef.Kind.String()))
		case FlushPeerQueue:
			e.flushPeer(ef.Peer)
		}
	}
}

// flushPeer drops any in-flight command tracked for peer and cancels
// its idle-resend countdown, used when that peer's control toggle
// disables sending.
func (e *Engine) flushPeer(peer protocol.Peer) {
	e.mu.Lock()
	ps := e.pending[peer]
	delete(e.pending, peer)
	e.mu.Unlock()

	if ps != nil {
		e.sched.Ack(ps.wireID)
	}
	e.sched.CancelCountdown(idleResendTimerName(peer))
	e.log.Info("outbound queue flushed, peer toggled off", zap.String("peer", peer.String()))
}

// forwardCoordinates relays every detection's selected targets to the
// Arm as the coordinate output frame, independent of the state
// machine's current state. Suspended while the Arm's control toggle is
// disabled, same as any other outbound send to that peer.
func (e *Engine) forwardCoordinates(d vision.DetectionEvent) {
	if !e.machine.ArmEnabled {
		return
	}
	l := e.links.Arm
	if l == nil {
		return
	}
	data, err := protocol.EncodeCoordinates(d.Targets())
	if err != nil {
		e.log.Warn("coordinate frame encode failed", zap.Error(err))
		return
	}
	if err := l.SendRaw(protocol.DataTypeCoordinate, data); err != nil {
		e.log.Warn("coordinate frame send failed",
			zap.String("peer", protocol.PeerArm.String()), zap.Error(err))
	}
}

func (e *Engine) enableTimer(name string) {
	d, ok := e.periods[name]
	if !ok || d <= 0 {
		d = time.Second
	}
	e.sched.EnableTimer(name, d)
}

func (e *Engine) startCountdown(name string) {
	if strings.HasPrefix(name, "idle_resend_") {
		e.sched.StartCountdown(name, e.idleResend)
		return
	}
	d, ok := e.countdowns[name]
	if !ok || d <= 0 {
		d = 5 * time.Second
	}
	e.sched.StartCountdown(name, d)
}

// sendTracked mints a wire id, sends kind/target to its peer link, and
// registers the send with the scheduler as a pending ACK. A pendingSend
// already outstanding for this peer is updated in place rather than
// replaced, so retry counts survive resends.
func (e *Engine) sendTracked(kind protocol.CommandKind, target coordinate.Coordinate, isTransition bool) {
	peer := kind.Peer()
	if !e.peerEnabled(peer) {
		e.log.Debug("outbound send suppressed, peer toggled off",
			zap.String("peer", peer.String()), zap.String("kind", kind.String()))
		return
	}

	wireIDUint := uint16(atomic.AddUint32(&e.nextWireID, 1))
	cmd := protocol.OutboundCommand{WireID: wireIDUint, Kind: kind, Target: target}

	l := e.linkFor(peer)
	if l == nil {
		e.log.Error("no link configured for peer", zap.String("peer", peer.String()))
		return
	}
	if err := l.SendCommand(cmd); err != nil {
		e.log.Warn("send failed, ACK timeout will drive a resend",
			zap.String("peer", peer.String()), zap.String("kind", kind.String()), zap.Error(err))
	}

	id := scheduler.CommandID(uuid.NewString())
	timeout := e.ackTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	e.sched.RegisterPending(id, peer.String(), timeout)

	e.mu.Lock()
	if existing := e.pending[peer]; existing != nil {
		existing.wireID = id
		existing.wireIDUint = wireIDUint
		existing.kind = kind
		existing.target = target
		existing.isTransition = isTransition
		existing.sentAt = time.Now()
	} else {
		e.pending[peer] = &pendingSend{
			wireID:       id,
			wireIDUint:   wireIDUint,
			kind:         kind,
			target:       target,
			isTransition: isTransition,
			sentAt:       time.Now(),
		}
	}
	e.mu.Unlock()
}

// Snapshot is a point-in-time read of engine state for the debug HTTP
// surface. It takes the lock only long enough to copy fields out.
type Snapshot struct {
	State            string
	PickQueueDepth   int
	AcceptDetections bool
	ActorEnabled     bool
	ArmEnabled       bool
	ActorConnected   bool
	ArmConnected     bool
	Pending          map[string]PendingSnapshot
}

// PendingSnapshot describes one peer's in-flight command, keyed by peer
// name in Snapshot.Pending.
type PendingSnapshot struct {
	Kind    string
	Retries int
	Idling  bool
	SentAt  time.Time
}

// Status returns a Snapshot of the engine's current state.
func (e *Engine) Status() Snapshot {
	e.mu.Lock()
	m := e.machine
	pending := make(map[string]PendingSnapshot, len(e.pending))
	for peer, ps := range e.pending {
		pending[peer.String()] = PendingSnapshot{Kind: ps.kind.String(), Retries: ps.retries, Idling: ps.idling, SentAt: ps.sentAt}
	}
	e.mu.Unlock()

	snap := Snapshot{
		State:            m.Current.String(),
		PickQueueDepth:   len(m.PickQueue),
		AcceptDetections: m.AcceptDetections,
		ActorEnabled:     m.ActorEnabled,
		ArmEnabled:       m.ArmEnabled,
		Pending:          pending,
	}
	if e.links.Actor != nil {
		snap.ActorConnected = e.links.Actor.Connected()
	}
	if e.links.Arm != nil {
		snap.ArmConnected = e.links.Arm.Connected()
	}
	return snap
}

func (e *Engine) linkFor(peer protocol.Peer) *link.Link {
	if peer == protocol.PeerArm {
		return e.links.Arm
	}
	return e.links.Actor
}

// peerEnabled reports whether peer's control toggle currently allows
// outbound sends. e.machine is only ever written from the single
// bus-dispatch goroutine (under e.mu, for Status), and this is only
// called from that goroutine, so no lock is needed here.
func (e *Engine) peerEnabled(peer protocol.Peer) bool {
	if peer == protocol.PeerArm {
		return e.machine.ArmEnabled
	}
	return e.machine.ActorEnabled
}

func (e *Engine) publishResult(peer protocol.Peer, kind protocol.CommandKind, success bool, latency time.Duration) {
	e.bus.Publish(bus.Event{
		Kind:      bus.KindCommandResult,
		Payload:   CommandResult{Peer: peer, Kind: kind, Success: success, Latency: latency},
		Timestamp: time.Now(),
	})
}

// shutdown disables the scheduler's timers and stops both links. The
// bus itself is left open.
func (e *Engine) shutdown() {
	e.sched.DisableTimer(TimerActorStatus)
	e.sched.DisableTimer(TimerArmStatus)
	e.sched.CancelCountdown(TimerScanOnlyTimeout)
	e.sched.CancelCountdown(TimerMoveOnlyCountdown)
	if e.links.Actor != nil {
		e.links.Actor.Stop()
	}
	if e.links.Arm != nil {
		e.links.Arm.Stop()
	}
}

func parsePeer(s string) protocol.Peer {
	if s == protocol.PeerArm.String() {
		return protocol.PeerArm
	}
	return protocol.PeerActor
}

func peerFromIdleResendName(name string) (protocol.Peer, bool) {
	switch name {
	case idleResendTimerName(protocol.PeerActor):
		return protocol.PeerActor, true
	case idleResendTimerName(protocol.PeerArm):
		return protocol.PeerArm, true
	default:
		return protocol.Peer(0), false
	}
}
