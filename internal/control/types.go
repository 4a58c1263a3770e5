// Package control implements the finite state machine that drives robot
// behavior from vision detections, peer status replies, and scheduler
// timers: a pure transition function plus an engine that wires it to the
// bus, scheduler, and serial links.
package control

import (
	"time"

	"github.com/wfunc/egg-collector/internal/coordinate"
	"github.com/wfunc/egg-collector/internal/protocol"
	"github.com/wfunc/egg-collector/internal/vision"
)

// CommandResult is published onto the bus, purely for observability,
// for every acknowledged command and for every non-transition command
// that exhausts its resend limit. The engine's own bus loop ignores it,
// and neither the debug HTTP surface nor the state machine reads it.
type CommandResult struct {
	Peer    protocol.Peer
	Kind    protocol.CommandKind
	Success bool
	Latency time.Duration
}

// StateKind is the control state discriminant.
type StateKind int

const (
	StateIdle StateKind = iota
	StateScanAndMove
	StatePickUpEgg
	StateTurn1st
	StateScanOnly
	StateMoveOnly
	StateTurn2nd
)

func (s StateKind) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanAndMove:
		return "scan_and_move"
	case StatePickUpEgg:
		return "pick_up_egg"
	case StateTurn1st:
		return "turn_1st"
	case StateScanOnly:
		return "scan_only"
	case StateMoveOnly:
		return "move_only"
	case StateTurn2nd:
		return "turn_2nd"
	default:
		return "unknown"
	}
}

// Timer names the state machine asks the scheduler to enable/disable.
const (
	TimerActorStatus       = "actor_status"
	TimerArmStatus         = "arm_status"
	TimerScanOnlyTimeout   = "scan_only_timeout"
	TimerMoveOnlyCountdown = "move_only_countdown"
)

func idleResendTimerName(p protocol.Peer) string {
	return "idle_resend_" + p.String()
}

// Transitioning describes a state-changing command sent and not yet
// acknowledged. The machine's Current state does not change until the
// ACK commits it.
type Transitioning struct {
	Peer          protocol.Peer
	Kind          protocol.CommandKind
	Target        coordinate.Coordinate
	NextState     StateKind
	QueueOnCommit []coordinate.Coordinate
	Retries       int
	Idling        bool
}

// Machine is the control state machine's full value: current state,
// the pick queue, detection subscription, and per-peer toggle flags.
type Machine struct {
	Current          StateKind
	PickQueue        []coordinate.Coordinate
	AcceptDetections bool
	ArmEnabled       bool
	ActorEnabled     bool
	LastObstacleNear bool
	Transitioning    *Transitioning
}

// NewMachine returns the initial machine: Idle, both peers enabled.
func NewMachine() Machine {
	return Machine{Current: StateIdle, ArmEnabled: true, ActorEnabled: true}
}

// Params carries the runtime-configurable thresholds the pure
// transition function needs, so no global state leaks into Step.
type Params struct {
	CenterBand     vision.CenterBand
	ObstacleNearCM uint
	ResendLimit    int
}

// DefaultParams mirrors the configuration defaults.
func DefaultParams() Params {
	return Params{
		CenterBand:     vision.DefaultCenterBand,
		ObstacleNearCM: vision.DefaultObstacleNearCM,
		ResendLimit:    3,
	}
}

// Event is the tagged-union of inputs the machine reacts to.
type Event interface{ isControlEvent() }

// FirstTick kicks the machine out of Idle.
type FirstTick struct{}

func (FirstTick) isControlEvent() {}

// Detection carries a vision detection event.
type Detection struct{ Event vision.DetectionEvent }

func (Detection) isControlEvent() {}

// Obstacle carries a standalone obstacle-distance reading.
type Obstacle struct{ Distance vision.ObstacleDistance }

func (Obstacle) isControlEvent() {}

// ActorStatus carries a decoded Actor status reply, optionally
// piggy-backing an obstacle-distance reading.
type ActorStatus struct {
	State      protocol.ActorState
	ObstacleCM *uint16
}

func (ActorStatus) isControlEvent() {}

// ArmStatus carries a decoded Arm status reply.
type ArmStatus struct{ State protocol.ArmState }

func (ArmStatus) isControlEvent() {}

// ControlToggle carries an MCU-originated pause/resume of coordinate
// transmission for one peer. Independent of the machine's Current state.
type ControlToggle struct {
	Peer   protocol.Peer
	Enable bool
}

func (ControlToggle) isControlEvent() {}

// TimerFired carries a scheduler TimerTick.
type TimerFired struct{ Name string }

func (TimerFired) isControlEvent() {}

// CommandAcked signals that the currently pending Transitioning's
// command was acknowledged by its peer.
type CommandAcked struct{}

func (CommandAcked) isControlEvent() {}

// CommandTimedOut signals that the currently pending Transitioning's
// command exceeded its ACK deadline.
type CommandTimedOut struct{}

func (CommandTimedOut) isControlEvent() {}

// Effect is the tagged-union of side effects Step asks the engine to
// perform: outbound commands and timer operations.
type Effect interface{ isEffect() }

// SendCommand asks the engine to encode and send a command to a peer.
// IsTransition marks a command that owns the machine's current
// Transitioning: its ACK drives CommandAcked/CommandTimedOut back into
// Step, rather than the engine's own plain retry bookkeeping.
type SendCommand struct {
	Peer         protocol.Peer
	Kind         protocol.CommandKind
	Target       coordinate.Coordinate
	IsTransition bool
}

func (SendCommand) isEffect() {}

// EnableTimer asks the scheduler to (re)activate a periodic poller.
type EnableTimer struct{ Name string }

func (EnableTimer) isEffect() {}

// DisableTimer asks the scheduler to deactivate a periodic poller.
type DisableTimer struct{ Name string }

func (DisableTimer) isEffect() {}

// StartCountdown asks the scheduler to (re)start a one-shot timer.
type StartCountdown struct{ Name string }

func (StartCountdown) isEffect() {}

// CancelCountdown asks the scheduler to stop a one-shot timer.
type CancelCountdown struct{ Name string }

func (CancelCountdown) isEffect() {}

// EmitTransitionLog asks the engine to log a state change.
type EmitTransitionLog struct{ From, To StateKind }

func (EmitTransitionLog) isEffect() {}

// LogRetryExhausted asks the engine to log that a command exceeded its
// resend limit and entered the idle-resend loop.
type LogRetryExhausted struct {
	Peer protocol.Peer
	Kind protocol.CommandKind
}

func (LogRetryExhausted) isEffect() {}

// FlushPeerQueue asks the engine to drop any in-flight outbound command
// for Peer and cancel its resend timers, issued when that peer's
// control toggle disables sending.
type FlushPeerQueue struct{ Peer protocol.Peer }

func (FlushPeerQueue) isEffect() {}
