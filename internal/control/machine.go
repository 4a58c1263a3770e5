package control

import (
	"github.com/wfunc/egg-collector/internal/coordinate"
	"github.com/wfunc/egg-collector/internal/protocol"
)

// Step is the pure transition function (state, event) -> (state', effects).
//
// Two overlapping conditions in the source state table ("has_center_egg
// ∨ obstacle_near -> PickUpEgg" and "no egg ∧ obstacle_near -> Turn1st")
// are only consistent if egg detection takes priority: this
// implementation checks has_center_egg first and falls back to
// obstacle_near only when no egg was seen.
func Step(m Machine, ev Event, p Params) (Machine, []Effect) {
	if ct, ok := ev.(ControlToggle); ok {
		var wasEnabled bool
		if ct.Peer == protocol.PeerArm {
			wasEnabled = m.ArmEnabled
			m.ArmEnabled = ct.Enable
		} else {
			wasEnabled = m.ActorEnabled
			m.ActorEnabled = ct.Enable
		}

		if wasEnabled && !ct.Enable {
			// Falling edge: the peer just asked us to stop sending.
			return m, []Effect{FlushPeerQueue{Peer: ct.Peer}}
		}
		if !wasEnabled && ct.Enable && m.Transitioning != nil && m.Transitioning.Peer == ct.Peer {
			// Rising edge with a transition stalled on this peer: resend
			// its command now that sending is allowed again, the same
			// way the idle-resend timer would.
			t := m.Transitioning
			return m, []Effect{SendCommand{Peer: t.Peer, Kind: t.Kind, Target: t.Target, IsTransition: true}}
		}
		return m, nil
	}

	if m.Transitioning != nil {
		return stepTransitioning(m, ev, p)
	}

	if _, ok := ev.(Detection); ok && !m.AcceptDetections {
		return m, nil
	}

	if obs, ok := ev.(Obstacle); ok {
		near := obs.Distance.ObstacleNear(p.ObstacleNearCM)
		m.LastObstacleNear = near
		if m.Current == StateScanAndMove && near {
			return beginTransition(m, protocol.PeerActor, protocol.CmdRotate90, coordinate.Coordinate{}, StateTurn1st, nil)
		}
		return m, nil
	}

	if as, ok := ev.(ActorStatus); ok && as.ObstacleCM != nil {
		near := uint(*as.ObstacleCM) < p.ObstacleNearCM
		m.LastObstacleNear = near
		if m.Current == StateScanAndMove && near {
			return beginTransition(m, protocol.PeerActor, protocol.CmdRotate90, coordinate.Coordinate{}, StateTurn1st, nil)
		}
		// fall through: Turn1st/Turn2nd still need the ActorState value below.
	}

	switch m.Current {
	case StateIdle:
		if _, ok := ev.(FirstTick); ok {
			return beginTransition(m, protocol.PeerActor, protocol.CmdMoveForward, coordinate.Coordinate{}, StateScanAndMove, nil)
		}

	case StateScanAndMove:
		if d, ok := ev.(Detection); ok {
			if d.Event.HasCenterEgg(p.CenterBand) {
				if targets := d.Event.Targets(); len(targets) > 0 {
					return beginTransition(m, protocol.PeerActor, protocol.CmdStop, coordinate.Coordinate{}, StatePickUpEgg, targets)
				}
				// Center-band predicate fired but no usable target survived
				// selection: nothing to pick, so don't stop for it.
			}
			if m.LastObstacleNear {
				return beginTransition(m, protocol.PeerActor, protocol.CmdRotate90, coordinate.Coordinate{}, StateTurn1st, nil)
			}
		}

	case StatePickUpEgg:
		if as, ok := ev.(ArmStatus); ok && as.State == protocol.ArmIdleDone {
			if len(m.PickQueue) > 0 {
				next := m.PickQueue[0]
				m.PickQueue = m.PickQueue[1:]
				return m, []Effect{SendCommand{Peer: protocol.PeerArm, Kind: protocol.CmdPickControl, Target: next}} // not transition-owning: PickUpEgg is already committed
			}
			return beginTransition(m, protocol.PeerActor, protocol.CmdMoveForward, coordinate.Coordinate{}, StateScanAndMove, nil)
		}
		if d, ok := ev.(Detection); ok {
			if len(m.PickQueue) == 0 {
				m.PickQueue = d.Event.Targets()
			}
			// Queue refreshes only when empty: a detection arriving while
			// the Arm is still working an existing queue is dropped.
			return m, nil
		}

	case StateTurn1st:
		if as, ok := ev.(ActorStatus); ok {
			switch as.State {
			case protocol.ActorIdle:
				return directTransition(m, StateScanOnly, nil)
			case protocol.ActorTurning:
				return m, nil
			}
		}

	case StateScanOnly:
		if d, ok := ev.(Detection); ok {
			if d.Event.HasCenterEgg(p.CenterBand) {
				if targets := d.Event.Targets(); len(targets) > 0 {
					return directTransition(m, StatePickUpEgg, targets)
				}
			}
			return m, nil
		}
		if tf, ok := ev.(TimerFired); ok && tf.Name == TimerScanOnlyTimeout {
			return beginTransition(m, protocol.PeerActor, protocol.CmdMoveForward, coordinate.Coordinate{}, StateMoveOnly, nil)
		}

	case StateMoveOnly:
		if tf, ok := ev.(TimerFired); ok && tf.Name == TimerMoveOnlyCountdown {
			return beginTransition(m, protocol.PeerActor, protocol.CmdRotate90, coordinate.Coordinate{}, StateTurn2nd, nil)
		}

	case StateTurn2nd:
		if as, ok := ev.(ActorStatus); ok {
			switch as.State {
			case protocol.ActorIdle:
				return directTransition(m, StateScanAndMove, nil)
			case protocol.ActorTurning:
				return m, nil
			}
		}
	}

	return m, nil
}

// stepTransitioning handles events while a state-changing command is
// awaiting its ACK. Only the ACK, its timeout, and the idle-resend
// timer progress it; every other event is ignored (debug-logged by the
// engine), matching "unhandled events in a state are ignored".
func stepTransitioning(m Machine, ev Event, p Params) (Machine, []Effect) {
	switch e := ev.(type) {
	case CommandAcked:
		return commit(m)
	case CommandTimedOut:
		return retry(m, p)
	case TimerFired:
		t := m.Transitioning
		if t.Idling && e.Name == idleResendTimerName(t.Peer) {
			return m, []Effect{
				SendCommand{Peer: t.Peer, Kind: t.Kind, Target: t.Target, IsTransition: true},
				StartCountdown{Name: idleResendTimerName(t.Peer)},
			}
		}
	}
	return m, nil
}

func beginTransition(m Machine, peer protocol.Peer, kind protocol.CommandKind, target coordinate.Coordinate, next StateKind, queue []coordinate.Coordinate) (Machine, []Effect) {
	m.Transitioning = &Transitioning{
		Peer:          peer,
		Kind:          kind,
		Target:        target,
		NextState:     next,
		QueueOnCommit: queue,
	}
	return m, []Effect{SendCommand{Peer: peer, Kind: kind, Target: target, IsTransition: true}}
}

func commit(m Machine) (Machine, []Effect) {
	t := m.Transitioning
	prev := m.Current
	m.Transitioning = nil

	m, exitEffects := exit(m, t.NextState)
	m.Current = t.NextState
	m, enterEffects := enter(m, t.NextState, t.QueueOnCommit)

	effects := []Effect{EmitTransitionLog{From: prev, To: t.NextState}}
	effects = append(effects, exitEffects...)
	effects = append(effects, enterEffects...)
	return m, effects
}

func retry(m Machine, p Params) (Machine, []Effect) {
	t := m.Transitioning
	if t.Idling {
		// Already in the indefinite idle-resend loop: the countdown
		// alone drives further resends, so a stray ACK-timeout racing
		// against it (e.g. from the resend itself) is a no-op rather
		// than restarting the countdown early and starving it.
		return m, nil
	}
	t.Retries++
	if t.Retries > p.ResendLimit {
		t.Idling = true
		return m, []Effect{
			LogRetryExhausted{Peer: t.Peer, Kind: t.Kind},
			StartCountdown{Name: idleResendTimerName(t.Peer)},
		}
	}
	return m, []Effect{SendCommand{Peer: t.Peer, Kind: t.Kind, Target: t.Target, IsTransition: true}}
}

func directTransition(m Machine, next StateKind, queue []coordinate.Coordinate) (Machine, []Effect) {
	prev := m.Current
	m, exitEffects := exit(m, next)
	m, enterEffects := enter(m, next, queue)

	effects := []Effect{EmitTransitionLog{From: prev, To: next}}
	effects = append(effects, exitEffects...)
	effects = append(effects, enterEffects...)
	return m, effects
}

// exit applies on_exit effects for the state currently held in m.Current,
// given the state it is leaving to.
func exit(m Machine, to StateKind) (Machine, []Effect) {
	var effects []Effect
	switch m.Current {
	case StateScanAndMove:
		if to != StatePickUpEgg && to != StateScanOnly {
			m.AcceptDetections = false
		}
	case StateScanOnly:
		m.AcceptDetections = false
		effects = append(effects, CancelCountdown{Name: TimerScanOnlyTimeout})
	case StateMoveOnly:
		effects = append(effects, CancelCountdown{Name: TimerMoveOnlyCountdown})
	case StatePickUpEgg:
		m.AcceptDetections = false
		effects = append(effects, DisableTimer{Name: TimerArmStatus})
	}
	return m, effects
}

// enter applies on_enter effects for state, which becomes the new
// m.Current once this returns.
func enter(m Machine, state StateKind, queue []coordinate.Coordinate) (Machine, []Effect) {
	m.Current = state
	var effects []Effect
	switch state {
	case StateScanAndMove:
		m.AcceptDetections = true
		effects = append(effects, EnableTimer{Name: TimerActorStatus})

	case StatePickUpEgg:
		// Callers only route here with a non-empty queue (an empty
		// selection falls back to ScanAndMove/ScanOnly instead); this
		// guard just keeps that invariant from going silently wrong if
		// it's ever violated, rather than parking the robot forever
		// waiting for an ArmStatus event nothing will trigger.
		if len(queue) == 0 {
			return enter(m, StateScanAndMove, nil)
		}
		m.AcceptDetections = true
		m.PickQueue = queue
		head := m.PickQueue[0]
		m.PickQueue = m.PickQueue[1:]
		effects = append(effects, SendCommand{Peer: protocol.PeerArm, Kind: protocol.CmdPickControl, Target: head})
		effects = append(effects, EnableTimer{Name: TimerArmStatus})

	case StateTurn1st, StateTurn2nd:
		m.AcceptDetections = false

	case StateScanOnly:
		m.AcceptDetections = true
		effects = append(effects, StartCountdown{Name: TimerScanOnlyTimeout})

	case StateMoveOnly:
		m.AcceptDetections = false
		effects = append(effects, StartCountdown{Name: TimerMoveOnlyCountdown})
	}
	return m, effects
}
