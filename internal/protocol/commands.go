package protocol

import (
	"fmt"

	"github.com/wfunc/egg-collector/internal/coordinate"
)

// Peer identifies which serial link a command or reply belongs to.
type Peer int

const (
	PeerActor Peer = iota
	PeerArm
)

func (p Peer) String() string {
	if p == PeerActor {
		return "actor"
	}
	return "arm"
}

// CommandKind enumerates the outbound command variants the control
// engine can issue to a peer.
type CommandKind int

const (
	CmdMoveForward CommandKind = iota
	CmdStop
	CmdRotate90
	CmdReadStatus1
	CmdPickControl
	CmdReadStatus2
)

func (k CommandKind) String() string {
	switch k {
	case CmdMoveForward:
		return "move_forward"
	case CmdStop:
		return "stop"
	case CmdRotate90:
		return "rotate90"
	case CmdReadStatus1:
		return "read_status1"
	case CmdPickControl:
		return "pick_control"
	case CmdReadStatus2:
		return "read_status2"
	default:
		return "unknown"
	}
}

// Peer returns the link this command kind targets.
func (k CommandKind) Peer() Peer {
	switch k {
	case CmdMoveForward, CmdStop, CmdRotate90, CmdReadStatus1:
		return PeerActor
	default:
		return PeerArm
	}
}

// motion opcodes carried in the first word of DataTypeActorMotion frames.
const (
	motionStop    uint16 = 0
	motionForward uint16 = 1
	motionRotate  uint16 = 2
)

const statusRequestSentinel uint16 = 0x0000

// OutboundCommand is a tagged variant describing a command targeted at
// a peer, carrying a wire-level id used to correlate its ACK.
type OutboundCommand struct {
	WireID uint16
	Kind   CommandKind
	Target coordinate.Coordinate // only meaningful for CmdPickControl
}

// Encode renders the command to a DataType and payload words, appending
// WireID as the last payload word so the peer's ACK can echo it back.
func (c OutboundCommand) Encode() (DataType, []uint16) {
	switch c.Kind {
	case CmdMoveForward:
		return DataTypeActorMotion, []uint16{motionForward, c.WireID}
	case CmdStop:
		return DataTypeActorMotion, []uint16{motionStop, c.WireID}
	case CmdRotate90:
		return DataTypeActorMotion, []uint16{motionRotate, c.WireID}
	case CmdReadStatus1, CmdReadStatus2:
		return DataTypeStatusRequest, []uint16{statusRequestSentinel, c.WireID}
	case CmdPickControl:
		return DataTypeCoordinate, []uint16{uint16(c.Target.X), uint16(c.Target.Y), c.WireID}
	default:
		return DataTypeStatusRequest, []uint16{statusRequestSentinel, c.WireID}
	}
}

// ActorState is the Actor's reported motion state.
type ActorState int

const (
	ActorIdle ActorState = iota
	ActorMoving
	ActorTurning
)

// ArmState is the Arm's reported pick state.
type ArmState int

const (
	ArmIdleDone ArmState = iota
	ArmPicking
)

// ReplyKind enumerates the PeerReply tagged-variant cases.
type ReplyKind int

const (
	ReplyAck ReplyKind = iota
	ReplyActorStatus1
	ReplyArmStatus2
	ReplyControlToggle
)

// PeerReply is a decoded frame translated into a reply variant.
type PeerReply struct {
	Kind         ReplyKind
	Peer         Peer
	AckWireID    uint16
	ActorState   ActorState
	ArmState     ArmState
	ToggleEnable bool
	// ObstacleCM carries an optional distance reading piggy-backed on
	// ActorStatus1 (payload word 1), nil when absent.
	ObstacleCM *uint16
}

// DecodeReply maps a decoded Frame, received on the link belonging to
// peer, to a PeerReply. An error is returned for a DataType this link
// has no mapping for.
func DecodeReply(peer Peer, f Frame) (PeerReply, error) {
	switch f.DataType {
	case DataTypeAck:
		if len(f.Payload) < 1 {
			return PeerReply{}, fmt.Errorf("ack frame missing echoed id")
		}
		return PeerReply{Kind: ReplyAck, Peer: peer, AckWireID: f.Payload[0]}, nil

	case DataTypeActorStatus:
		if len(f.Payload) < 1 {
			return PeerReply{}, fmt.Errorf("actor status frame missing state word")
		}
		reply := PeerReply{Kind: ReplyActorStatus1, Peer: peer, ActorState: ActorState(f.Payload[0])}
		if len(f.Payload) >= 2 {
			cm := f.Payload[1]
			reply.ObstacleCM = &cm
		}
		return reply, nil

	case DataTypeArmStatus:
		if len(f.Payload) < 1 {
			return PeerReply{}, fmt.Errorf("arm status frame missing state word")
		}
		return PeerReply{Kind: ReplyArmStatus2, Peer: peer, ArmState: ArmState(f.Payload[0])}, nil

	case DataTypeControlToggle:
		if len(f.Payload) < 1 {
			return PeerReply{}, fmt.Errorf("control toggle frame missing enable word")
		}
		return PeerReply{Kind: ReplyControlToggle, Peer: peer, ToggleEnable: f.Payload[0] != 0}, nil

	default:
		return PeerReply{}, fmt.Errorf("unmapped data type 0x%02X for peer %s", byte(f.DataType), peer)
	}
}

// EncodeCoordinates builds the PC -> Arm detection coordinate output
// frame from a set of selected targets. An empty slice still produces
// a valid zero-length frame.
func EncodeCoordinates(targets []coordinate.Coordinate) ([]byte, error) {
	words := make([]uint16, 0, 2*len(targets))
	for _, t := range targets {
		words = append(words, t.X, t.Y)
	}
	return Encode(DataTypeCoordinate, words)
}
