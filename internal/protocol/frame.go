// Package protocol implements the binary frame codec shared by the
// Actor and Arm serial links: header `0x24 0x24`, a data-type byte, a
// word-count length byte, big-endian 16-bit payload words, an XOR
// checksum, and footer `0x23 0x23`.
package protocol

import (
	"fmt"

	apperrors "github.com/wfunc/egg-collector/internal/errors"
)

const (
	Header0 byte = 0x24
	Header1 byte = 0x24
	Footer0 byte = 0x23
	Footer1 byte = 0x23

	// MaxPayloadWords is the largest payload DataLen (a single byte) can
	// express.
	MaxPayloadWords = 255

	// frameOverhead is the byte count of header+type+len+crc+footer,
	// i.e. every frame byte that isn't a payload word.
	frameOverhead = 7
)

// DataType identifies the kind of payload a frame carries.
type DataType byte

const (
	DataTypeCoordinate    DataType = 0x01 // detection/pick-target coordinates, PC -> Arm
	DataTypeControlToggle DataType = 0x02 // MCU -> PC, pause/resume coordinate sending
	DataTypeActorMotion   DataType = 0x03 // PC -> Actor: move/stop/rotate
	DataTypeStatusRequest DataType = 0x04 // PC -> peer: poll status
	DataTypeActorStatus   DataType = 0x10 // Actor -> PC status reply
	DataTypeArmStatus     DataType = 0x20 // Arm -> PC status reply
	DataTypeAck           DataType = 0xFF // peer -> PC, echoes a command id
)

// Frame is one decoded protocol unit.
type Frame struct {
	DataType DataType
	Payload  []uint16
}

// Encode serializes dataType and payload into wire bytes. It fails
// when payload is too long to fit the single-byte word count.
func Encode(dataType DataType, payload []uint16) ([]byte, error) {
	if len(payload) > MaxPayloadWords {
		return nil, apperrors.Newf(apperrors.ErrCodecPayloadSize, "payload has %d words, max %d", len(payload), MaxPayloadWords)
	}

	buf := make([]byte, 0, frameOverhead+2*len(payload))
	buf = append(buf, Header0, Header1, byte(dataType), byte(len(payload)))
	for _, w := range payload {
		buf = append(buf, byte(w>>8), byte(w))
	}
	// Checksum covers header+type+len+payload (the more conservative of
	// two disagreeing example byte sequences) pending verification
	// against physical MCU firmware.
	buf = append(buf, xorChecksum(buf))
	buf = append(buf, Footer0, Footer1)
	return buf, nil
}

func xorChecksum(b []byte) byte {
	var c byte
	for _, x := range b {
		c ^= x
	}
	return c
}

// Decoder is a stateful streaming parser. Bytes fed to it in any
// chunking produce the same sequence of frames, and it recovers framing
// after any corrupted byte by scanning for the next header candidate.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends data to the internal buffer and returns every frame
// that could be fully parsed out of it. Feed never blocks.
func (d *Decoder) Feed(data []byte) []Frame {
	d.buf = append(d.buf, data...)

	var frames []Frame
	for {
		// Resync: drop leading bytes until a header candidate or the
		// buffer is too short to tell.
		for len(d.buf) >= 2 && !(d.buf[0] == Header0 && d.buf[1] == Header1) {
			d.buf = d.buf[1:]
		}
		if len(d.buf) < 4 {
			break // need at least header + data_type + data_len
		}

		dataLen := int(d.buf[3])
		total := frameOverhead + 2*dataLen
		if len(d.buf) < total {
			break // wait for more bytes
		}

		payloadEnd := 4 + 2*dataLen
		computedCRC := xorChecksum(d.buf[:payloadEnd])
		crcByte := d.buf[payloadEnd]
		footerOK := d.buf[total-2] == Footer0 && d.buf[total-1] == Footer1

		if computedCRC != crcByte || !footerOK {
			// Desynchronized or bogus DataLen: drop one byte and rescan.
			d.buf = d.buf[1:]
			continue
		}

		payload := make([]uint16, dataLen)
		for i := 0; i < dataLen; i++ {
			hi := d.buf[4+2*i]
			lo := d.buf[4+2*i+1]
			payload[i] = uint16(hi)<<8 | uint16(lo)
		}
		frames = append(frames, Frame{DataType: DataType(d.buf[2]), Payload: payload})
		d.buf = d.buf[total:]
	}
	return frames
}

// Pending reports how many unconsumed bytes remain buffered, useful
// for diagnostics when a link is suspected of drifting out of sync.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame{type=0x%02X, payload=%v}", byte(f.DataType), f.Payload)
}
