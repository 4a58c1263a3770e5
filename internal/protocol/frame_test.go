package protocol

import "testing"

func TestEncodeRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		dataType DataType
		payload  []uint16
		wantLen  int
	}{
		{
			name:     "zero length coordinate frame",
			dataType: DataTypeCoordinate,
			payload:  nil,
			wantLen:  7,
		},
		{
			name:     "single coordinate pair",
			dataType: DataTypeCoordinate,
			payload:  []uint16{320, 300},
			wantLen:  11, // 7 + 2*2
		},
		{
			name:     "status reply word",
			dataType: DataTypeActorStatus,
			payload:  []uint16{1},
			wantLen:  9, // 7 + 2*1
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := Encode(tt.dataType, tt.payload)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if len(buf) != tt.wantLen {
				t.Errorf("len(buf) = %d, want %d", len(buf), tt.wantLen)
			}
			if buf[0] != Header0 || buf[1] != Header1 {
				t.Errorf("header = %02X %02X, want %02X %02X", buf[0], buf[1], Header0, Header1)
			}
			if buf[len(buf)-2] != Footer0 || buf[len(buf)-1] != Footer1 {
				t.Errorf("footer = %02X %02X, want %02X %02X", buf[len(buf)-2], buf[len(buf)-1], Footer0, Footer1)
			}
			if buf[2] != byte(tt.dataType) {
				t.Errorf("data_type = %02X, want %02X", buf[2], byte(tt.dataType))
			}
			if int(buf[3]) != len(tt.payload) {
				t.Errorf("data_len = %d, want %d", buf[3], len(tt.payload))
			}

			dec := NewDecoder()
			frames := dec.Feed(buf)
			if len(frames) != 1 {
				t.Fatalf("decode produced %d frames, want 1", len(frames))
			}
			got := frames[0]
			if got.DataType != tt.dataType {
				t.Errorf("decoded data_type = %v, want %v", got.DataType, tt.dataType)
			}
			if len(got.Payload) != len(tt.payload) {
				t.Fatalf("decoded payload len = %d, want %d", len(got.Payload), len(tt.payload))
			}
			for i := range tt.payload {
				if got.Payload[i] != tt.payload[i] {
					t.Errorf("payload[%d] = %d, want %d", i, got.Payload[i], tt.payload[i])
				}
			}
		})
	}
}

func TestEncodePayloadTooLong(t *testing.T) {
	payload := make([]uint16, MaxPayloadWords+1)
	if _, err := Encode(DataTypeCoordinate, payload); err == nil {
		t.Fatal("expected error for oversized payload, got nil")
	}
}

func TestDecoderRecoversFromNoisePrefix(t *testing.T) {
	valid, err := Encode(DataTypeArmStatus, []uint16{1})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	// The noise contains a header candidate (24 24 99 24) whose DataLen
	// claims 0x24 words, so the decoder waits for 7+2*0x24 buffered bytes
	// before its CRC/footer check can reject it. Trailing padding supplies
	// those bytes; the valid frame is then found behind the rejected one.
	noise := []byte{0x00, 0xFF, 0x24, 0x01, 0x24, 0x24, 0x99}
	stream := append(append([]byte{}, noise...), valid...)
	stream = append(stream, make([]byte, 2*0x24)...)

	dec := NewDecoder()
	frames := dec.Feed(stream)
	if len(frames) != 1 {
		t.Fatalf("decode produced %d frames, want 1", len(frames))
	}
	if frames[0].DataType != DataTypeArmStatus {
		t.Errorf("data_type = %v, want %v", frames[0].DataType, DataTypeArmStatus)
	}
	if len(frames[0].Payload) != 1 || frames[0].Payload[0] != 1 {
		t.Errorf("payload = %v, want [1]", frames[0].Payload)
	}
}

func TestDecoderHandlesBogusLengthField(t *testing.T) {
	valid, err := Encode(DataTypeAck, []uint16{42})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	// A header followed by a DataLen that parses as a complete (but
	// bogus) frame must not wedge the decoder; the CRC/footer check
	// fails, so it discards this candidate and finds the real frame.
	bogus := []byte{Header0, Header1, byte(DataTypeCoordinate), 0x01}
	stream := append(append([]byte{}, bogus...), valid...)

	dec := NewDecoder()
	frames := dec.Feed(stream)
	if len(frames) != 1 {
		t.Fatalf("decode produced %d frames, want 1", len(frames))
	}
	if frames[0].DataType != DataTypeAck || frames[0].Payload[0] != 42 {
		t.Errorf("got %v, want Ack frame with payload [42]", frames[0])
	}
}

func TestDecoderFeedIsChunkingIndependent(t *testing.T) {
	valid, err := Encode(DataTypeCoordinate, []uint16{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	whole := NewDecoder()
	wantFrames := whole.Feed(valid)
	if len(wantFrames) != 1 {
		t.Fatalf("whole feed produced %d frames, want 1", len(wantFrames))
	}

	chunked := NewDecoder()
	var gotFrames []Frame
	for _, b := range valid {
		gotFrames = append(gotFrames, chunked.Feed([]byte{b})...)
	}
	if len(gotFrames) != 1 {
		t.Fatalf("byte-at-a-time feed produced %d frames, want 1", len(gotFrames))
	}
	if gotFrames[0].DataType != wantFrames[0].DataType {
		t.Errorf("data_type mismatch across chunking: %v vs %v", gotFrames[0].DataType, wantFrames[0].DataType)
	}
	for i := range wantFrames[0].Payload {
		if gotFrames[0].Payload[i] != wantFrames[0].Payload[i] {
			t.Errorf("payload[%d] mismatch across chunking: %d vs %d", i, gotFrames[0].Payload[i], wantFrames[0].Payload[i])
		}
	}
}

func TestDecoderWaitsOnPartialFrame(t *testing.T) {
	valid, err := Encode(DataTypeArmStatus, []uint16{0})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	dec := NewDecoder()
	frames := dec.Feed(valid[:len(valid)-2]) // withhold the footer
	if len(frames) != 0 {
		t.Fatalf("decode produced %d frames before frame complete, want 0", len(frames))
	}
	frames = dec.Feed(valid[len(valid)-2:])
	if len(frames) != 1 {
		t.Fatalf("decode produced %d frames after completion, want 1", len(frames))
	}
}
