package protocol

import (
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/pierrec/lz4/v4"

	"github.com/mattjoyce/airlock/internal/fault"
)

// Frame header tags.
const (
	frameRaw byte = 0
	frameLZ4 byte = 1
)

// DefaultMaxBody caps the declared size of a compressed frame's body.
const DefaultMaxBody = 16 << 20

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Codec turns messages into channel frames. Frames whose CBOR body exceeds the
// compression threshold are LZ4 block-compressed when that actually saves space.
//
// Frame layout: 1 tag byte, then either the raw CBOR body (tag 0) or a 4-byte
// big-endian uncompressed length followed by the LZ4 block (tag 1).
type Codec struct {
	compressThreshold int
	maxBody           int
}

// NewCodec returns a codec. A threshold <= 0 disables compression.
func NewCodec(compressThreshold int) *Codec {
	return &Codec{compressThreshold: compressThreshold, maxBody: DefaultMaxBody}
}

// WithMaxBody returns a copy of c that rejects compressed frames declaring an
// uncompressed body larger than n bytes. n <= 0 keeps DefaultMaxBody.
func (c *Codec) WithMaxBody(n int) *Codec {
	cp := *c
	if n > 0 {
		cp.maxBody = n
	}
	return &cp
}

func (c *Codec) Encode(m Message) ([]byte, error) {
	body, err := encMode.Marshal(m)
	if err != nil {
		return nil, fault.Wrap(fault.CodeProtocolError, err, "encode message")
	}

	if c.compressThreshold > 0 && len(body) > c.compressThreshold {
		if frame, ok := compress(body); ok {
			return frame, nil
		}
	}

	frame := make([]byte, 1+len(body))
	frame[0] = frameRaw
	copy(frame[1:], body)
	return frame, nil
}

func (c *Codec) Decode(frame []byte) (Message, error) {
	var m Message
	if len(frame) == 0 {
		return m, fault.New(fault.CodeProtocolError, "empty frame")
	}

	body := frame[1:]
	switch frame[0] {
	case frameRaw:
	case frameLZ4:
		var err error
		body, err = decompress(body, c.maxBody)
		if err != nil {
			return m, fault.Wrap(fault.CodeProtocolError, err, "decompress frame")
		}
	default:
		return m, fault.Newf(fault.CodeProtocolError, "unknown frame tag %d", frame[0])
	}

	if err := decMode.Unmarshal(body, &m); err != nil {
		return m, fault.Wrap(fault.CodeProtocolError, err, "decode message")
	}
	if err := m.validate(); err != nil {
		return m, err
	}
	return m, nil
}

func compress(body []byte) ([]byte, bool) {
	frame := make([]byte, 5+lz4.CompressBlockBound(len(body)))
	n, err := lz4.CompressBlock(body, frame[5:], nil)
	if err != nil || n == 0 || n >= len(body) {
		return nil, false
	}
	frame[0] = frameLZ4
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(body)))
	return frame[:5+n], true
}

// decompress checks the declared size before allocating; the header comes
// from the peer.
func decompress(b []byte, maxBody int) ([]byte, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("truncated lz4 header")
	}
	size := int(binary.BigEndian.Uint32(b[:4]))
	if maxBody > 0 && size > maxBody {
		return nil, fmt.Errorf("declared body of %d bytes exceeds limit of %d", size, maxBody)
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(b[4:], out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if n != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
	}
	return out, nil
}

func (m Message) validate() error {
	switch m.Kind {
	case KindTask, KindCommand, KindEvent, KindResult:
		return nil
	case "":
		return fault.New(fault.CodeProtocolError, "message missing type")
	default:
		return fault.Newf(fault.CodeProtocolError, "unknown message type %q", m.Kind)
	}
}
