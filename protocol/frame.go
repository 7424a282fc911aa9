// Package protocol implements the length-prefixed framed RPC wire
// format carried over one QUIC stream per call (spec §4.A). Payloads
// are CBOR-encoded envelopes rather than JSON so that the binary
// state/output blobs inside them travel as raw bytes, not base64.
package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize is sized to accommodate a compiled workflow binary
// carried whole in a single RegisterImage request frame.
const MaxFrameSize = 64 * 1024 * 1024

// HeaderSize is the 4-byte length prefix plus 2-byte type tag.
const HeaderSize = 6

// MessageType tags the frame's role on the wire.
type MessageType uint16

const (
	MessageRequest MessageType = iota + 1
	MessageResponse
	MessageStreamStart
	MessageStreamData
	MessageStreamEnd
	MessageError
)

func (t MessageType) String() string {
	switch t {
	case MessageRequest:
		return "request"
	case MessageResponse:
		return "response"
	case MessageStreamStart:
		return "stream_start"
	case MessageStreamData:
		return "stream_data"
	case MessageStreamEnd:
		return "stream_end"
	case MessageError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(t))
	}
}

// ErrConnectionClosed signals EOF while reading a frame header, either
// at a frame boundary or partway through the header.
var ErrConnectionClosed = fmt.Errorf("protocol: connection closed")

// Frame is one length-prefixed message on the wire.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// Encode serializes the frame header and payload for transmission.
func (f Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxFrameSize {
		return nil, fmt.Errorf("protocol: frame too large: %d bytes (max %d)", len(f.Payload), MaxFrameSize)
	}
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(f.Payload)))
	binary.BigEndian.PutUint16(buf[4:6], uint16(f.Type))
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// WriteFrame writes a single frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads a single frame from r, which must deliver exactly
// the bytes of one frame per read cycle (a *bufio.Reader is typical).
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Frame{}, ErrConnectionClosed
		}
		return Frame{}, fmt.Errorf("protocol: read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[0:4])
	msgType := MessageType(binary.BigEndian.Uint16(header[4:6]))
	if length > MaxFrameSize {
		return Frame{}, fmt.Errorf("protocol: frame too large: %d bytes (max %d)", length, MaxFrameSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("protocol: read frame payload: %w", err)
	}
	return Frame{Type: msgType, Payload: payload}, nil
}

// FramedStream is a stateless read/write wrapper around one QUIC
// stream carrying exactly one RPC, buffered to avoid a syscall per
// header/payload pair.
type FramedStream struct {
	r io.Reader
	w io.Writer
}

// NewFramedStream wraps an established bidirectional stream.
func NewFramedStream(rw io.ReadWriter) *FramedStream {
	return &FramedStream{r: bufio.NewReaderSize(rw, 32*1024), w: rw}
}

func (fs *FramedStream) ReadFrame() (Frame, error) {
	return ReadFrame(fs.r)
}

func (fs *FramedStream) WriteFrame(f Frame) error {
	return WriteFrame(fs.w, f)
}

// Request writes a Request frame carrying payload and reads back
// exactly one Response or Error frame.
func (fs *FramedStream) Request(payload []byte) (Frame, error) {
	if err := fs.WriteFrame(Frame{Type: MessageRequest, Payload: payload}); err != nil {
		return Frame{}, err
	}
	return fs.ReadFrame()
}

// Respond writes a Response frame.
func (fs *FramedStream) Respond(payload []byte) error {
	return fs.WriteFrame(Frame{Type: MessageResponse, Payload: payload})
}

// RespondError writes an Error frame.
func (fs *FramedStream) RespondError(payload []byte) error {
	return fs.WriteFrame(Frame{Type: MessageError, Payload: payload})
}
