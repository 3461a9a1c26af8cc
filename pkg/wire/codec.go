// Package wire encodes bus messages on the controller stream.
//
// Every message starts with a tag byte followed by a tag specific body.
// Strings are a little endian uint32 length followed by that many bytes.
// Disconnect is exactly two bytes: 0xff and the reason code, so the
// rejection signal sent to a refused connection is [255, 1].
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/go-delve/framelock/pkg/bus"
)

// Message tags.
const (
	TagStartScript   byte = 1
	TagStopScript    byte = 2
	TagSetWorkingDir byte = 3
	TagLog           byte = 16
	TagScriptStatus  byte = 17
	TagFrameReport   byte = 18
	TagDisconnect    byte = 255
)

// MaxStringLen is the longest string accepted by the decoder.
const MaxStringLen = 1 << 20

// RejectSignal is written to connections the agent will not serve.
var RejectSignal = []byte{TagDisconnect, byte(bus.ReasonRejected)}

// UnknownTagError is returned by Decode for a tag it does not know.
type UnknownTagError struct {
	Tag byte
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("unknown message tag %#x", e.Tag)
}

// ErrStringTooLong is returned by Decode when a string length exceeds
// MaxStringLen, and by Append for a path longer than that. Log text and
// script errors are truncated to MaxStringLen instead.
var ErrStringTooLong = errors.New("string too long")

// Encoder writes messages to a stream.
type Encoder struct {
	w   io.Writer
	buf []byte
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes m as a single Write call.
func (enc *Encoder) Encode(m bus.Message) error {
	buf, err := Append(enc.buf[:0], m)
	if err != nil {
		return err
	}
	enc.buf = buf
	_, err = enc.w.Write(buf)
	return err
}

// Append appends the encoding of m to buf.
func Append(buf []byte, m bus.Message) ([]byte, error) {
	switch m := m.(type) {
	case bus.StartScript:
		if len(m.Path) > MaxStringLen {
			return buf, ErrStringTooLong
		}
		buf = append(buf, TagStartScript)
		buf = appendString(buf, m.Path)
	case bus.StopScript:
		buf = append(buf, TagStopScript)
	case bus.SetWorkingDir:
		if len(m.Dir) > MaxStringLen {
			return buf, ErrStringTooLong
		}
		buf = append(buf, TagSetWorkingDir)
		buf = appendString(buf, m.Dir)
	case bus.Log:
		buf = append(buf, TagLog, byte(m.Level))
		buf = appendString(buf, truncate(m.Text))
	case bus.ScriptStatus:
		running := byte(0)
		if m.Running {
			running = 1
		}
		buf = append(buf, TagScriptStatus, running)
		buf = appendString(buf, truncate(m.Err))
	case bus.FrameReport:
		buf = append(buf, TagFrameReport)
		buf = binary.LittleEndian.AppendUint64(buf, m.Frame)
	case bus.Disconnect:
		buf = append(buf, TagDisconnect, byte(m.Reason))
	default:
		return buf, fmt.Errorf("message %T can not be encoded", m)
	}
	return buf, nil
}

// truncate cuts s to at most MaxStringLen bytes without splitting a UTF-8
// sequence.
func truncate(s string) string {
	if len(s) <= MaxStringLen {
		return s
	}
	n := MaxStringLen
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// Decoder reads messages from a stream.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads the next message. It returns io.EOF if the stream ends
// cleanly between messages and io.ErrUnexpectedEOF if it ends inside one.
func (dec *Decoder) Decode() (bus.Message, error) {
	tag, err := dec.r.ReadByte()
	if err != nil {
		return nil, err
	}
	m, err := dec.body(tag)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return m, err
}

func (dec *Decoder) body(tag byte) (bus.Message, error) {
	switch tag {
	case TagStartScript:
		s, err := dec.string()
		return bus.StartScript{Path: s}, err
	case TagStopScript:
		return bus.StopScript{}, nil
	case TagSetWorkingDir:
		s, err := dec.string()
		return bus.SetWorkingDir{Dir: s}, err
	case TagLog:
		level, err := dec.r.ReadByte()
		if err != nil {
			return nil, err
		}
		s, err := dec.string()
		return bus.Log{Level: bus.LogLevel(level), Text: s}, err
	case TagScriptStatus:
		running, err := dec.r.ReadByte()
		if err != nil {
			return nil, err
		}
		s, err := dec.string()
		return bus.ScriptStatus{Running: running != 0, Err: s}, err
	case TagFrameReport:
		var b [8]byte
		if _, err := io.ReadFull(dec.r, b[:]); err != nil {
			return nil, err
		}
		return bus.FrameReport{Frame: binary.LittleEndian.Uint64(b[:])}, nil
	case TagDisconnect:
		reason, err := dec.r.ReadByte()
		if err != nil {
			return nil, err
		}
		return bus.Disconnect{Reason: bus.DisconnectReason(reason)}, nil
	}
	return nil, &UnknownTagError{Tag: tag}
}

func (dec *Decoder) string() (string, error) {
	var b [4]byte
	if _, err := io.ReadFull(dec.r, b[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(b[:])
	if n > MaxStringLen {
		return "", ErrStringTooLong
	}
	s := make([]byte, n)
	if _, err := io.ReadFull(dec.r, s); err != nil {
		return "", err
	}
	return string(s), nil
}
