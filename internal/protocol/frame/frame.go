package frame

import (
	"encoding/binary"
	"errors"
	"io"
)

// HeaderLen is the size of the little-endian length prefix.
const HeaderLen = 4

var (
	ErrShortHeader   = errors.New("frame: short length header")
	ErrShortBody     = errors.New("frame: short body")
	ErrFrameTooLarge = errors.New("frame: body too large")
	ErrEmptyFrame    = errors.New("frame: empty body")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxFrameBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes: 1 << 20,
	}
}

// ReadFrame reads one [length:u32][body] frame.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	if n > limits.MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortBody
		}
		return nil, err
	}
	return body, nil
}

// WriteFrame writes body with its length prefix in a single Write call.
func WriteFrame(w io.Writer, body []byte, limits Limits) error {
	if len(body) == 0 {
		return ErrEmptyFrame
	}
	if uint64(len(body)) > uint64(limits.MaxFrameBytes) {
		return ErrFrameTooLarge
	}
	buf := make([]byte, HeaderLen, HeaderLen+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}
