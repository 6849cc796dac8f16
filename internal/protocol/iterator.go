package protocol

import (
	"encoding/binary"
	"math"
)

// Iterator reads little-endian values from a payload. Every getter returns
// ErrTruncated when fewer bytes remain than the value needs.
type Iterator struct {
	data []byte
	off  int
}

func NewIterator(b []byte) *Iterator {
	return &Iterator{data: b}
}

func (it *Iterator) take(n int) ([]byte, error) {
	if n < 0 || len(it.data)-it.off < n {
		return nil, ErrTruncated
	}
	b := it.data[it.off : it.off+n]
	it.off += n
	return b, nil
}

func (it *Iterator) Uint8() (uint8, error) {
	b, err := it.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (it *Iterator) Uint16() (uint16, error) {
	b, err := it.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (it *Iterator) Uint32() (uint32, error) {
	b, err := it.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (it *Iterator) Uint64() (uint64, error) {
	b, err := it.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (it *Iterator) Int64() (int64, error) {
	v, err := it.Uint64()
	return int64(v), err
}

func (it *Iterator) Float64() (float64, error) {
	v, err := it.Uint64()
	return math.Float64frombits(v), err
}

func (it *Iterator) Bool() (bool, error) {
	v, err := it.Uint8()
	return v != 0, err
}

func (it *Iterator) Channel() (Channel, error) {
	v, err := it.Uint64()
	return Channel(v), err
}

func (it *Iterator) MsgType() (MsgType, error) {
	v, err := it.Uint16()
	return MsgType(v), err
}

// Blob reads a u16 length prefix and returns that many bytes. The returned
// slice aliases the iterator's buffer.
func (it *Iterator) Blob() ([]byte, error) {
	n, err := it.Uint16()
	if err != nil {
		return nil, err
	}
	return it.take(int(n))
}

func (it *Iterator) String() (string, error) {
	b, err := it.Blob()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Bytes returns the next n raw bytes.
func (it *Iterator) Bytes(n int) ([]byte, error) {
	return it.take(n)
}

func (it *Iterator) Skip(n int) error {
	_, err := it.take(n)
	return err
}

// Rest consumes and returns every remaining byte.
func (it *Iterator) Rest() []byte {
	b := it.data[it.off:]
	it.off = len(it.data)
	return b
}

// Since returns the bytes consumed after offset start.
func (it *Iterator) Since(start int) []byte {
	return it.data[start:it.off]
}

func (it *Iterator) Remaining() int { return len(it.data) - it.off }
func (it *Iterator) Offset() int    { return it.off }

// Done returns ErrUnexpectedTrailing if unread bytes remain.
func (it *Iterator) Done() error {
	if it.Remaining() != 0 {
		return ErrUnexpectedTrailing
	}
	return nil
}
