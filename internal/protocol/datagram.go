package protocol

import (
	"encoding/binary"
	"math"
)

// Datagram builds a little-endian payload. The first encoding error is
// sticky and reported by Err.
type Datagram struct {
	buf []byte
	err error
}

func NewDatagram() *Datagram {
	return &Datagram{buf: make([]byte, 0, 64)}
}

func (d *Datagram) AddUint8(v uint8) {
	d.buf = append(d.buf, v)
}

func (d *Datagram) AddUint16(v uint16) {
	d.buf = binary.LittleEndian.AppendUint16(d.buf, v)
}

func (d *Datagram) AddUint32(v uint32) {
	d.buf = binary.LittleEndian.AppendUint32(d.buf, v)
}

func (d *Datagram) AddUint64(v uint64) {
	d.buf = binary.LittleEndian.AppendUint64(d.buf, v)
}

func (d *Datagram) AddInt8(v int8)   { d.AddUint8(uint8(v)) }
func (d *Datagram) AddInt16(v int16) { d.AddUint16(uint16(v)) }
func (d *Datagram) AddInt32(v int32) { d.AddUint32(uint32(v)) }
func (d *Datagram) AddInt64(v int64) { d.AddUint64(uint64(v)) }

func (d *Datagram) AddFloat64(v float64) {
	d.AddUint64(math.Float64bits(v))
}

func (d *Datagram) AddBool(v bool) {
	if v {
		d.AddUint8(1)
		return
	}
	d.AddUint8(0)
}

func (d *Datagram) AddChannel(c Channel) {
	d.AddUint64(uint64(c))
}

func (d *Datagram) AddMsgType(t MsgType) {
	d.AddUint16(uint16(t))
}

// AddString writes a u16 length prefix followed by the bytes of s.
func (d *Datagram) AddString(s string) {
	d.AddBlob([]byte(s))
}

// AddBlob writes a u16 length prefix followed by b.
func (d *Datagram) AddBlob(b []byte) {
	if len(b) > math.MaxUint16 {
		if d.err == nil {
			d.err = ErrValueTooLong
		}
		return
	}
	d.AddUint16(uint16(len(b)))
	d.buf = append(d.buf, b...)
}

// AddData appends raw bytes with no prefix.
func (d *Datagram) AddData(b []byte) {
	d.buf = append(d.buf, b...)
}

func (d *Datagram) Bytes() []byte { return d.buf }
func (d *Datagram) Len() int      { return len(d.buf) }
func (d *Datagram) Err() error    { return d.err }
