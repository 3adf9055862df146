package bridge

import (
	"encoding/binary"
	"fmt"
)

// Batch codec: a compact length-prefixed binary encoding for message
// batches crossing the transfer boundary. The content is known-primitive,
// so this stays deliberately simpler and faster than the general-purpose
// payload serializer.

// EncodeBatch encodes a batch of messages.
func EncodeBatch(batch []Message) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(batch)))
	for _, m := range batch {
		buf = append(buf, byte(m.Type))
		var flags byte
		if m.More {
			flags |= 1
		}
		buf = append(buf, flags)
		buf = binary.AppendUvarint(buf, uint64(m.Status))
		buf = binary.AppendUvarint(buf, uint64(len(m.Headers)))
		for _, h := range m.Headers {
			buf = appendString(buf, h.Name)
			buf = appendString(buf, h.Value)
		}
		buf = binary.AppendUvarint(buf, uint64(len(m.Body)))
		buf = append(buf, m.Body...)
	}
	return buf
}

// DecodeBatch decodes a single batch encoded by EncodeBatch.
func DecodeBatch(data []byte) ([]Message, error) {
	d := &decoder{buf: data}
	batch := d.batch()
	if d.err != nil {
		return nil, d.err
	}
	return batch, nil
}

// DecodeAll decodes a buffer holding one or more consecutive batches, as
// produced by a batch-per-transfer writer whose output was read in full.
func DecodeAll(data []byte) ([]Message, error) {
	d := &decoder{buf: data}
	var msgs []Message
	for len(d.buf) > 0 && d.err == nil {
		msgs = append(msgs, d.batch()...)
	}
	if d.err != nil {
		return nil, d.err
	}
	return msgs, nil
}

func (d *decoder) batch() []Message {
	n := d.uvarint()
	if n > uint64(len(d.buf)) {
		d.err = fmt.Errorf("bridge: corrupt batch header")
		return nil
	}
	batch := make([]Message, 0, n)
	for i := uint64(0); i < n && d.err == nil; i++ {
		batch = append(batch, d.message())
	}
	return batch
}

func (d *decoder) message() Message {
	var m Message
	m.Type = MessageType(d.byte())
	m.More = d.byte()&1 != 0
	m.Status = int(d.uvarint())
	nh := d.uvarint()
	if nh > uint64(len(d.buf)) {
		d.err = fmt.Errorf("bridge: corrupt header count")
		return m
	}
	for j := uint64(0); j < nh; j++ {
		m.Headers = append(m.Headers, Header{Name: d.string(), Value: d.string()})
	}
	if body := d.bytes(); len(body) > 0 {
		m.Body = body
	}
	return m
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = fmt.Errorf("bridge: truncated batch")
	}
}

func (d *decoder) byte() byte {
	if d.err != nil || len(d.buf) < 1 {
		d.fail()
		return 0
	}
	b := d.buf[0]
	d.buf = d.buf[1:]
	return b
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.fail()
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) bytes() []byte {
	n := d.uvarint()
	if d.err != nil || uint64(len(d.buf)) < n {
		d.fail()
		return nil
	}
	out := d.buf[:n:n]
	d.buf = d.buf[n:]
	return out
}

func (d *decoder) string() string { return string(d.bytes()) }
