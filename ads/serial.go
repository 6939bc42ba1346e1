package ads

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/npat-efault/crc16"
)

// ADS serial envelope (6 byte header + data + 2 byte CRC)
//
//	0-1  cookie 0x01 0xA5
//	2    transmitter link address
//	3    receiver link address
//	4    fragment number
//	5    data length
//	6..  data
//	n-2  CRC-16/MODBUS over bytes 0..n-3, high byte first
const (
	envelopeHeaderLen = 6
	envelopeCrcLen    = 2
	envelopeMaxData   = 255
	envelopeMaxLen    = envelopeHeaderLen + envelopeMaxData + envelopeCrcLen
)

var envelopeCookie = []byte{0x01, 0xA5}

// Envelope is one unit on the ADS serial link. An envelope without data is
// an acknowledgment of the data envelope carrying the same fragment number.
type Envelope struct {
	Transmitter byte
	Receiver    byte
	Fragment    byte
	Data        []byte
}

// IsAck reports whether e is a link-layer acknowledgment.
func (e *Envelope) IsAck() bool {
	return len(e.Data) == 0
}

func (e *Envelope) String() string {
	if e.IsAck() {
		return fmt.Sprintf("ack tx=%d rx=%d frag=%d", e.Transmitter, e.Receiver, e.Fragment)
	}
	return fmt.Sprintf("data tx=%d rx=%d frag=%d len=%d", e.Transmitter, e.Receiver, e.Fragment, len(e.Data))
}

// MarshalBinary encodes the envelope including its CRC.
func (e *Envelope) MarshalBinary() ([]byte, error) {
	if len(e.Data) > envelopeMaxData {
		return nil, fmt.Errorf("%w: %d bytes", ErrEnvelopeTooLarge, len(e.Data))
	}
	n := envelopeHeaderLen + len(e.Data)
	buf := make([]byte, n+envelopeCrcLen)
	buf[0] = envelopeCookie[0]
	buf[1] = envelopeCookie[1]
	buf[2] = e.Transmitter
	buf[3] = e.Receiver
	buf[4] = e.Fragment
	buf[5] = byte(len(e.Data))
	copy(buf[envelopeHeaderLen:], e.Data)
	binary.BigEndian.PutUint16(buf[n:], crc16.Checksum(crc16.Modbus, buf[:n]))
	return buf, nil
}

// ackFor builds the acknowledgment for a received data envelope.
func ackFor(e *Envelope) *Envelope {
	return &Envelope{Transmitter: e.Transmitter, Receiver: e.Receiver, Fragment: e.Fragment}
}

// UnmarshalEnvelope decodes exactly one envelope from b.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	if len(b) < envelopeHeaderLen+envelopeCrcLen {
		return nil, &DecodeError{Kind: ErrTruncated, Detail: fmt.Sprintf("envelope needs at least 8 bytes, have %d", len(b))}
	}
	if !bytes.HasPrefix(b, envelopeCookie) {
		return nil, &DecodeError{Kind: ErrNoCookie, Detail: fmt.Sprintf("got 0x%02X 0x%02X", b[0], b[1])}
	}
	want := envelopeHeaderLen + int(b[5]) + envelopeCrcLen
	if len(b) < want {
		return nil, &DecodeError{Kind: ErrTruncated, Detail: fmt.Sprintf("envelope declares %d bytes, have %d", want, len(b))}
	}
	if len(b) > want {
		return nil, &DecodeError{Kind: ErrTrailingBytes, Detail: fmt.Sprintf("envelope declares %d bytes, have %d", want, len(b))}
	}
	return parseEnvelope(b)
}

// parseEnvelope validates the CRC of a complete, cookie-prefixed envelope.
func parseEnvelope(b []byte) (*Envelope, error) {
	n := envelopeHeaderLen + int(b[5])
	got := binary.BigEndian.Uint16(b[n:])
	if want := crc16.Checksum(crc16.Modbus, b[:n]); got != want {
		return nil, &DecodeError{
			Kind:   ErrCrcMismatch,
			Detail: fmt.Sprintf("fragment %d: got 0x%04X, computed 0x%04X", b[4], got, want),
		}
	}
	e := &Envelope{
		Transmitter: b[2],
		Receiver:    b[3],
		Fragment:    b[4],
	}
	if n > envelopeHeaderLen {
		e.Data = make([]byte, n-envelopeHeaderLen)
		copy(e.Data, b[envelopeHeaderLen:n])
	}
	return e, nil
}

// Deframer reassembles envelopes from an unframed serial byte stream.
// Bytes in front of a cookie are discarded. It is not safe for concurrent use.
type Deframer struct {
	buf []byte
}

// Write appends received bytes. It never fails.
func (d *Deframer) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes waiting for a complete envelope.
func (d *Deframer) Buffered() int {
	return len(d.buf)
}

// Reset drops any partially received envelope.
func (d *Deframer) Reset() {
	d.buf = d.buf[:0]
}

// Next returns the next complete envelope. It returns (nil, nil) when more
// bytes are needed. A CRC failure consumes the cookie of the bad envelope so
// the following call resynchronizes on the next cookie. An envelope whose
// length byte was corrupted upward is abandoned as soon as a later cookie
// starts a complete envelope with a valid CRC.
func (d *Deframer) Next() (*Envelope, error) {
	i := bytes.Index(d.buf, envelopeCookie)
	if i < 0 {
		// Keep a trailing first cookie byte, the second may still arrive.
		if n := len(d.buf); n > 0 && d.buf[n-1] == envelopeCookie[0] {
			d.consume(n - 1)
		} else {
			d.consume(n)
		}
		return nil, nil
	}
	d.consume(i)

	if len(d.buf) < envelopeHeaderLen {
		return nil, nil
	}
	total := envelopeHeaderLen + int(d.buf[5]) + envelopeCrcLen
	if len(d.buf) < total {
		if skip := d.resync(); skip > 0 {
			d.consume(skip)
			return nil, &DecodeError{
				Kind:   ErrTruncated,
				Detail: fmt.Sprintf("envelope declares %d bytes, skipped %d to the next valid envelope", total, skip),
			}
		}
		return nil, nil
	}

	e, err := parseEnvelope(d.buf[:total])
	if err != nil {
		d.consume(len(envelopeCookie))
		return nil, err
	}
	d.consume(total)
	return e, nil
}

// resync returns the offset of the first cookie after the head of the buffer
// that starts a complete envelope with a valid CRC, or 0 if there is none.
func (d *Deframer) resync() int {
	off := 1
	for {
		j := bytes.Index(d.buf[off:], envelopeCookie)
		if j < 0 {
			return 0
		}
		off += j
		rest := d.buf[off:]
		if len(rest) >= envelopeHeaderLen+envelopeCrcLen {
			n := envelopeHeaderLen + int(rest[5])
			if len(rest) >= n+envelopeCrcLen &&
				binary.BigEndian.Uint16(rest[n:]) == crc16.Checksum(crc16.Modbus, rest[:n]) {
				return off
			}
		}
		off++
	}
}

func (d *Deframer) consume(n int) {
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}
