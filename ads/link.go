package ads

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// LinkState is the phase of a connection's transport.
type LinkState int

const (
	LinkClosed LinkState = iota
	LinkIdle
	LinkAwaitingAck
	LinkFailed
)

func (s LinkState) String() string {
	switch s {
	case LinkClosed:
		return "Closed"
	case LinkIdle:
		return "Idle"
	case LinkAwaitingAck:
		return "AwaitingAck"
	case LinkFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

var errLinkBusy = errors.New("link busy")

// linkResult is what a link made of the bytes handed to Receive.
type linkResult struct {
	acked      bool     // the in-flight envelope was acknowledged
	replies    [][]byte // bytes to write back immediately (acks)
	frames     [][]byte // AMS frames for the correlator
	dropped    []error  // corrupt input that was discarded
	strayAcks  int
	duplicates int
}

// link turns AMS frames into wire bytes and back. Implementations hold no
// goroutines or timers; the connection loop drives them.
type link interface {
	// Send returns the wire bytes for frame. After a successful Send a busy
	// link expects Expire to be called if no ack arrives in time.
	Send(frame []byte) ([]byte, error)
	Receive(p []byte) linkResult
	// Expire handles an ack timeout. It returns bytes to retransmit, or
	// ErrAckTimeout once the retry budget is spent.
	Expire() ([]byte, error)
	Busy() bool
	State() LinkState
}

// serialLink is the ADS serial transport: one data envelope in flight,
// positive acknowledgment by fragment number and retransmission on timeout.
type serialLink struct {
	transmitter byte
	receiver    byte
	maxRetries  int

	state    LinkState
	fragment byte // fragment number of the next new data envelope

	inflight     []byte
	inflightFrag byte
	retries      int

	// last accepted inbound data envelope, for duplicate suppression
	lastRxFrag byte
	lastRxData []byte
	hasLastRx  bool

	deframer Deframer
}

func newSerialLink(transmitter, receiver byte, maxRetries int) *serialLink {
	return &serialLink{
		transmitter: transmitter,
		receiver:    receiver,
		maxRetries:  maxRetries,
		state:       LinkIdle,
	}
}

func (l *serialLink) State() LinkState { return l.state }

func (l *serialLink) Busy() bool { return l.state == LinkAwaitingAck }

func (l *serialLink) Send(frame []byte) ([]byte, error) {
	switch l.state {
	case LinkFailed:
		return nil, ErrConnectionClosed
	case LinkAwaitingAck:
		return nil, errLinkBusy
	}

	env := &Envelope{
		Transmitter: l.transmitter,
		Receiver:    l.receiver,
		Fragment:    l.fragment,
		Data:        frame,
	}
	b, err := env.MarshalBinary()
	if err != nil {
		return nil, err
	}

	l.inflight = b
	l.inflightFrag = l.fragment
	l.fragment++
	l.retries = 0
	l.state = LinkAwaitingAck
	return b, nil
}

func (l *serialLink) Receive(p []byte) linkResult {
	var res linkResult
	if l.state == LinkFailed {
		return res
	}
	l.deframer.Write(p)

	for {
		env, err := l.deframer.Next()
		if err != nil {
			res.dropped = append(res.dropped, err)
			continue
		}
		if env == nil {
			break
		}

		if env.IsAck() {
			if l.state == LinkAwaitingAck && env.Fragment == l.inflightFrag {
				l.state = LinkIdle
				l.inflight = nil
				l.retries = 0
				res.acked = true
			} else {
				res.strayAcks++
			}
			continue
		}

		ack, _ := ackFor(env).MarshalBinary()
		res.replies = append(res.replies, ack)

		if l.hasLastRx && env.Fragment == l.lastRxFrag && bytes.Equal(env.Data, l.lastRxData) {
			res.duplicates++
			continue
		}
		l.lastRxFrag = env.Fragment
		l.lastRxData = env.Data
		l.hasLastRx = true
		res.frames = append(res.frames, env.Data)
	}
	return res
}

func (l *serialLink) Expire() ([]byte, error) {
	if l.state != LinkAwaitingAck {
		return nil, nil
	}
	if l.retries >= l.maxRetries {
		l.state = LinkFailed
		l.inflight = nil
		l.deframer.Reset()
		return nil, ErrAckTimeout
	}
	l.retries++
	return l.inflight, nil
}

// maxTCPFrame bounds the AMS/TCP length field; anything larger means the
// stream is out of sync.
const maxTCPFrame = 16 << 20

// tcpLink is the AMS/TCP transport: a 6-byte length prefix per frame and no
// link-level acknowledgment, so requests can be pipelined.
type tcpLink struct {
	buf []byte
}

func (l *tcpLink) State() LinkState { return LinkIdle }

func (l *tcpLink) Busy() bool { return false }

func (l *tcpLink) Expire() ([]byte, error) { return nil, nil }

// Send prefixes frame with [Reserved 2] [Length 4].
func (l *tcpLink) Send(frame []byte) ([]byte, error) {
	buf := make([]byte, tcpHeaderLen+len(frame))
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(frame)))
	copy(buf[tcpHeaderLen:], frame)
	return buf, nil
}

func (l *tcpLink) Receive(p []byte) linkResult {
	var res linkResult
	l.buf = append(l.buf, p...)

	for len(l.buf) >= tcpHeaderLen {
		reserved := binary.LittleEndian.Uint16(l.buf[0:2])
		length := binary.LittleEndian.Uint32(l.buf[2:6])
		if length > maxTCPFrame {
			res.dropped = append(res.dropped, fmt.Errorf("AMS/TCP length %d out of range, dropping %d buffered bytes", length, len(l.buf)))
			l.buf = l.buf[:0]
			break
		}
		total := tcpHeaderLen + int(length)
		if len(l.buf) < total {
			break
		}

		if reserved == 0 {
			frame := make([]byte, length)
			copy(frame, l.buf[tcpHeaderLen:total])
			res.frames = append(res.frames, frame)
		} else {
			// Router commands (port connect, close) are not ADS frames.
			res.dropped = append(res.dropped, fmt.Errorf("AMS/TCP command 0x%04X ignored", reserved))
		}
		n := copy(l.buf, l.buf[total:])
		l.buf = l.buf[:n]
	}
	return res
}
