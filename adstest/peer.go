package adstest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"adslink/ads"
)

// PeerState is the phase of a SerialPeer exchange.
type PeerState int

const (
	ReceiveRequest PeerState = iota
	AckMessage
	SendResponse
	WaitForAck
	Done
)

func (s PeerState) String() string {
	switch s {
	case ReceiveRequest:
		return "ReceiveRequest"
	case AckMessage:
		return "AckMessage"
	case SendResponse:
		return "SendResponse"
	case WaitForAck:
		return "WaitForAck"
	case Done:
		return "Done"
	default:
		return fmt.Sprintf("PeerState(%d)", int(s))
	}
}

// RespondFunc builds the response to a request frame.
type RespondFunc func(req *ads.Frame) *ads.Frame

// SerialPeer simulates a PLC on the ADS serial link. Each exchange walks
// ReceiveRequest, AckMessage, SendResponse, WaitForAck and Done in order;
// every step happens on an explicit transition driven by received bytes.
type SerialPeer struct {
	ch      io.ReadWriteCloser
	respond RespondFunc

	// SkipAcks is the number of request envelopes left unacknowledged, to
	// make the client retransmit.
	SkipAcks int

	// Transmitter and Receiver are used in response envelopes.
	Transmitter byte
	Receiver    byte

	deframer ads.Deframer
	buf      []byte
	fragment byte
	state    PeerState
	request  *ads.Envelope

	mu       sync.Mutex
	visited  []PeerState
	requests []*ads.Frame
}

// NewSerialPeer returns a peer serving requests on ch.
func NewSerialPeer(ch io.ReadWriteCloser, respond RespondFunc) *SerialPeer {
	return &SerialPeer{
		ch:      ch,
		respond: respond,
		buf:     make([]byte, 512),
	}
}

// States returns every state the peer entered, in order.
func (p *SerialPeer) States() []PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PeerState(nil), p.visited...)
}

// Requests returns the request frames the peer answered.
func (p *SerialPeer) Requests() []*ads.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*ads.Frame(nil), p.requests...)
}

func (p *SerialPeer) transition(to PeerState) {
	p.state = to
	p.mu.Lock()
	p.visited = append(p.visited, to)
	p.mu.Unlock()
}

// Serve runs exchanges until the channel is closed. It returns nil on a
// clean close.
func (p *SerialPeer) Serve() error {
	p.transition(ReceiveRequest)
	for {
		if err := p.step(); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
	}
}

func (p *SerialPeer) step() error {
	switch p.state {
	case ReceiveRequest:
		env, err := p.next()
		if err != nil {
			return err
		}
		if env.IsAck() {
			return nil
		}
		p.request = env
		p.transition(AckMessage)

	case AckMessage:
		if p.SkipAcks > 0 {
			p.SkipAcks--
			p.transition(ReceiveRequest)
			return nil
		}
		if err := p.send(&ads.Envelope{
			Transmitter: p.request.Transmitter,
			Receiver:    p.request.Receiver,
			Fragment:    p.request.Fragment,
		}); err != nil {
			return err
		}
		p.transition(SendResponse)

	case SendResponse:
		req, err := ads.DecodeFrame(p.request.Data)
		if err != nil {
			return fmt.Errorf("peer: %w", err)
		}
		p.mu.Lock()
		p.requests = append(p.requests, req)
		p.mu.Unlock()

		resp := p.respond(req)
		if resp == nil {
			p.transition(Done)
			return nil
		}
		if err := p.send(&ads.Envelope{
			Transmitter: p.Transmitter,
			Receiver:    p.Receiver,
			Fragment:    p.fragment,
			Data:        ads.EncodeFrame(resp),
		}); err != nil {
			return err
		}
		p.transition(WaitForAck)

	case WaitForAck:
		env, err := p.next()
		if err != nil {
			return err
		}
		if !env.IsAck() {
			// Our ack got lost and the client retransmitted.
			return p.send(&ads.Envelope{Transmitter: env.Transmitter, Receiver: env.Receiver, Fragment: env.Fragment})
		}
		if env.Fragment != p.fragment {
			return nil
		}
		p.fragment++
		p.transition(Done)

	case Done:
		p.transition(ReceiveRequest)
	}
	return nil
}

// next blocks until a valid envelope arrives. Corrupt envelopes are skipped.
func (p *SerialPeer) next() (*ads.Envelope, error) {
	for {
		env, err := p.deframer.Next()
		if err != nil {
			continue
		}
		if env != nil {
			return env, nil
		}
		n, err := p.ch.Read(p.buf)
		if n > 0 {
			p.deframer.Write(p.buf[:n])
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

func (p *SerialPeer) send(env *ads.Envelope) error {
	b, err := env.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = p.ch.Write(b)
	return err
}

// Reply builds a response frame for req with the given ADS result code and
// command payload after the result.
func Reply(req *ads.Frame, result uint32, body []byte) *ads.Frame {
	data := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(data[0:4], result)
	copy(data[4:], body)
	return &ads.Frame{
		Target:     req.Source,
		Source:     req.Target,
		Command:    req.Command,
		StateFlags: ads.StateFlagResponse,
		InvokeId:   req.InvokeId,
		Data:       data,
	}
}

// ReadReply answers reads with data and every other command with success.
func ReadReply(data []byte) RespondFunc {
	return func(req *ads.Frame) *ads.Frame {
		switch req.Command {
		case ads.CmdRead, ads.CmdReadWrite:
			body := make([]byte, 4+len(data))
			binary.LittleEndian.PutUint32(body[0:4], uint32(len(data)))
			copy(body[4:], data)
			return Reply(req, 0, body)
		default:
			return Reply(req, 0, nil)
		}
	}
}

// ErrorReply answers every request with an ADS error code.
func ErrorReply(code uint32) RespondFunc {
	return func(req *ads.Frame) *ads.Frame {
		return Reply(req, code, nil)
	}
}

// Memory is a simulated PLC memory area addressed by index group and offset.
// It answers Read, Write, ReadWrite, ReadState and ReadDeviceInfo.
type Memory struct {
	mu   sync.Mutex
	data map[ads.RawAddress][]byte
	Name string
}

// NewMemory returns an empty memory area.
func NewMemory() *Memory {
	return &Memory{data: make(map[ads.RawAddress][]byte), Name: "adstest"}
}

// Set stores value at addr.
func (m *Memory) Set(addr ads.RawAddress, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[addr] = append([]byte(nil), value...)
}

// Get returns the value stored at addr.
func (m *Memory) Get(addr ads.RawAddress) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data[addr]...)
}

// Respond implements RespondFunc.
func (m *Memory) Respond(req *ads.Frame) *ads.Frame {
	switch req.Command {
	case ads.CmdRead:
		if len(req.Data) < 12 {
			return Reply(req, ads.CodeDeviceInvalidSize, nil)
		}
		addr := ads.RawAddress{
			IndexGroup:  binary.LittleEndian.Uint32(req.Data[0:4]),
			IndexOffset: binary.LittleEndian.Uint32(req.Data[4:8]),
		}
		length := binary.LittleEndian.Uint32(req.Data[8:12])
		m.mu.Lock()
		value, ok := m.data[addr]
		m.mu.Unlock()
		if !ok {
			return Reply(req, ads.CodeDeviceInvalidOffs, nil)
		}
		if uint32(len(value)) < length {
			return Reply(req, ads.CodeDeviceInvalidSize, nil)
		}
		body := make([]byte, 4+length)
		binary.LittleEndian.PutUint32(body[0:4], length)
		copy(body[4:], value[:length])
		return Reply(req, 0, body)

	case ads.CmdWrite:
		if len(req.Data) < 12 {
			return Reply(req, ads.CodeDeviceInvalidSize, nil)
		}
		addr := ads.RawAddress{
			IndexGroup:  binary.LittleEndian.Uint32(req.Data[0:4]),
			IndexOffset: binary.LittleEndian.Uint32(req.Data[4:8]),
		}
		length := binary.LittleEndian.Uint32(req.Data[8:12])
		if uint32(len(req.Data)-12) < length {
			return Reply(req, ads.CodeDeviceInvalidSize, nil)
		}
		m.Set(addr, req.Data[12:12+length])
		return Reply(req, 0, nil)

	case ads.CmdReadState:
		return Reply(req, 0, []byte{byte(ads.StateRun), 0, 0, 0})

	case ads.CmdReadDeviceInfo:
		body := make([]byte, 20)
		body[0], body[1] = 3, 1
		binary.LittleEndian.PutUint16(body[2:4], 4024)
		copy(body[4:], m.Name)
		return Reply(req, 0, body)

	default:
		return Reply(req, ads.CodeDeviceSrvNotSupp, nil)
	}
}
