package ads

import (
	"encoding/binary"
	"fmt"
)

// Request is the payload of an outbound ADS command.
type Request interface {
	Command() Command
	MarshalBinary() ([]byte, error)
}

// addressedRequest is a Request that targets PLC memory and may need its
// symbolic address resolved before it can be marshalled.
type addressedRequest interface {
	Request
	target() Address
	withTarget(RawAddress) Request
}

// rawTarget returns the raw form of addr or an error for unresolved symbols.
func rawTarget(addr Address) (RawAddress, error) {
	switch a := addr.(type) {
	case RawAddress:
		return a, nil
	case SymbolicAddress:
		return RawAddress{}, fmt.Errorf("symbol %q is not resolved", a.Name)
	default:
		return RawAddress{}, fmt.Errorf("unsupported address %v", addr)
	}
}

// ReadRequest reads Length bytes at Address.
type ReadRequest struct {
	Address Address
	Length  uint32
}

func (r *ReadRequest) Command() Command { return CmdRead }

// MarshalBinary encodes [IndexGroup 4] [IndexOffset 4] [Length 4].
func (r *ReadRequest) MarshalBinary() ([]byte, error) {
	raw, err := rawTarget(r.Address)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], raw.IndexGroup)
	binary.LittleEndian.PutUint32(data[4:8], raw.IndexOffset)
	binary.LittleEndian.PutUint32(data[8:12], r.Length)
	return data, nil
}

func (r *ReadRequest) target() Address { return r.Address }

func (r *ReadRequest) withTarget(raw RawAddress) Request {
	c := *r
	c.Address = raw
	return &c
}

// WriteRequest writes Data at Address.
type WriteRequest struct {
	Address Address
	Data    []byte
}

func (r *WriteRequest) Command() Command { return CmdWrite }

// MarshalBinary encodes [IndexGroup 4] [IndexOffset 4] [Length 4] [Data n].
func (r *WriteRequest) MarshalBinary() ([]byte, error) {
	raw, err := rawTarget(r.Address)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 12+len(r.Data))
	binary.LittleEndian.PutUint32(data[0:4], raw.IndexGroup)
	binary.LittleEndian.PutUint32(data[4:8], raw.IndexOffset)
	binary.LittleEndian.PutUint32(data[8:12], uint32(len(r.Data)))
	copy(data[12:], r.Data)
	return data, nil
}

func (r *WriteRequest) target() Address { return r.Address }

func (r *WriteRequest) withTarget(raw RawAddress) Request {
	c := *r
	c.Address = raw
	return &c
}

// ReadWriteRequest writes Data at Address and reads ReadLength bytes back
// in the same round trip.
type ReadWriteRequest struct {
	Address    Address
	ReadLength uint32
	Data       []byte
}

func (r *ReadWriteRequest) Command() Command { return CmdReadWrite }

// MarshalBinary encodes [IndexGroup 4] [IndexOffset 4] [ReadLength 4] [WriteLength 4] [Data n].
func (r *ReadWriteRequest) MarshalBinary() ([]byte, error) {
	raw, err := rawTarget(r.Address)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 16+len(r.Data))
	binary.LittleEndian.PutUint32(data[0:4], raw.IndexGroup)
	binary.LittleEndian.PutUint32(data[4:8], raw.IndexOffset)
	binary.LittleEndian.PutUint32(data[8:12], r.ReadLength)
	binary.LittleEndian.PutUint32(data[12:16], uint32(len(r.Data)))
	copy(data[16:], r.Data)
	return data, nil
}

func (r *ReadWriteRequest) target() Address { return r.Address }

func (r *ReadWriteRequest) withTarget(raw RawAddress) Request {
	c := *r
	c.Address = raw
	return &c
}

// ReadStateRequest asks for the ADS and device state.
type ReadStateRequest struct{}

func (ReadStateRequest) Command() Command               { return CmdReadState }
func (ReadStateRequest) MarshalBinary() ([]byte, error) { return nil, nil }

// ReadDeviceInfoRequest asks for the device name and version.
type ReadDeviceInfoRequest struct{}

func (ReadDeviceInfoRequest) Command() Command               { return CmdReadDeviceInfo }
func (ReadDeviceInfoRequest) MarshalBinary() ([]byte, error) { return nil, nil }

// WriteControlRequest changes the ADS state of the target (e.g. Run/Stop).
type WriteControlRequest struct {
	AdsState    AdsState
	DeviceState uint16
	Data        []byte
}

func (r *WriteControlRequest) Command() Command { return CmdWriteControl }

// MarshalBinary encodes [AdsState 2] [DeviceState 2] [Length 4] [Data n].
func (r *WriteControlRequest) MarshalBinary() ([]byte, error) {
	data := make([]byte, 8+len(r.Data))
	binary.LittleEndian.PutUint16(data[0:2], uint16(r.AdsState))
	binary.LittleEndian.PutUint16(data[2:4], r.DeviceState)
	binary.LittleEndian.PutUint32(data[4:8], uint32(len(r.Data)))
	copy(data[8:], r.Data)
	return data, nil
}

// Response is a successfully completed request.
type Response struct {
	Frame *Frame
	// Data is the command payload after the result code, and for Read and
	// ReadWrite after the length prefix.
	Data []byte
}

// parseResponse checks the AMS error code and the ADS result code of a response
// frame and strips the command-specific prefix.
func parseResponse(f *Frame) (*Response, error) {
	if f.ErrorCode != 0 {
		return nil, &AdsError{Code: f.ErrorCode}
	}
	if f.Command == CmdDeviceNotification {
		return &Response{Frame: f, Data: f.Data}, nil
	}
	if len(f.Data) < 4 {
		return nil, &DecodeError{Kind: ErrTruncated, Detail: fmt.Sprintf("%s response has %d bytes", f.Command, len(f.Data)), InvokeId: f.InvokeId, HasInvokeId: true}
	}
	if result := binary.LittleEndian.Uint32(f.Data[0:4]); result != 0 {
		return nil, &AdsError{Code: result}
	}

	body := f.Data[4:]
	switch f.Command {
	case CmdRead, CmdReadWrite:
		// Response: [Result 4] [Length 4] [Data n]
		if len(body) < 4 {
			return nil, &DecodeError{Kind: ErrTruncated, Detail: "missing read length", InvokeId: f.InvokeId, HasInvokeId: true}
		}
		length := binary.LittleEndian.Uint32(body[0:4])
		if uint64(len(body)-4) < uint64(length) {
			return nil, &DecodeError{
				Kind:        ErrTruncated,
				Detail:      fmt.Sprintf("read data: expected %d, got %d", length, len(body)-4),
				InvokeId:    f.InvokeId,
				HasInvokeId: true,
			}
		}
		body = body[4 : 4+length]
	}
	return &Response{Frame: f, Data: body}, nil
}

// AdsState is the ADS runtime state reported by ReadState.
type AdsState uint16

const (
	StateInvalid      AdsState = 0
	StateIdle         AdsState = 1
	StateReset        AdsState = 2
	StateInit         AdsState = 3
	StateStart        AdsState = 4
	StateRun          AdsState = 5
	StateStop         AdsState = 6
	StateSaveConfig   AdsState = 7
	StateLoadConfig   AdsState = 8
	StatePowerFailure AdsState = 9
	StatePowerGood    AdsState = 10
	StateError        AdsState = 11
	StateShutdown     AdsState = 12
	StateSuspend      AdsState = 13
	StateResume       AdsState = 14
	StateConfig       AdsState = 15
	StateReconfig     AdsState = 16
)

func (s AdsState) String() string {
	names := [...]string{
		"Invalid", "Idle", "Reset", "Init", "Start", "Run", "Stop", "SaveConfig",
		"LoadConfig", "PowerFailure", "PowerGood", "Error", "Shutdown", "Suspend",
		"Resume", "Config", "Reconfig",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("AdsState(%d)", uint16(s))
}

// DeviceState pairs the ADS state with the device-specific state word.
type DeviceState struct {
	Ads    AdsState
	Device uint16
}

// ParseDeviceState decodes a ReadState response body.
func ParseDeviceState(b []byte) (DeviceState, error) {
	if len(b) < 4 {
		return DeviceState{}, fmt.Errorf("state response too short: %d bytes", len(b))
	}
	return DeviceState{
		Ads:    AdsState(binary.LittleEndian.Uint16(b[0:2])),
		Device: binary.LittleEndian.Uint16(b[2:4]),
	}, nil
}

// DeviceInfo contains information about the connected TwinCAT device.
type DeviceInfo struct {
	MajorVersion uint8
	MinorVersion uint8
	BuildVersion uint16
	DeviceName   string
}

// String returns a human-readable device description.
func (d *DeviceInfo) String() string {
	if d == nil {
		return "Unknown"
	}
	return fmt.Sprintf("%s v%d.%d.%d", d.DeviceName, d.MajorVersion, d.MinorVersion, d.BuildVersion)
}

// ParseDeviceInfo decodes a ReadDeviceInfo response body:
// [MajorVersion 1] [MinorVersion 1] [BuildVersion 2] [DeviceName 16].
func ParseDeviceInfo(b []byte) (*DeviceInfo, error) {
	if len(b) < 20 {
		return nil, fmt.Errorf("device info response too short: %d bytes", len(b))
	}
	info := &DeviceInfo{
		MajorVersion: b[0],
		MinorVersion: b[1],
		BuildVersion: binary.LittleEndian.Uint16(b[2:4]),
	}

	// Device name is null-terminated within 16 bytes
	name := b[4:20]
	for i, c := range name {
		if c == 0 {
			name = name[:i]
			break
		}
	}
	info.DeviceName = string(name)
	return info, nil
}
