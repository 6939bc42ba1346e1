// Package ads implements the Beckhoff ADS (Automation Device Specification) protocol
// for communicating with TwinCAT PLCs over AMS/TCP and over the ADS serial link.
package ads

import (
	"encoding/binary"
	"fmt"
)

// Command is an ADS command id.
type Command uint16

// ADS Command IDs
const (
	CmdReadDeviceInfo     Command = 0x0001
	CmdRead               Command = 0x0002
	CmdWrite              Command = 0x0003
	CmdReadState          Command = 0x0004
	CmdWriteControl       Command = 0x0005
	CmdAddDeviceNotify    Command = 0x0006
	CmdDeleteDeviceNotify Command = 0x0007
	CmdDeviceNotification Command = 0x0008
	CmdReadWrite          Command = 0x0009
)

// Known reports whether c is one of the defined ADS commands.
func (c Command) Known() bool {
	return c >= CmdReadDeviceInfo && c <= CmdReadWrite
}

func (c Command) String() string {
	switch c {
	case CmdReadDeviceInfo:
		return "ReadDeviceInfo"
	case CmdRead:
		return "Read"
	case CmdWrite:
		return "Write"
	case CmdReadState:
		return "ReadState"
	case CmdWriteControl:
		return "WriteControl"
	case CmdAddDeviceNotify:
		return "AddDeviceNotification"
	case CmdDeleteDeviceNotify:
		return "DeleteDeviceNotification"
	case CmdDeviceNotification:
		return "DeviceNotification"
	case CmdReadWrite:
		return "ReadWrite"
	default:
		return fmt.Sprintf("Command(0x%04X)", uint16(c))
	}
}

// ADS State Flags
const (
	StateFlagRequest  uint16 = 0x0004 // This is a request
	StateFlagResponse uint16 = 0x0005 // This is a response (request | 0x0001)
	stateFlagRespBit  uint16 = 0x0001
)

// ADS Index Groups
const (
	IndexGroupSymbolHandleByName  uint32 = 0xF003 // Get handle by symbol name
	IndexGroupSymbolValueByHandle uint32 = 0xF005 // Read/write value by handle
	IndexGroupSymbolReleaseHandle uint32 = 0xF006 // Release handle
	IndexGroupMemoryM             uint32 = 0x4020 // %M flag area
	IndexGroupInputs              uint32 = 0xF020 // %I process image
	IndexGroupOutputs             uint32 = 0xF030 // %Q process image
)

// ADS Ports
const (
	PortLogger        AmsPort = 100   // Logger
	PortIO            AmsPort = 300   // I/O
	PortNC            AmsPort = 500   // NC
	PortPLC1          AmsPort = 801   // TwinCAT 2 PLC Runtime 1
	PortPLC2          AmsPort = 811   // TwinCAT 2 PLC Runtime 2
	PortTC3PLC1       AmsPort = 851   // TwinCAT 3 PLC Runtime 1
	PortTC3PLC2       AmsPort = 852   // TwinCAT 3 PLC Runtime 2
	PortSystemService AmsPort = 10000 // System service
)

// Default ADS TCP port
const DefaultTCPPort = 48898

// AMS header (32 bytes) and AMS/TCP prefix (6 bytes).
const (
	amsHeaderLen = 32
	tcpHeaderLen = 6
)

// Frame is one ADS command frame: the AMS header plus command payload.
//
// Wire layout, little-endian:
//
//	0   target NetId (6)   6  target port (2)
//	8   source NetId (6)  14  source port (2)
//	16  command (2)       18  state flags (2)
//	20  data length (4)   24  error code (4)
//	28  invoke id (4)     32  data...
type Frame struct {
	Target     AmsAddress
	Source     AmsAddress
	Command    Command
	StateFlags uint16
	ErrorCode  uint32
	InvokeId   uint32
	Data       []byte
}

// IsResponse reports whether the frame's response bit is set.
func (f *Frame) IsResponse() bool {
	return f.StateFlags&stateFlagRespBit != 0
}

func (f *Frame) String() string {
	kind := "request"
	if f.IsResponse() {
		kind = "response"
	}
	return fmt.Sprintf("%s %s id=%d %s->%s err=0x%X len=%d",
		f.Command, kind, f.InvokeId, f.Source, f.Target, f.ErrorCode, len(f.Data))
}

// EncodeFrame serializes f into a freshly allocated buffer.
func EncodeFrame(f *Frame) []byte {
	buf := make([]byte, amsHeaderLen+len(f.Data))
	putAmsHeader(buf, f)
	copy(buf[amsHeaderLen:], f.Data)
	return buf
}

func putAmsHeader(buf []byte, f *Frame) {
	copy(buf[0:6], f.Target.NetId[:])
	binary.LittleEndian.PutUint16(buf[6:8], uint16(f.Target.Port))
	copy(buf[8:14], f.Source.NetId[:])
	binary.LittleEndian.PutUint16(buf[14:16], uint16(f.Source.Port))
	binary.LittleEndian.PutUint16(buf[16:18], uint16(f.Command))
	binary.LittleEndian.PutUint16(buf[18:20], f.StateFlags)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(f.Data)))
	binary.LittleEndian.PutUint32(buf[24:28], f.ErrorCode)
	binary.LittleEndian.PutUint32(buf[28:32], f.InvokeId)
}

// DecodeFrame parses an AMS header and its payload. Bytes beyond the declared
// data length are ignored. The returned frame does not alias b.
func DecodeFrame(b []byte) (*Frame, error) {
	if len(b) < amsHeaderLen {
		return nil, &DecodeError{
			Kind:   ErrTruncated,
			Detail: fmt.Sprintf("AMS header needs %d bytes, have %d", amsHeaderLen, len(b)),
		}
	}

	f := &Frame{
		Command:    Command(binary.LittleEndian.Uint16(b[16:18])),
		StateFlags: binary.LittleEndian.Uint16(b[18:20]),
		ErrorCode:  binary.LittleEndian.Uint32(b[24:28]),
		InvokeId:   binary.LittleEndian.Uint32(b[28:32]),
	}
	copy(f.Target.NetId[:], b[0:6])
	f.Target.Port = AmsPort(binary.LittleEndian.Uint16(b[6:8]))
	copy(f.Source.NetId[:], b[8:14])
	f.Source.Port = AmsPort(binary.LittleEndian.Uint16(b[14:16]))

	dataLen := binary.LittleEndian.Uint32(b[20:24])
	if uint64(len(b)-amsHeaderLen) < uint64(dataLen) {
		return nil, &DecodeError{
			Kind:        ErrTruncated,
			Detail:      fmt.Sprintf("declared %d data bytes, have %d", dataLen, len(b)-amsHeaderLen),
			InvokeId:    f.InvokeId,
			HasInvokeId: true,
		}
	}
	if !f.Command.Known() {
		return nil, &DecodeError{
			Kind:        ErrUnknownCommand,
			Detail:      fmt.Sprintf("command id 0x%04X", uint16(f.Command)),
			InvokeId:    f.InvokeId,
			HasInvokeId: true,
		}
	}

	if dataLen > 0 {
		f.Data = make([]byte, dataLen)
		copy(f.Data, b[amsHeaderLen:amsHeaderLen+int(dataLen)])
	}
	return f, nil
}
