package ads

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated means fewer bytes were available than a header declared.
	ErrTruncated = errors.New("truncated frame")
	// ErrUnknownCommand means the AMS header carried a command id we don't know.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrCrcMismatch means a serial envelope failed its checksum.
	ErrCrcMismatch = errors.New("crc mismatch")
	// ErrNoCookie means bytes handed to UnmarshalEnvelope don't start with 0x01 0xA5.
	ErrNoCookie = errors.New("missing envelope cookie")
	// ErrTrailingBytes means bytes follow the envelope its length byte declares.
	ErrTrailingBytes = errors.New("trailing bytes")

	// ErrAckTimeout is returned when the serial link exhausted its retransmissions.
	ErrAckTimeout = errors.New("ack timeout: retry budget exhausted")
	// ErrRequestTimeout is returned when a single request exceeded its deadline.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrConnectionClosed is returned for requests on a closed or failed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrCanceled is returned when the caller canceled a request.
	ErrCanceled = errors.New("request canceled")
	// ErrPending is returned by Future.Result before the request completes.
	ErrPending = errors.New("request pending")
	// ErrNotConnected is returned when a request is submitted before Connect.
	ErrNotConnected = errors.New("not connected")

	// ErrEnvelopeTooLarge is returned when a frame doesn't fit a serial envelope.
	ErrEnvelopeTooLarge = errors.New("frame exceeds 255 bytes")
)

// InvalidAddressError is returned by ParseAddress for malformed input.
type InvalidAddressError struct {
	Input string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("address %s doesn't match %s or %s", e.Input, rawGrammar, symbolicGrammar)
}

// MalformedIdentityError is returned for malformed AMS Net ID strings.
type MalformedIdentityError struct {
	Input  string
	Reason string
}

func (e *MalformedIdentityError) Error() string {
	return fmt.Sprintf("malformed AMS Net ID %q: %s", e.Input, e.Reason)
}

// DecodeError describes bytes that could not be decoded into a frame or envelope.
// Kind is ErrTruncated, ErrUnknownCommand or ErrCrcMismatch, and for
// UnmarshalEnvelope also ErrNoCookie or ErrTrailingBytes.
type DecodeError struct {
	Kind   error
	Detail string

	// InvokeId is valid when HasInvokeId is set, i.e. the AMS header was
	// readable even though the rest of the frame was not.
	InvokeId    uint32
	HasInvokeId bool
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return "decode: " + e.Kind.Error()
	}
	return fmt.Sprintf("decode: %v: %s", e.Kind, e.Detail)
}

func (e *DecodeError) Unwrap() error {
	return e.Kind
}

// AdsError represents an ADS protocol error.
type AdsError struct {
	Code uint32
}

func (e *AdsError) Error() string {
	return fmt.Sprintf("ADS error 0x%08X: %s", e.Code, adsErrorName(e.Code))
}

// IsAdsError reports whether err carries an ADS error code and returns it.
func IsAdsError(err error) (uint32, bool) {
	var ae *AdsError
	if errors.As(err, &ae) {
		return ae.Code, true
	}
	return 0, false
}

// Common ADS error codes
const (
	CodeNoError               uint32 = 0x0000
	CodeInternal              uint32 = 0x0001
	CodeNoRuntime             uint32 = 0x0002
	CodeTargetPortNotFound    uint32 = 0x0006
	CodeTargetMachineNotFound uint32 = 0x0007
	CodeUnknownCmdId          uint32 = 0x0008
	CodeInvalidAmsLength      uint32 = 0x000E
	CodeInvalidAmsNetId       uint32 = 0x000F
	CodePortNotConnected      uint32 = 0x000D
	CodeInvalidAmsPort        uint32 = 0x0018
	CodeInvalidAmsFragment    uint32 = 0x001C

	// Router errors
	CodeRouterMailboxFull      uint32 = 0x0502
	CodeRouterPortNotOpen      uint32 = 0x0507
	CodeRouterPortNotConnected uint32 = 0x050A

	// Device/ADS errors
	CodeDeviceError          uint32 = 0x0700
	CodeDeviceSrvNotSupp     uint32 = 0x0701
	CodeDeviceInvalidGrp     uint32 = 0x0702
	CodeDeviceInvalidOffs    uint32 = 0x0703
	CodeDeviceInvalidAccess  uint32 = 0x0704
	CodeDeviceInvalidSize    uint32 = 0x0705
	CodeDeviceInvalidData    uint32 = 0x0706
	CodeDeviceNotReady       uint32 = 0x0707
	CodeDeviceBusy           uint32 = 0x0708
	CodeDeviceNoMemory       uint32 = 0x070A
	CodeDeviceInvalidParam   uint32 = 0x070B
	CodeDeviceNotFound       uint32 = 0x070C
	CodeDeviceSymbolNotFound uint32 = 0x0710
	CodeDeviceInvalidState   uint32 = 0x0712
	CodeDeviceTimeout        uint32 = 0x0719
	CodeDevicePending        uint32 = 0x071E
	CodeDeviceAborted        uint32 = 0x071F
	CodeDeviceAccessDenied   uint32 = 0x0723
	CodeDeviceOutOfRange     uint32 = 0x0735
)

func adsErrorName(code uint32) string {
	switch code {
	case CodeNoError:
		return "No error"
	case CodeInternal:
		return "Internal error"
	case CodeNoRuntime:
		return "No runtime"
	case CodeTargetPortNotFound:
		return "Target port not found"
	case CodeTargetMachineNotFound:
		return "Target machine not found"
	case CodeUnknownCmdId:
		return "Unknown command id"
	case CodePortNotConnected:
		return "Port not connected"
	case CodeInvalidAmsLength:
		return "Invalid AMS length"
	case CodeInvalidAmsNetId:
		return "Invalid AMS Net ID"
	case CodeInvalidAmsPort:
		return "Invalid AMS port"
	case CodeInvalidAmsFragment:
		return "Invalid AMS fragment"
	case CodeRouterMailboxFull:
		return "Router mailbox full"
	case CodeRouterPortNotOpen:
		return "Router port not open"
	case CodeRouterPortNotConnected:
		return "Router port not connected"
	case CodeDeviceError:
		return "Device error"
	case CodeDeviceSrvNotSupp:
		return "Service not supported"
	case CodeDeviceInvalidGrp:
		return "Invalid index group"
	case CodeDeviceInvalidOffs:
		return "Invalid index offset"
	case CodeDeviceInvalidAccess:
		return "Invalid access"
	case CodeDeviceInvalidSize:
		return "Invalid size"
	case CodeDeviceInvalidData:
		return "Invalid data"
	case CodeDeviceNotReady:
		return "Device not ready"
	case CodeDeviceBusy:
		return "Device busy"
	case CodeDeviceNoMemory:
		return "Out of memory"
	case CodeDeviceInvalidParam:
		return "Invalid parameter"
	case CodeDeviceNotFound:
		return "Device not found"
	case CodeDeviceSymbolNotFound:
		return "Symbol not found"
	case CodeDeviceInvalidState:
		return "Invalid state"
	case CodeDeviceTimeout:
		return "Timeout"
	case CodeDevicePending:
		return "Request pending"
	case CodeDeviceAborted:
		return "Request aborted"
	case CodeDeviceAccessDenied:
		return "Access denied"
	case CodeDeviceOutOfRange:
		return "Out of range"
	default:
		return "Unknown error"
	}
}
