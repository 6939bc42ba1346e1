package ads

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// AmsNetId represents a 6-byte AMS Net ID.
// Format: "x.x.x.x.x.x" where each x is 0-255.
type AmsNetId [6]byte

// ParseAmsNetId parses an AMS Net ID string (e.g., "192.168.1.100.1.1").
func ParseAmsNetId(s string) (AmsNetId, error) {
	var netId AmsNetId

	if s == "" {
		return netId, &MalformedIdentityError{Input: s, Reason: "empty"}
	}

	parts := strings.Split(s, ".")
	if len(parts) != 6 {
		return netId, &MalformedIdentityError{Input: s, Reason: fmt.Sprintf("expected 6 octets, got %d", len(parts))}
	}

	for i, part := range parts {
		val, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			return netId, &MalformedIdentityError{Input: s, Reason: fmt.Sprintf("octet %d %q is not in 0..255", i+1, part)}
		}
		netId[i] = byte(val)
	}

	return netId, nil
}

// String returns the string representation of the AMS Net ID.
func (n AmsNetId) String() string {
	return fmt.Sprintf("%d.%d.%d.%d.%d.%d", n[0], n[1], n[2], n[3], n[4], n[5])
}

// IsZero returns true if the Net ID is all zeros.
func (n AmsNetId) IsZero() bool {
	return n == AmsNetId{}
}

// AmsNetIdFromIP creates an AMS Net ID from an IP address.
// This is a common convention where the Net ID is IP.1.1 (e.g., 192.168.1.100.1.1).
func AmsNetIdFromIP(ip string) (AmsNetId, error) {
	var netId AmsNetId

	// Remove port if present
	if idx := strings.Index(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}

	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return netId, &MalformedIdentityError{Input: ip, Reason: "not an IPv4 address"}
	}

	for i, part := range parts {
		val, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			return netId, &MalformedIdentityError{Input: ip, Reason: fmt.Sprintf("invalid IP component %q", part)}
		}
		netId[i] = byte(val)
	}

	// Default suffix .1.1 for standard TwinCAT systems
	netId[4] = 1
	netId[5] = 1

	return netId, nil
}

// AmsPort identifies a service endpoint on an ADS device.
type AmsPort uint16

// ParseAmsPort parses the decimal form of an AMS port.
func ParseAmsPort(s string) (AmsPort, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid AMS port %q: %w", s, err)
	}
	return AmsPort(v), nil
}

func (p AmsPort) String() string {
	return strconv.FormatUint(uint64(p), 10)
}

// AmsAddress combines an AMS Net ID and port number.
type AmsAddress struct {
	NetId AmsNetId
	Port  AmsPort
}

func (a AmsAddress) String() string {
	return a.NetId.String() + ":" + a.Port.String()
}

// Address is a memory location on the PLC. It is either a RawAddress or a
// SymbolicAddress; no other implementations exist.
type Address interface {
	String() string
	isAddress()
}

// RawAddress addresses PLC memory by index group and offset.
type RawAddress struct {
	IndexGroup  uint32
	IndexOffset uint32
}

func (RawAddress) isAddress() {}

// String returns the address in "group/offset" form with hex group.
func (a RawAddress) String() string {
	return fmt.Sprintf("0x%X/%d", a.IndexGroup, a.IndexOffset)
}

// SymbolicAddress addresses a PLC variable by name (e.g. "MAIN.counter").
// It has to be resolved to a RawAddress before it can be put on the wire.
type SymbolicAddress struct {
	Name string
}

func (SymbolicAddress) isAddress() {}

func (a SymbolicAddress) String() string {
	return a.Name
}

const (
	rawGrammar      = "<indexGroup>/<indexOffset>"
	symbolicGrammar = "<identifier>[.<identifier>...]"
)

var (
	rawAddressPattern      = regexp.MustCompile(`^(0[xX][0-9a-fA-F]+|[0-9]+)/(0[xX][0-9a-fA-F]+|[0-9]+)$`)
	symbolicAddressPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\[[0-9]+(,[0-9]+)*\])?(\.[A-Za-z_][A-Za-z0-9_]*(\[[0-9]+(,[0-9]+)*\])?)*$`)
)

// ParseAddress parses an address string.
// Supported formats:
//   - Raw:      "16448/0", "0x4020/0x10"
//   - Symbolic: "MAIN.counter", "GVL.values[3].x"
func ParseAddress(input string) (Address, error) {
	s := strings.TrimSpace(input)

	if m := rawAddressPattern.FindStringSubmatch(s); m != nil {
		group, gerr := parseUint32(m[1])
		offset, oerr := parseUint32(m[2])
		if gerr == nil && oerr == nil {
			return RawAddress{IndexGroup: group, IndexOffset: offset}, nil
		}
	}

	if symbolicAddressPattern.MatchString(s) {
		return SymbolicAddress{Name: s}, nil
	}

	return nil, &InvalidAddressError{Input: input}
}

// MustParseAddress is like ParseAddress but panics on error.
func MustParseAddress(input string) Address {
	addr, err := ParseAddress(input)
	if err != nil {
		panic(err)
	}
	return addr
}

// parseUint32 parses decimal or 0x-prefixed hex. Leading zeros stay decimal.
func parseUint32(s string) (uint32, error) {
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 32)
		return uint32(v), err
	}
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}
