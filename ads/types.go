package ads

import (
	"fmt"
	"strconv"
	"strings"
)

// defaultStringLen is the TwinCAT length of a STRING declared without one.
const defaultStringLen = 80

// typeSizes holds the byte size of each fixed-size IEC 61131-3 type.
var typeSizes = map[string]int{
	"BOOL": 1, "BYTE": 1, "USINT": 1, "SINT": 1,
	"WORD": 2, "UINT": 2, "INT": 2,
	"DWORD": 4, "UDINT": 4, "DINT": 4, "REAL": 4,
	"TIME": 4, "DATE": 4, "TIME_OF_DAY": 4, "TOD": 4,
	"LWORD": 8, "ULINT": 8, "LINT": 8, "LREAL": 8,
	"LTIME": 8, "DATE_AND_TIME": 8, "DT": 8,
}

// ReadSize returns the number of bytes a read of count values of the named
// type needs. Names are case-insensitive. STRING(n) and WSTRING(n) include
// the terminator; without (n) the TwinCAT default of 80 applies.
func ReadSize(typeName string, count int) (uint32, error) {
	if count < 1 {
		count = 1
	}
	name := strings.ToUpper(strings.TrimSpace(typeName))

	if base, wide, ok := stringType(name); ok {
		n := defaultStringLen
		if base != "" {
			v, err := strconv.Atoi(base)
			if err != nil || v <= 0 {
				return 0, fmt.Errorf("invalid string length in %q", typeName)
			}
			n = v
		}
		elem := n + 1
		if wide {
			elem *= 2
		}
		return uint32(elem * count), nil
	}

	elem, ok := typeSizes[name]
	if !ok {
		return 0, fmt.Errorf("type %q has no fixed size", typeName)
	}
	return uint32(elem * count), nil
}

// stringType reports whether name is a STRING or WSTRING and returns the
// text between the parentheses, if any.
func stringType(name string) (length string, wide bool, ok bool) {
	rest, found := strings.CutPrefix(name, "WSTRING")
	if found {
		wide = true
	} else if rest, found = strings.CutPrefix(name, "STRING"); !found {
		return "", false, false
	}
	if rest == "" {
		return "", wide, true
	}
	if strings.HasPrefix(rest, "(") && strings.HasSuffix(rest, ")") {
		return rest[1 : len(rest)-1], wide, true
	}
	// e.g. STRINGS, a user type
	return "", false, false
}
