package logging

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DebugLogger writes a protocol trace with hex dumps to its own file:
// retransmissions, CRC drops, stray acks, reconnects. It is off unless a
// logger is installed with SetGlobalDebugLogger.
type DebugLogger struct {
	file   *os.File
	log    zerolog.Logger
	mu     sync.Mutex
	closed bool
	filter protocolFilter
}

// protocolFilter selects protocols by name. "ads" also selects "ads/serial"
// and "ads/tcp". An empty filter selects everything.
type protocolFilter map[string]bool

func (f protocolFilter) allows(protocol string) bool {
	if len(f) == 0 {
		return true
	}
	p := strings.ToLower(protocol)
	if f[p] || p == "debug" {
		return true
	}
	if i := strings.IndexByte(p, '/'); i > 0 {
		return f[p[:i]]
	}
	return false
}

var global atomic.Pointer[DebugLogger]

// Protocol names accepted by SetFilter.
var knownProtocols = []string{"ads", "ads/serial", "ads/tcp", "plcman", "mqtt", "valkey", "kafka", "api"}

// KnownProtocols returns the protocol names that can be filtered on.
func KnownProtocols() []string {
	return append([]string(nil), knownProtocols...)
}

// NewDebugLogger creates a debug logger writing to path. The file is
// truncated.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("open debug log: %w", err)
	}
	out := zerolog.ConsoleWriter{Out: file, NoColor: true, TimeFormat: "15:04:05.000"}
	l := &DebugLogger{
		file: file,
		log:  zerolog.New(out).With().Timestamp().Logger(),
	}
	l.Log("debug", "trace started %s", time.Now().Format(time.RFC3339))
	return l, nil
}

// SetFilter limits the trace to a comma-separated list of protocols.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}
	f := protocolFilter{}
	for _, p := range strings.Split(filter, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			f[p] = true
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.filter = f
	if len(f) > 0 {
		names := make([]string, 0, len(f))
		for p := range f {
			names = append(names, p)
		}
		sort.Strings(names)
		l.log.Info().Str("proto", "debug").Strs("filter", names).Msg("filter set")
	}
}

// SetGlobalDebugLogger installs the logger used by the Debug* functions.
// nil turns tracing off.
func SetGlobalDebugLogger(l *DebugLogger) {
	global.Store(l)
}

// GetGlobalDebugLogger returns the installed debug logger, or nil.
func GetGlobalDebugLogger() *DebugLogger {
	return global.Load()
}

// event returns a log event for protocol, or nil when it is filtered out.
// The caller must hold l.mu.
func (l *DebugLogger) event(protocol string) *zerolog.Event {
	if l.closed || !l.filter.allows(protocol) {
		return nil
	}
	return l.log.Info().Str("proto", protocol)
}

// Log writes a formatted message tagged with protocol.
func (l *DebugLogger) Log(protocol, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e := l.event(protocol); e != nil {
		e.Msgf(format, args...)
	}
}

// LogTX logs sent bytes.
func (l *DebugLogger) LogTX(protocol string, data []byte) { l.packet(protocol, "TX", data) }

// LogRX logs received bytes.
func (l *DebugLogger) LogRX(protocol string, data []byte) { l.packet(protocol, "RX", data) }

func (l *DebugLogger) packet(protocol, dir string, data []byte) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e := l.event(protocol); e != nil {
		e.Int("len", len(data)).Msg(dir + "\n" + hexDump(data))
	}
}

func (l *DebugLogger) LogConnect(protocol, address string) {
	l.Log(protocol, "connect %s", address)
}

func (l *DebugLogger) LogConnectSuccess(protocol, address, details string) {
	l.Log(protocol, "connected %s (%s)", address, details)
}

func (l *DebugLogger) LogConnectError(protocol, address string, err error) {
	l.Log(protocol, "connect %s failed: %v", address, err)
}

func (l *DebugLogger) LogDisconnect(protocol, address, reason string) {
	l.Log(protocol, "disconnect %s: %s", address, reason)
}

func (l *DebugLogger) LogError(protocol, context string, err error) {
	l.Log(protocol, "error in %s: %v", context, err)
}

// Close ends the trace and closes the file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.log.Info().Str("proto", "debug").Msg("trace ended")
	l.closed = true
	return l.file.Close()
}

// hexDump formats data 16 bytes per line with offset and ASCII columns:
//
//	0000: 01 A5 00 00 00 2A C0 A8  64 9C 01 01 01 80 C0 A8  .....*..d.......
func hexDump(data []byte) string {
	if len(data) == 0 {
		return "    (empty)"
	}
	var sb strings.Builder
	for off := 0; off < len(data); off += 16 {
		row := data[off:min(off+16, len(data))]
		fmt.Fprintf(&sb, "    %04X: ", off)
		for i := 0; i < 16; i++ {
			switch {
			case i < len(row):
				fmt.Fprintf(&sb, "%02X ", row[i])
			default:
				sb.WriteString("   ")
			}
			if i == 7 {
				sb.WriteByte(' ')
			}
		}
		sb.WriteByte(' ')
		for _, b := range row {
			if b < 32 || b > 126 {
				b = '.'
			}
			sb.WriteByte(b)
		}
		if off+16 < len(data) {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// DebugLog logs a message when a debug logger is installed.
func DebugLog(protocol, format string, args ...interface{}) {
	GetGlobalDebugLogger().Log(protocol, format, args...)
}

// DebugTX logs sent bytes when a debug logger is installed.
func DebugTX(protocol string, data []byte) { GetGlobalDebugLogger().LogTX(protocol, data) }

// DebugRX logs received bytes when a debug logger is installed.
func DebugRX(protocol string, data []byte) { GetGlobalDebugLogger().LogRX(protocol, data) }

func DebugConnect(protocol, address string) {
	if l := GetGlobalDebugLogger(); l != nil {
		l.LogConnect(protocol, address)
	}
}

func DebugConnectSuccess(protocol, address, details string) {
	if l := GetGlobalDebugLogger(); l != nil {
		l.LogConnectSuccess(protocol, address, details)
	}
}

func DebugConnectError(protocol, address string, err error) {
	if l := GetGlobalDebugLogger(); l != nil {
		l.LogConnectError(protocol, address, err)
	}
}

func DebugDisconnect(protocol, address, reason string) {
	if l := GetGlobalDebugLogger(); l != nil {
		l.LogDisconnect(protocol, address, reason)
	}
}

func DebugError(protocol, context string, err error) {
	if l := GetGlobalDebugLogger(); l != nil {
		l.LogError(protocol, context, err)
	}
}
