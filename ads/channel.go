package ads

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.bug.st/serial"
)

// ChannelFactory opens the byte channel a connection runs over. The
// connection owns the returned channel and closes it.
type ChannelFactory interface {
	Open(ctx context.Context) (io.ReadWriteCloser, error)
}

// ChannelFactoryFunc adapts a function to ChannelFactory.
type ChannelFactoryFunc func(ctx context.Context) (io.ReadWriteCloser, error)

func (f ChannelFactoryFunc) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	return f(ctx)
}

// SerialConfig describes a serial port.
type SerialConfig struct {
	Device   string // e.g. /dev/ttyUSB0 or COM3
	BaudRate int
	DataBits int
	Parity   string // "N", "E", "O", "M", "S"
	StopBits int    // 1 or 2

	// ReadTimeout bounds a single read so the reader notices Close.
	ReadTimeout time.Duration
}

// DefaultSerialConfig returns 9600 8N1 on the given device.
func DefaultSerialConfig(device string) SerialConfig {
	return SerialConfig{
		Device:      device,
		BaudRate:    9600,
		DataBits:    8,
		Parity:      "N",
		StopBits:    1,
		ReadTimeout: 100 * time.Millisecond,
	}
}

func (c SerialConfig) mode() (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
	}
	if mode.BaudRate == 0 {
		mode.BaudRate = 9600
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}

	switch strings.ToUpper(c.Parity) {
	case "", "N", "NONE":
		mode.Parity = serial.NoParity
	case "E", "EVEN":
		mode.Parity = serial.EvenParity
	case "O", "ODD":
		mode.Parity = serial.OddParity
	case "M", "MARK":
		mode.Parity = serial.MarkParity
	case "S", "SPACE":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("invalid parity %q", c.Parity)
	}

	switch c.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("invalid stop bits %d", c.StopBits)
	}
	return mode, nil
}

// SerialChannel returns a factory that opens a serial port.
func SerialChannel(cfg SerialConfig) ChannelFactory {
	return ChannelFactoryFunc(func(ctx context.Context) (io.ReadWriteCloser, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mode, err := cfg.mode()
		if err != nil {
			return nil, err
		}
		port, err := serial.Open(cfg.Device, mode)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
		}
		timeout := cfg.ReadTimeout
		if timeout <= 0 {
			timeout = 100 * time.Millisecond
		}
		if err := port.SetReadTimeout(timeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", cfg.Device, err)
		}
		// Drop whatever the port buffered before we were listening.
		_ = port.ResetInputBuffer()
		return port, nil
	})
}

// SerialPorts lists the serial ports present on this machine.
func SerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

// TCPChannel returns a factory that dials an AMS/TCP endpoint. The port
// defaults to 48898.
func TCPChannel(address string, timeout time.Duration) ChannelFactory {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, fmt.Sprint(DefaultTCPPort))
	}
	return ChannelFactoryFunc(func(ctx context.Context) (io.ReadWriteCloser, error) {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, err
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(30 * time.Second)
			tcpConn.SetNoDelay(true)
		}
		return conn, nil
	})
}
