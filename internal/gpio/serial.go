package gpio

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Port is the subset of serial.Port the bridge needs.
type Port interface {
	io.ReadWriter
	Close() error
}

// PortOptions describes the serial connection to the burst co-processor.
type PortOptions struct {
	BaudRate    int           `koanf:"baud_rate"`
	DataBits    int           `koanf:"data_bits"`
	StopBits    int           `koanf:"stop_bits"`
	Parity      string        `koanf:"parity"`
	ReadTimeout time.Duration `koanf:"read_timeout"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 20 * time.Millisecond
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	return opts, nil
}

// SerialMode converts the options into the go.bug.st/serial mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// SerialDriver talks to a microcontroller that owns the emitter and
// detector pins. The host sends "B<channel> <micros> <hz>\n"; the bridge
// runs the burst, samples the detector straight after it, and answers
// "1\n" or "0\n". The answer is latched and returned by ReadDetector so a
// trial costs one round trip.
type SerialDriver struct {
	mu      sync.Mutex
	port    Port
	reader  *bufio.Reader
	latched map[int]bool
}

// NewSerialDriver opens the serial port at path.
func NewSerialDriver(path string, opts PortOptions) (*SerialDriver, error) {
	norm, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	mode, err := norm.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial bridge %s: %w", path, err)
	}
	if err := port.SetReadTimeout(norm.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	return NewSerialDriverWithPort(port), nil
}

// NewSerialDriverWithPort wraps an already open port. Useful for tests.
func NewSerialDriverWithPort(port Port) *SerialDriver {
	return &SerialDriver{
		port:    port,
		reader:  bufio.NewReader(port),
		latched: make(map[int]bool),
	}
}

// DriveEmitter asks the bridge to run one burst and latches its detector
// sample.
func (d *SerialDriver) DriveEmitter(channel int, burst Burst) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cmd := fmt.Sprintf("B%d %d %d\n", channel, burst.Duration.Microseconds(), burst.CarrierHz)
	if _, err := io.WriteString(d.port, cmd); err != nil {
		return fmt.Errorf("serial bridge write: %w", err)
	}

	line, err := d.reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("serial bridge read: %w", err)
	}

	switch reply := strings.TrimSpace(line); reply {
	case "1":
		d.latched[channel] = true
	case "0":
		d.latched[channel] = false
	default:
		if strings.HasPrefix(reply, "ERR") {
			return fmt.Errorf("serial bridge channel %d: %s", channel, strings.TrimSpace(strings.TrimPrefix(reply, "ERR")))
		}
		return fmt.Errorf("serial bridge: unexpected reply %q", reply)
	}
	return nil
}

// ReadDetector returns the sample latched by the last burst on channel.
func (d *SerialDriver) ReadDetector(channel int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok := d.latched[channel]
	if !ok {
		return false, fmt.Errorf("%w: %d has not been driven", ErrUnknownChannel, channel)
	}
	return v, nil
}

// Close closes the serial port.
func (d *SerialDriver) Close() error {
	return d.port.Close()
}
