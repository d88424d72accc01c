package espserial

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/openglow/glowflash/internal/config"
	"github.com/openglow/glowflash/internal/flasher"
)

// SyncBaud is the rate the ROM loader listens at after reset.
const SyncBaud = 115200

// knownVendors are the USB bridge vendor ids found on lamp boards:
// Espressif native USB, Silicon Labs CP210x, and WCH CH340.
var knownVendors = map[string]bool{
	"303A": true,
	"10C4": true,
	"1A86": true,
}

// PortInfo describes a candidate serial port.
type PortInfo struct {
	Name   string
	VID    string
	PID    string
	Serial string
}

func (p PortInfo) String() string {
	if p.VID == "" {
		return p.Name
	}
	return fmt.Sprintf("%s (usb %s:%s)", p.Name, p.VID, p.PID)
}

// DiscoverPorts lists serial ports whose USB vendor id matches a known lamp
// bridge. This is the filter behind the device picker.
func DiscoverPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}

	var out []PortInfo
	for _, d := range details {
		if !d.IsUSB {
			continue
		}
		if !knownVendors[strings.ToUpper(d.VID)] {
			config.Debugf("skipping %s: vendor %s not recognized", d.Name, d.VID)
			continue
		}
		out = append(out, PortInfo{
			Name:   d.Name,
			VID:    strings.ToUpper(d.VID),
			PID:    strings.ToUpper(d.PID),
			Serial: d.SerialNumber,
		})
	}
	return out, nil
}

// Open opens the named port at the sync baud rate and returns a bootloader
// client for it.
func Open(name string) (*Client, error) {
	mode := &serial.Mode{
		BaudRate: SyncBaud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if err := port.SetReadTimeout(commandTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("configure %s: %w", name, err)
	}
	return NewClient(port), nil
}

// Dialer resolves a port choice into a Client. With Port set it opens that
// port directly; otherwise it auto-selects when exactly one candidate is
// attached and fails with the candidate list when the choice is ambiguous.
type Dialer struct {
	Port string
}

var _ flasher.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context) (flasher.Transport, error) {
	name := d.Port
	if name == "" {
		ports, err := DiscoverPorts()
		if err != nil {
			return nil, err
		}
		switch len(ports) {
		case 0:
			return nil, fmt.Errorf("no lamp found: connect the USB cable and try again")
		case 1:
			name = ports[0].Name
			config.Debugf("auto-selected %s", ports[0])
		default:
			names := make([]string, len(ports))
			for i, p := range ports {
				names[i] = p.Name
			}
			return nil, fmt.Errorf("multiple candidate ports (%s): pick one with --port",
				strings.Join(names, ", "))
		}
	}

	// Opening right after plug-in can race the OS driver; one retry
	// covers it.
	client, err := Open(name)
	if err != nil {
		time.Sleep(200 * time.Millisecond)
		client, err = Open(name)
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}
