package security

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// ErrSignalUnavailable reports that a source cannot provide a signal on this
// platform or in this environment.
var ErrSignalUnavailable = errors.New("signal unavailable")

// SignalSource supplies the raw hardware signals a fingerprint is built from.
// Implementations may fail on any call; the Generator treats a failure as
// an unknown value.
type SignalSource interface {
	Platform() string
	Hostname(ctx context.Context) (string, error)
	ProcessorCount(ctx context.Context) (string, error)
	OSVersion(ctx context.Context) (string, error)
	MACAddress(ctx context.Context) (string, error)
	CPUModel(ctx context.Context) (string, error)
	BoardSerial(ctx context.Context) (string, error)
	SystemUUID(ctx context.Context) (string, error)
	// VMChecks returns independent virtualization probes.
	VMChecks() []VMCheck
}

// VMCheck is one virtualization probe. Check reports whether it found a
// hypervisor marker.
type VMCheck struct {
	Name  string
	Check func(ctx context.Context) (bool, error)
}

// CommandRunner executes an external program and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands through os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// SourceForPlatform returns the signal source for goos, as reported by
// runtime.GOOS. Unrecognised platforms get a source that only knows the
// portable signals.
func SourceForPlatform(goos string) SignalSource {
	switch goos {
	case "linux":
		return NewLinuxSource("/", ExecRunner)
	case "windows":
		return NewWindowsSource(ExecRunner)
	case "darwin":
		return NewDarwinSource(ExecRunner)
	default:
		return NewGenericSource(goos)
	}
}

// DefaultSource returns the signal source for the running platform.
func DefaultSource() SignalSource {
	return SourceForPlatform(runtime.GOOS)
}

// placeholders are firmware strings vendors ship instead of a real value.
var placeholders = map[string]struct{}{
	"":                       {},
	"unknown":                {},
	"to be filled by o.e.m.": {},
	"default string":         {},
	"none":                   {},
	"not specified":          {},
	"not applicable":         {},
	"system serial number":   {},
	"0":                      {},

	"00000000-0000-0000-0000-000000000000": {},
	"ffffffff-ffff-ffff-ffff-ffffffffffff": {},
}

// clean trims s and maps placeholder values to "".
func clean(s string) string {
	s = strings.TrimSpace(s)
	if _, ok := placeholders[strings.ToLower(s)]; ok {
		return ""
	}
	return s
}

// cleaned wraps a raw value, turning placeholders into ErrSignalUnavailable.
func cleaned(what, raw string, err error) (string, error) {
	if err != nil {
		return "", err
	}
	if v := clean(raw); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%s: %w", what, ErrSignalUnavailable)
}

// portable holds the signals every platform can provide through the
// standard library. The function fields are swapped in tests.
type portable struct {
	goos       string
	hostname   func() (string, error)
	numCPU     func() int
	interfaces func() ([]net.Interface, error)
}

func newPortable(goos string) portable {
	return portable{
		goos:       goos,
		hostname:   os.Hostname,
		numCPU:     runtime.NumCPU,
		interfaces: net.Interfaces,
	}
}

func (p portable) Platform() string { return p.goos }

func (p portable) Hostname(context.Context) (string, error) {
	h, err := p.hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	return cleaned("hostname", strings.ToLower(h), nil)
}

func (p portable) ProcessorCount(context.Context) (string, error) {
	n := p.numCPU()
	if n <= 0 {
		return "", fmt.Errorf("processor count: %w", ErrSignalUnavailable)
	}
	return strconv.Itoa(n), nil
}

// MACAddress returns the first up, non-loopback interface with a hardware
// address, falling back to any interface that has one.
func (p portable) MACAddress(context.Context) (string, error) {
	ifaces, err := p.interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}
	if mac := pickMAC(ifaces); mac != "" {
		return mac, nil
	}
	return "", fmt.Errorf("no valid MAC address found: %w", ErrSignalUnavailable)
}

func pickMAC(ifaces []net.Interface) string {
	usable := func(iface net.Interface) string {
		if len(iface.HardwareAddr) == 0 {
			return ""
		}
		mac := iface.HardwareAddr.String()
		if mac == "00:00:00:00:00:00" {
			return ""
		}
		return mac
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := usable(iface); mac != "" {
			return mac
		}
	}
	for _, iface := range ifaces {
		if mac := usable(iface); mac != "" {
			return mac
		}
	}
	return ""
}

// vmMarkers are substrings that identify a hypervisor in firmware strings,
// device names and process lists.
var vmMarkers = []string{
	"vmware", "virtualbox", "vbox", "qemu", "xen", "kvm", "hyperv", "parallels", "innotek",
}

// containsMarker reports whether s mentions any of markers, ignoring case.
func containsMarker(s string, markers []string) bool {
	s = strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// commandCheck builds a VMCheck that scans a command's output for markers.
func commandCheck(name string, run CommandRunner, markers []string, cmd string, args ...string) VMCheck {
	return VMCheck{
		Name: name,
		Check: func(ctx context.Context) (bool, error) {
			out, err := run(ctx, cmd, args...)
			if err != nil {
				return false, err
			}
			return containsMarker(string(out), markers), nil
		},
	}
}

// firstLine returns the first non-empty trimmed line of out.
func firstLine(out []byte) string {
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
