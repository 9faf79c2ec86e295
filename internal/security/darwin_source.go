package security

import (
	"context"
	"strings"
)

var darwinVMProcesses = []string{"vmware-tools", "vmtoolsd", "prl_tools", "prl_cc", "vboxservice", "qemu-ga"}

// DarwinSource reads signals from sysctl, ioreg and sw_vers.
type DarwinSource struct {
	portable
	run CommandRunner
}

// NewDarwinSource returns a source that executes queries with run.
func NewDarwinSource(run CommandRunner) *DarwinSource {
	if run == nil {
		run = ExecRunner
	}
	return &DarwinSource{portable: newPortable("darwin"), run: run}
}

func (s *DarwinSource) output(ctx context.Context, name string, args ...string) (string, error) {
	out, err := s.run(ctx, name, args...)
	if err != nil {
		return "", err
	}
	return firstLine(out), nil
}

func (s *DarwinSource) OSVersion(ctx context.Context) (string, error) {
	v, err := s.output(ctx, "sw_vers", "-productVersion")
	if err != nil {
		return "", err
	}
	return cleaned("os version", "macOS "+v, nil)
}

func (s *DarwinSource) CPUModel(ctx context.Context) (string, error) {
	v, err := s.output(ctx, "sysctl", "-n", "machdep.cpu.brand_string")
	return cleaned("cpu model", v, err)
}

func (s *DarwinSource) BoardSerial(ctx context.Context) (string, error) {
	return s.platformExpert(ctx, "IOPlatformSerialNumber")
}

func (s *DarwinSource) SystemUUID(ctx context.Context) (string, error) {
	return s.platformExpert(ctx, "IOPlatformUUID")
}

// platformExpert reads a property of the IOPlatformExpertDevice node. ioreg
// prints properties as `"Key" = "Value"`.
func (s *DarwinSource) platformExpert(ctx context.Context, key string) (string, error) {
	out, err := s.run(ctx, "ioreg", "-rd1", "-c", "IOPlatformExpertDevice")
	if err != nil {
		return "", err
	}
	return cleaned(key, ioregValue(out, key), nil)
}

func ioregValue(out []byte, key string) string {
	needle := `"` + key + `"`
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, needle) {
			continue
		}
		_, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		return strings.Trim(strings.TrimSpace(v), `"`)
	}
	return ""
}

func (s *DarwinSource) VMChecks() []VMCheck {
	return []VMCheck{
		commandCheck("model", s.run, vmMarkers, "sysctl", "-n", "hw.model"),
		{Name: "hypervisor", Check: func(ctx context.Context) (bool, error) {
			v, err := s.output(ctx, "sysctl", "-n", "kern.hv_vmm_present")
			if err != nil {
				return false, err
			}
			return v == "1", nil
		}},
		commandCheck("processes", s.run, darwinVMProcesses, "ps", "-axo", "comm"),
	}
}
