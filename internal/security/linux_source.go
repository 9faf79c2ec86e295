package security

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// linuxVMProcesses are guest agents whose presence implies a hypervisor.
var linuxVMProcesses = []string{"vmtoolsd", "vmware", "vboxservice", "qemu-ga", "qemu", "xenstore", "xen"}

// LinuxSource reads signals from procfs, sysfs and /etc. All paths are
// resolved under root so tests can point it at a fixture tree.
type LinuxSource struct {
	portable
	root string
	run  CommandRunner
}

// NewLinuxSource returns a source rooted at root ("/" on a live system).
func NewLinuxSource(root string, run CommandRunner) *LinuxSource {
	if run == nil {
		run = ExecRunner
	}
	return &LinuxSource{portable: newPortable("linux"), root: root, run: run}
}

func (s *LinuxSource) path(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

func (s *LinuxSource) readFile(rel string) (string, error) {
	data, err := os.ReadFile(s.path(rel))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// OSVersion prefers PRETTY_NAME from os-release and falls back to the
// kernel release.
func (s *LinuxSource) OSVersion(context.Context) (string, error) {
	if data, err := os.ReadFile(s.path("etc/os-release")); err == nil {
		if v := osReleaseField(data, "PRETTY_NAME"); v != "" {
			return v, nil
		}
	}
	v, err := s.readFile("proc/sys/kernel/osrelease")
	return cleaned("os version", v, err)
}

func osReleaseField(data []byte, key string) string {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if ok && k == key {
			return strings.Trim(v, `"'`)
		}
	}
	return ""
}

// CPUModel returns the first "model name" entry of /proc/cpuinfo. ARM
// kernels report "Hardware" or "Processor" instead.
func (s *LinuxSource) CPUModel(context.Context) (string, error) {
	data, err := os.ReadFile(s.path("proc/cpuinfo"))
	if err != nil {
		return "", fmt.Errorf("failed to read cpuinfo: %w", err)
	}

	fields := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		k, v, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if _, seen := fields[k]; !seen {
			fields[k] = strings.TrimSpace(v)
		}
	}
	for _, key := range []string{"model name", "Hardware", "Processor", "cpu model"} {
		if v := clean(fields[key]); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("cpu model: %w", ErrSignalUnavailable)
}

// BoardSerial reads the DMI board serial. The file is usually root-only.
func (s *LinuxSource) BoardSerial(context.Context) (string, error) {
	v, err := s.readFile("sys/class/dmi/id/board_serial")
	return cleaned("board serial", v, err)
}

// SystemUUID reads the DMI product UUID, falling back to the systemd
// machine id when DMI is unreadable or blank.
func (s *LinuxSource) SystemUUID(context.Context) (string, error) {
	if v, err := s.readFile("sys/class/dmi/id/product_uuid"); err == nil {
		if v = clean(v); v != "" {
			return strings.ToUpper(v), nil
		}
	}
	v, err := s.readFile("etc/machine-id")
	return cleaned("system uuid", v, err)
}

func (s *LinuxSource) VMChecks() []VMCheck {
	return []VMCheck{
		{Name: "dmi", Check: s.markerFiles("sys/class/dmi/id/product_name", "sys/class/dmi/id/sys_vendor")},
		{Name: "cpuinfo", Check: s.markerFiles("proc/cpuinfo")},
		{Name: "scsi", Check: s.markerFiles("proc/scsi/scsi")},
		{Name: "processes", Check: s.guestProcesses},
	}
}

// markerFiles returns a check that reports a hit if any of the files
// mentions a hypervisor. Missing files are skipped.
func (s *LinuxSource) markerFiles(rels ...string) func(context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		for _, rel := range rels {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			content, err := s.readFile(rel)
			if err != nil {
				continue
			}
			if containsMarker(content, vmMarkers) {
				return true, nil
			}
		}
		return false, nil
	}
}

// guestProcesses scans /proc/<pid>/comm for guest agent names, asking ps
// when procfs is not mounted.
func (s *LinuxSource) guestProcesses(ctx context.Context) (bool, error) {
	comms, err := filepath.Glob(s.path("proc/[0-9]*/comm"))
	if err != nil {
		return false, err
	}
	if len(comms) == 0 {
		out, err := s.run(ctx, "ps", "-e", "-o", "comm=")
		if err != nil {
			return false, err
		}
		return containsMarker(string(out), linuxVMProcesses), nil
	}
	for _, comm := range comms {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		data, err := os.ReadFile(comm)
		if err != nil {
			continue // process exited
		}
		if containsMarker(string(data), linuxVMProcesses) {
			return true, nil
		}
	}
	return false, nil
}
