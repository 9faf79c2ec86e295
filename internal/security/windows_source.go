package security

import (
	"context"
	"strings"
)

var (
	windowsDiskMarkers     = []string{"vmware", "vbox", "qemu", "virtual", "xen"}
	windowsBIOSMarkers     = []string{"vmware", "virtualbox", "qemu", "xen", "microsoft corporation", "innotek"}
	windowsSystemMarkers   = []string{"vmware", "virtualbox", "qemu", "xen", "microsoft corporation", "innotek", "parallels", "virtual"}
	windowsFirmwareMarkers = []string{"vmware", "virtualbox", "qemu", "xen", "innotek", "parallels"}
	windowsVMProcesses     = []string{"vmtoolsd", "vmwaretray", "vmwareuser", "vboxservice", "vboxtray", "xenservice"}
	windowsVMServices      = []string{"vmtools", "vmhgfs", "vmci", "vboxservice", "vboxsf", "xenservice"}
)

// WindowsSource queries CIM classes and the registry through PowerShell and
// reg.exe.
type WindowsSource struct {
	portable
	run CommandRunner
}

// NewWindowsSource returns a source that executes queries with run.
func NewWindowsSource(run CommandRunner) *WindowsSource {
	if run == nil {
		run = ExecRunner
	}
	return &WindowsSource{portable: newPortable("windows"), run: run}
}

// cim returns the first value of property on the first instance of class.
func (s *WindowsSource) cim(ctx context.Context, class, property string) (string, error) {
	out, err := s.powershell(ctx, "(Get-CimInstance -ClassName "+class+" | Select-Object -First 1)."+property)
	if err != nil {
		return "", err
	}
	return firstLine(out), nil
}

func (s *WindowsSource) powershell(ctx context.Context, script string) ([]byte, error) {
	return s.run(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", script)
}

func (s *WindowsSource) OSVersion(ctx context.Context) (string, error) {
	caption, err := s.cim(ctx, "Win32_OperatingSystem", "Caption")
	if err != nil {
		return "", err
	}
	version, _ := s.cim(ctx, "Win32_OperatingSystem", "Version")
	return cleaned("os version", strings.TrimSpace(caption+" "+version), nil)
}

func (s *WindowsSource) CPUModel(ctx context.Context) (string, error) {
	v, err := s.cim(ctx, "Win32_Processor", "Name")
	return cleaned("cpu model", v, err)
}

func (s *WindowsSource) BoardSerial(ctx context.Context) (string, error) {
	v, err := s.cim(ctx, "Win32_BaseBoard", "SerialNumber")
	return cleaned("board serial", v, err)
}

func (s *WindowsSource) SystemUUID(ctx context.Context) (string, error) {
	v, err := s.cim(ctx, "Win32_ComputerSystemProduct", "UUID")
	return cleaned("system uuid", v, err)
}

func (s *WindowsSource) VMChecks() []VMCheck {
	return []VMCheck{
		{Name: "registry", Check: s.registry},
		commandCheck("processes", s.run, windowsVMProcesses, "tasklist", "/fo", "csv", "/nh"),
		{Name: "hardware", Check: s.hardware},
		commandCheck("services", s.run, windowsVMServices,
			"powershell", "-NoProfile", "-NonInteractive", "-Command",
			"Get-CimInstance -ClassName Win32_Service | Select-Object -ExpandProperty Name"),
	}
}

// registry inspects the first disk enumerator and the BIOS identification
// values.
func (s *WindowsSource) registry(ctx context.Context) (bool, error) {
	disk, err := s.run(ctx, "reg", "query", `HKLM\SYSTEM\CurrentControlSet\Services\Disk\Enum`, "/v", "0")
	if err == nil && containsMarker(regValue(disk, "0"), windowsDiskMarkers) {
		return true, nil
	}

	bios, biosErr := s.run(ctx, "reg", "query", `HKLM\HARDWARE\DESCRIPTION\System\BIOS`)
	if biosErr != nil {
		if err != nil {
			return false, err
		}
		return false, biosErr
	}
	for _, name := range []string{"BIOSVersion", "SystemManufacturer"} {
		if containsMarker(regValue(bios, name), windowsBIOSMarkers) {
			return true, nil
		}
	}
	return false, nil
}

// regValue extracts the data of a named value from `reg query` output,
// whose lines read "    <name>    <type>    <data>".
func regValue(out []byte, name string) string {
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 && strings.EqualFold(fields[0], name) && strings.HasPrefix(fields[1], "REG_") {
			return strings.Join(fields[2:], " ")
		}
	}
	return ""
}

// hardware checks the computer system and BIOS CIM classes.
func (s *WindowsSource) hardware(ctx context.Context) (bool, error) {
	system, err := s.powershell(ctx,
		"Get-CimInstance -ClassName Win32_ComputerSystem | ForEach-Object { $_.Manufacturer; $_.Model }")
	if err == nil && containsMarker(string(system), windowsSystemMarkers) {
		return true, nil
	}

	firmware, fwErr := s.powershell(ctx,
		"Get-CimInstance -ClassName Win32_BIOS | ForEach-Object { $_.SerialNumber; $_.SMBIOSBIOSVersion }")
	if fwErr != nil {
		if err != nil {
			return false, err
		}
		return false, fwErr
	}
	return containsMarker(string(firmware), windowsFirmwareMarkers), nil
}
