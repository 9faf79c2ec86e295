package security

import (
	"context"
	"fmt"
)

// StaticSource serves fixed signal values. A signal absent from Values is
// unavailable. It suits tests and hosts whose identity is provisioned
// rather than probed.
type StaticSource struct {
	OS     string
	Values map[string]string
	Checks []VMCheck
}

// Signal names understood by StaticSource.
const (
	SignalHostname       = "hostname"
	SignalProcessorCount = "processor_count"
	SignalOSVersion      = "os_version"
	SignalMACAddress     = "mac_address"
	SignalCPUModel       = "cpu_model"
	SignalBoardSerial    = "board_serial"
	SignalSystemUUID     = "system_uuid"
)

func (s *StaticSource) value(name string) (string, error) {
	if v, ok := s.Values[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%s: %w", name, ErrSignalUnavailable)
}

func (s *StaticSource) Platform() string { return s.OS }

func (s *StaticSource) Hostname(context.Context) (string, error) {
	return s.value(SignalHostname)
}

func (s *StaticSource) ProcessorCount(context.Context) (string, error) {
	return s.value(SignalProcessorCount)
}

func (s *StaticSource) OSVersion(context.Context) (string, error) {
	return s.value(SignalOSVersion)
}

func (s *StaticSource) MACAddress(context.Context) (string, error) {
	return s.value(SignalMACAddress)
}

func (s *StaticSource) CPUModel(context.Context) (string, error) {
	return s.value(SignalCPUModel)
}

func (s *StaticSource) BoardSerial(context.Context) (string, error) {
	return s.value(SignalBoardSerial)
}

func (s *StaticSource) SystemUUID(context.Context) (string, error) {
	return s.value(SignalSystemUUID)
}

func (s *StaticSource) VMChecks() []VMCheck { return s.Checks }
