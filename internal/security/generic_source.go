package security

import (
	"context"
	"fmt"
)

// GenericSource provides only the portable signals. It backs platforms
// without a dedicated probe.
type GenericSource struct {
	portable
}

// NewGenericSource returns a source reporting goos as its platform.
func NewGenericSource(goos string) *GenericSource {
	return &GenericSource{portable: newPortable(goos)}
}

func (s *GenericSource) OSVersion(context.Context) (string, error) {
	return "", fmt.Errorf("os version on %s: %w", s.goos, ErrSignalUnavailable)
}

func (s *GenericSource) CPUModel(context.Context) (string, error) {
	return "", fmt.Errorf("cpu model on %s: %w", s.goos, ErrSignalUnavailable)
}

func (s *GenericSource) BoardSerial(context.Context) (string, error) {
	return "", fmt.Errorf("board serial on %s: %w", s.goos, ErrSignalUnavailable)
}

func (s *GenericSource) SystemUUID(context.Context) (string, error) {
	return "", fmt.Errorf("system uuid on %s: %w", s.goos, ErrSignalUnavailable)
}

func (s *GenericSource) VMChecks() []VMCheck { return nil }
