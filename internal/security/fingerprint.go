package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// FingerprintLength is the number of hex characters in a fingerprint.
const FingerprintLength = 32

// Generator derives device fingerprints from a SignalSource. It is safe for
// concurrent use.
type Generator struct {
	source   SignalSource
	customID string
	logger   *slog.Logger
	tracer   trace.Tracer
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithSource replaces the platform signal source.
func WithSource(src SignalSource) GeneratorOption {
	return func(g *Generator) {
		if src != nil {
			g.source = src
		}
	}
}

// WithCustomID sets the identifier hashed by MethodCustom.
func WithCustomID(id string) GeneratorOption {
	return func(g *Generator) { g.customID = strings.TrimSpace(id) }
}

// WithGeneratorLogger sets the logger used for signal warnings.
func WithGeneratorLogger(logger *slog.Logger) GeneratorOption {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithGeneratorTracer sets the tracer used for generation spans.
func WithGeneratorTracer(tracer trace.Tracer) GeneratorOption {
	return func(g *Generator) {
		if tracer != nil {
			g.tracer = tracer
		}
	}
}

// NewGenerator returns a Generator for the running platform.
func NewGenerator(opts ...GeneratorOption) *Generator {
	g := &Generator{
		source: DefaultSource(),
		logger: slog.Default(),
		tracer: otel.Tracer("authme/security"),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "fingerprint")
	return g
}

// Source returns the signal source in use.
func (g *Generator) Source() SignalSource { return g.source }

type signalFunc func(context.Context) (string, error)

func (g *Generator) platform(context.Context) (string, error) {
	return g.source.Platform(), nil
}

// signals lists, in hashing order, the signals that feed method.
func (g *Generator) signals(method Method) []namedSignal {
	platform := namedSignal{"platform", g.platform}
	hostname := namedSignal{"hostname", g.source.Hostname}
	cpus := namedSignal{"processor_count", g.source.ProcessorCount}
	mac := namedSignal{"mac_address", g.source.MACAddress}

	switch method {
	case MethodSimple:
		return []namedSignal{platform, hostname, mac}
	case MethodBasic:
		return []namedSignal{platform, hostname, cpus, {"os_version", g.source.OSVersion}}
	case MethodMACAddress:
		return []namedSignal{mac}
	case MethodSystemUUID:
		return []namedSignal{{"system_uuid", g.source.SystemUUID}}
	default:
		return []namedSignal{
			platform, hostname, cpus, mac,
			{"cpu_model", g.source.CPUModel},
			{"board_serial", g.source.BoardSerial},
			{"system_uuid", g.source.SystemUUID},
		}
	}
}

type namedSignal struct {
	name  string
	fetch signalFunc
}

// Generate returns the fingerprint for method. It never fails: unavailable
// signals are skipped, and when none are left the hostname and OS version
// are hashed instead. A blank custom id degrades MethodCustom to
// MethodComprehensive.
func (g *Generator) Generate(ctx context.Context, method Method) string {
	start := time.Now()
	ctx, span := g.tracer.Start(ctx, "security.fingerprint.generate",
		trace.WithAttributes(attribute.String("method", method.String())))
	defer span.End()

	if method == MethodCustom {
		if g.customID != "" {
			return hashSignals([]string{g.customID})
		}
		g.logger.WarnContext(ctx, "Custom hardware id is blank, using comprehensive method")
		method = MethodComprehensive
	}

	var values []string
	for _, sig := range g.signals(method) {
		if v := g.fetch(ctx, sig); v != "" {
			values = append(values, v)
		}
	}

	fallback := len(values) == 0
	if fallback {
		values = g.fallbackValues(ctx)
	}

	fp := hashSignals(values)
	span.SetAttributes(
		attribute.Int("signals", len(values)),
		attribute.Bool("fallback", fallback),
	)
	g.logger.DebugContext(ctx, "Device fingerprint generated",
		slog.String("method", method.String()),
		slog.Int("signals", len(values)),
		slog.Bool("fallback", fallback),
		slog.Duration("generation_time", time.Since(start)),
	)
	return fp
}

// fallbackValues is used when every signal of a method is unavailable.
func (g *Generator) fallbackValues(ctx context.Context) []string {
	var values []string
	for _, sig := range []namedSignal{{"hostname", g.source.Hostname}, {"os_version", g.source.OSVersion}} {
		if v := g.fetch(ctx, sig); v != "" {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		platform := g.fetch(ctx, namedSignal{"platform", g.platform})
		if platform == "" {
			platform = "unknown-platform"
		}
		values = []string{platform}
	}
	return values
}

// fetch runs one signal in isolation. Errors and panics become "".
func (g *Generator) fetch(ctx context.Context, sig namedSignal) (value string) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.WarnContext(ctx, "Hardware signal panicked, treating as unknown",
				slog.String("signal", sig.name),
				slog.String("panic", fmt.Sprint(r)),
			)
			value = ""
		}
	}()

	v, err := sig.fetch(ctx)
	if err != nil {
		g.logger.WarnContext(ctx, "Failed to read hardware signal, treating as unknown",
			slog.String("signal", sig.name),
			slog.String("error", err.Error()),
		)
		return ""
	}
	v = strings.TrimSpace(v)
	if strings.EqualFold(v, "unknown") {
		return ""
	}
	return v
}

// hashSignals joins values with "|" and returns the first 32 characters of
// the uppercase hex SHA-256 digest.
func hashSignals(values []string) string {
	sum := sha256.Sum256([]byte(strings.Join(values, "|")))
	return strings.ToUpper(hex.EncodeToString(sum[:]))[:FingerprintLength]
}

// HardwareInfo reports every signal for diagnostics. Unavailable values
// read "unknown".
func (g *Generator) HardwareInfo(ctx context.Context, method Method) map[string]string {
	value := func(name string, fn signalFunc) string {
		if v := g.fetch(ctx, namedSignal{name, fn}); v != "" {
			return v
		}
		return "unknown"
	}

	return map[string]string{
		"system":             value("os_version", g.source.OSVersion),
		"platform":           value("platform", g.platform),
		"machine":            value("hostname", g.source.Hostname),
		"processor_count":    value("processor_count", g.source.ProcessorCount),
		"mac_address":        value("mac_address", g.source.MACAddress),
		"cpu_info":           value("cpu_model", g.source.CPUModel),
		"motherboard_serial": value("board_serial", g.source.BoardSerial),
		"system_uuid":        value("system_uuid", g.source.SystemUUID),
		"is_virtual_machine": strconv.FormatBool(g.IsVirtualMachine(ctx)),
		"hardware_id":        g.Generate(ctx, method),
	}
}
