package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"authme/internal/app"
	"authme/internal/config"
	"authme/internal/exporter"
	"authme/internal/infrastructure"
	"authme/internal/license"
	"authme/internal/security"
)

func newFlagSet(env *environment, name, usage string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(env.stderr)
	fs.Usage = func() {
		fmt.Fprintf(env.stderr, "Usage: authme %s %s\n\nFlags:\n%s", name, usage, fs.FlagUsages())
	}
	return fs
}

// parse runs fs over args and returns the positional arguments. Flag
// errors have already been printed by pflag, so they only set the exit
// status.
func parse(fs *pflag.FlagSet, args []string, positional int) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil, err
		}
		return nil, usageError{msg: err.Error()}
	}
	if fs.NArg() != positional {
		return nil, usagef("%s expects %d argument(s), got %d", fs.Name(), positional, fs.NArg())
	}
	return fs.Args(), nil
}

func (env *environment) logger(cfg *config.Config) *slog.Logger {
	return infrastructure.NewLogger(env.stderr, cfg.Logging.Level)
}

func (env *environment) newClient(cfg *config.Config) (*license.Client, error) {
	return license.NewClient(cfg.Client, license.WithLogger(env.logger(cfg)))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runValidate(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet(env, "validate", "<license-key>")
	noCache := fs.Bool("no-cache", false, "skip the result cache")
	asJSON := fs.Bool("json", false, "print the full result as JSON")
	rest, err := parse(fs, args, 1)
	if err != nil {
		return err
	}

	cfg, err := config.Load(env.configPath)
	if err != nil {
		return err
	}
	client, err := env.newClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	var opts []license.ValidateOption
	if *noCache {
		opts = append(opts, license.WithoutCache())
	}
	res := client.ValidateKey(ctx, rest[0], opts...)

	if *asJSON {
		if err := writeJSON(env.stdout, res); err != nil {
			return err
		}
	} else if res.Valid {
		fmt.Fprintf(env.stdout, "valid: %s\n", res.Message)
		if md := res.Metadata; md != nil {
			fmt.Fprintf(env.stdout, "tier: %s\n", md.Tier)
			if md.ExpiresAt != nil {
				fmt.Fprintf(env.stdout, "expires: %s\n", md.ExpiresAt.Format("2006-01-02"))
			}
		}
	} else {
		fmt.Fprintf(env.stdout, "invalid: %s (%s)\n", res.Message, res.ErrorCode)
	}
	if !res.Valid {
		return errFailed
	}
	return nil
}

func runAuth(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet(env, "auth", "<license-key>")
	rest, err := parse(fs, args, 1)
	if err != nil {
		return err
	}

	cfg, err := config.Load(env.configPath)
	if err != nil {
		return err
	}
	client, err := env.newClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	res := client.Authenticate(ctx, rest[0])
	if err := writeJSON(env.stdout, res); err != nil {
		return err
	}
	if !res.Success {
		return errFailed
	}
	return nil
}

func runHWID(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet(env, "hwid", "")
	methodName := fs.String("method", "", "fingerprint method (default from configuration)")
	details := fs.Bool("details", false, "print the signals behind the fingerprint")
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}

	// credentials are not needed to fingerprint the device
	cfg, err := config.Resolve(env.configPath)
	if err != nil {
		return err
	}
	name := cfg.Client.HWIDMethod
	if *methodName != "" {
		name = *methodName
	}
	method, err := security.ParseMethod(name)
	if err != nil {
		return usageError{msg: err.Error()}
	}

	gen := security.NewGenerator(
		security.WithCustomID(cfg.Client.CustomHardwareID),
		security.WithGeneratorLogger(env.logger(cfg)),
	)
	if !*details {
		fmt.Fprintln(env.stdout, gen.Generate(ctx, method))
		return nil
	}

	return writeJSON(env.stdout, struct {
		Method string            `json:"method"`
		Info   map[string]string `json:"info"`
	}{method.String(), gen.HardwareInfo(ctx, method)})
}

func runPing(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet(env, "ping", "")
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}

	cfg, err := config.Load(env.configPath)
	if err != nil {
		return err
	}
	client, err := env.newClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ok, msg := client.TestConnection(ctx)
	fmt.Fprintln(env.stdout, msg)
	if !ok {
		return errFailed
	}
	return nil
}

func runAnalytics(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet(env, "analytics", "")
	xlsxPath := fs.String("xlsx", "", "write a workbook with summary, error and daily sheets")
	csvPath := fs.String("csv", "", "write the daily statistics as CSV")
	bom := fs.Bool("bom", false, "prefix the CSV with a UTF-8 byte order mark")
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}

	cfg, err := config.Load(env.configPath)
	if err != nil {
		return err
	}
	client, err := env.newClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	data, err := client.Analytics(ctx)
	if err != nil {
		return err
	}
	if *xlsxPath != "" {
		if err := writeFile(*xlsxPath, func(w io.Writer) error { return exporter.WriteAnalyticsWorkbook(w, data) }); err != nil {
			return err
		}
	}
	if *csvPath != "" {
		if err := writeFile(*csvPath, func(w io.Writer) error { return exporter.WriteDailyCSV(w, data, *bom) }); err != nil {
			return err
		}
	}
	return writeJSON(env.stdout, data)
}

func writeFile(path string, write func(io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := write(f); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func runServe(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet(env, "serve", "")
	listen := fs.String("listen", "", "listen address (default from configuration)")
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}

	cfg, err := config.Load(env.configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Server.ListenAddr = *listen
	}
	application, err := app.NewApplication(cfg)
	if err != nil {
		return err
	}
	return application.Run(ctx)
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", config.AppName, config.AppVersion)
}
