// Command validate checks relay configuration JSON files before they are
// deployed. For each file it checks:
//   - JSON structure, rejecting unknown keys (usually typos)
//   - The same rules the server applies on startup (port, auth mode, durations, log level)
//   - Metric prefix is a valid Prometheus name prefix
//   - Allowed WebSocket origins are URLs, hosts or "*"
//   - The static directory exists
//   - Optionally, that the token authority answers in the expected shape
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/urfave/cli/v3"
	"github.com/wricardo/collab-relay/collab/auth"
	"github.com/wricardo/collab-relay/collab/config"
)

// authCheckToken is sent to the authority when checking it. Any well-formed
// answer, accepted or not, means the authority is usable.
const authCheckToken = "relay-config-validation"

var metricPrefixPattern = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

// ValidationResult captures the outcome of validating a single file.
// If Valid is true, Errors contains informational messages; otherwise it
// accumulates the validation errors that were found.
type ValidationResult struct {
	File   string
	Valid  bool
	Errors []string
}

func (r *ValidationResult) fail(format string, args ...interface{}) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) ok(format string, args ...interface{}) {
	r.Errors = append(r.Errors, "✓ "+fmt.Sprintf(format, args...))
}

// validateConfig loads and validates a single configuration JSON file. When
// checkAuth is set and the file uses http auth, the authority is called once.
func validateConfig(ctx context.Context, filePath string, checkAuth bool) ValidationResult {
	result := ValidationResult{
		File:   filepath.Base(filePath),
		Valid:  true,
		Errors: []string{},
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		result.fail("Failed to read file: %v", err)
		return result
	}

	cfg := config.Default()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		result.fail("Invalid JSON: %v", err)
		return result
	}

	if err := cfg.Validate(); err != nil {
		result.fail("%v", err)
	} else {
		result.ok("listens on %s with %s auth", cfg.Addr(), cfg.AuthMode)
	}

	if cfg.MetricsPrefix != "" && !metricPrefixPattern.MatchString(cfg.MetricsPrefix) {
		result.fail("metrics_prefix %q is not a valid metric name prefix", cfg.MetricsPrefix)
	}

	for _, origin := range cfg.AllowedOrigins {
		if !validOrigin(origin) {
			result.fail("allowed_origins entry %q is not a URL, host or *", origin)
		}
	}
	if len(cfg.AllowedOrigins) == 0 {
		result.ok("all WebSocket origins allowed")
	}

	if cfg.StaticDir != "" {
		if info, err := os.Stat(cfg.StaticDir); err != nil || !info.IsDir() {
			result.fail("static_dir %q is not a directory", cfg.StaticDir)
		}
	}

	if checkAuth && result.Valid && cfg.AuthMode == config.AuthModeHTTP {
		gate := auth.NewHTTPGate(cfg.AuthURL, cfg.AuthTimeout.Duration)
		if _, err := gate.Verify(ctx, authCheckToken); err != nil {
			result.fail("token authority check failed: %v", err)
		} else {
			result.ok("token authority at %s answers", cfg.AuthURL)
		}
	}

	return result
}

func validOrigin(origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "*" {
		return true
	}
	if strings.Contains(origin, "://") {
		u, err := url.Parse(origin)
		return err == nil && u.Host != "" && (u.Path == "" || u.Path == "/")
	}
	u, err := url.Parse("//" + origin)
	return err == nil && u.Host == origin
}

var errInvalid = errors.New("some configurations have errors")

// run validates every file, printing a concise report. It returns errInvalid
// if any file is invalid.
func run(ctx context.Context, cmd *cli.Command) error {
	files := cmd.Args().Slice()
	if len(files) == 0 {
		matches, err := filepath.Glob(filepath.Join(cmd.String("dir"), "*.json"))
		if err != nil {
			return fmt.Errorf("error finding config files: %w", err)
		}
		files = matches
	}
	if len(files) == 0 {
		return fmt.Errorf("no config files found")
	}

	out := cmd.Root().Writer
	allValid := true
	for _, file := range files {
		result := validateConfig(ctx, file, cmd.Bool("check-auth"))

		fmt.Fprintf(out, "\n%s %s\n", strings.Repeat("=", 20), result.File)

		if result.Valid {
			fmt.Fprintln(out, "✅ VALID")
			for _, info := range result.Errors {
				fmt.Fprintln(out, "  "+info)
			}
		} else {
			fmt.Fprintln(out, "❌ INVALID")
			allValid = false
			for _, err := range result.Errors {
				if !strings.HasPrefix(err, "✓") {
					fmt.Fprintln(out, "  ❌ "+err)
				}
			}
		}
	}

	fmt.Fprintf(out, "\n%s\n", strings.Repeat("=", 40))
	if !allValid {
		fmt.Fprintln(out, "❌ Some configurations have errors")
		return errInvalid
	}
	fmt.Fprintln(out, "✅ All configurations are valid!")
	return nil
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate relay configuration files",
		ArgsUsage: "[file.json ...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Value: "configs", Usage: "Directory scanned when no files are given"},
			&cli.BoolFlag{Name: "check-auth", Usage: "Call the token authority of http auth configs"},
		},
		Action: run,
	}
}

func main() {
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
