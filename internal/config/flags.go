package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// stringList is a custom flag type for repeatable flags like -env and -sig-env.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// ParseFlags parses command-line flags and returns a Config.
// Everything after the first non-flag argument is the command to run.
func ParseFlags() (*Config, error) {
	return parseFlags(os.Args[1:])
}

func parseFlags(args []string) (*Config, error) {
	cfg := DefaultConfig()
	var env stringList
	var sigEnv stringList

	fs := flag.NewFlagSet("go-proc-stream", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `go-proc-stream - subprocess execution tracking with completion-time estimation

Usage:
  go-proc-stream [flags] <command> [args...]

Execution Flags:
  -cwd            Working directory for the subprocess (default: current directory)
  -env            KEY=VALUE added to the subprocess environment (repeatable)

Capture Flags:
  -buffer         Per-stream capture buffer capacity in bytes

Estimation Flags:
  -history        SQLite file for run history (empty = in-memory only)
  -sig-env        Env key included in the invocation signature (repeatable)
  -estimate-every How often to log a remaining-time estimate

Observability:
  -metrics        Prometheus listen address (empty = disabled)
  -v              Verbose (debug) logging
  -log-format     Log format: json or text

Examples:
  # Track a build and learn its duration
  go-proc-stream -history ~/.proc-stream.db make -j8

  # Stream a long-running job with metrics
  go-proc-stream -metrics :17091 ./backup.sh
`)
	}

	fs.StringVar(&cfg.Cwd, "cwd", cfg.Cwd, "Working directory for the subprocess")
	fs.Var(&env, "env", "KEY=VALUE added to the subprocess environment (repeatable)")

	fs.Uint64Var(&cfg.BufferCapacity, "buffer", cfg.BufferCapacity, "Per-stream capture buffer capacity in bytes")

	fs.StringVar(&cfg.HistoryPath, "history", cfg.HistoryPath, "SQLite file for run history (empty = in-memory only)")
	fs.Var(&sigEnv, "sig-env", "Env key included in the invocation signature (repeatable)")
	fs.DurationVar(&cfg.EstimateInterval, "estimate-every", cfg.EstimateInterval, "How often to log a remaining-time estimate")

	fs.DurationVar(&cfg.KillTimeout, "kill-timeout", cfg.KillTimeout, "Grace period between SIGTERM and SIGKILL")

	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus listen address (empty = disabled)")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose (debug) logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: json or text")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Env = env
	cfg.SignatureEnvKeys = sigEnv
	cfg.Argv = fs.Args()

	return cfg, nil
}
