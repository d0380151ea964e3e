package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ptgott/relaymail/delivery"
	"github.com/ptgott/relaymail/userconfig"
)

// Exit codes that don't come from a delivery.Kind.
const (
	ExitOK    = 0
	ExitOther = 1
	// ExitUsage is the code for bad flags or configuration, the same as
	// for invalid messages.
	ExitUsage = 2
)

// ExitError carries the exit code a command wants.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %v", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func usageError(err error) error {
	return &ExitError{Code: ExitUsage, Err: err}
}

// Config holds what the commands need from the process.
type Config struct {
	In      io.Reader
	Out     io.Writer
	Environ []string
}

// DefaultConfig reads from the process's standard streams and environment.
func DefaultConfig() Config {
	return Config{
		In:      os.Stdin,
		Out:     os.Stdout,
		Environ: os.Environ(),
	}
}

type runtimeState struct {
	configPath string
	envFile    string
	verbosity  int
	quiet      bool

	in      io.Reader
	out     io.Writer
	environ []string
}

// load reads the config file with environment overrides.
func (rt *runtimeState) load() (*userconfig.Meta, error) {
	env, err := userconfig.ReadEnv(rt.environ, rt.envFile)
	if err != nil {
		return nil, usageError(err)
	}
	m, err := userconfig.Load(rt.configPath, env)
	if err != nil {
		return nil, usageError(err)
	}
	return m, nil
}

// LogEnv names the environment variable holding a zerolog level name. It
// applies when neither -q nor -v is given.
const LogEnv = userconfig.EnvPrefix + "LOG"

// logLevel picks the level from the flags, then LogEnv, then warn.
func (rt *runtimeState) logLevel() zerolog.Level {
	switch {
	case rt.quiet:
		return zerolog.ErrorLevel
	case rt.verbosity >= 3:
		return zerolog.TraceLevel
	case rt.verbosity == 2:
		return zerolog.DebugLevel
	case rt.verbosity == 1:
		return zerolog.InfoLevel
	}

	name := lookupEnv(rt.environ, LogEnv)
	if name == "" {
		return zerolog.WarnLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil {
		log.Warn().
			Str("value", name).
			Msgf("ignoring %v, which isn't a log level", LogEnv)
		return zerolog.WarnLevel
	}
	return lvl
}

func (rt *runtimeState) setLogLevel() {
	log.Logger = log.Logger.Level(rt.logLevel())
}

func lookupEnv(environ []string, key string) string {
	var v string
	for _, kv := range environ {
		if k, val, ok := strings.Cut(kv, "="); ok && k == key {
			v = val
		}
	}
	return v
}

// NewRootCommand returns the relaymail command tree.
func NewRootCommand(cfg Config) *cobra.Command {
	rt := &runtimeState{
		configPath: userconfig.DefaultPath(),
		envFile:    ".env",
		in:         cfg.In,
		out:        cfg.Out,
		environ:    cfg.Environ,
	}

	root := newSendCommand(rt)
	root.SilenceUsage = true
	root.SilenceErrors = true
	root.PersistentPreRun = func(cmd *cobra.Command, _ []string) {
		rt.setLogLevel()
	}

	root.PersistentFlags().StringVarP(&rt.configPath, "config", "c", rt.configPath, "path to a JSON or YAML file containing your configuration")
	root.PersistentFlags().StringVar(&rt.envFile, "env-file", rt.envFile, "dotenv file with RELAYMAIL_* settings, ignored if missing")
	root.PersistentFlags().CountVarP(&rt.verbosity, "verbose", "v", "log info, debug (-vv) or trace (-vvv) messages")
	root.PersistentFlags().BoolVarP(&rt.quiet, "quiet", "q", false, "only log errors")

	root.AddCommand(
		newHistoryCommand(rt),
		newVersionCommand(rt),
	)
	return root
}

// Execute runs the command line with args and returns the exit code.
func Execute(ctx context.Context, cfg Config, args []string) int {
	root := NewRootCommand(cfg)
	root.SetArgs(args)
	root.SetIn(cfg.In)
	root.SetOut(cfg.Out)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}

	var ee *ExitError
	if errors.As(err, &ee) {
		if ee.Err != nil {
			log.Error().Err(ee.Err).Int("code", ee.Code).Msg("relaymail failed")
		}
		return ee.Code
	}
	// Anything cobra itself rejects, e.g., unknown flags.
	log.Error().Err(err).Msg("relaymail failed")
	if k := delivery.KindOf(err); k == delivery.KindCancelled {
		return k.ExitCode()
	}
	return ExitUsage
}
