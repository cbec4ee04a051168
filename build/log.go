package build

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/btcsuite/btclog/v2"
)

// LogType selects where log output goes. It is fixed at compile time by the
// stdlog and nolog build tags.
type LogType byte

const (
	// LogTypeNone discards all output.
	LogTypeNone LogType = iota

	// LogTypeStdOut writes only to stdout. Unit tests use it.
	LogTypeStdOut

	// LogTypeDefault writes to stdout and the rotating log file.
	LogTypeDefault
)

// TestLogLevel is the level of the stdout loggers handed out under the
// stdlog build tag.
var TestLogLevel = "info"

var (
	// ErrEmptyDebugLevel is returned for an empty debuglevel option.
	ErrEmptyDebugLevel = errors.New("empty debug level")

	// ErrUnknownSubsystem is returned for a subsystem/level pair naming a
	// subsystem that has not been registered.
	ErrUnknownSubsystem = errors.New("unknown subsystem")
)

// LogWriter is the output of the root logger. Its Write is chosen by build
// tag: stdout plus Rotator by default, stdout only with stdlog, nothing with
// nolog.
type LogWriter struct {
	// Rotator receives a copy of every line in default builds. It may be
	// nil when file logging is disabled.
	Rotator io.Writer
}

// NewSubLogger returns the logger for subsystem. genSubLogger is the root
// logger's constructor and is nil during package init, in which case the
// returned logger is disabled until the daemon calls UseLogger.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	if Deployment == Development && LoggingType == LogTypeStdOut {
		handler := btclog.NewDefaultHandler(os.Stdout)
		logger := btclog.NewSLogger(handler).SubSystem(subsystem)

		level, ok := btclog.LevelFromString(TestLogLevel)
		if !ok {
			level = btclog.LevelInfo
		}
		logger.SetLevel(level)

		return logger
	}

	if LoggingType == LogTypeNone || genSubLogger == nil {
		return btclog.Disabled
	}

	return genSubLogger(subsystem)
}

// SubLoggers maps subsystem tags to their loggers.
type SubLoggers map[string]btclog.Logger

// LeveledSubLogger is a set of subsystem loggers whose levels can be changed
// individually or together.
type LeveledSubLogger interface {
	// SubLoggers returns every registered subsystem logger.
	SubLoggers() SubLoggers

	// SupportedSubsystems returns the sorted subsystem tags.
	SupportedSubsystems() []string

	// SetLogLevel changes the level of one subsystem.
	SetLogLevel(subsystemID string, logLevel string)

	// SetLogLevels changes the level of every subsystem.
	SetLogLevels(logLevel string)
}

// ParseAndSetDebugLevels applies a debuglevel option to logger. The option is
// either a single level for all subsystems, a comma separated list of
// SUBSYS=level pairs, or a global level followed by such pairs. Nothing is
// changed unless the whole option is valid.
func ParseAndSetDebugLevels(level string, logger LeveledSubLogger) error {
	if strings.TrimSpace(level) == "" {
		return ErrEmptyDebugLevel
	}

	parts := strings.Split(level, ",")

	var global string
	if !strings.Contains(parts[0], "=") {
		global = parts[0]
		if !validLogLevel(global) {
			return fmt.Errorf("invalid debug level %q", global)
		}
		parts = parts[1:]
	}

	known := logger.SubLoggers()
	overrides := make(map[string]string, len(parts))
	for _, pair := range parts {
		subsystem, lvl, err := parseLevelPair(pair)
		if err != nil {
			return err
		}

		if _, ok := known[subsystem]; !ok {
			return fmt.Errorf("%w %q, supported: %v",
				ErrUnknownSubsystem, subsystem,
				logger.SupportedSubsystems())
		}

		overrides[subsystem] = lvl
	}

	if global != "" {
		logger.SetLogLevels(global)
	}
	for subsystem, lvl := range overrides {
		logger.SetLogLevel(subsystem, lvl)
	}

	return nil
}

// parseLevelPair splits a SUBSYS=level pair and checks the level.
func parseLevelPair(pair string) (string, string, error) {
	fields := strings.Split(pair, "=")
	if len(fields) != 2 || fields[0] == "" {
		return "", "", fmt.Errorf("malformed subsystem level %q, "+
			"expected SUBSYS=level", pair)
	}

	if !validLogLevel(fields[1]) {
		return "", "", fmt.Errorf("invalid debug level %q for %s",
			fields[1], fields[0])
	}

	return fields[0], fields[1], nil
}

// validLogLevel returns true for the level names btclog understands.
func validLogLevel(logLevel string) bool {
	_, ok := btclog.LevelFromString(logLevel)
	return ok
}
