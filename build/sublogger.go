package build

import (
	"io"
	"sort"
	"sync"

	"github.com/btcsuite/btclog/v2"
)

// SubLoggerManager hands out subsystem loggers that all share a single log
// handler, and keeps track of them so that their levels can be changed at
// runtime.
type SubLoggerManager struct {
	root btclog.Logger

	mu         sync.Mutex
	subLoggers SubLoggers
}

// A compile-time check to ensure SubLoggerManager implements LeveledSubLogger.
var _ LeveledSubLogger = (*SubLoggerManager)(nil)

// NewSubLoggerManager constructs a new SubLoggerManager that writes all log
// lines to w using the options from cfg.
func NewSubLoggerManager(cfg *LoggerConfig, w io.Writer) *SubLoggerManager {
	handler := btclog.NewDefaultHandler(w, cfg.HandlerOptions()...)

	return &SubLoggerManager{
		root:       btclog.NewSLogger(handler),
		subLoggers: make(SubLoggers),
	}
}

// GenSubLogger creates a new sub-logger and registers it under the given
// subsystem tag. Its signature matches the genSubLogger argument of
// NewSubLogger.
func (r *SubLoggerManager) GenSubLogger(tag string) btclog.Logger {
	r.mu.Lock()
	defer r.mu.Unlock()

	if logger, ok := r.subLoggers[tag]; ok {
		return logger
	}

	logger := r.root.SubSystem(tag)
	r.subLoggers[tag] = logger

	return logger
}

// RegisterSubLogger registers an externally constructed logger under the
// given subsystem tag so that its level is managed along with the others.
func (r *SubLoggerManager) RegisterSubLogger(tag string,
	logger btclog.Logger) {

	r.mu.Lock()
	defer r.mu.Unlock()

	r.subLoggers[tag] = logger
}

// SubLoggers returns all currently registered subsystem loggers for this log
// writer.
//
// NOTE: This is part of the LeveledSubLogger interface.
func (r *SubLoggerManager) SubLoggers() SubLoggers {
	r.mu.Lock()
	defer r.mu.Unlock()

	loggers := make(SubLoggers, len(r.subLoggers))
	for tag, logger := range r.subLoggers {
		loggers[tag] = logger
	}

	return loggers
}

// SupportedSubsystems returns a sorted string slice of all keys in the
// subsystems map, corresponding to the names of the subsystems.
//
// NOTE: This is part of the LeveledSubLogger interface.
func (r *SubLoggerManager) SupportedSubsystems() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	subsystems := make([]string, 0, len(r.subLoggers))
	for subsysID := range r.subLoggers {
		subsystems = append(subsystems, subsysID)
	}

	sort.Strings(subsystems)

	return subsystems
}

// SetLogLevel sets the logging level for provided subsystem. Invalid
// subsystems are ignored.
//
// NOTE: This is part of the LeveledSubLogger interface.
func (r *SubLoggerManager) SetLogLevel(subsystemID string, logLevel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	logger, ok := r.subLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets the log level for all subsystem loggers to the passed
// level.
//
// NOTE: This is part of the LeveledSubLogger interface.
func (r *SubLoggerManager) SetLogLevels(logLevel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	level, _ := btclog.LevelFromString(logLevel)
	for _, logger := range r.subLoggers {
		logger.SetLevel(level)
	}
}
