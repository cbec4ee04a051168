package build

import (
	"fmt"

	"github.com/btcsuite/btclog/v2"
)

const (
	callSiteOff   = "off"
	callSiteShort = "short"
	callSiteLong  = "long"

	// DefaultMaxLogFiles is the number of rotated log files kept.
	DefaultMaxLogFiles = 10

	// DefaultMaxLogFileSize is the size in MB at which the log rotates.
	DefaultMaxLogFileSize = 20
)

// LogConfig is the logging section of anchord.conf.
//
//nolint:lll
type LogConfig struct {
	Console *LoggerConfig     `group:"console" namespace:"console" description:"Options for the stdout logger."`
	File    *FileLoggerConfig `group:"file" namespace:"file" description:"Options for anchord.log in the log directory."`
}

// Validate checks the file logger options.
func (c *LogConfig) Validate() error {
	switch {
	case !SupportedLogCompressor(c.File.Compressor):
		return fmt.Errorf("log compressor %q not supported",
			c.File.Compressor)

	case c.File.MaxLogFiles < 0:
		return fmt.Errorf("max log files must not be negative, got %d",
			c.File.MaxLogFiles)

	case c.File.MaxLogFileSize <= 0:
		return fmt.Errorf("max log file size must be positive, got %d",
			c.File.MaxLogFileSize)
	}

	return nil
}

// LoggerConfig holds the options shared by the console and file loggers.
//
//nolint:lll
type LoggerConfig struct {
	Disable      bool   `long:"disable" description:"Turn this logger off."`
	NoTimestamps bool   `long:"no-timestamps" description:"Leave timestamps out of log lines."`
	CallSite     string `long:"call-site" description:"Add the source location of each log line." choice:"off" choice:"short" choice:"long"`
}

// HandlerOptions converts the config into btclog handler options.
func (cfg *LoggerConfig) HandlerOptions() []btclog.HandlerOption {
	var opts []btclog.HandlerOption
	if cfg.NoTimestamps {
		opts = append(opts, btclog.WithNoTimestamp())
	}

	switch cfg.CallSite {
	case callSiteShort:
		opts = append(opts, btclog.WithCallerFlags(btclog.Lshortfile))
	case callSiteLong:
		opts = append(opts, btclog.WithCallerFlags(btclog.Llongfile))
	}

	return opts
}

// FileLoggerConfig adds rotation options to LoggerConfig.
//
//nolint:lll
type FileLoggerConfig struct {
	LoggerConfig
	Compressor     string `long:"compressor" description:"Compression applied to rotated log files." choice:"gzip" choice:"zstd"`
	MaxLogFiles    int    `long:"max-files" description:"Number of rotated log files to keep, 0 keeps all"`
	MaxLogFileSize int    `long:"max-file-size" description:"Size in MB at which the log file is rotated"`
}

// DefaultLogConfig logs to both stdout and a gzip rotated file without call
// sites.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Console: &LoggerConfig{CallSite: callSiteOff},
		File: &FileLoggerConfig{
			LoggerConfig:   LoggerConfig{CallSite: callSiteOff},
			Compressor:     Gzip,
			MaxLogFiles:    DefaultMaxLogFiles,
			MaxLogFileSize: DefaultMaxLogFileSize,
		},
	}
}
