package btcanchoring

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/csales1987/exonum-btc-anchoring/anchorcfg"
	"github.com/csales1987/exonum-btc-anchoring/build"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "anchord.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "anchord.log"
	defaultLogLevel       = "info"

	bitcoindBackendName = "bitcoind"
	esploraBackendName  = "esplora"

	defaultChainInterval = time.Minute
	defaultChainTimeout  = 30 * time.Second
	defaultChainBackoff  = time.Minute
	defaultChainAttempts = 3

	defaultHaltInterval = time.Minute
	defaultHaltTimeout  = time.Second
	defaultHaltBackoff  = time.Second
	defaultHaltAttempts = 0
)

var (
	// DefaultAnchorDir is the default directory where the daemon tries to
	// find its configuration file and store its data.
	DefaultAnchorDir = btcutil.AppDataDir("anchord", false)

	// DefaultConfigFile is the default full path of the daemon's
	// configuration file.
	DefaultConfigFile = filepath.Join(DefaultAnchorDir, defaultConfigFilename)

	defaultDataDir = filepath.Join(DefaultAnchorDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultAnchorDir, defaultLogDirname)
)

// Config defines the configuration options for anchord.
//
// See LoadConfig for further details regarding the configuration loading+
// parsing process.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	AnchorDir  string `long:"anchordir" description:"The base directory that contains the daemon's data, logs, configuration file, etc."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store the anchoring database within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	Backend string `long:"backend" description:"The Bitcoin backend to query and broadcast through." choice:"bitcoind" choice:"esplora"`

	Bitcoind *anchorcfg.Bitcoind `group:"bitcoind" namespace:"bitcoind"`

	Esplora *anchorcfg.Esplora `group:"esplora" namespace:"esplora"`

	Anchoring *anchorcfg.Anchoring `group:"anchoring" namespace:"anchoring"`

	DB *anchorcfg.DB `group:"db" namespace:"db"`

	Prometheus *anchorcfg.Prometheus `group:"prometheus" namespace:"prometheus"`

	HealthChecks *anchorcfg.HealthCheckConfig `group:"healthcheck" namespace:"healthcheck"`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`

	// logRotator is the file sink of all subsystem loggers.
	logRotator *build.RotatingLogWriter

	// subLogMgr hands out the subsystem loggers.
	subLogMgr *build.SubLoggerManager
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		AnchorDir:  DefaultAnchorDir,
		ConfigFile: DefaultConfigFile,
		DataDir:    defaultDataDir,
		LogDir:     defaultLogDir,
		DebugLevel: defaultLogLevel,
		Backend:    bitcoindBackendName,
		Bitcoind:   anchorcfg.DefaultBitcoind(),
		Esplora:    anchorcfg.DefaultEsplora(),
		Anchoring:  anchorcfg.DefaultAnchoring(),
		DB:         anchorcfg.DefaultDB(),
		Prometheus: anchorcfg.DefaultPrometheus(),
		HealthChecks: &anchorcfg.HealthCheckConfig{
			ChainCheck: &anchorcfg.CheckConfig{
				Interval: defaultChainInterval,
				Timeout:  defaultChainTimeout,
				Attempts: defaultChainAttempts,
				Backoff:  defaultChainBackoff,
			},
			HaltCheck: &anchorcfg.CheckConfig{
				Interval: defaultHaltInterval,
				Timeout:  defaultHaltTimeout,
				Attempts: defaultHaltAttempts,
				Backoff:  defaultHaltBackoff,
			},
		},
		LogConfig:  build.DefaultLogConfig(),
		logRotator: build.NewRotatingLogWriter(),
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig() (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their anchordir, then we should assume they intend to use
	// the config file within it.
	configFileDir := CleanAndExpandPath(preCfg.AnchorDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultAnchorDir &&
		configFilePath == DefaultConfigFile {

		configFilePath = filepath.Join(
			configFileDir, defaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg, usageMessage)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		ancdLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig checks the given configuration to be sane. All file system
// paths are normalized and logging is set up. The cleaned up config is
// returned on success.
func ValidateConfig(cfg Config, usageMessage string) (*Config, error) {
	const funcName = "ValidateConfig"

	// If the provided anchor directory is not the default, we'll modify
	// the path to all of the files and directories that will live within
	// it.
	anchorDir := CleanAndExpandPath(cfg.AnchorDir)
	if anchorDir != DefaultAnchorDir {
		if cfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(anchorDir, defaultDataDirname)
		}
		if cfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(anchorDir, defaultLogDirname)
		}
	}

	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)
	cfg.Anchoring.KeyFile = CleanAndExpandPath(cfg.Anchoring.KeyFile)

	// Create the directories if they don't already exist.
	for _, dir := range []string{anchorDir, cfg.DataDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("%s: failed to create directory "+
				"%v: %w", funcName, dir, err)
		}
	}

	checks := []struct {
		name  string
		check func() error
	}{
		{"anchoring", cfg.Anchoring.Validate},
		{"db", cfg.DB.Validate},
		{"healthcheck", cfg.HealthChecks.Validate},
		{"logging", cfg.LogConfig.Validate},
		{"backend", cfg.validateBackend},
	}
	for _, c := range checks {
		if err := c.check(); err != nil {
			return nil, fmt.Errorf("%s: invalid %s config: %w",
				funcName, c.name, err)
		}
	}

	if cfg.logRotator == nil {
		cfg.logRotator = build.NewRotatingLogWriter()
	}
	cfg.subLogMgr = build.NewSubLoggerManager(
		cfg.LogConfig.Console, &build.LogWriter{Rotator: cfg.logRotator},
	)

	// Initialize logging at the default logging level.
	SetupLoggers(cfg.subLogMgr)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems",
			cfg.subLogMgr.SupportedSubsystems())
		os.Exit(0)
	}

	if !cfg.LogConfig.File.Disable {
		err := cfg.logRotator.InitLogRotator(
			cfg.LogConfig.File,
			filepath.Join(cfg.LogDir, defaultLogFilename),
		)
		if err != nil {
			return nil, fmt.Errorf("%s: log rotation setup failed: "+
				"%w", funcName, err)
		}
	}

	// Parse, validate, and set debug log level(s).
	err := build.ParseAndSetDebugLevels(cfg.DebugLevel, cfg.subLogMgr)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, usageMessage)
		return nil, fmt.Errorf("%s: %w", funcName, err)
	}

	return &cfg, nil
}

// validateBackend checks the options of the selected chain backend.
func (c *Config) validateBackend() error {
	switch c.Backend {
	case bitcoindBackendName:
		return c.Bitcoind.Validate()

	case esploraBackendName:
		return c.Esplora.Validate()

	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
