// Package config loads imagewatch's settings.  Precedence (lowest first):
// built-in defaults, the yaml config file, IMAGEWATCH_* environment
// variables, command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	. "github.com/pattyshack/imagewatch/common"
)

const (
	ConfigEnvVar = "IMAGEWATCH_CONFIG"

	DefaultConfigDir  = "imagewatch"
	DefaultConfigFile = "config.yaml"

	WindowNative = "native"
	WindowExport = "export"
)

var (
	supportedDebuggers = []string{"lldb", "gdb"}
	supportedFormats   = []string{"png", "octave"}
	supportedLevels    = []string{
		"trace",
		"debug",
		"info",
		"warn",
		"error",
		"disabled",
	}
)

type GDBConfig struct {
	Path string `yaml:"path" env:"IMAGEWATCH_GDB_PATH"`

	CommandTimeout time.Duration `yaml:"command_timeout" env:"IMAGEWATCH_GDB_COMMAND_TIMEOUT"`
}

type LLDBConfig struct {
	// lldb-dap (or lldb-vscode) executable.
	Path string `yaml:"path" env:"IMAGEWATCH_LLDB_DAP_PATH"`

	RequestTimeout time.Duration `yaml:"request_timeout" env:"IMAGEWATCH_LLDB_REQUEST_TIMEOUT"`
}

type BufferConfig struct {
	// Buffers at least this fraction of the host's available memory are
	// rejected.
	MemoryFraction float64 `yaml:"memory_fraction" env:"IMAGEWATCH_MEMORY_FRACTION"`

	MaxSymbolDepth int `yaml:"max_symbol_depth" env:"IMAGEWATCH_MAX_SYMBOL_DEPTH"`

	// Read debuggee memory with process_vm_readv before falling back to the
	// debugger.
	DirectReads bool `yaml:"direct_reads" env:"IMAGEWATCH_DIRECT_READS"`
}

type LoopConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" env:"IMAGEWATCH_POLL_INTERVAL"`

	// Window event loop rate in hz.
	EventLoopRate float64 `yaml:"event_loop_rate" env:"IMAGEWATCH_EVENT_LOOP_RATE"`
}

type WindowConfig struct {
	Kind string `yaml:"kind" env:"IMAGEWATCH_WINDOW"`

	LibraryPath string `yaml:"library_path" env:"IMAGEWATCH_LIBRARY_PATH"`
	OidPath     string `yaml:"oid_path" env:"IMAGEWATCH_OID_PATH"`

	ExportDir    string `yaml:"export_dir" env:"IMAGEWATCH_EXPORT_DIR"`
	ExportFormat string `yaml:"export_format" env:"IMAGEWATCH_EXPORT_FORMAT"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"IMAGEWATCH_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"IMAGEWATCH_LOG_PRETTY"`
}

type Config struct {
	// Backend trial order.
	Debuggers []string `yaml:"debuggers" env:"IMAGEWATCH_DEBUGGERS"`

	GDB    GDBConfig    `yaml:"gdb"`
	LLDB   LLDBConfig   `yaml:"lldb"`
	Buffer BufferConfig `yaml:"buffer"`
	Loop   LoopConfig   `yaml:"loop"`
	Window WindowConfig `yaml:"window"`
	Log    LogConfig    `yaml:"log"`
}

func Default() *Config {
	return &Config{
		Debuggers: []string{"lldb", "gdb"},
		GDB: GDBConfig{
			Path:           "gdb",
			CommandTimeout: 30 * time.Second,
		},
		LLDB: LLDBConfig{
			RequestTimeout: 30 * time.Second,
		},
		Buffer: BufferConfig{
			MemoryFraction: 1.0,
			MaxSymbolDepth: 6,
			DirectReads:    true,
		},
		Loop: LoopConfig{
			PollInterval:  100 * time.Millisecond,
			EventLoopRate: 30,
		},
		Window: WindowConfig{
			Kind:         WindowNative,
			LibraryPath:  "liboidbridge.so",
			ExportDir:    "imagewatch-export",
			ExportFormat: "png",
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// DefaultPath returns $IMAGEWATCH_CONFIG, or
// <user config dir>/imagewatch/config.yaml.
func DefaultPath() string {
	path := os.Getenv(ConfigEnvVar)
	if path != "" {
		return path
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, DefaultConfigDir, DefaultConfigFile)
}

// Load reads the config file (when present) and applies environment
// overrides.  An explicitly specified path must exist.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	cfg := Default()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else {
			err = yaml.Unmarshal(content, cfg)
			if err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	err := LoadFromEnv(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	return cfg, nil
}

// RegisterFlags defines the flags which override config values.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "config file path")
	flags.StringSlice(
		"debugger",
		nil,
		"debugger backends to try, in order (lldb, gdb)")
	flags.String("window", "", "renderer window (native or export)")
	flags.String("export-dir", "", "export window output directory")
	flags.String("export-format", "", "export window file format (png or octave)")
	flags.String("log-level", "", "log level")
	flags.String("gdb", "", "gdb executable")
	flags.String("lldb-dap", "", "lldb-dap executable")
}

// ApplyFlags overrides config values with explicitly set flags.
func (cfg *Config) ApplyFlags(flags *pflag.FlagSet) error {
	var err error
	stringFlag := func(name string, dest *string) {
		if err != nil || !flags.Changed(name) {
			return
		}
		*dest, err = flags.GetString(name)
	}

	stringFlag("window", &cfg.Window.Kind)
	stringFlag("export-dir", &cfg.Window.ExportDir)
	stringFlag("export-format", &cfg.Window.ExportFormat)
	stringFlag("log-level", &cfg.Log.Level)
	stringFlag("gdb", &cfg.GDB.Path)
	stringFlag("lldb-dap", &cfg.LLDB.Path)
	if err != nil {
		return err
	}

	if flags.Changed("debugger") {
		cfg.Debuggers, err = flags.GetStringSlice("debugger")
		if err != nil {
			return err
		}
	}

	return nil
}

func (cfg *Config) Validate() error {
	if len(cfg.Debuggers) == 0 {
		return fmt.Errorf("%w. no debugger backends configured", ErrInvalidArgument)
	}

	for _, name := range cfg.Debuggers {
		if !slices.Contains(supportedDebuggers, name) {
			return fmt.Errorf("%w. unknown debugger (%s)", ErrInvalidArgument, name)
		}
	}

	if cfg.Buffer.MemoryFraction <= 0 {
		return fmt.Errorf(
			"%w. memory fraction must be positive (%v)",
			ErrInvalidArgument,
			cfg.Buffer.MemoryFraction)
	}

	if cfg.Buffer.MaxSymbolDepth <= 0 {
		return fmt.Errorf(
			"%w. max symbol depth must be positive (%d)",
			ErrInvalidArgument,
			cfg.Buffer.MaxSymbolDepth)
	}

	if cfg.Loop.PollInterval <= 0 {
		return fmt.Errorf(
			"%w. poll interval must be positive (%s)",
			ErrInvalidArgument,
			cfg.Loop.PollInterval)
	}

	if cfg.Loop.EventLoopRate <= 0 {
		return fmt.Errorf(
			"%w. event loop rate must be positive (%v)",
			ErrInvalidArgument,
			cfg.Loop.EventLoopRate)
	}

	if cfg.GDB.CommandTimeout <= 0 {
		return fmt.Errorf(
			"%w. gdb command timeout must be positive (%s)",
			ErrInvalidArgument,
			cfg.GDB.CommandTimeout)
	}

	if cfg.LLDB.RequestTimeout <= 0 {
		return fmt.Errorf(
			"%w. lldb request timeout must be positive (%s)",
			ErrInvalidArgument,
			cfg.LLDB.RequestTimeout)
	}

	switch cfg.Window.Kind {
	case WindowNative:
		if cfg.Window.LibraryPath == "" {
			return fmt.Errorf("%w. native window library not set", ErrInvalidArgument)
		}
	case WindowExport:
		if cfg.Window.ExportDir == "" {
			return fmt.Errorf("%w. export directory not set", ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w. unknown window (%s)", ErrInvalidArgument, cfg.Window.Kind)
	}

	if !slices.Contains(supportedFormats, cfg.Window.ExportFormat) {
		return fmt.Errorf(
			"%w. unknown export format (%s)",
			ErrInvalidArgument,
			cfg.Window.ExportFormat)
	}

	if !slices.Contains(supportedLevels, cfg.Log.Level) {
		return fmt.Errorf("%w. unknown log level (%s)", ErrInvalidArgument, cfg.Log.Level)
	}

	return nil
}

// EventLoopInterval is the minimum period between window event loop runs.
func (cfg *Config) EventLoopInterval() time.Duration {
	return time.Duration(float64(time.Second) / cfg.Loop.EventLoopRate)
}
