package main

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pattyshack/imagewatch/bridge"
	"github.com/pattyshack/imagewatch/bridge/gdb"
	"github.com/pattyshack/imagewatch/bridge/lldb"
	"github.com/pattyshack/imagewatch/buffer"
	. "github.com/pattyshack/imagewatch/common"
	"github.com/pattyshack/imagewatch/config"
	"github.com/pattyshack/imagewatch/export"
	"github.com/pattyshack/imagewatch/logging"
	"github.com/pattyshack/imagewatch/window"
	exportwindow "github.com/pattyshack/imagewatch/window/export"
	"github.com/pattyshack/imagewatch/window/native"
)

func bridgeOptions(cfg *config.Config, logger zerolog.Logger) bridge.Options {
	return bridge.Options{
		Guard: buffer.NewGuard(
			cfg.Buffer.MemoryFraction,
			logging.WithComponent(logger, "buffer")),
		PollInterval: cfg.Loop.PollInterval,
		MaxDepth:     cfg.Buffer.MaxSymbolDepth,
		Logger:       logging.WithComponent(logger, "dispatch"),
	}
}

// Tries each configured backend in order.  The first one which starts wins.
func newBridge(
	cfg *config.Config,
	opts cliOptions,
	logger zerolog.Logger,
) (
	bridge.Bridge,
	error,
) {
	errs := []error{}
	for _, name := range cfg.Debuggers {
		baseOpts := bridgeOptions(cfg, logger)

		var b bridge.Bridge
		var err error
		switch name {
		case lldb.BackendName:
			baseOpts.Logger = logging.WithComponent(logger, "bridge.lldb")
			b, err = lldb.New(lldb.Options{
				Options:        baseOpts,
				Path:           cfg.LLDB.Path,
				Pid:            opts.pid,
				Program:        opts.program,
				Args:           opts.args,
				DirectReads:    cfg.Buffer.DirectReads,
				RequestTimeout: cfg.LLDB.RequestTimeout,
			})
		case gdb.BackendName:
			baseOpts.Logger = logging.WithComponent(logger, "bridge.gdb")
			b, err = gdb.New(gdb.Options{
				Options:        baseOpts,
				Path:           cfg.GDB.Path,
				Pid:            opts.pid,
				Program:        opts.program,
				Args:           opts.args,
				DirectReads:    cfg.Buffer.DirectReads,
				CommandTimeout: cfg.GDB.CommandTimeout,
			})
		default:
			err = fmt.Errorf("%w. unknown debugger (%s)", ErrInvalidArgument, name)
		}

		if err == nil {
			return b, nil
		}

		logger.Warn().Err(err).Str("debugger", name).Msg("backend unavailable")
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}

	return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, errors.Join(errs...))
}

func newWindow(cfg *config.Config, logger zerolog.Logger) (window.Window, error) {
	logger = logging.WithComponent(logger, "window")

	switch cfg.Window.Kind {
	case config.WindowNative:
		return native.New(native.Options{
			LibraryPath: cfg.Window.LibraryPath,
			OidPath:     cfg.Window.OidPath,
			Logger:      logger,
		}), nil
	case config.WindowExport:
		format, err := export.ParseFormat(cfg.Window.ExportFormat)
		if err != nil {
			return nil, err
		}

		return exportwindow.New(exportwindow.Options{
			Dir:    cfg.Window.ExportDir,
			Format: format,
			Logger: logger,
		}), nil
	}

	return nil, fmt.Errorf("%w. unknown window (%s)", ErrInvalidArgument, cfg.Window.Kind)
}
