package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/pattyshack/imagewatch/bridge"
	"github.com/pattyshack/imagewatch/bridge/synthetic"
	"github.com/pattyshack/imagewatch/config"
	"github.com/pattyshack/imagewatch/logging"
	"github.com/pattyshack/imagewatch/session"
)

type cliOptions struct {
	pid     int
	test    bool
	program string
	args    []string
}

func parseFlags() (*config.Config, cliOptions, error) {
	opts := cliOptions{}

	flags := pflag.NewFlagSet("imagewatch", pflag.ContinueOnError)
	flags.IntVarP(&opts.pid, "pid", "p", 0, "attach to existing process pid")
	flags.BoolVar(&opts.test, "test", false, "run against built-in sample buffers")
	config.RegisterFlags(flags)

	// Arguments after the program name belong to the program.
	flags.SetInterspersed(false)

	err := flags.Parse(os.Args[1:])
	if err != nil {
		return nil, opts, err
	}

	path, err := flags.GetString("config")
	if err != nil {
		return nil, opts, err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, opts, err
	}

	err = cfg.ApplyFlags(flags)
	if err != nil {
		return nil, opts, err
	}

	err = cfg.Validate()
	if err != nil {
		return nil, opts, err
	}

	args := flags.Args()
	if opts.pid != 0 || opts.test {
		if len(args) != 0 {
			return nil, opts, fmt.Errorf("unexpected arguments: %v", args)
		}
	} else if len(args) == 0 {
		return nil, opts, fmt.Errorf("no program or pid given")
	} else {
		opts.program = args[0]
		opts.args = args[1:]
	}

	return cfg, opts, nil
}

func main() {
	cfg, opts, err := parseFlags()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "imagewatch:", err)
		os.Exit(2)
	}

	logCfg := logging.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
	}
	logger := logging.New(logCfg)

	var b bridge.Bridge
	var testBridge *synthetic.Bridge
	if opts.test {
		testBridge = synthetic.New(bridgeOptions(cfg, logger))
		testBridge.AddSampleBuffers()
		b = testBridge
	} else {
		b, err = newBridge(cfg, opts, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to start debugger")
		}
	}

	win, err := newWindow(cfg, logger)
	if err != nil {
		_ = b.Close()
		logger.Fatal().Err(err).Msg("failed to create window")
	}

	s := session.New(session.Options{
		Bridge:            b,
		Window:            win,
		EventLoopInterval: cfg.EventLoopInterval(),
		Logger:            logging.WithComponent(logger, "session"),
	})

	err = s.Start()
	if err != nil {
		_ = b.Close()
		logger.Fatal().Err(err).Msg("failed to start session")
	}

	defer func() {
		err := s.Close()
		if err != nil {
			logger.Error().Err(err).Msg("failed to close session")
		}
	}()

	fmt.Printf("using %s backend\n", b.BackendName())

	if testBridge != nil {
		testBridge.Stop()
	}

	repl(newCommands(b, s), s, logger)
}

func repl(cmds *commands, s *session.Session, logger zerolog.Logger) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:       "oid > ",
		AutoComplete: cmds.completer(),
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to start readline")
		return
	}
	defer rl.Close()

	lastLine := ""
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				break
			}
			logger.Error().Err(err).Msg("failed to read line")
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			line = lastLine
		}
		lastLine = line

		if line == "" {
			continue
		}

		err = cmds.run(line)
		if errors.Is(err, errQuit) {
			break
		}
		if err != nil {
			fmt.Println(err)
		}
	}
}
