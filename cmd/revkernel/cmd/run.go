package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"revkernel/config"
	"revkernel/engine"
	"revkernel/engines/goeval"
	"revkernel/engines/jseval"
	"revkernel/events"
	"revkernel/host"
	"revkernel/hostio"
	"revkernel/kernel"
	"revkernel/logger"
	"revkernel/scope"
)

var (
	runEngine string
	inputFile string
)

func init() {
	runCmd.Flags().StringVar(&runEngine, "engine", "", "engine to embed (goeval or jseval, overrides config)")
	runCmd.Flags().StringVarP(&inputFile, "input", "f", "", "input file the simulated host loads")
	rootCmd.AddCommand(runCmd)
}

// consoleWriter is the simulated host console: a non-file sink, the way a
// real host's console widget is.
type consoleWriter struct {
	prefix string
	dst    io.Writer
}

func (w *consoleWriter) Write(p []byte) (int, error) {
	if _, err := fmt.Fprintf(w.dst, "%s%s", w.prefix, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// runCmd starts a simulated host with an embedded kernel and blocks on the
// host main loop until interrupted.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the demo host with an embedded kernel",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := logger.WithComponentName(cmd.Context(), "run")

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		engineName := cfg.Engine
		if runEngine != "" {
			engineName = runEngine
		}
		factory, err := engineFactory(engineName)
		if err != nil {
			return err
		}

		// The simulated host takes over the process-wide streams with its
		// console, then registers its top-level namespace.
		hostio.SetStreams(
			&consoleWriter{prefix: "[console] ", dst: hostio.CanonicalStdout()},
			&consoleWriter{prefix: "[console!] ", dst: hostio.CanonicalStderr()},
		)
		main := scope.MustMain()
		main.Set("app", "revkernel-demo")
		if inputFile != "" {
			main.Set("input_file", inputFile)
			logger.Info(ctx, "loaded input file", zap.String("path", inputFile))
		}

		sched := host.NewLoopScheduler()
		bus := events.New()
		ctrl := kernel.New(sched, factory, cfg, bus)

		// Menu-glue stand-in: reflect lifecycle changes on the console.
		started, cancelStarted := bus.Subscribe(kernel.StartedEventType)
		defer cancelStarted()
		go func() {
			for ev := range started {
				if e, ok := ev.(kernel.StartedEvent); ok {
					logger.Info(ctx, "lifecycle event",
						zap.String("event", e.EventType()),
						zap.String("mode", string(e.Mode)),
					)
				}
			}
		}()

		if err := ctrl.Start(ctx); err != nil {
			return fmt.Errorf("start kernel: %w", err)
		}

		// The host main loop; blocks until the context is cancelled.
		sched.Run(ctx)

		stopCtx := context.WithoutCancel(ctx)
		if err := ctrl.Stop(stopCtx); err != nil {
			logger.Error(stopCtx, "stop kernel", zap.Error(err))
		}
		logger.Info(stopCtx, "demo host stopped")
		return nil
	},
}

// engineFactory maps a configured engine name to its constructor.
func engineFactory(name string) (func() engine.Engine, error) {
	switch name {
	case "goeval", "":
		return func() engine.Engine { return goeval.New() }, nil
	case "jseval":
		return func() engine.Engine { return jseval.New() }, nil
	default:
		return nil, fmt.Errorf("unknown engine %q (want goeval or jseval)", name)
	}
}
