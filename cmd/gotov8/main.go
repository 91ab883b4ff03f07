package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/buger/jsonparser"
	"github.com/common-nighthawk/go-figure"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/yejune/gotov8"
)

var (
	noWait   bool
	jsonPath string
	timeout  time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "gotov8",
		Short:         "Run JavaScript and TypeScript inside a Go host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Abort after this long (0 runs until done)")

	runCmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Load a script and run its event loop",
		Args:  cobra.ExactArgs(1),
		RunE:  runScript,
	}
	runCmd.Flags().BoolVar(&noWait, "no-wait", false, "Exit after the main script without running timers")

	evalCmd := &cobra.Command{
		Use:   "eval <source>",
		Short: "Evaluate source and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  evalSource,
	}
	evalCmd.Flags().StringVar(&jsonPath, "path", "", "Dot separated path to print from the result, e.g. user.name")

	rootCmd.AddCommand(runCmd, evalCmd, replCmd(), watchCmd(), versionCmd())
	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func newEngine() (*gotov8.Engine, error) {
	config, err := gotov8.LoadConfig()
	if err != nil {
		return nil, err
	}
	return gotov8.New(config)
}

// commandContext ends on SIGINT/SIGTERM or after --timeout.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func runScript(cmd *cobra.Command, args []string) error {
	engine, err := newEngine()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()
	defer engine.Shutdown(context.Background())

	program, err := engine.LoadFile(ctx, args[0])
	if err != nil {
		return err
	}
	defer program.Close()
	if noWait {
		return nil
	}
	return program.SpinEventLoop(ctx)
}

func evalSource(cmd *cobra.Command, args []string) error {
	engine, err := newEngine()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()
	defer engine.Shutdown(context.Background())

	program, err := engine.Compile(ctx, args[0], "<eval>")
	if err != nil {
		return err
	}
	defer program.Close()
	result, err := program.Run(ctx)
	if err != nil {
		return err
	}
	out, err := render(ctx, result)
	if err != nil {
		return err
	}
	if jsonPath != "" {
		value, _, _, err := jsonparser.Get(out, strings.Split(jsonPath, ".")...)
		if err != nil {
			return fmt.Errorf("path %q: %w", jsonPath, err)
		}
		out = value
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

// render resolves promises and snapshots objects before encoding.
func render(ctx context.Context, v any) ([]byte, error) {
	switch x := v.(type) {
	case *gotov8.Promise:
		settled, err := x.Wait(ctx)
		if err != nil {
			return nil, err
		}
		return render(ctx, settled)
	case *gotov8.Object:
		if x.IsCallable() {
			return json.Marshal("[function]")
		}
		data, err := x.ToData(ctx)
		if err != nil {
			return nil, err
		}
		v = data
	}
	return json.MarshalIndent(v, "", "  ")
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the banner and engine version",
		Run: func(cmd *cobra.Command, args []string) {
			figure.NewFigure("gotov8", "", true).Print()
			color.Cyan("V8 %s", gotov8.V8Version())
		},
	}
}
