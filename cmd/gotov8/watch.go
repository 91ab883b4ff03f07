package main

import (
	"context"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/yejune/gotov8"
)

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <file>",
		Short: "Run a script and run it again whenever it changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := newEngine()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()
			defer engine.Shutdown(context.Background())

			changed := make(chan string, 1)
			if err := engine.Watch(args[0], func(label string) {
				select {
				case changed <- label:
				default:
				}
			}); err != nil {
				return err
			}

			var current *gotov8.Program
			load := func() {
				if current != nil {
					current.Close()
					current = nil
				}
				program, err := engine.LoadFile(ctx, args[0])
				if err != nil {
					printError(err)
					return
				}
				current = program
				color.Green("Loaded %s", program.Label())
			}
			load()
			for {
				select {
				case <-ctx.Done():
					if current != nil {
						current.Close()
					}
					return nil
				case <-changed:
					load()
				}
			}
		},
	}
}
