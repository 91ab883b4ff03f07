package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/yejune/gotov8"
)

func replCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Evaluate lines interactively in one program",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := newEngine()
			if err != nil {
				return err
			}
			defer engine.Shutdown(context.Background())

			ctx := context.Background()
			program, err := engine.Compile(ctx, "undefined", "<repl>")
			if err != nil {
				return err
			}
			defer program.Close()

			prompt := promptui.Prompt{Label: "gotov8"}
			for {
				line, err := prompt.Run()
				if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
					return nil
				}
				if err != nil {
					return err
				}
				if line == "" {
					continue
				}
				result, err := program.Eval(ctx, line, "<repl>")
				if err != nil {
					printError(err)
					continue
				}
				out, err := render(ctx, result)
				if err != nil {
					printError(err)
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
			}
		},
	}
}

func printError(err error) {
	var ge *gotov8.GuestException
	if errors.As(err, &ge) {
		color.Red("%s: %s", ge.Category, ge.Message)
		for _, f := range ge.Frames {
			color.Yellow("    at %s (%s:%d)", f.Function, f.File, f.Line)
		}
		return
	}
	color.Red("%v", err)
}
