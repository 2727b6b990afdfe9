package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func selfTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "self-test <library>",
		Short: "Exercise a library's live integrations and report per-step results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			library := args[0]

			app, err := buildApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			results := app.selfTests.Run(cmd.Context(), library, app.SelfTestCollections(library))

			failed := 0
			for _, res := range results {
				mark := "ok  "
				detail := res.Result
				if !res.Success {
					mark = "FAIL"
					detail = res.Err.Error()
					failed++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-50s  %8s  %s\n",
					mark, res.Name, res.Duration.Round(time.Millisecond), detail)
			}

			if failed > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "\n%d of %d exercises failed\n", failed, len(results))
				os.Exit(1)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nall %d exercises passed\n", len(results))
			return nil
		},
	}
}
