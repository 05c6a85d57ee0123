package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"affiliate-ledger-api/internal/app/bootstrap"
	"affiliate-ledger-api/internal/service"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "ledgerctl",
		Short:   "Operator tool for the affiliate ledger",
		Version: Version,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_FILE"), "Path to a JSON or YAML config file")

	run := func(fn func(ctx context.Context, svc *service.Service, args []string) (interface{}, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap.NewRuntime(configPath)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := rt.Close(ctx); err != nil {
					fmt.Fprintln(os.Stderr, "close:", err)
				}
			}()

			out, err := fn(cmd.Context(), rt.Service(), args)
			if err != nil {
				return err
			}
			return printJSON(out)
		}
	}

	rootCmd.AddCommand(rotateLinkCmd(run))
	rootCmd.AddCommand(transitionCmd(run))
	rootCmd.AddCommand(bulkTransitionCmd(run))
	rootCmd.AddCommand(deleteConversionCmd(run))
	rootCmd.AddCommand(reconcileCmd(run))
	rootCmd.AddCommand(analyticsCmd(run))
	rootCmd.AddCommand(ledgerCmd(run))
	rootCmd.AddCommand(importLegacyCmd(run))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) error {
	if v == nil {
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
