package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"affiliate-ledger-api/internal/models"
	"affiliate-ledger-api/internal/service"
)

type runner func(fn func(ctx context.Context, svc *service.Service, args []string) (interface{}, error)) func(*cobra.Command, []string) error

func rotateLinkCmd(run runner) *cobra.Command {
	var expected int64
	cmd := &cobra.Command{
		Use:   "rotate-link [affiliate-id]",
		Short: "Replace an affiliate's active referral link",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().Int64Var(&expected, "expected-version", -1, "Link version the rotation must start from (-1 reads the current one)")
	cmd.RunE = run(func(ctx context.Context, svc *service.Service, args []string) (interface{}, error) {
		opts := service.RotateOptions{}
		if expected >= 0 {
			opts.ExpectedVersion = &expected
		}
		return svc.RotateLink(ctx, args[0], opts)
	})
	return cmd
}

func transitionCmd(run runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transition [conversion-id] [pending|paid|rejected]",
		Short: "Move one conversion to a new earnings status",
		Args:  cobra.ExactArgs(2),
	}
	cmd.RunE = run(func(ctx context.Context, svc *service.Service, args []string) (interface{}, error) {
		updated, err := svc.TransitionStatus(ctx, args[0], models.ConversionStatus(args[1]))
		if err != nil {
			return nil, err
		}
		return models.TransitionResponse{Updated: updated}, nil
	})
	return cmd
}

func bulkTransitionCmd(run runner) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "bulk-transition [conversion-id...]",
		Short: "Move many conversions to a new earnings status",
		Long: `Move many conversions to a new earnings status. Ids come from the
arguments, or one per line on stdin when none are given.`,
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "Target status (pending, paid, rejected)")
	cmd.MarkFlagRequired("status")
	cmd.RunE = run(func(ctx context.Context, svc *service.Service, args []string) (interface{}, error) {
		ids := args
		if len(ids) == 0 {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return nil, fmt.Errorf("failed to read ids from stdin: %w", err)
			}
			ids = strings.Fields(string(data))
		}
		updated, err := svc.BulkTransitionStatus(ctx, ids, models.ConversionStatus(status))
		if err != nil {
			return nil, err
		}
		return models.BulkTransitionResponse{Updated: updated}, nil
	})
	return cmd
}

func deleteConversionCmd(run runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete-conversion [conversion-id]",
		Short: "Remove a conversion and reverse its ledger effect",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = run(func(ctx context.Context, svc *service.Service, args []string) (interface{}, error) {
		id := args[0]
		if err := svc.DeleteConversion(ctx, id); err != nil {
			return nil, err
		}
		return map[string]string{"deleted": id}, nil
	})
	return cmd
}

func reconcileCmd(run runner) *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "reconcile [affiliate-id]",
		Short: "Rebuild counters from the event logs",
		Long: `Rebuild click, conversion and revenue counters from the event logs.
Without an affiliate id every affiliate is reconciled.`,
		Args: cobra.MaximumNArgs(1),
	}
	cmd.Flags().BoolVar(&repair, "repair-earnings", false, "Also overwrite pending/paid with sums derived from conversion statuses")
	cmd.RunE = run(func(ctx context.Context, svc *service.Service, args []string) (interface{}, error) {
		opts := service.ReconcileOptions{RepairEarnings: repair}
		if len(args) == 1 {
			return svc.ReconcileAffiliate(ctx, args[0], opts)
		}
		return svc.ReconcileAll(ctx, opts)
	})
	return cmd
}

func analyticsCmd(run runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analytics [affiliate-id]",
		Short: "Show de-duplicated analytics for an affiliate",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = run(func(ctx context.Context, svc *service.Service, args []string) (interface{}, error) {
		return svc.GetAnalytics(ctx, args[0])
	})
	return cmd
}

func ledgerCmd(run runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger [affiliate-id]",
		Short: "Show an affiliate's pending and paid earnings",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = run(func(ctx context.Context, svc *service.Service, args []string) (interface{}, error) {
		return svc.GetLedgerSnapshot(ctx, args[0])
	})
	return cmd
}

func importLegacyCmd(run runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-legacy [file.json]",
		Short: "Import conversions recorded by the previous system",
		Long: `Import a JSON array of conversions recorded by the previous system.
Rows are stored as-is for analytics; counters and earnings are untouched.
Invalid rows are reported and skipped.`,
		Args: cobra.ExactArgs(1),
	}
	cmd.RunE = run(func(ctx context.Context, svc *service.Service, args []string) (interface{}, error) {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return nil, fmt.Errorf("failed to read import file: %w", err)
		}
		var rows []models.ConversionEvent
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("failed to parse import file: %w", err)
		}

		imported, err := svc.ImportLegacyConversions(ctx, rows)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		return map[string]int{"imported": imported, "rows": len(rows)}, nil
	})
	return cmd
}
