package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/tallypay/tally/internal/lifecycle"
	"github.com/tallypay/tally/internal/state"
	"github.com/tallypay/tally/internal/store"
	"github.com/tallypay/tally/pkg/ledger"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print protocol records as JSON",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the platform config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), func(ctx context.Context, ctrl *lifecycle.Controller) error {
				cfg, err := ctrl.Config(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), cfg)
			})
		},
	})

	var withPlans bool
	var maxAmount string
	merchantCmd := &cobra.Command{
		Use:     "merchant <address>",
		Aliases: state.AliasesOf("merchant"),
		Short:   "Print a merchant, optionally with its plans",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := ledger.ParseAddress(args[0])
			if err != nil {
				return err
			}
			var ceiling uint64
			if maxAmount != "" {
				if ceiling, err = state.ParseAmount(maxAmount, state.USDCDecimals); err != nil {
					return fmt.Errorf("--max-amount: %w", err)
				}
				withPlans = true
			}
			return withController(cmd.Context(), func(ctx context.Context, ctrl *lifecycle.Controller) error {
				m, err := ctrl.Merchant(ctx, addr)
				if err != nil {
					return err
				}
				if !withPlans {
					return printJSON(cmd.OutOrStdout(), m)
				}
				plans, err := ctrl.Plans(ctx, addr)
				if err != nil {
					return err
				}
				if maxAmount != "" {
					plans = slices.DeleteFunc(plans, func(p state.Plan) bool { return p.Amount > ceiling })
				}
				return printJSON(cmd.OutOrStdout(), struct {
					state.Merchant
					Plans []state.Plan `json:"plans"`
				}{m, plans})
			})
		},
	}
	merchantCmd.Flags().BoolVar(&withPlans, "plans", false, "include the merchant's plans")
	merchantCmd.Flags().StringVar(&maxAmount, "max-amount", "", "only include plans priced at or below this USDC amount (implies --plans)")
	cmd.AddCommand(merchantCmd)

	cmd.AddCommand(&cobra.Command{
		Use:     "plan <address>",
		Aliases: state.AliasesOf("plan"),
		Short:   "Print a plan",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := ledger.ParseAddress(args[0])
			if err != nil {
				return err
			}
			return withController(cmd.Context(), func(ctx context.Context, ctrl *lifecycle.Controller) error {
				p, err := ctrl.Plan(ctx, addr)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	})

	var planFlag, payerFlag string
	subCmd := &cobra.Command{
		Use:     "subscription [address]",
		Aliases: state.AliasesOf("subscription"),
		Short:   "Print a subscription by address or by --plan and --payer",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := subscriptionAddress(args, planFlag, payerFlag)
			if err != nil {
				return err
			}
			return withController(cmd.Context(), func(ctx context.Context, ctrl *lifecycle.Controller) error {
				s, err := ctrl.Subscription(ctx, addr)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), struct {
					state.Subscription
					Status state.Status `json:"status"`
				}{s, s.Status()})
			})
		},
	}
	subCmd.Flags().StringVar(&planFlag, "plan", "", "plan address")
	subCmd.Flags().StringVar(&payerFlag, "payer", "", "payer address")
	cmd.AddCommand(subCmd)

	return cmd
}

func subscriptionAddress(args []string, plan, payer string) (ledger.Address, error) {
	if len(args) == 1 {
		return ledger.ParseAddress(args[0])
	}
	if plan == "" || payer == "" {
		return ledger.Address{}, fmt.Errorf("either an address or both --plan and --payer are required")
	}
	planAddr, err := ledger.ParseAddress(plan)
	if err != nil {
		return ledger.Address{}, fmt.Errorf("--plan: %w", err)
	}
	payerAddr, err := ledger.ParseAddress(payer)
	if err != nil {
		return ledger.Address{}, fmt.Errorf("--payer: %w", err)
	}
	return state.SubscriptionAddress(planAddr, payerAddr), nil
}

// withController opens the state store read side for one command.
func withController(ctx context.Context, fn func(context.Context, *lifecycle.Controller) error) error {
	cfg, err := loadConfig("tally-cli")
	if err != nil {
		return err
	}
	st, err := store.OpenSQLite(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, lifecycle.New(st, lifecycle.WithDelegateScope(cfg.DelegateScope)))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
