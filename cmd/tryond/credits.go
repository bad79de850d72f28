package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/MarkoPoloResearchLab/tryon/internal/httpapi"
	"github.com/MarkoPoloResearchLab/tryon/pkg/ledger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCreditsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and top up user balances",
	}
	cmd.AddCommand(newPurchaseCommand(), newBalanceCommand())
	return cmd
}

func newPurchaseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purchase",
		Short: "Record credits bought outside the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd, flagDatabaseURL, flagUserID, flagAmount, flagDescription)
			if err != nil {
				return err
			}
			userID, err := ledger.NewUserID(v.GetString(flagUserID))
			if err != nil {
				return fmt.Errorf("%s: %w", flagUserID, err)
			}
			amount, err := ledger.NewPositiveCredits(v.GetInt64(flagAmount))
			if err != nil {
				return fmt.Errorf("%s: %w", flagAmount, err)
			}
			return withLedger(cmd, v.GetString(flagDatabaseURL), func(service *ledger.Service) error {
				updated, err := service.Purchase(cmd.Context(), userID, amount, v.GetString(flagDescription), ledger.MetadataJSON{})
				if err != nil {
					return err
				}
				return printBalance(cmd.OutOrStdout(), updated)
			})
		},
	}
	cmd.Flags().String(flagUserID, "", "user to credit (required)")
	cmd.Flags().Int64(flagAmount, 0, "credits to add (required)")
	cmd.Flags().String(flagDescription, "Credit purchase", "transaction description")
	return cmd
}

func newBalanceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Print a user's balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd, flagDatabaseURL, flagUserID)
			if err != nil {
				return err
			}
			userID, err := ledger.NewUserID(v.GetString(flagUserID))
			if err != nil {
				return fmt.Errorf("%s: %w", flagUserID, err)
			}
			return withLedger(cmd, v.GetString(flagDatabaseURL), func(service *ledger.Service) error {
				balance, err := service.Balance(cmd.Context(), userID)
				if err != nil {
					return err
				}
				return printBalance(cmd.OutOrStdout(), balance)
			})
		},
	}
	cmd.Flags().String(flagUserID, "", "user to inspect (required)")
	return cmd
}

func withLedger(cmd *cobra.Command, databaseURL string, fn func(service *ledger.Service) error) error {
	opened, err := openStores(cmd.Context(), defaultIfEmpty(strings.TrimSpace(databaseURL), defaultDatabaseURL))
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer opened.cleanup()

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	service, err := ledger.NewService(opened.ledger, unixClock, ledger.WithOperationLogger(httpapi.NewZapOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	return fn(service)
}

func printBalance(out io.Writer, balance ledger.UserCredits) error {
	_, err := fmt.Fprintf(out, "user=%s credits=%d total_spent=%d total_purchased=%d\n",
		balance.UserID, balance.Credits.Int64(), balance.TotalSpent.Int64(), balance.TotalPurchased.Int64())
	return err
}
