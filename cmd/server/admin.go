package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"agentcoord/internal/auth"
	"agentcoord/internal/logger"
	"agentcoord/internal/routing"

	"github.com/spf13/cobra"
)

var (
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := openDB(cfg); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Issue credentials",
	}

	tokenAgentCmd = &cobra.Command{
		Use:   "agent <name>",
		Short: "Mint a signed bearer token for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.AgentSigningKey == "" {
				return errors.New("auth.agent_signing_key is not set")
			}
			token, expires, err := auth.NewIssuer(cfg.Auth.AgentSigningKey, cfg.Auth.AgentTokenTTL).Mint(args[0])
			if err != nil {
				return err
			}
			fmt.Println(token)
			fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}

	tokenHookCmd = &cobra.Command{
		Use:   "hook",
		Short: "Generate a random shared hook secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := auth.GenerateToken()
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	limitsCmd = &cobra.Command{
		Use:   "limits",
		Short: "Inspect and maintain the model availability ledger",
	}

	limitsListCmd = &cobra.Command{
		Use:   "list <user>",
		Short: "Show a user's recorded rate limits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := openLedger()
			if err != nil {
				return err
			}
			limits, err := ledger.Limits(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tLIMITED\tRESETS AT\tACTIVE\tERROR")
			for _, l := range limits {
				resets := "-"
				if l.ResetsAt != nil {
					resets = l.ResetsAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%t\t%s\t%t\t%s\n", l.ModelName, l.Limited, resets, l.ActiveAt(now), l.ErrorMessage)
			}
			return w.Flush()
		},
	}

	limitsResetCmd = &cobra.Command{
		Use:   "reset <user> <model>",
		Short: "Lift a recorded rate limit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := openLedger()
			if err != nil {
				return err
			}
			return ledger.Reset(cmd.Context(), args[0], args[1])
		},
	}

	limitsClearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Delete limits whose reset time has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := openLedger()
			if err != nil {
				return err
			}
			n, err := ledger.ClearExpiredLimits(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("cleared %d expired limits\n", n)
			return nil
		},
	}
)

func init() {
	tokenCmd.AddCommand(tokenAgentCmd, tokenHookCmd)
	limitsCmd.AddCommand(limitsListCmd, limitsResetCmd, limitsClearCmd)
	rootCmd.AddCommand(migrateCmd, tokenCmd, limitsCmd)
}

func openLedger() (*routing.Ledger, error) {
	_, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	return routing.NewLedger(db, cfg.Routing.DefaultLimitWindow, logger.New(cfg.Log.Level)), nil
}
