package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"cohortengine/pkg/rbac"
	"cohortengine/pkg/util"
)

func tokenCmd() *cobra.Command {
	var (
		subscriberID int64
		coachID      int64
		role         string
		ttl          time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local testing",
		Example: `  enrollctl token --subscriber 12
  enrollctl token --subscriber 3 --coach 1 --role coach --ttl 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if subscriberID <= 0 {
				return fmt.Errorf("--subscriber is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.JWT.Secret == "" {
				return fmt.Errorf("jwt.secret is not configured")
			}

			tok, err := util.GenerateJWT(util.Claims{
				SubscriberID: subscriberID,
				CoachID:      coachID,
				Role:         rbac.NormalizeRole(role),
			}, cfg.JWT.Secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().Int64Var(&subscriberID, "subscriber", 0, "subscriber id")
	cmd.Flags().Int64Var(&coachID, "coach", 0, "coach id, for coach tokens")
	cmd.Flags().StringVar(&role, "role", rbac.RoleSubscriber, "subscriber, coach or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
