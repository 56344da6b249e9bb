package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/leadmarket/backend/internal/audit"
	"github.com/leadmarket/backend/internal/database"
	"github.com/leadmarket/backend/internal/services"
	"github.com/spf13/cobra"
)

var leadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "Lead maintenance",
}

// closeLeadCmd is what the expiry scheduler invokes.
var closeLeadCmd = &cobra.Command{
	Use:   "close <lead-id>...",
	Short: "Close open leads",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]uuid.UUID, 0, len(args))
		for _, arg := range args {
			id, err := uuid.Parse(arg)
			if err != nil {
				return fmt.Errorf("invalid lead id %q: %w", arg, err)
			}
			ids = append(ids, id)
		}

		db, err := database.InitDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		claims := services.NewLeadClaimService(db, nil, nil, audit.NewLogger(), nil, nil)
		for _, id := range ids {
			if err := claims.CloseLead(cmd.Context(), id); err != nil {
				return fmt.Errorf("close lead %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "closed %s\n", id)
		}
		return nil
	},
}

func init() {
	leadsCmd.AddCommand(closeLeadCmd)
	rootCmd.AddCommand(leadsCmd)
}
