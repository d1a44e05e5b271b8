package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// newRoutesCommand constructs the `routes` command group.
func newRoutesCommand(baseURL BaseURLFunc) *cobra.Command {
	routesCmd := &cobra.Command{Use: "routes", Short: "Routing cache operations"}

	invalidateCmd := &cobra.Command{
		Use:   "invalidate [tenant-id [channel-index]]",
		Short: "Evict cached routes so the next job re-reads its channel config",
		Long: `Evict cached routes on every API process.

With no arguments the whole cache is cleared. With a tenant id every channel of
that tenant is evicted; with a channel index only that channel.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := baseURL() + "/api/v1/routes"
			for _, a := range args {
				u += "/" + a
			}

			var resp map[string]any
			if _, err := doJSON(cmd, http.MethodDelete, u, nil, &resp, 0); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "routes invalidated")
			return err
		},
	}

	routesCmd.AddCommand(invalidateCmd)
	return routesCmd
}
