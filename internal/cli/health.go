package cli

import (
	"fmt"
	"net/http"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type processHealth struct {
	ProcessName       string  `json:"processName"`
	PID               int     `json:"pid"`
	Healthy           bool    `json:"healthy"`
	Status            string  `json:"status"`
	LastHeartbeat     *string `json:"lastHeartbeat"`
	Uptime            int64   `json:"uptime"`
	Memory            float64 `json:"memory"`
	ActiveConnections int     `json:"activeConnections"`
	ErrorCount        int64   `json:"errorCount"`
}

// newHealthCommand constructs the `health` command.
func newHealthCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show the health of every known process",
		Long: `Show the health of every process that has written a heartbeat.

Exits non-zero unless every process is healthy.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			var resp struct {
				Success   bool            `json:"success"`
				Processes []processHealth `json:"processes"`
			}
			status, err := doJSON(cmd, http.MethodGet, baseURL()+"/health/all", nil, &resp, http.StatusServiceUnavailable)
			if err != nil {
				return err
			}

			if asJSON {
				if err := printJSON(cmd, resp.Processes); err != nil {
					return err
				}
			} else {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PROCESS\tPID\tSTATUS\tUPTIME\tMEMORY\tCONNECTIONS\tERRORS")
				for _, p := range resp.Processes {
					fmt.Fprintf(w, "%s\t%d\t%s\t%ds\t%.1fMB\t%d\t%d\n",
						p.ProcessName, p.PID, p.Status, p.Uptime, p.Memory, p.ActiveConnections, p.ErrorCount)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}

			if status != http.StatusOK {
				return fmt.Errorf("not every process is healthy")
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print raw JSON")
	return cmd
}
