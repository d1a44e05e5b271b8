package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

// newJobCommand constructs the `job` command group and subcommands.
func newJobCommand(baseURL BaseURLFunc) *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Job operations",
		Long: `Job operations.

Job Lifecycle:
  waiting → active → completed
              ↓ (attempt failed)
           delayed → active ... → failed (attempts exhausted)`,
	}

	jobCmd.AddCommand(
		newJobGetCommand(baseURL),
		newJobEnqueueCommand(baseURL),
		newJobListCommand(baseURL),
	)
	return jobCmd
}

// newJobGetCommand constructs the `job get` subcommand.
func newJobGetCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job map[string]any
			if _, err := doJSON(cmd, http.MethodGet, baseURL()+"/api/v1/jobs/"+url.PathEscape(args[0]), nil, &job, 0); err != nil {
				return err
			}
			return printJSON(cmd, job)
		},
	}
}

// newJobEnqueueCommand constructs the `job enqueue` subcommand.
func newJobEnqueueCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Route and enqueue a job for a tenant channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenantID, _ := cmd.Flags().GetInt64("tenant")
			channelIndex, _ := cmd.Flags().GetInt("channel")
			payload, _ := cmd.Flags().GetString("payload")
			priority, _ := cmd.Flags().GetInt("priority")
			maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
			delay, _ := cmd.Flags().GetDuration("delay")

			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("invalid --payload: not JSON")
			}

			body := map[string]any{
				"tenant_id":     tenantID,
				"channel_index": channelIndex,
				"payload":       json.RawMessage(payload),
				"priority":      priority,
				"max_attempts":  maxAttempts,
				"delay_ms":      delay.Milliseconds(),
			}

			var resp map[string]any
			if _, err := doJSON(cmd, http.MethodPost, baseURL()+"/api/v1/jobs", body, &resp, 0); err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().Int64("tenant", 0, "Tenant id (required)")
	cmd.Flags().Int("channel", 0, "Channel index")
	cmd.Flags().String("payload", "{}", "JSON payload")
	cmd.Flags().Int("priority", 0, "Priority 0-9, higher first")
	cmd.Flags().Int("max-attempts", 0, "Attempt budget; 0 uses the queue default")
	cmd.Flags().Duration("delay", 0, "Delay before the first attempt")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

// newJobListCommand constructs the `job list` subcommand.
func newJobListCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if cmd.Flags().Changed("tenant") {
				tenantID, _ := cmd.Flags().GetInt64("tenant")
				q.Set("tenant_id", strconv.FormatInt(tenantID, 10))
			}
			for flag, param := range map[string]string{"status": "status", "channel-type": "channel_type", "cursor": "cursor"} {
				if v, _ := cmd.Flags().GetString(flag); v != "" {
					q.Set(param, v)
				}
			}
			if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
				q.Set("page_size", strconv.Itoa(limit))
			}

			u := baseURL() + "/api/v1/jobs"
			if len(q) > 0 {
				u += "?" + q.Encode()
			}

			var resp map[string]any
			if _, err := doJSON(cmd, http.MethodGet, u, nil, &resp, 0); err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().Int64("tenant", 0, "Filter by tenant id")
	cmd.Flags().String("status", "", "Filter by status")
	cmd.Flags().String("channel-type", "", "Filter by channel type")
	cmd.Flags().String("cursor", "", "Cursor from a previous page")
	cmd.Flags().Int("limit", 0, "Page size (max 100)")
	return cmd
}
