// Package cli contains the Cobra commands of dispatchctl, the operator CLI. Every
// command talks to an api-service over HTTP.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// NewRoot constructs the root command and registers the health, job and routes groups.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:           "dispatchctl",
		Short:         "Operate dispatch API and worker processes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newHealthCommand(baseURL),
		newJobCommand(baseURL),
		newRoutesCommand(baseURL),
	)
	return root
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

// statusError reports a non-2xx response; the body is kept for display
type statusError struct {
	Status string
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http error: %s: %s", e.Status, e.Body)
}

// doJSON sends body (when non-nil) as JSON and decodes a JSON response into out.
// When allowStatus is set, that status is decoded like a success.
func doJSON(cmd *cobra.Command, method, url string, body any, out any, allowStatus int) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), method, url, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 && resp.StatusCode != allowStatus {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, &statusError{Status: resp.Status, Body: string(bytes.TrimSpace(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
