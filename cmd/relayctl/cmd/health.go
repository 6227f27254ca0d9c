package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the Harbor Relay service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var st health.Status
		err := newClient().do(cmd.Context(), "GET", "/healthz", nil, &st)
		var apiErr *APIError
		switch {
		case errors.As(err, &apiErr):
			// A failing check answers 503 with the same body.
			st = health.Status{}
			if json.Unmarshal(apiErr.Body, &st) != nil || st.Message == "" {
				st.Message = apiErr.Error()
			}
			st.OK = false
		case err != nil:
			return fmt.Errorf("health check failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			if err := printJSON(out, st); err != nil {
				return err
			}
		} else if st.OK {
			fmt.Fprintln(out, "✓ Service is healthy")
		} else {
			fmt.Fprintf(out, "✗ Service is unhealthy: %s\n", st.Message)
			for _, name := range st.Failed {
				fmt.Fprintf(out, "  - %s\n", name)
			}
		}
		if !st.OK {
			return errors.New("service unhealthy")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
