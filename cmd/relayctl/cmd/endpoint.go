package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

// endpointCmd represents the endpoint command
var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Operate on subscriber endpoints",
}

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed [endpoint-id]",
	Short: "Reset every FAILED delivery for an endpoint",
	Long: `Reset every FAILED delivery to an endpoint back to PENDING, typically
after the subscriber has fixed an outage.

Example:
  relayctl endpoint retry-failed ep_123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			EndpointID string `json:"endpoint_id"`
			Reset      int    `json:"reset"`
		}
		path := "/v1/endpoints/" + url.PathEscape(args[0]) + "/retry-failed"
		if err := newClient().do(cmd.Context(), "POST", path, nil, &res); err != nil {
			return fmt.Errorf("failed to retry endpoint: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, res)
		}
		fmt.Fprintf(out, "Reset %d failed deliveries for endpoint %s\n", res.Reset, res.EndpointID)
		return nil
	},
}

var rotateSecretCmd = &cobra.Command{
	Use:   "rotate-secret [endpoint-id]",
	Short: "Generate a new signing secret for an endpoint",
	Long: `Replace the endpoint's signing secret. Deliveries sent after this call are
signed with the new secret; the old one stops verifying immediately.
The secret is printed once and is not retrievable afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			EndpointID string `json:"endpoint_id"`
			Secret     string `json:"secret"`
		}
		path := "/v1/endpoints/" + url.PathEscape(args[0]) + "/rotate-secret"
		if err := newClient().do(cmd.Context(), "POST", path, nil, &res); err != nil {
			return fmt.Errorf("failed to rotate secret: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, res)
		}
		fmt.Fprintf(out, "Rotated secret for endpoint %s\n", res.EndpointID)
		fmt.Fprintf(out, "  Secret: %s\n", res.Secret)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(endpointCmd)
	endpointCmd.AddCommand(retryFailedCmd, rotateSecretCmd)
}
