package cmd

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/pump"
	"github.com/austindbirch/harbor_relay/internal/reaper"
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Run the pump or reaper on demand",
}

var pumpCmd = &cobra.Command{
	Use:   "pump",
	Short: "Claim due deliveries and trigger dispatch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/jobs/pump"
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
			path += "?limit=" + strconv.Itoa(limit)
		}
		var res pump.Result
		if err := newClient().do(cmd.Context(), "POST", path, nil, &res); err != nil {
			return fmt.Errorf("pump failed: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, res)
		}
		fmt.Fprintf(out, "Picked %d, triggered %d, failed %d\n", res.Picked, res.Triggered, res.Failed)
		return nil
	},
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Recover deliveries stuck in flight",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/jobs/reap"
		if d, _ := cmd.Flags().GetDuration("stale-after"); d > 0 {
			path += "?stale_after=" + url.QueryEscape(d.String())
		}
		var res reaper.Result
		if err := newClient().do(cmd.Context(), "POST", path, nil, &res); err != nil {
			return fmt.Errorf("reap failed: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, res)
		}
		fmt.Fprintf(out, "Recovered %d, exhausted %d\n", res.Recovered, res.Exhausted)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(pumpCmd, reapCmd)

	pumpCmd.Flags().Int("limit", 0, "maximum deliveries to claim (server default when 0)")
	reapCmd.Flags().Duration("stale-after", 0, "in-flight age considered stuck (server default when 0)")
}
