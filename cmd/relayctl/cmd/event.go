package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/ingest"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Emit business events",
}

// emitCmd represents the emit command
var emitCmd = &cobra.Command{
	Use:   "emit [clinic-id] [event-type] [payload-json]",
	Short: "Emit an event and fan it out to subscribed endpoints",
	Long: `Emit an event with a JSON payload. Emitting the same event id twice
creates no new deliveries.

Example:
  relayctl event emit clinic_123 appointment.created '{"appointment_id":"apt_789"}'`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !json.Valid([]byte(args[2])) {
			return fmt.Errorf("invalid payload JSON")
		}

		id, _ := cmd.Flags().GetString("id")
		if id == "" {
			id = "evt_" + uuid.NewString()
		}
		evt := delivery.Event{
			ID:       id,
			Type:     args[1],
			ClinicID: args[0],
			Payload:  json.RawMessage(args[2]),
		}
		if raw, _ := cmd.Flags().GetString("created-at"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return fmt.Errorf("invalid --created-at (expected RFC3339): %w", err)
			}
			evt.CreatedAt = t
		}

		var res ingest.Result
		if err := newClient().do(cmd.Context(), "POST", "/v1/events", evt, &res); err != nil {
			return fmt.Errorf("failed to emit event: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, res)
		}
		fmt.Fprintf(out, "Emitted event: %s\n", res.EventID)
		fmt.Fprintf(out, "  Deliveries created: %d\n", res.Created)
		if res.Skipped > 0 {
			fmt.Fprintf(out, "  Already existed: %d\n", res.Skipped)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(emitCmd)

	emitCmd.Flags().String("id", "", "event id (default: generated); reuse it to replay safely")
	emitCmd.Flags().String("created-at", "", "event time in RFC3339 (default: server time)")
}
