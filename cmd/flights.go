// File: cmd/flights.go
package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/airport/api/schemas"
	"github.com/xkilldash9x/airport/internal/flight"
	"github.com/xkilldash9x/airport/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const timeLayout = "2006-01-02 15:04:05"

func newFlightsCmd() *cobra.Command {
	flightsCmd := &cobra.Command{
		Use:   "flights",
		Short: "Inspect recorded flights",
	}
	flightsCmd.AddCommand(newFlightsListCmd(), newFlightsShowCmd(), newFlightsTailCmd())
	return flightsCmd
}

func openRecorder(cmd *cobra.Command) (*flight.Recorder, error) {
	cfg, err := configFrom(cmd)
	if err != nil {
		return nil, err
	}
	return flight.NewRecorder(cfg.Results().FlightsDir(), observability.GetLogger())
}

// resolveFlightID maps "latest" to the newest flight.
func resolveFlightID(rec *flight.Recorder, id string) (string, error) {
	if id != "latest" {
		return id, nil
	}
	meta, err := rec.Latest()
	if err != nil {
		return "", err
	}
	return meta.FlightID, nil
}

func newFlightsListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List flights, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := openRecorder(cmd)
			if err != nil {
				return err
			}
			flights, err := rec.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, flights)
			}
			if len(flights) == 0 {
				fmt.Fprintln(out, "No flights recorded.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FLIGHT\tSTATUS\tSTARTED\tDURATION\tMISSION")
			for _, f := range flights {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					f.FlightID, f.Status, f.StartTime.Format(timeLayout), duration(f), f.Mission)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newFlightsShowCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <flight-id|latest>",
		Short: "Print a flight's metadata and event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := openRecorder(cmd)
			if err != nil {
				return err
			}
			id, err := resolveFlightID(rec, args[0])
			if err != nil {
				return err
			}
			meta, events, err := rec.Load(id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, map[string]interface{}{"metadata": meta, "logs": events})
			}
			fmt.Fprintf(out, "Flight:   %s\nStatus:   %s\nMission:  %s\nStarted:  %s\nDuration: %s\n\n",
				meta.FlightID, meta.Status, meta.Mission, meta.StartTime.Format(timeLayout), duration(meta))
			for _, ev := range events {
				printEvent(out, ev)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newFlightsTailCmd() *cobra.Command {
	var fromStart bool
	cmd := &cobra.Command{
		Use:   "tail <flight-id|latest>",
		Short: "Follow a flight's event log until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := openRecorder(cmd)
			if err != nil {
				return err
			}
			id, err := resolveFlightID(rec, args[0])
			if err != nil {
				return err
			}
			events, err := rec.Follow(cmd.Context(), id, fromStart)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for ev := range events {
				printEvent(out, ev)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromStart, "from-start", true, "replay events already recorded")
	return cmd
}

func printEvent(out io.Writer, ev schemas.FlightEvent) {
	fmt.Fprintf(out, "[%s] %-7s %s\n", ev.Timestamp.Format(timeLayout), ev.Type, ev.Details)
}

func duration(meta schemas.FlightMetadata) string {
	if meta.EndTime == nil {
		return "-"
	}
	return meta.EndTime.Sub(meta.StartTime).Round(time.Second).String()
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
