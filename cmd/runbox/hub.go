package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/runbox/internal/dispatch"
)

// call performs one hub action and decodes the reply into out.
func call(ctx context.Context, root *rootOptions, name string, payload, out any) error {
	d := root.dispatcher()
	defer d.Close()
	d.Connect()
	ctx, cancel := context.WithTimeout(ctx, root.timeout)
	defer cancel()
	data, err := d.Call(ctx, name, payload)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func newEventsCmd(root *rootOptions) *cobra.Command {
	var limit int
	var name string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent event logs recorded by the hub",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var events []dispatch.Envelope
			req := map[string]any{"limit": limit, "name": name}
			if err := call(cmd.Context(), root, dispatch.ActionGetEvents, req, &events); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tNAME\tUSER\tPAYLOAD")
			for _, ev := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ev.Timestamp.Local().Format(time.RFC3339), ev.Name, ev.Context["user"], ev.Payload)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of events")
	cmd.Flags().StringVar(&name, "name", "", "only events with this name (run, test, error, failure)")
	return cmd
}

func newResultsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "results [project]",
		Short: "List test results reported to the hub",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]string{}
			if len(args) > 0 {
				req["project"] = args[0]
			}
			var results []struct {
				Project   string    `json:"project"`
				Language  string    `json:"language"`
				User      string    `json:"user"`
				Score     float64   `json:"score"`
				MaxScore  float64   `json:"maxScore"`
				CreatedAt time.Time `json:"createdAt"`
			}
			if err := call(cmd.Context(), root, dispatch.ActionGetTestResults, req, &results); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tPROJECT\tLANGUAGE\tUSER\tSCORE")
			for _, r := range results {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%g/%g\n", r.CreatedAt.Local().Format(time.RFC3339), r.Project, r.Language, r.User, r.Score, r.MaxScore)
			}
			return tw.Flush()
		},
	}
}

func newSubmitCmd(root *rootOptions) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "submit [dir]",
		Short: "Send the project in dir to the teacher",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			abs, err := filepath.Abs(dir)
			if err != nil {
				return err
			}
			req := map[string]string{"project": filepath.Base(abs), "message": message}
			var reply struct {
				ID string `json:"id"`
			}
			if err := call(cmd.Context(), root, dispatch.ActionSendToTeacher, req, &reply); err != nil {
				return err
			}
			fmt.Printf("submitted %s (%s)\n", req["project"], reply.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "note attached to the submission")
	return cmd
}
