package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fossawork/fossawork/client"
	"github.com/fossawork/fossawork/stream"
)

func buildSubmitCommand() *cobra.Command {
	var (
		payload     string
		payloadFile string
		queueName   string
		priority    int
		workOrder   string
		station     string
		dispensers  []string
		follow      bool
	)

	cmd := &cobra.Command{
		Use:   "submit <job-name>",
		Short: "Submit an automation job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := json.RawMessage(`{}`)
			switch {
			case payloadFile != "":
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return fmt.Errorf("read payload file: %w", err)
				}
				raw = data
			case payload != "":
				raw = json.RawMessage(payload)
			}
			if !json.Valid(raw) {
				return fmt.Errorf("payload is not valid JSON")
			}

			c, err := dial(cmd)
			if err != nil {
				return err
			}
			defer c.Disconnect() //nolint:errcheck

			opts := []client.SubmitOption{}
			if queueName != "" {
				opts = append(opts, client.WithQueue(queueName))
			}
			if priority != 0 {
				opts = append(opts, client.WithPriority(priority))
			}
			if workOrder != "" {
				opts = append(opts, client.WithWorkOrder(workOrder))
			}
			if station != "" {
				opts = append(opts, client.WithStation(station))
			}
			if len(dispensers) > 0 {
				opts = append(opts, client.WithDispensers(dispensers...))
			}

			ctx, cancel := opContext(cmd)
			res, err := c.SubmitJob(ctx, args[0], raw, opts...)
			cancel()
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}

			fmt.Printf("submitted %s to queue %q (state %s)\n", res.JobID, res.Queue, res.State)

			if follow {
				return watchJob(cmd, c, res.JobID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&payload, "payload", "p", "", "inline JSON payload")
	cmd.Flags().StringVarP(&payloadFile, "payload-file", "f", "", "file containing the JSON payload")
	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "target queue")
	cmd.Flags().IntVar(&priority, "priority", 0, "job priority (higher runs first)")
	cmd.Flags().StringVar(&workOrder, "work-order", "", "work order ID")
	cmd.Flags().StringVar(&station, "station", "", "station ID")
	cmd.Flags().StringSliceVar(&dispensers, "dispensers", nil, "dispenser sub-targets")
	cmd.Flags().BoolVarP(&follow, "watch", "w", false, "watch progress until the job finishes")

	return cmd
}

func buildGetCommand() *cobra.Command {
	var withProgress bool

	cmd := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(cmd)
			if err != nil {
				return err
			}
			defer c.Disconnect() //nolint:errcheck

			ctx, cancel := opContext(cmd)
			defer cancel()

			if withProgress {
				detail, err := c.GetJobWithProgress(ctx, args[0])
				if err != nil {
					return err
				}
				printJSON(detail.Job)
				for _, p := range detail.Progress {
					line := fmt.Sprintf("  #%-3d %-14s %5.1f%%", p.Seq, p.Phase, p.Percent)
					if p.DispenserID != "" {
						line += " [" + p.DispenserID + "]"
					}
					if p.Message != "" {
						line += " " + p.Message
					}
					fmt.Println(line)
				}
				return nil
			}

			j, err := c.GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			printJSON(j)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&withProgress, "progress", "P", false, "include progress events")
	return cmd
}

func buildWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Stream live progress for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(cmd)
			if err != nil {
				return err
			}
			defer c.Disconnect() //nolint:errcheck

			return watchJob(cmd, c, args[0])
		},
	}
	return cmd
}

// watchJob subscribes to a job's channel and prints events until a
// terminal event arrives or the command context is cancelled.
func watchJob(cmd *cobra.Command, c *client.Client, jobID string) error {
	ctx := cmd.Context()

	subCtx, cancel := opContext(cmd)
	events, err := c.WatchJob(subCtx, jobID)
	if err != nil {
		cancel()
		return fmt.Errorf("watch: %w", err)
	}

	// A job that already finished produces no further events.
	j, getErr := c.GetJob(subCtx, jobID)
	cancel()
	if getErr == nil && j.State.Terminal() {
		fmt.Printf("%s is already %s\n", jobID, j.State)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			printEvent(evt)
			if evt.Type.Terminal() {
				return nil
			}
		}
	}
}

func printEvent(evt *stream.Event) {
	var data stream.JobEventData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		fmt.Printf("%s  %s\n", evt.Timestamp.Format("15:04:05"), evt.Type)
		return
	}

	line := fmt.Sprintf("%s  %-14s", evt.Timestamp.Format("15:04:05"), evt.Type)
	switch evt.Type {
	case stream.EventJobProgress:
		line += fmt.Sprintf(" %5.1f%% %s", data.Percent, data.Phase)
		if data.DispenserID != "" {
			line += " [" + data.DispenserID + "]"
		}
		if data.Message != "" {
			line += " " + data.Message
		}
	case stream.EventJobFailed, stream.EventJobRetrying:
		line += " " + data.Error
	}
	fmt.Println(line)
}

func buildCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(cmd)
			if err != nil {
				return err
			}
			defer c.Disconnect() //nolint:errcheck

			ctx, cancel := opContext(cmd)
			defer cancel()

			if err := c.CancelJob(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("cancelled %s\n", args[0])
			return nil
		},
	}
	return cmd
}

func buildListCommand() *cobra.Command {
	var (
		state     string
		queueName string
		limit     int
		offset    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(cmd)
			if err != nil {
				return err
			}
			defer c.Disconnect() //nolint:errcheck

			opts := []client.ListOption{}
			if queueName != "" {
				opts = append(opts, client.WithListQueue(queueName))
			}
			if limit > 0 {
				opts = append(opts, client.WithListLimit(limit))
			}
			if offset > 0 {
				opts = append(opts, client.WithListOffset(offset))
			}

			ctx, cancel := opContext(cmd)
			defer cancel()

			jobs, err := c.ListJobs(ctx, state, opts...)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tQUEUE\tSTATE\tWORK ORDER\tCREATED")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					j.ID, j.Name, j.Queue, j.State, j.WorkOrderID,
					j.CreatedAt.Format("2006-01-02 15:04:05"),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&state, "state", "running", "job state to list")
	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "filter by queue")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "jobs to skip")

	return cmd
}

func buildStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show server job statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(cmd)
			if err != nil {
				return err
			}
			defer c.Disconnect() //nolint:errcheck

			ctx, cancel := opContext(cmd)
			defer cancel()

			raw, err := c.Stats(ctx)
			if err != nil {
				return err
			}

			var pretty map[string]int64
			if err := json.Unmarshal(raw, &pretty); err != nil {
				fmt.Println(string(raw))
				return nil
			}
			printJSON(pretty)
			return nil
		},
	}
	return cmd
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
