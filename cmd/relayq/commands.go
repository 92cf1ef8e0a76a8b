package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/relayq/relayq/client"
)

const requestTimeout = 30 * time.Second

func withClient(server *string, fn func(ctx context.Context, c *client.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return fn(ctx, client.NewClient(*server))
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func enqueueCmd(server *string) *cobra.Command {
	var opts client.EnqueueOptions

	cmd := &cobra.Command{
		Use:   "enqueue <queue> <type> [payload-json]",
		Short: "Enqueue a new job",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := json.RawMessage("null")
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return fmt.Errorf("invalid JSON payload")
				}
				payload = json.RawMessage(args[2])
			}

			return withClient(server, func(ctx context.Context, c *client.Client) error {
				id, err := c.Enqueue(ctx, args[0], args[1], payload, &opts)
				if err != nil {
					return fmt.Errorf("failed to enqueue job: %w", err)
				}
				fmt.Println(id)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Priority, "priority", "p", "normal", "low, normal, high or critical")
	cmd.Flags().DurationVar(&opts.Delay, "delay", 0, "delay before the job becomes eligible")
	cmd.Flags().Uint32Var(&opts.MaxAttempts, "max-attempts", 0, "attempts before the job fails (queue default when 0)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "per-attempt timeout (queue default when 0)")
	cmd.Flags().StringVar(&opts.IdempotencyKey, "idempotency-key", "", "deduplicate enqueues with the same key")

	return cmd
}

func jobCmd(server *string) *cobra.Command {
	return &cobra.Command{
		Use:   "job <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(server, func(ctx context.Context, c *client.Client) error {
				j, err := c.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(j)
			})
		},
	}
}

func listCmd(server *string) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list <queue>",
		Short: "List jobs of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(server, func(ctx context.Context, c *client.Client) error {
				jobs, err := c.ListJobs(ctx, args[0], status, limit)
				if err != nil {
					return fmt.Errorf("failed to list jobs: %w", err)
				}
				if len(jobs) == 0 {
					fmt.Println("No jobs found")
					return nil
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPRIORITY\tATTEMPTS\tCREATED\tLAST ERROR")
				for _, j := range jobs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
						j.ID, j.Type, j.Status, j.Priority, j.AttemptsMade, j.MaxAttempts,
						j.CreatedAt.Format(time.RFC3339), truncate(j.LastError, 40))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVarP(&status, "status", "s", "waiting", "waiting, active, completed or failed")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of jobs")

	return cmd
}

func queuesCmd(server *string) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "List queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(server, func(ctx context.Context, c *client.Client) error {
				queues, err := c.ListQueues(ctx)
				if err != nil {
					return err
				}
				for _, q := range queues {
					fmt.Println(q)
				}
				return nil
			})
		},
	}
}

func statsCmd(server *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [queue...]",
		Short: "Show queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(server, func(ctx context.Context, c *client.Client) error {
				queues := args
				if len(queues) == 0 {
					var err error
					if queues, err = c.ListQueues(ctx); err != nil {
						return err
					}
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "QUEUE\tWAITING\tACTIVE\tCOMPLETED\tFAILED\tTHROUGHPUT/S\tAVG TIME\tERROR RATE\tOLDEST")
				for _, q := range queues {
					qs, err := c.Stats(ctx, q)
					if err != nil {
						return fmt.Errorf("failed to get stats of %s: %w", q, err)
					}
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.2f\t%s\t%.1f%%\t%s\n",
						q, qs.Waiting, qs.Active, qs.Completed, qs.Failed, qs.Throughput,
						qs.AvgProcessingTime.Round(time.Millisecond), qs.ErrorRate*100,
						qs.OldestWaitingAge.Round(time.Second))
				}
				return w.Flush()
			})
		},
	}
}

func clearCmd(server *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <queue>",
		Short: "Remove every job of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(server, func(ctx context.Context, c *client.Client) error {
				n, err := c.ClearQueue(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Removed %d jobs from %s\n", n, args[0])
				return nil
			})
		},
	}
}

func healthCmd(server *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show queue health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(server, func(ctx context.Context, c *client.Client) error {
				h, err := c.Health(ctx)
				if err != nil {
					return err
				}

				fmt.Printf("Overall: %s\n", h.Status)
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "QUEUE\tSTATUS\tFAILING CHECKS")
				for name, q := range h.Queues {
					var failing []string
					for check, r := range q.Checks {
						if r.Verdict != "pass" {
							failing = append(failing, fmt.Sprintf("%s=%s", check, r.Verdict))
						}
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", name, q.Status, strings.Join(failing, ", "))
				}
				return w.Flush()
			})
		},
	}
}

func alertsCmd(server *string) *cobra.Command {
	var history bool

	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Show open alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(server, func(ctx context.Context, c *client.Client) error {
				alerts, err := c.Alerts(ctx, history)
				if err != nil {
					return err
				}
				if len(alerts) == 0 {
					fmt.Println("No alerts")
					return nil
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "QUEUE\tTYPE\tSEVERITY\tVALUE\tTHRESHOLD\tSINCE\tMESSAGE")
				for _, a := range alerts {
					fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%.2f\t%s\t%s\n",
						a.Queue, a.Type, a.Severity, a.CurrentValue, a.Threshold,
						a.Timestamp.Format(time.RFC3339), a.Message)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&history, "history", false, "show resolved alerts")

	return cmd
}

func rateLimitCmd(server *string) *cobra.Command {
	var capacity, refill float64

	cmd := &cobra.Command{
		Use:   "rate-limit <queue>",
		Short: "Show or set the enqueue rate limit of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(server, func(ctx context.Context, c *client.Client) error {
				if cmd.Flags().Changed("capacity") || cmd.Flags().Changed("refill") {
					if err := c.SetRateLimit(ctx, args[0], capacity, refill); err != nil {
						return err
					}
				}
				rl, err := c.GetRateLimit(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(rl)
			})
		},
	}

	cmd.Flags().Float64Var(&capacity, "capacity", 0, "bucket size; 0 removes the limit")
	cmd.Flags().Float64Var(&refill, "refill", 0, "tokens added per second")

	return cmd
}

func configCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			data, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (YAML)")

	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
