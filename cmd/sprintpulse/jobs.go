package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	sprintpulse "github.com/sprintpulse/sprintpulse-go"
)

var (
	jobWait    bool
	jobTimeout time.Duration

	insightsSprint string
	insightsDeep   bool
)

func init() {
	rootCmd.AddCommand(resyncCmd)
	rootCmd.AddCommand(insightsCmd)
	insightsCmd.AddCommand(insightsRefreshCmd)

	for _, c := range []*cobra.Command{resyncCmd, insightsRefreshCmd} {
		c.Flags().BoolVarP(&jobWait, "wait", "w", false, "Follow the job's progress until it finishes")
		c.Flags().DurationVar(&jobTimeout, "timeout", 10*time.Minute, "How long to follow progress with --wait")
	}
	insightsRefreshCmd.Flags().StringVar(&insightsSprint, "sprint", "", "Sprint to analyze")
	insightsRefreshCmd.Flags().BoolVar(&insightsDeep, "deep", false, "Run the whole-sprint deep analysis")
}

var resyncCmd = &cobra.Command{
	Use:   "resync [project]",
	Short: "Re-synchronize a project's data",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(args, (*sprintpulse.DashboardStream).Resync,
			func(ctx context.Context, d *sprintpulse.DashboardStream) error { return d.TriggerResync(ctx) },
			func(ctx context.Context, c *sprintpulse.Client, project string) (*sprintpulse.TriggerResult, error) {
				return c.TriggerResync(ctx, project)
			})
	},
}

var insightsCmd = &cobra.Command{
	Use:   "insights",
	Short: "AI insight commands",
}

var insightsRefreshCmd = &cobra.Command{
	Use:   "refresh [project]",
	Short: "Regenerate AI insights for a project",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if insightsDeep && insightsSprint == "" {
			return fmt.Errorf("--deep requires --sprint")
		}
		tracker := (*sprintpulse.DashboardStream).Insight
		trigger := func(ctx context.Context, d *sprintpulse.DashboardStream) error {
			return d.TriggerInsightRefresh(ctx, insightsSprint)
		}
		if insightsDeep {
			tracker = (*sprintpulse.DashboardStream).DeepSprint
			trigger = func(ctx context.Context, d *sprintpulse.DashboardStream) error {
				return d.TriggerDeepSprintRefresh(ctx, insightsSprint)
			}
		}
		return runJob(args, tracker, trigger,
			func(ctx context.Context, c *sprintpulse.Client, project string) (*sprintpulse.TriggerResult, error) {
				return c.TriggerInsightRefresh(ctx, project, &sprintpulse.InsightRefreshOptions{
					SprintID: insightsSprint,
					Deep:     insightsDeep,
				})
			})
	},
}

// runJob triggers a job. Without --wait it only reports whether the server
// accepted it; with --wait it mounts the dashboard stream first and prints
// every state change until the job finishes.
func runJob(
	args []string,
	pick func(*sprintpulse.DashboardStream) *sprintpulse.JobTracker,
	trigger func(context.Context, *sprintpulse.DashboardStream) error,
	direct func(context.Context, *sprintpulse.Client, string) (*sprintpulse.TriggerResult, error),
) error {
	client, _, s, err := getClient()
	if err != nil {
		return err
	}
	project, err := projectFrom(args, s)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if !jobWait {
		reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		res, err := direct(reqCtx, client, project)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Job accepted for project %s\n", project)
		if res.JobID != "" {
			fmt.Printf("  Job ID: %s\n", res.JobID)
		}
		if res.Status != "" {
			fmt.Printf("  Status: %s\n", res.Status)
		}
		return nil
	}

	out := newPrinter(os.Stdout)
	dash := client.Dashboard(&sprintpulse.DashboardConfig{
		DirectPort: s.DirectPort,
		OnNotice:   func(n sprintpulse.Notice) { out.line("%s", renderNotice(n)) },
	})
	defer dash.Close()

	finished := make(chan sprintpulse.JobState, 1)
	tracker := pick(dash)
	tracker.OnChange(func(st sprintpulse.JobState) {
		out.line("%s", renderJob(st))
		if st.Status.Terminal() {
			select {
			case finished <- st:
			default:
			}
		}
	})

	follow := true
	if err := dash.Mount(ctx, project); err != nil {
		slog.Warn("Dashboard stream unavailable", "error", err)
		out.line("%s", warnStyle.Render("Live progress unavailable; the job will still be triggered"))
		follow = false
	}

	if err := trigger(ctx, dash); err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if !follow {
		return nil
	}

	timeout := time.NewTimer(jobTimeout)
	defer timeout.Stop()
	select {
	case st := <-finished:
		if st.Status == sprintpulse.JobFailed {
			return fmt.Errorf("%s failed: %s", tracker.Kind().Label(), st.Message)
		}
		return nil
	case <-dash.Connection().Done():
		return fmt.Errorf("dashboard stream closed before the job finished")
	case <-timeout.C:
		return fmt.Errorf("gave up waiting after %s", jobTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
