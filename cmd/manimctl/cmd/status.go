package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/manim-studio/pkg/gateway"
	"github.com/psantana5/manim-studio/pkg/models"
	"github.com/psantana5/manim-studio/pkg/poller"
	"github.com/psantana5/manim-studio/pkg/shutdown"
)

var followStatus bool

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Get job status",
	Long: `Fetch the status of a job. With --follow the job is polled until it
completes or fails.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll until the job completes or fails")
}

func runStatus(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	ctx, stop := shutdown.SignalContext(cmd.Context())
	defer stop()
	cmd.SetContext(ctx)

	a, err := setupApp(cmd)
	if err != nil {
		return err
	}
	defer a.shutdown.Shutdown()

	if !followStatus {
		resp, err := a.client.FetchStatus(ctx, jobID)
		if err != nil {
			return fmt.Errorf("failed to get status of job %s: %w", jobID, err)
		}
		return renderStatus(cmd.OutOrStdout(), jobID, resp, a.client.VideoURL(jobID))
	}

	if outputFormat == "table" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Following job %s (press Ctrl+C to stop)...\n\n", jobID)
	}

	var last *gateway.StatusResponse
	p := poller.New(a.client.Gateway(),
		poller.SinkFunc(func(ev models.StatusEvent) bool {
			last = &gateway.StatusResponse{ID: ev.JobID, Status: ev.Status, Message: ev.Message}
			if outputFormat == "table" {
				fmt.Fprintf(cmd.ErrOrStderr(), "[%s] %s %s\n", time.Now().Format("15:04:05"), ev.Status, ev.Message)
			}
			return true
		}),
		poller.WithInterval(a.cfg.PollInterval),
		poller.WithRetryInterval(a.cfg.PollRetryInterval),
		poller.WithLogger(a.log),
		poller.WithMetrics(a.metrics),
	)
	p.Start(ctx, jobID)
	defer p.Stop()

	if err := p.Wait(ctx); err != nil {
		return fmt.Errorf("stopped following job %s: %w", jobID, err)
	}
	if last == nil {
		return fmt.Errorf("stopped following job %s before any status arrived", jobID)
	}
	if err := renderStatus(cmd.OutOrStdout(), jobID, last, a.client.VideoURL(jobID)); err != nil {
		return err
	}
	if last.Status == models.JobStatusFailed {
		return fmt.Errorf("job %s failed", jobID)
	}
	return nil
}
