package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/manim-studio/pkg/auth"
	"github.com/psantana5/manim-studio/pkg/middleware"
	"github.com/psantana5/manim-studio/pkg/models"
	"github.com/psantana5/manim-studio/pkg/shutdown"
	"github.com/psantana5/manim-studio/pkg/statusapi"
	"github.com/psantana5/manim-studio/pkg/studio"
)

var (
	genDuration    int
	genQuality     string
	genComplexity  string
	genNoWait      bool
	genDownload    string
	genStatusAddr  string
	genStatusToken string
	genConnectWait time.Duration
)

// generateCmd represents the generate command
var generateCmd = &cobra.Command{
	Use:   "generate <prompt...>",
	Short: "Generate an animation from a prompt",
	Long: `Submit a natural-language prompt and follow the job until the video is ready.
Status arrives over the push channel; when it is not connected the job is
polled instead.`,
	Example: `  manimctl generate "a circle morphing into a square" --duration 5 --quality high
  manimctl generate "sine wave" --download wave.mp4`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	d := models.DefaultParameters()
	generateCmd.Flags().IntVar(&genDuration, "duration", d.Duration, "video length in seconds: 5, 10 or 15")
	generateCmd.Flags().StringVar(&genQuality, "quality", string(d.Quality), "render quality: low, medium or high")
	generateCmd.Flags().StringVar(&genComplexity, "complexity", string(d.Complexity), "scene complexity: low, medium or high")
	generateCmd.Flags().BoolVar(&genNoWait, "no-wait", false, "return after submitting instead of following the job")
	generateCmd.Flags().StringVar(&genDownload, "download", "", "save the finished video to this file")
	generateCmd.Flags().StringVar(&genStatusAddr, "status-addr", "", "serve a local status view on this address (e.g. 127.0.0.1:8081)")
	generateCmd.Flags().StringVar(&genStatusToken, "status-token", "", "bearer token required by the status view")
	generateCmd.Flags().DurationVar(&genConnectWait, "connect-wait", 2*time.Second, "how long to wait for the push channel before submitting")
}

func generateParameters() (models.Parameters, error) {
	quality, err := models.ParseLevel(genQuality)
	if err != nil {
		return models.Parameters{}, err
	}
	complexity, err := models.ParseLevel(genComplexity)
	if err != nil {
		return models.Parameters{}, err
	}
	params := models.Parameters{Duration: genDuration, Quality: quality, Complexity: complexity}
	return params, params.Validate()
}

func runGenerate(cmd *cobra.Command, args []string) error {
	prompt := strings.Join(args, " ")
	params, err := generateParameters()
	if err != nil {
		return err
	}

	ctx, stop := shutdown.SignalContext(cmd.Context())
	defer stop()
	cmd.SetContext(ctx)

	a, err := setupApp(cmd)
	if err != nil {
		return err
	}
	defer a.shutdown.Shutdown()

	if err := a.client.Start(ctx); err != nil {
		return err
	}

	if genStatusAddr != "" {
		if err := startStatusView(cmd.ErrOrStderr(), a); err != nil {
			return err
		}
	}

	if err := a.client.WaitForConnection(ctx, genConnectWait); err != nil {
		if !errors.Is(err, studio.ErrConnectTimeout) {
			return err
		}
		a.log.Info("Push channel not connected, status will be polled", map[string]interface{}{
			"waited": genConnectWait.String(),
		})
	}

	job, err := a.client.Submit(ctx, prompt, params)
	if err != nil {
		renderSnapshot(cmd.OutOrStdout(), a.client.Snapshot())
		return err
	}

	if genNoWait {
		return renderSnapshot(cmd.OutOrStdout(), a.client.Snapshot())
	}

	if !IsJSONOutput() && outputFormat != "yaml" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Job %s submitted, waiting for the video (Ctrl+C to stop)...\n", job.ID)
		stopProgress := followProgress(cmd.ErrOrStderr(), a.client)
		defer stopProgress()
	}

	snap, err := a.client.Wait(ctx)
	if err != nil {
		return fmt.Errorf("stopped waiting for job %s: %w", job.ID, err)
	}
	if err := renderSnapshot(cmd.OutOrStdout(), snap); err != nil {
		return err
	}
	if snap.Error != "" {
		return fmt.Errorf("animation failed: %s", snap.Error)
	}

	if genDownload != "" {
		return downloadTo(cmd, a.client, job.ID, genDownload)
	}
	return nil
}

// followProgress prints each status change until the returned func is called
func followProgress(w io.Writer, client *studio.Client) func() {
	updates, cancel := client.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		var last models.JobStatus
		for snap := range updates {
			if snap.Job == nil || snap.Job.Status == last {
				continue
			}
			last = snap.Job.Status
			fmt.Fprintf(w, "[%s] %s via %s\n", time.Now().Format("15:04:05"), last, snap.Source)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func startStatusView(w io.Writer, a *app) error {
	opts := []statusapi.Option{
		statusapi.WithMetrics(a.metrics),
		statusapi.WithLogger(a.log),
	}
	if v, err := statusVerifier(a.cfg.StatusTokenHash); err != nil {
		return err
	} else if v != nil {
		opts = append(opts, statusapi.WithVerifier(v))
	}

	view := statusapi.NewServer(a.client, opts...)
	if err := view.Listen(genStatusAddr); err != nil {
		return err
	}
	a.shutdown.Register("status view", view.Shutdown)
	fmt.Fprintf(w, "Status view on http://%s/state\n", view.Addr())
	return nil
}

// statusVerifier picks the --status-token flag over a configured hash
func statusVerifier(hash string) (middleware.Verifier, error) {
	switch {
	case genStatusToken != "":
		return auth.NewTokenVerifier(genStatusToken, 0)
	case hash != "":
		return auth.NewTokenVerifierFromHash(hash)
	default:
		return nil, nil
	}
}
