package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/psantana5/manim-studio/pkg/shutdown"
	"github.com/psantana5/manim-studio/pkg/studio"
)

var downloadOutput string

// downloadCmd represents the download command
var downloadCmd = &cobra.Command{
	Use:   "download <job-id>",
	Short: "Download a finished video",
	Long:  `Download the rendered video of a completed job. Use "-" to write to stdout.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)
	downloadCmd.Flags().StringVarP(&downloadOutput, "out", "o", "", "output file (default <job-id>.mp4)")
}

func runDownload(cmd *cobra.Command, args []string) error {
	ctx, stop := shutdown.SignalContext(cmd.Context())
	defer stop()
	cmd.SetContext(ctx)

	a, err := setupApp(cmd)
	if err != nil {
		return err
	}
	defer a.shutdown.Shutdown()

	target := downloadOutput
	if target == "" {
		target = args[0] + ".mp4"
	}
	return downloadTo(cmd, a.client, args[0], target)
}

// downloadTo writes the video of jobID to path, or stdout for "-"
func downloadTo(cmd *cobra.Command, client *studio.Client, jobID, path string) error {
	var w io.Writer = cmd.OutOrStdout()
	var f *os.File
	if path != "-" {
		var err error
		f, err = os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		w = f
	}

	n, err := client.DownloadVideo(cmd.Context(), jobID, w)
	if f != nil {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to download video for job %s: %w", jobID, err)
	}

	if f != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Saved %d bytes to %s\n", n, path)
	}
	return nil
}
