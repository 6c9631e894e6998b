package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// videoURLCmd represents the video-url command
var videoURLCmd = &cobra.Command{
	Use:   "video-url <job-id>",
	Short: "Print where a job's video is served",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setupApp(cmd)
		if err != nil {
			return err
		}
		defer a.shutdown.Shutdown()

		url := a.client.VideoURL(args[0])
		if done, err := writeStructured(cmd.OutOrStdout(), map[string]string{"id": args[0], "video_url": url}); done {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), url)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(videoURLCmd)
}
