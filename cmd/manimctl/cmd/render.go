package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/psantana5/manim-studio/pkg/gateway"
	"github.com/psantana5/manim-studio/pkg/jobstate"
	"github.com/psantana5/manim-studio/pkg/models"
)

// renderSnapshot prints the job state in the selected output format
func renderSnapshot(w io.Writer, snap jobstate.Snapshot) error {
	if done, err := writeStructured(w, snap); done {
		return err
	}

	rows := [][2]string{}
	if snap.Job != nil {
		rows = append(rows,
			[2]string{"Job ID", snap.Job.ID},
			[2]string{"Prompt", snap.Job.Prompt},
			[2]string{"Status", string(snap.Job.Status)},
			[2]string{"Parameters", formatParameters(snap.Job.Parameters)},
		)
	}
	rows = append(rows,
		[2]string{"Loading", fmt.Sprintf("%t", snap.IsLoading)},
		[2]string{"Source", string(snap.Source)},
		[2]string{"Video URL", snap.VideoURL},
		[2]string{"Error", snap.Error},
		[2]string{"Generated Code", summarizeCode(snap.Artifact)},
	)
	fieldTable(w, rows)
	return nil
}

// renderStatus prints a single status response
func renderStatus(w io.Writer, jobID string, resp *gateway.StatusResponse, videoURL string) error {
	out := struct {
		ID       string           `json:"id" yaml:"id"`
		Status   models.JobStatus `json:"status" yaml:"status"`
		Message  string           `json:"message,omitempty" yaml:"message,omitempty"`
		VideoURL string           `json:"video_url,omitempty" yaml:"video_url,omitempty"`
	}{ID: jobID, Status: resp.Status, Message: resp.Message}
	if resp.Status == models.JobStatusCompleted {
		out.VideoURL = videoURL
	}

	if done, err := writeStructured(w, out); done {
		return err
	}
	fieldTable(w, [][2]string{
		{"Job ID", out.ID},
		{"Status", string(out.Status)},
		{"Message", out.Message},
		{"Video URL", out.VideoURL},
	})
	return nil
}

func formatParameters(p models.Parameters) string {
	return fmt.Sprintf("duration=%ds quality=%s complexity=%s", p.Duration, p.Quality, p.Complexity)
}

// summarizeCode shortens generated code to its first line and a line count
func summarizeCode(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	lines := strings.Split(code, "\n")
	if len(lines) == 1 {
		return lines[0]
	}
	return fmt.Sprintf("%s ... (%d lines)", lines[0], len(lines))
}
