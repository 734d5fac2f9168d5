package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/forPelevin/hlclip/internal/jobs"
	"github.com/forPelevin/hlclip/internal/pipeline"
	"github.com/forPelevin/hlclip/internal/queue"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <input>",
		Short: "Process a local file or URL in this process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInline(cmd, args[0])
		},
	}
	addRequestFlags(cmd)
	cmd.Flags().String("out", "", "Output directory")
	return cmd
}

func addRequestFlags(cmd *cobra.Command) {
	cmd.Flags().Int("clips", 0, "Number of clips (default from config)")
	cmd.Flags().Float64("duration", 0, "Max clip duration in seconds (default from config)")
	cmd.Flags().String("resolution", "", "portrait, landscape or square")
	cmd.Flags().Bool("burn-captions", false, "Burn the hook caption into each clip")
	cmd.Flags().String("cookies", "", "Cookies file passed to yt-dlp")
	cmd.Flags().StringArray("header", nil, "Extra download header, \"Name: value\" (repeatable)")
}

func requestFromFlags(cmd *cobra.Command, input string) (pipeline.Request, error) {
	clips, _ := cmd.Flags().GetInt("clips")
	dur, _ := cmd.Flags().GetFloat64("duration")
	res, _ := cmd.Flags().GetString("resolution")
	burn, _ := cmd.Flags().GetBool("burn-captions")
	cookies, _ := cmd.Flags().GetString("cookies")
	headers, _ := cmd.Flags().GetStringArray("header")

	if clips < 0 {
		return pipeline.Request{}, fmt.Errorf("--clips must be > 0")
	}
	if dur < 0 {
		return pipeline.Request{}, fmt.Errorf("--duration must be > 0")
	}
	src := pipeline.SourceFor(input)
	src.CookiesFile = cookies
	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return pipeline.Request{}, fmt.Errorf("invalid --header %q, want \"Name: value\"", h)
		}
		if src.Headers == nil {
			src.Headers = map[string]string{}
		}
		src.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return pipeline.Request{
		Source:       src,
		ClipCount:    clips,
		ClipDuration: dur,
		Resolution:   res,
		BurnCaptions: burn,
	}, nil
}

func runInline(cmd *cobra.Command, input string) error {
	req, err := requestFromFlags(cmd, input)
	if err != nil {
		return err
	}
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	p, err := app.Params(req, time.Now())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	events, unsubscribe := app.Events.Subscribe(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			fmt.Fprintf(out, "[%3d%%] %s\n", ev.Progress, ev.Message)
		}
	}()

	ctx := cmd.Context()
	id, runErr := queue.Submit(ctx, app.Store, queue.Inline{Runner: app.Usecase}, p)
	unsubscribe()
	<-done
	if id == "" {
		return runErr
	}

	job, err := app.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	printJob(out, job)
	if job.Status == jobs.StatusCompleted {
		fmt.Fprintf(out, "manifest: %s\n", filepath.Join(p.OutDir, "manifest.json"))
	}
	return runErr
}

func printJob(w io.Writer, job jobs.Job) {
	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")
	table.Append("Job", job.ID)
	table.Append("Status", string(job.Status))
	table.Append("Progress", fmt.Sprintf("%d%%", job.Progress))
	if job.Message != "" {
		table.Append("Message", job.Message)
	}
	if job.Error != "" {
		table.Append("Error", job.Error)
	}
	table.Append("Created", job.CreatedAt.Format(time.RFC3339))
	table.Append("Updated", job.UpdatedAt.Format(time.RFC3339))
	table.Render()

	if len(job.Clips) == 0 {
		return
	}
	clips := tablewriter.NewWriter(w)
	clips.Header("#", "Start", "End", "Virality", "Combined", "Asset")
	for _, c := range job.Clips {
		asset := c.Asset
		if c.Degraded {
			asset += " (preview)"
		}
		clips.Append(
			fmt.Sprintf("%d", c.Ordinal),
			fmt.Sprintf("%.1fs", c.Start),
			fmt.Sprintf("%.1fs", c.End),
			fmt.Sprintf("%.1f", c.ViralityScore),
			fmt.Sprintf("%.2f", c.CombinedScore),
			asset,
		)
	}
	clips.Render()
}
