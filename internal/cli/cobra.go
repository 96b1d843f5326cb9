package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"timeflow/internal/ident"
	"timeflow/internal/pipeline"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "timeflow",
		Short: "Timeflow keeps a photo-a-day journal and turns it into a timelapse",
		Long: `Timeflow ingests daily photos into a dated timeline, corrects them with
reversible edits (rotate, auto-align, deflicker, gap-fill) and renders the
timeline as a video, optionally cut to the beat of a soundtrack.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newIngestCmd(root))
	rootCmd.AddCommand(newListCmd(root))
	rootCmd.AddCommand(newEditCmd(root))
	rootCmd.AddCommand(newExportCmd(root))
	rootCmd.AddCommand(newBeatsCmd(root))
	rootCmd.AddCommand(newLandmarksCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newIngestCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file_or_directory>...",
		Short: "Import photos into the timeline",
		Long: `Copy photos into the project, read their capture time and build proxies.
Directories are searched recursively; hidden files are skipped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := make([]string, len(args))
			for i, a := range args {
				abs, err := filepath.Abs(a)
				if err != nil {
					return err
				}
				paths[i] = abs
			}
			job := pipeline.Job{
				ID:      ident.NewID("ingest"),
				Type:    pipeline.JobIngest,
				Options: map[string]any{"paths": paths, "source": "cli"},
			}
			res, err := root.enqueueAndWait(cmd.Context(), job, nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Added %v photo(s)\n", res.Meta["added"])
			if msg, ok := res.Meta["errors"].(string); ok {
				fmt.Fprintf(out, "Some files were skipped:\n%s\n", msg)
			}
			return nil
		},
	}
}

func newListCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the timeline in capture order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			photos, err := root.photos.Timeline(cmd.Context())
			if err != nil {
				return err
			}
			if len(photos) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No photos yet. Add some with: timeflow ingest <path>")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tID\tTAKEN\tKIND")
			for i, p := range photos {
				kind := "photo"
				if p.Synthetic {
					kind = "gap-fill"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, p.ID, p.TakenAt.Format("2006-01-02 15:04:05"), kind)
			}
			return tw.Flush()
		},
	}
}

func newExportCmd(root *Root) *cobra.Command {
	var (
		audio string
		split bool
		fps   int
		quiet bool
	)

	cmd := &cobra.Command{
		Use:   "export [output.mp4]",
		Short: "Render the timeline to a video",
		Long: `Render every proxy in capture order. With --audio the frame timing follows
the detected beats of the track, otherwise frames advance at a flat cadence.

Examples:
  timeflow export
  timeflow export year.mp4 --audio song.mp3 --split-screen`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := filepath.Join(root.cfg.Render.OutputDir, "timeflow-"+time.Now().Format("2006-01-02")+".mp4")
			if len(args) == 1 {
				output = args[0]
			}
			if abs, err := filepath.Abs(output); err == nil {
				output = abs
			}
			if audio != "" {
				if abs, err := filepath.Abs(audio); err == nil {
					audio = abs
				}
			}
			if !cmd.Flags().Changed("split-screen") {
				split = root.cfg.Render.SplitScreen
			}

			root.log.Info("export command parsed",
				"output", output,
				"audio", audio,
				"split_screen", split,
				"fps", fps,
			)

			job := pipeline.Job{
				ID:     ident.NewID("export"),
				Type:   pipeline.JobExport,
				Output: output,
				Options: map[string]any{
					"audio":       audio,
					"splitScreen": split,
					"fps":         fps,
					"source":      "cli",
				},
			}
			out := cmd.OutOrStdout()
			var progress func(int)
			if !quiet {
				progress = func(p int) { fmt.Fprintf(out, "\rRendering... %3d%%", p) }
			}
			res, err := root.enqueueAndWait(cmd.Context(), job, progress)
			if !quiet {
				fmt.Fprintln(out)
			}
			if err != nil {
				return fmt.Errorf("export failed: %w", err)
			}
			fmt.Fprintf(out, "Wrote %s (%v frames, %.1fs)\n", output, res.Meta["frames"], res.Meta["duration"])
			return nil
		},
	}

	cmd.Flags().StringVar(&audio, "audio", "", "soundtrack to cut the frames to")
	cmd.Flags().BoolVar(&split, "split-screen", false, "show the first photo beside the timelapse")
	cmd.Flags().IntVar(&fps, "fps", 0, "output frame rate (default from config)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress")
	return cmd
}

func newBeatsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "beats <audio>",
		Short: "Show the beats detected in an audio file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			track, err := root.beats.Detect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Tempo: %.1f BPM\nDuration: %.2fs\nBeats: %d\n", track.Tempo, track.Duration, len(track.Beats))
			for _, b := range track.Beats {
				fmt.Fprintf(out, "  %.3f\n", b)
			}
			return nil
		},
	}
}

func newLandmarksCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "landmarks <photo_id>",
		Short: "Show the pose of the photo before <photo_id>",
		Long: `Print the body landmarks found on the previous photo of the timeline, the
ghost used to line up the next shot.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			points, ok, err := root.editor.PoseLandmarks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !ok {
				fmt.Fprintln(out, "No pose found")
				return nil
			}
			for i, p := range points {
				fmt.Fprintf(out, "%2d  %.3f, %.3f\n", i, p.X, p.Y)
			}
			return nil
		},
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		watchDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP editing API",
		Long: `Serve the timeline and one editing session over HTTP, with live edit and
job events on a websocket at /ws.

Examples:
  timeflow serve --addr 127.0.0.1:8420
  timeflow serve --watch ~/Pictures/inbox`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting server", "addr", addr, "watch_dir", watchDir)
			return root.serveFn(cmd.Context(), addr, watchDir)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "listen address")
	cmd.Flags().StringVar(&watchDir, "watch", root.cfg.Ingest.WatchDir, "inbox directory to auto-ingest")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [inbox_directory]",
		Short: "Ingest photos as they appear in a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := root.cfg.Ingest.WatchDir
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				return fmt.Errorf("no inbox directory: pass one or set ingest.watch_dir")
			}
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				return fmt.Errorf("inbox %s is not a directory", dir)
			}
			return root.watchFn(cmd.Context(), dir)
		},
	}
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent export and ingest jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := root.jobs.RecentJobs(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tCREATED\tERROR")
			for _, rec := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.JobType, rec.Status,
					rec.CreatedAt.Local().Format("2006-01-02 15:04"), rec.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to show")
	return cmd
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Show the external programs timeflow uses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status := root.surveyFn(cmd.Context(), root.cfg)
			names := make([]string, 0, len(status))
			for name := range status {
				names = append(names, name)
			}
			sort.Strings(names)
			out := cmd.OutOrStdout()
			for _, name := range names {
				st := status[name]
				if !st.Available {
					fmt.Fprintf(out, "  %-10s missing\n", name)
					continue
				}
				fmt.Fprintf(out, "  %-10s %s (%s)\n", name, st.Version, st.Path)
			}
			return nil
		},
	}
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Timeflow v%s\n", Version)
		},
	}
}
