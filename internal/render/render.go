// Package render assembles scheduled photos and an optional soundtrack into
// a video with ffmpeg.
package render

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"timeflow/internal/config"
	"timeflow/internal/raster"
	"timeflow/internal/schedule"
)

// ErrNoFrames is returned when there is nothing to render.
var ErrNoFrames = errors.New("render: no frames")

// Progress milestones, in percent.
const (
	ProgressPrepared = 40
	ProgressEncoding = 60
	ProgressDone     = 100
)

// Request describes one export.
type Request struct {
	Frames      []schedule.Frame
	Audio       string
	Output      string
	SplitScreen bool
	FPS         int // 0 uses the configured rate
}

// Result captures output metadata.
type Result struct {
	Output   string  `json:"output"`
	Frames   int     `json:"frames"`
	Duration float64 `json:"duration"`
	Size     int64   `json:"size"`
}

// Options are the encoder settings.
type Options struct {
	FFmpegPath string
	FPS        int
	Codec      string
	Preset     string
	AudioCodec string
	Threads    int
	TempDir    string
}

// OptionsFromConfig reads encoder settings from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		FFmpegPath: cfg.Render.FFmpegPath,
		FPS:        cfg.Render.FPS,
		Codec:      cfg.Render.Codec,
		Preset:     cfg.Render.Preset,
		AudioCodec: cfg.Render.AudioCodec,
		Threads:    cfg.Render.Threads,
		TempDir:    cfg.Processing.TempDir,
	}
}

func (o Options) withDefaults() Options {
	if o.FFmpegPath == "" {
		o.FFmpegPath = "ffmpeg"
	}
	if o.FPS <= 0 {
		o.FPS = 30
	}
	if o.Codec == "" {
		o.Codec = "libx264"
	}
	if o.Preset == "" {
		o.Preset = "medium"
	}
	if o.AudioCodec == "" {
		o.AudioCodec = "aac"
	}
	if o.Threads <= 0 {
		o.Threads = 4
	}
	return o
}

// Renderer runs ffmpeg.
type Renderer struct {
	opts Options
	log  *slog.Logger
}

// New returns a Renderer.
func New(opts Options, log *slog.Logger) *Renderer {
	if log == nil {
		log = slog.Default()
	}
	return &Renderer{opts: opts.withDefaults(), log: log}
}

// Render encodes req.Frames to req.Output. progress may be nil.
func (r *Renderer) Render(ctx context.Context, req Request, progress func(int)) (Result, error) {
	report := func(p int) {
		if progress != nil {
			progress(p)
		}
	}
	if len(req.Frames) == 0 {
		return Result{}, ErrNoFrames
	}

	fps := r.opts.FPS
	if req.FPS > 0 {
		fps = req.FPS
	}
	r.log.Info("starting render",
		"output", req.Output,
		"frames", len(req.Frames),
		"audio", req.Audio,
		"split_screen", req.SplitScreen,
		"fps", fps,
	)

	canvas, err := Canvas(req.Frames[0].Path)
	if err != nil {
		return Result{}, fmt.Errorf("read first frame: %w", err)
	}

	work, err := os.MkdirTemp(r.opts.TempDir, "timeflow-render-")
	if err != nil {
		return Result{}, err
	}
	defer os.RemoveAll(work)

	listPath := filepath.Join(work, "frames.ffconcat")
	var list bytes.Buffer
	if err := writeConcat(&list, req.Frames, func(i int) {
		report(i * ProgressPrepared / len(req.Frames))
	}); err != nil {
		return Result{}, err
	}
	if err := os.WriteFile(listPath, list.Bytes(), 0o644); err != nil {
		return Result{}, err
	}
	report(ProgressPrepared)

	if err := os.MkdirAll(filepath.Dir(req.Output), 0o755); err != nil {
		return Result{}, err
	}
	if err := backupExistingFile(req.Output); err != nil {
		r.log.Warn("failed to backup existing file", "file", req.Output, "error", err)
	}

	total := schedule.Total(req.Frames)
	args := Args(r.opts, req, listPath, canvas, total)
	report(ProgressEncoding)
	r.log.Info("executing ffmpeg command", "args", args)

	if err := r.run(ctx, args, total, report); err != nil {
		return Result{}, err
	}

	stat, err := os.Stat(req.Output)
	if err != nil {
		r.log.Error("failed to stat output file", "file", req.Output, "error", err)
		return Result{}, err
	}
	report(ProgressDone)
	return Result{Output: req.Output, Frames: len(req.Frames), Duration: total, Size: stat.Size()}, nil
}

func (r *Renderer) run(ctx context.Context, args []string, total float64, report func(int)) error {
	cmd := exec.CommandContext(ctx, r.opts.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	trackProgress(stdout, total, report)
	if err := cmd.Wait(); err != nil {
		r.log.Error("ffmpeg failed", "error", err, "ffmpeg_output", stderr.String())
		return fmt.Errorf("ffmpeg failed: %w", err)
	}
	return nil
}

// trackProgress maps ffmpeg -progress output onto the encoding range.
func trackProgress(out io.Reader, total float64, report func(int)) {
	span := ProgressDone - ProgressEncoding - 1
	last := ProgressEncoding
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok || key != "out_time_ms" || total <= 0 {
			continue
		}
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		frac := float64(us) / 1e6 / total
		if frac > 1 {
			frac = 1
		}
		if p := ProgressEncoding + int(frac*float64(span)); p > last {
			last = p
			report(p)
		}
	}
}

// Canvas returns the output frame size: the first photo's size rounded
// down to even dimensions.
func Canvas(firstFrame string) (image.Point, error) {
	cfg, err := raster.DecodeConfig(firstFrame)
	if err != nil {
		return image.Point{}, err
	}
	w, h := cfg.Width&^1, cfg.Height&^1
	if w == 0 || h == 0 {
		return image.Point{}, fmt.Errorf("frame too small: %dx%d", cfg.Width, cfg.Height)
	}
	return image.Pt(w, h), nil
}

// writeConcat writes an ffconcat playlist. The last file is listed twice
// so the demuxer honours its duration.
func writeConcat(w io.Writer, frames []schedule.Frame, step func(int)) error {
	if _, err := fmt.Fprintln(w, "ffconcat version 1.0"); err != nil {
		return err
	}
	for i, f := range frames {
		if _, err := fmt.Fprintf(w, "file %s\nduration %s\n", quote(f.Path), seconds(f.Duration)); err != nil {
			return err
		}
		step(i)
	}
	_, err := fmt.Fprintf(w, "file %s\n", quote(frames[len(frames)-1].Path))
	return err
}

func quote(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// Args builds the ffmpeg argument list.
func Args(opts Options, req Request, listPath string, canvas image.Point, total float64) []string {
	if req.FPS > 0 {
		opts.FPS = req.FPS
	}
	opts = opts.withDefaults()
	fit := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1",
		canvas.X, canvas.Y, canvas.X, canvas.Y)

	args := []string{"-y", "-v", "error", "-progress", "pipe:1", "-nostats",
		"-f", "concat", "-safe", "0", "-i", listPath}
	next := 1
	if req.SplitScreen {
		args = append(args, "-loop", "1", "-t", seconds(total), "-i", req.Frames[0].Path)
		next++
	}
	audioInput := -1
	if req.Audio != "" {
		args = append(args, "-i", req.Audio)
		audioInput = next
	}

	if req.SplitScreen {
		graph := fmt.Sprintf("[0:v]%s,fps=%d[main];[1:v]%s,fps=%d[still];[still][main]hstack=inputs=2,format=yuv420p[v]",
			fit, opts.FPS, fit, opts.FPS)
		args = append(args, "-filter_complex", graph, "-map", "[v]")
	} else {
		args = append(args, "-vf", fit+fmt.Sprintf(",fps=%d,format=yuv420p", opts.FPS), "-map", "0:v")
	}
	if audioInput >= 0 {
		args = append(args, "-map", fmt.Sprintf("%d:a", audioInput), "-c:a", opts.AudioCodec)
	}

	args = append(args,
		"-c:v", opts.Codec,
		"-preset", opts.Preset,
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(opts.FPS),
		"-threads", strconv.Itoa(opts.Threads),
		"-t", seconds(total),
		"-movflags", "+faststart",
		req.Output,
	)
	return args
}

// backupExistingFile moves an existing output aside with a timestamp suffix.
func backupExistingFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	timestamp := time.Now().Format("20060102-150405")
	return os.Rename(path, path+".backup."+timestamp)
}
