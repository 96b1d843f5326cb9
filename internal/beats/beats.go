// Package beats finds beat times in a music track so photos can be cut on
// the beat.
package beats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"timeflow/internal/schedule"
)

const (
	hopSize = 512

	minBPM = 60.0
	maxBPM = 180.0

	// onsets weaker than this share of the strongest one are ignored
	onsetFloor = 0.1

	// transcode target for formats other than WAV
	transcodeRate = 22050
)

// Track is the result of beat detection.
type Track struct {
	Beats    []float64 `json:"beats"`
	Tempo    float64   `json:"tempo"`
	Duration float64   `json:"duration"`
}

// Detector reads audio files and tracks their beats.
type Detector struct {
	ffmpeg          string
	originThreshold float64
	tempDir         string
	log             *slog.Logger
}

// NewDetector returns a Detector using ffmpegPath to transcode non-WAV input.
func NewDetector(ffmpegPath, tempDir string, originThreshold float64, log *slog.Logger) *Detector {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Detector{ffmpeg: ffmpegPath, originThreshold: originThreshold, tempDir: tempDir, log: log}
}

// Detect decodes path and returns its beat track. A beat at 0 is prepended
// when the first detected beat is later than the origin threshold.
func (d *Detector) Detect(ctx context.Context, path string) (Track, error) {
	wavPath := path
	if !strings.EqualFold(filepath.Ext(path), ".wav") {
		tmp, err := d.transcode(ctx, path)
		if err != nil {
			return Track{}, err
		}
		defer os.Remove(tmp)
		wavPath = tmp
	}

	samples, rate, err := ReadWAV(wavPath)
	if err != nil {
		return Track{}, err
	}
	track := DetectSamples(samples, rate)
	track.Beats = schedule.PrependOrigin(track.Beats, d.originThreshold)
	d.log.Info("beats detected",
		"audio", path,
		"beats", len(track.Beats),
		"tempo", fmt.Sprintf("%.1f", track.Tempo),
		"duration", fmt.Sprintf("%.2fs", track.Duration),
	)
	return track, nil
}

func (d *Detector) transcode(ctx context.Context, path string) (string, error) {
	f, err := os.CreateTemp(d.tempDir, "timeflow-audio-*.wav")
	if err != nil {
		return "", err
	}
	out := f.Name()
	f.Close()

	args := []string{"-y", "-v", "error", "-i", path, "-ac", "1", "-ar", fmt.Sprint(transcodeRate), "-f", "wav", out}
	d.log.Debug("executing ffmpeg command", "args", args)
	output, err := exec.CommandContext(ctx, d.ffmpeg, args...).CombinedOutput()
	if err != nil {
		os.Remove(out)
		d.log.Error("ffmpeg transcode failed", "audio", path, "error", err, "ffmpeg_output", string(output))
		return "", fmt.Errorf("transcode %s: %w", path, err)
	}
	return out, nil
}

// ReadWAV decodes a PCM WAV file to mono samples in [-1, 1].
func ReadWAV(path string) ([]float64, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return nil, 0, errors.New("input is not a valid WAV audio file")
	}
	divisor, err := audioDivisor(int(decoder.BitDepth))
	if err != nil {
		return nil, 0, err
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("read pcm: %w", err)
	}
	return downmix(buf, divisor), int(decoder.SampleRate), nil
}

func audioDivisor(bitDepth int) (float64, error) {
	switch bitDepth {
	case 8:
		return 128, nil
	case 16:
		return 32768, nil
	case 24:
		return 8388608, nil
	case 32:
		return 2147483648, nil
	default:
		return 0, fmt.Errorf("unsupported bit depth: %d", bitDepth)
	}
}

func downmix(buf *audio.IntBuffer, divisor float64) []float64 {
	channels := 1
	if buf.Format != nil && buf.Format.NumChannels > 0 {
		channels = buf.Format.NumChannels
	}
	out := make([]float64, len(buf.Data)/channels)
	for i := range out {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(buf.Data[i*channels+c])
		}
		out[i] = sum / float64(channels) / divisor
	}
	return out
}

// DetectSamples tracks beats in mono samples at the given rate. It never
// prepends a synthetic origin.
func DetectSamples(samples []float64, rate int) Track {
	if rate <= 0 {
		return Track{}
	}
	track := Track{Duration: float64(len(samples)) / float64(rate)}
	env := onsetEnvelope(samples)
	if len(env) < 2 {
		return track
	}
	frameRate := float64(rate) / hopSize

	period := estimatePeriod(env, frameRate)
	if period == 0 {
		return track
	}
	track.Tempo = 60 * frameRate / float64(period)
	for _, f := range trackBeats(env, period) {
		track.Beats = append(track.Beats, float64(f)/frameRate)
	}
	return track
}

// onsetEnvelope is the half-wave rectified rise in compressed frame energy.
func onsetEnvelope(samples []float64) []float64 {
	frames := len(samples) / hopSize
	if frames == 0 {
		return nil
	}
	energy := make([]float64, frames)
	for f := range energy {
		var sum float64
		for _, s := range samples[f*hopSize : (f+1)*hopSize] {
			sum += s * s
		}
		energy[f] = math.Log1p(1000 * sum / hopSize)
	}
	env := make([]float64, frames)
	for f := 1; f < frames; f++ {
		if rise := energy[f] - energy[f-1]; rise > 0 {
			env[f] = rise
		}
	}
	if energy[0] > 0 {
		env[0] = energy[0]
	}
	return env
}

// estimatePeriod returns the beat period in frames, chosen by
// autocorrelation over 60-180 BPM with a mild preference for 120 BPM.
func estimatePeriod(env []float64, frameRate float64) int {
	smooth := make([]float64, len(env))
	for i := range env {
		v := 0.5 * env[i]
		if i > 0 {
			v += 0.25 * env[i-1]
		}
		if i+1 < len(env) {
			v += 0.25 * env[i+1]
		}
		smooth[i] = v
	}

	minLag := int(math.Floor(60 * frameRate / maxBPM))
	maxLag := int(math.Ceil(60 * frameRate / minBPM))
	if minLag < 1 {
		minLag = 1
	}
	if maxLag >= len(smooth) {
		maxLag = len(smooth) - 1
	}

	best, bestScore := 0, 0.0
	for lag := minLag; lag <= maxLag; lag++ {
		var ac float64
		for i := lag; i < len(smooth); i++ {
			ac += smooth[i] * smooth[i-lag]
		}
		bpm := 60 * frameRate / float64(lag)
		octaves := math.Log2(bpm / 120)
		score := ac * math.Exp(-0.5*octaves*octaves)
		if score > bestScore {
			best, bestScore = lag, score
		}
	}
	return best
}

// trackBeats walks the envelope from the first strong onset, snapping each
// predicted beat to the strongest onset within 20% of the period. Tracking
// stops after the last strong onset.
func trackBeats(env []float64, period int) []int {
	peak := 0.0
	for _, v := range env {
		peak = math.Max(peak, v)
	}
	if peak == 0 {
		return nil
	}
	floor := onsetFloor * peak

	first, last := -1, -1
	for i, v := range env {
		if v >= floor {
			if first < 0 {
				first = i
			}
			last = i
		}
	}

	slack := int(math.Round(0.2 * float64(period)))
	beats := []int{first}
	cur := first
	for {
		predicted := cur + period
		if predicted > last+slack {
			break
		}
		next, strength := predicted, 0.0
		for i := max(cur+1, predicted-slack); i <= predicted+slack && i < len(env); i++ {
			if env[i] >= floor && env[i] > strength {
				next, strength = i, env[i]
			}
		}
		if next > last {
			break
		}
		beats = append(beats, next)
		cur = next
	}
	return beats
}
