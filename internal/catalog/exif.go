package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"
)

// CaptureTimeReader extracts when a photo was taken.
type CaptureTimeReader interface {
	CaptureTime(ctx context.Context, path string) (time.Time, bool)
}

// ExifTool reads DateTimeOriginal with exiftool -json.
type ExifTool struct {
	Binary string
}

var exifLayouts = []string{
	"2006:01:02 15:04:05",
	"2006:01:02 15:04:05-07:00",
	"2006:01:02 15:04:05.00",
	"2006:01:02 15:04:05.000",
}

// CaptureTime returns the capture time, or false when exiftool is missing
// or the tag is absent.
func (e ExifTool) CaptureTime(ctx context.Context, path string) (time.Time, bool) {
	bin := e.Binary
	if bin == "" {
		bin = "exiftool"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return time.Time{}, false
	}
	cmd := exec.CommandContext(ctx, bin, "-json", "-DateTimeOriginal", "-CreateDate", path)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return time.Time{}, false
	}
	var parsed []map[string]any
	if err := json.Unmarshal(out.Bytes(), &parsed); err != nil || len(parsed) == 0 {
		return time.Time{}, false
	}
	for _, key := range []string{"DateTimeOriginal", "CreateDate"} {
		if v, ok := parsed[0][key].(string); ok {
			if t, ok := parseExifTime(v); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// parseExifTime reads an EXIF date. Zone offsets are dropped so the wall
// clock time of the camera is kept.
func parseExifTime(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	for _, layout := range exifLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC), true
		}
	}
	return time.Time{}, false
}
