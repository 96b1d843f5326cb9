// Package catalog keeps the photo timeline: ingestion of originals, their
// proxies and the time-ordered records that tie them together.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"timeflow/internal/config"
	"timeflow/internal/fsutil"
	"timeflow/internal/ident"
	"timeflow/internal/raster"
	"timeflow/internal/storage"
)

var (
	// ErrNotFound is returned for an unknown photo id.
	ErrNotFound = storage.ErrNotFound
	// ErrNoNeighbor is returned when a photo has no previous or next photo.
	ErrNoNeighbor = errors.New("no neighbouring photo")
)

// Photo is a timeline entry.
type Photo = storage.PhotoRecord

// Thumbnailer writes downsized JPEG copies.
type Thumbnailer interface {
	Thumbnail(src, dst string, maxSide int) error
}

// Interpolation decides where a generated frame lands between two photos.
type Interpolation struct {
	// Policy is "midpoint" or "offset".
	Policy string
	// Offset is added to the earlier timestamp by the offset policy.
	Offset time.Duration
}

// Place returns the timestamp for a frame between prev and next.
func (p Interpolation) Place(prev, next time.Time) time.Time {
	if strings.EqualFold(p.Policy, "offset") {
		offset := p.Offset
		if offset <= 0 {
			offset = 12 * time.Hour
		}
		return prev.Add(offset)
	}
	if !next.After(prev) {
		return prev.Add(time.Second)
	}
	return prev.Add(next.Sub(prev) / 2).Truncate(time.Second)
}

// Options configure a Catalog.
type Options struct {
	Root          string
	ProxySize     int
	Interpolation Interpolation
	Exif          CaptureTimeReader
	Clock         ident.Clock
	IDs           ident.IDGenerator
}

// Catalog owns the project directories and the photo table.
type Catalog struct {
	store     *storage.Store
	thumbs    Thumbnailer
	exif      CaptureTimeReader
	clock     ident.Clock
	ids       ident.IDGenerator
	originals string
	proxies   string
	proxySize int
	interp    Interpolation
	log       *slog.Logger

	// serializes timestamp allocation
	mu sync.Mutex
}

// New returns a Catalog rooted at opts.Root.
func New(store *storage.Store, thumbs Thumbnailer, opts Options, log *slog.Logger) *Catalog {
	if log == nil {
		log = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = ident.RealClock{}
	}
	if opts.IDs == nil {
		opts.IDs = ident.UUIDGenerator{}
	}
	if opts.Exif == nil {
		opts.Exif = ExifTool{}
	}
	if opts.ProxySize <= 0 {
		opts.ProxySize = 500
	}
	return &Catalog{
		store:     store,
		thumbs:    thumbs,
		exif:      opts.Exif,
		clock:     opts.Clock,
		ids:       opts.IDs,
		originals: filepath.Join(opts.Root, "originals"),
		proxies:   filepath.Join(opts.Root, "proxies"),
		proxySize: opts.ProxySize,
		interp:    opts.Interpolation,
		log:       log,
	}
}

// FromConfig builds a Catalog from the project configuration.
func FromConfig(cfg *config.Config, store *storage.Store, thumbs Thumbnailer, log *slog.Logger) *Catalog {
	offset, _ := cfg.GapFillOffset()
	return New(store, thumbs, Options{
		Root:          cfg.Project.Root,
		ProxySize:     cfg.Ingest.ProxySize,
		Interpolation: Interpolation{Policy: cfg.Editing.GapFillPolicy, Offset: offset},
		Exif:          ExifTool{Binary: cfg.Ingest.ExifTool},
	}, log)
}

// IDs exposes the identifier generator used for new photos.
func (c *Catalog) IDs() ident.IDGenerator { return c.ids }

// ProxyPath is where the proxy of id lives.
func (c *Catalog) ProxyPath(id string) string {
	return filepath.Join(c.proxies, id+".jpg")
}

// Ingest copies an original into the project, makes its proxy and records
// it. A capture time already in use is moved forward one second at a time.
func (c *Catalog) Ingest(ctx context.Context, src string) (Photo, error) {
	if !fsutil.IsImageFile(src) {
		return Photo{}, fmt.Errorf("%s: %w", src, raster.ErrUnsupportedFormat)
	}
	id := c.ids.New()
	original := filepath.Join(c.originals, id+strings.ToLower(filepath.Ext(src)))
	proxy := c.ProxyPath(id)

	if err := fsutil.CopyFile(src, original); err != nil {
		return Photo{}, fmt.Errorf("copy original: %w", err)
	}
	if err := os.MkdirAll(c.proxies, 0o755); err != nil {
		os.Remove(original)
		return Photo{}, err
	}
	if err := c.thumbs.Thumbnail(original, proxy, c.proxySize); err != nil {
		os.Remove(original)
		return Photo{}, fmt.Errorf("make proxy: %w", err)
	}

	taken, ok := c.exif.CaptureTime(ctx, src)
	if !ok {
		now := c.clock.Now()
		taken = time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), now.Second(), 0, time.UTC)
		c.log.Debug("no capture time, using clock", "source", src, "taken_at", taken)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	taken, err := c.uniqueTime(ctx, taken)
	if err != nil {
		c.cleanup(original, proxy)
		return Photo{}, err
	}
	rec := Photo{ID: id, TakenAt: taken, ProxyPath: proxy, OriginalPath: original}
	if err := c.store.InsertPhoto(ctx, rec); err != nil {
		c.cleanup(original, proxy)
		return Photo{}, err
	}
	c.log.Info("photo ingested", "id", id, "source", src, "raw", fsutil.IsRAWFile(src), "taken_at", taken.Format(storage.TimeLayout))
	return rec, nil
}

// IngestPaths ingests files and every image under directories, returning
// the records added and the failures joined.
func (c *Catalog) IngestPaths(ctx context.Context, paths ...string) ([]Photo, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		found, err := fsutil.ListImages(p)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}

	var added []Photo
	var errs []error
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rec, err := c.Ingest(ctx, f)
		if err != nil {
			c.log.Warn("ingest failed", "source", f, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", f, err))
			continue
		}
		added = append(added, rec)
	}
	return added, errors.Join(errs...)
}

func (c *Catalog) cleanup(paths ...string) {
	for _, p := range paths {
		os.Remove(p)
	}
}

func (c *Catalog) uniqueTime(ctx context.Context, t time.Time) (time.Time, error) {
	for {
		taken, err := c.store.TakenAtExists(ctx, t)
		if err != nil {
			return time.Time{}, err
		}
		if !taken {
			return t, nil
		}
		t = t.Add(time.Second)
	}
}

// Timeline returns every photo in capture order.
func (c *Catalog) Timeline(ctx context.Context) ([]Photo, error) {
	return c.store.Photos(ctx)
}

// Get returns one photo.
func (c *Catalog) Get(ctx context.Context, id string) (Photo, error) {
	return c.store.PhotoByID(ctx, id)
}

// Neighbors returns the photos directly before and after id. Either may be
// nil at the ends of the timeline.
func (c *Catalog) Neighbors(ctx context.Context, id string) (prev, next *Photo, err error) {
	photos, err := c.Timeline(ctx)
	if err != nil {
		return nil, nil, err
	}
	for i := range photos {
		if photos[i].ID != id {
			continue
		}
		if i > 0 {
			prev = &photos[i-1]
		}
		if i+1 < len(photos) {
			next = &photos[i+1]
		}
		return prev, next, nil
	}
	return nil, nil, fmt.Errorf("photo %s: %w", id, ErrNotFound)
}

// Previous returns the photo before id.
func (c *Catalog) Previous(ctx context.Context, id string) (Photo, error) {
	prev, _, err := c.Neighbors(ctx, id)
	if err != nil {
		return Photo{}, err
	}
	if prev == nil {
		return Photo{}, fmt.Errorf("before %s: %w", id, ErrNoNeighbor)
	}
	return *prev, nil
}

// Next returns the photo after id.
func (c *Catalog) Next(ctx context.Context, id string) (Photo, error) {
	_, next, err := c.Neighbors(ctx, id)
	if err != nil {
		return Photo{}, err
	}
	if next == nil {
		return Photo{}, fmt.Errorf("after %s: %w", id, ErrNoNeighbor)
	}
	return *next, nil
}

// InsertBetween records a generated frame whose proxy already exists at
// ProxyPath(id), timed between prevID and nextID by the interpolation policy.
func (c *Catalog) InsertBetween(ctx context.Context, id, prevID, nextID string) error {
	prev, err := c.Get(ctx, prevID)
	if err != nil {
		return err
	}
	next, err := c.Get(ctx, nextID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	taken, err := c.uniqueTime(ctx, c.interp.Place(prev.TakenAt, next.TakenAt))
	if err != nil {
		return err
	}
	if !taken.Before(next.TakenAt) {
		c.log.Warn("generated frame lands after its next photo", "id", id, "taken_at", taken, "next", nextID)
	}
	return c.store.InsertPhoto(ctx, Photo{ID: id, TakenAt: taken, ProxyPath: c.ProxyPath(id), Synthetic: true})
}

// Remove deletes the record of id. Files are left to the caller.
func (c *Catalog) Remove(ctx context.Context, id string) error {
	return c.store.DeletePhoto(ctx, id)
}
