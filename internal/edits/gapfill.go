package edits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"timeflow/internal/history"
)

// Proxies maps photo identifiers to proxy paths.
type Proxies interface {
	ProxyPath(id string) string
}

// IDGenerator mints identifiers for new photos.
type IDGenerator interface {
	New() string
}

// Timeline receives the frame a gap fill creates. Insert places the new
// photo between prevID and nextID; Remove takes it out again.
type Timeline interface {
	InsertBetween(ctx context.Context, id, prevID, nextID string) error
	Remove(ctx context.Context, id string) error
}

// GapFill blends two neighbouring photos into a new in-between frame.
type GapFill struct {
	backend   Rasterizer
	proxies   Proxies
	ids       IDGenerator
	timeline  Timeline
	currentID string
	nextID    string
	alpha     float64

	createdID string
	created   bool
	log       *slog.Logger
}

// NewGapFill returns a command creating a 50/50 blend of currentID and
// nextID. timeline may be nil when the caller inserts the catalog entry
// itself using CreatedID.
func NewGapFill(backend Rasterizer, proxies Proxies, ids IDGenerator, timeline Timeline, currentID, nextID string, log *slog.Logger) *GapFill {
	return &GapFill{
		backend:   backend,
		proxies:   proxies,
		ids:       ids,
		timeline:  timeline,
		currentID: currentID,
		nextID:    nextID,
		alpha:     0.5,
		log:       orDefault(log),
	}
}

func (g *GapFill) Name() string { return "gap-fill" }

// CreatedID is the identifier of the generated frame, empty before the
// first successful Apply. Redo reuses the same identifier.
func (g *GapFill) CreatedID() string { return g.createdID }

func (g *GapFill) Apply(ctx context.Context) history.Result {
	if g.created {
		return history.Skipped("frame already exists")
	}
	id := g.createdID
	if id == "" {
		id = g.ids.New()
	}
	out := g.proxies.ProxyPath(id)
	current := g.proxies.ProxyPath(g.currentID)
	next := g.proxies.ProxyPath(g.nextID)

	if err := g.backend.Blend(current, next, out, g.alpha); err != nil {
		g.log.Warn("gap-fill blend failed", "current", g.currentID, "next", g.nextID, "error", err)
		return history.Failure(err)
	}
	if g.timeline != nil {
		if err := g.timeline.InsertBetween(ctx, id, g.currentID, g.nextID); err != nil {
			g.log.Warn("gap-fill catalog insert failed", "id", id, "error", err)
			os.Remove(out)
			return history.Failure(err)
		}
	}
	g.createdID = id
	g.created = true
	return history.Done(id)
}

func (g *GapFill) Reverse(ctx context.Context) history.Result {
	if !g.created {
		return history.Skipped("no frame to remove")
	}
	g.created = false

	var errs []error
	if g.timeline != nil {
		if err := g.timeline.Remove(ctx, g.createdID); err != nil {
			errs = append(errs, fmt.Errorf("catalog: %w", err))
		}
	}
	if err := os.Remove(g.proxies.ProxyPath(g.createdID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		g.log.Warn("gap-fill removal incomplete", "id", g.createdID, "error", err)
		return history.Failure(err)
	}
	return history.Done(g.createdID)
}
