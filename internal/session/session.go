// Package session runs the interactive editing of one journal: it resolves
// photos and their neighbours, builds the edit commands and keeps them on a
// single undo history.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"timeflow/internal/catalog"
	"timeflow/internal/edits"
	"timeflow/internal/estimator"
	"timeflow/internal/history"
	"timeflow/internal/ident"
)

// DefaultRotation is the quarter turn applied by a plain rotate request,
// clockwise.
const DefaultRotation = -90.0

// Catalog is what the session needs from the photo timeline.
type Catalog interface {
	Get(ctx context.Context, id string) (catalog.Photo, error)
	Neighbors(ctx context.Context, id string) (prev, next *catalog.Photo, err error)
	ProxyPath(id string) string
	InsertBetween(ctx context.Context, id, prevID, nextID string) error
	Remove(ctx context.Context, id string) error
}

// Estimator answers the face tilt and body pose questions.
type Estimator interface {
	EstimateTilt(ctx context.Context, img image.Image) (float64, bool)
	EstimatePose(ctx context.Context, img image.Image) ([]estimator.Point, bool)
}

// Event describes one history change.
type Event struct {
	Action  string `json:"action"` // apply, undo, redo
	Command string `json:"command,omitempty"`
	PhotoID string `json:"photo_id,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Error   string `json:"error,omitempty"`
	State   State  `json:"state"`
}

// State is a snapshot of the history stacks.
type State struct {
	Undo    []history.Entry `json:"undo"`
	Redo    []history.Entry `json:"redo"`
	CanUndo bool            `json:"can_undo"`
	CanRedo bool            `json:"can_redo"`
}

// Deps are the collaborators of a Session.
type Deps struct {
	Catalog   Catalog
	Backend   edits.Rasterizer
	Estimator Estimator
	Matcher   edits.LumaMatcher
	IDs       ident.IDGenerator
}

// Session serializes every edit on one history.
type Session struct {
	mu    sync.Mutex
	hist  *history.History
	turns *edits.Turns
	deps  Deps
	log   *slog.Logger

	subMu     sync.Mutex
	subs      map[int]chan Event
	nextSubID int
}

// New returns a Session with an empty history.
func New(deps Deps, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	if deps.IDs == nil {
		deps.IDs = ident.UUIDGenerator{}
	}
	return &Session{
		hist:  history.New(log),
		turns: edits.NewTurns(),
		deps:  deps,
		log:   log,
		subs:  make(map[int]chan Event),
	}
}

// Rotate turns the proxy of id by degrees, counter-clockwise positive.
func (s *Session) Rotate(ctx context.Context, id string, degrees float64) (history.Result, error) {
	photo, err := s.deps.Catalog.Get(ctx, id)
	if err != nil {
		return history.Result{}, err
	}
	return s.perform(ctx, id, edits.NewRotate(s.deps.Backend, s.turns, photo.ProxyPath, degrees, s.log)), nil
}

// AutoAlign levels id using the face tilt of the previous photo. The first
// photo of the timeline is measured against itself.
func (s *Session) AutoAlign(ctx context.Context, id string) (history.Result, error) {
	photo, prev, _, err := s.resolve(ctx, id)
	if err != nil {
		return history.Result{}, err
	}
	reference := photo.ProxyPath
	if prev != nil {
		reference = prev.ProxyPath
	}
	return s.perform(ctx, id, edits.NewAutoAlign(s.deps.Backend, s.deps.Estimator, photo.ProxyPath, reference, s.log)), nil
}

// Deflicker matches the brightness of id to the previous photo.
func (s *Session) Deflicker(ctx context.Context, id string) (history.Result, error) {
	photo, prev, _, err := s.resolve(ctx, id)
	if err != nil {
		return history.Result{}, err
	}
	if prev == nil {
		return history.Result{}, fmt.Errorf("deflicker %s: %w", id, catalog.ErrNoNeighbor)
	}
	return s.perform(ctx, id, edits.NewDeflicker(s.deps.Backend, s.deps.Matcher, photo.ProxyPath, prev.ProxyPath, s.log)), nil
}

// GapFill creates a blended frame between id and the next photo. The new
// photo id is the Result detail.
func (s *Session) GapFill(ctx context.Context, id string) (history.Result, error) {
	_, _, next, err := s.resolve(ctx, id)
	if err != nil {
		return history.Result{}, err
	}
	if next == nil {
		return history.Result{}, fmt.Errorf("gap-fill %s: %w", id, catalog.ErrNoNeighbor)
	}
	cmd := edits.NewGapFill(s.deps.Backend, s.deps.Catalog, s.deps.IDs, s.deps.Catalog, id, next.ID, s.log)
	return s.perform(ctx, id, cmd), nil
}

// PoseLandmarks returns body landmarks of the photo before id, used as a
// ghost overlay while editing id.
func (s *Session) PoseLandmarks(ctx context.Context, id string) ([]estimator.Point, bool, error) {
	_, prev, _, err := s.resolve(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if prev == nil {
		return nil, false, fmt.Errorf("pose for %s: %w", id, catalog.ErrNoNeighbor)
	}
	img, err := s.deps.Backend.Decode(prev.ProxyPath)
	if err != nil {
		s.log.Warn("pose reference unreadable", "photo", prev.ID, "error", err)
		return nil, false, nil
	}
	points, ok := s.deps.Estimator.EstimatePose(ctx, img)
	return points, ok, nil
}

// Undo reverses the latest edit. ok is false when there was none.
func (s *Session) Undo(ctx context.Context) (history.Result, bool) {
	s.mu.Lock()
	res, ok := s.hist.Undo(ctx)
	ev := s.event("undo", res)
	s.mu.Unlock()
	if ok {
		s.publish(ev)
	}
	return res, ok
}

// Redo re-applies the latest undone edit. ok is false when there was none.
func (s *Session) Redo(ctx context.Context) (history.Result, bool) {
	s.mu.Lock()
	res, ok := s.hist.Redo(ctx)
	ev := s.event("redo", res)
	s.mu.Unlock()
	if ok {
		s.publish(ev)
	}
	return res, ok
}

// State reports the history stacks.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state()
}

// Close drops the history and every snapshot it holds.
func (s *Session) Close() {
	s.mu.Lock()
	s.hist.Clear()
	s.turns.Reset()
	s.mu.Unlock()

	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()
}

// Subscribe returns a channel of history events and an unsubscribe function.
func (s *Session) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan Event, 16)
	s.subs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
		s.subMu.Unlock()
	}
}

func (s *Session) resolve(ctx context.Context, id string) (catalog.Photo, *catalog.Photo, *catalog.Photo, error) {
	photo, err := s.deps.Catalog.Get(ctx, id)
	if err != nil {
		return catalog.Photo{}, nil, nil, err
	}
	prev, next, err := s.deps.Catalog.Neighbors(ctx, id)
	if err != nil {
		return catalog.Photo{}, nil, nil, err
	}
	return photo, prev, next, nil
}

func (s *Session) perform(ctx context.Context, id string, cmd history.Command) history.Result {
	s.mu.Lock()
	res := s.hist.Perform(ctx, cmd)
	ev := s.event("apply", res)
	ev.Command = cmd.Name()
	ev.PhotoID = id
	s.mu.Unlock()
	s.publish(ev)
	return res
}

func (s *Session) event(action string, res history.Result) Event {
	ev := Event{
		Action:  action,
		Outcome: res.Outcome.String(),
		Detail:  res.Detail,
		State:   s.state(),
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	return ev
}

func (s *Session) state() State {
	undo, redo := s.hist.Stacks()
	return State{Undo: undo, Redo: redo, CanUndo: s.hist.CanUndo(), CanRedo: s.hist.CanRedo()}
}

func (s *Session) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.log.Warn("event channel full", "subscriber", id, "action", ev.Action)
		}
	}
}

// IsLookupError reports whether err came from resolving a photo rather than
// from an edit.
func IsLookupError(err error) bool {
	return errors.Is(err, catalog.ErrNotFound) || errors.Is(err, catalog.ErrNoNeighbor)
}
