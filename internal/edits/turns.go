package edits

import (
	"crypto/sha256"
	"math"
	"sync"

	"timeflow/internal/raster"
)

// Turns remembers, per proxy, the bytes a run of quarter turns started on.
// Every turn of a run is rendered from those bytes in a single encode, and
// a full circle writes them back unchanged. A run ends as soon as the file
// holds anything other than what the run last wrote.
type Turns struct {
	mu   sync.Mutex
	runs map[string]*turnRun
}

type turnRun struct {
	base *raster.Snapshot
	turnState
}

type turnState struct {
	quarters int
	last     [sha256.Size]byte
}

// NewTurns returns an empty tracker.
func NewTurns() *Turns {
	return &Turns{runs: make(map[string]*turnRun)}
}

// Reset forgets every run.
func (t *Turns) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for path, run := range t.runs {
		run.base.Release()
		delete(t.runs, path)
	}
}

// turn adds q quarter turns to the run on path. pre holds the bytes on disk
// before the call. It returns the run and its state before the turn.
func (t *Turns) turn(path string, pre *raster.Snapshot, q int, rotate func(degrees float64) error) (*turnRun, turnState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sum := pre.Sum()
	run := t.runs[path]
	if run == nil || run.last != sum {
		if run != nil {
			run.base.Release()
		}
		run = &turnRun{base: pre.Clone(), turnState: turnState{last: sum}}
		t.runs[path] = run
	}
	prev := run.turnState

	quarters := ((run.quarters+q)%4 + 4) % 4
	if err := run.base.Restore(); err != nil {
		return nil, prev, err
	}
	if quarters != 0 {
		if err := rotate(float64(quarters) * 90); err != nil {
			return nil, prev, err
		}
	}
	last, err := raster.FileSum(path)
	if err != nil {
		return nil, prev, err
	}
	run.turnState = turnState{quarters: quarters, last: last}
	return run, prev, nil
}

// rewind puts run back to prev after its turn was undone.
func (t *Turns) rewind(path string, run *turnRun, prev turnState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.runs[path] == run {
		run.turnState = prev
	}
}

func quarterTurns(degrees float64) (int, bool) {
	q := degrees / 90
	if q != math.Trunc(q) || math.IsInf(q, 0) {
		return 0, false
	}
	return int(q), true
}
