package edits

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"timeflow/internal/brightness"
	"timeflow/internal/history"
	"timeflow/internal/logging"
	"timeflow/internal/raster"
	"timeflow/internal/testutil"
)

type dirProxies struct {
	dir string
	ext string
}

func (d dirProxies) ProxyPath(id string) string { return filepath.Join(d.dir, id+d.ext) }

type fixedTilt struct {
	angle float64
	ok    bool
	seen  image.Image
}

func (f *fixedTilt) EstimateTilt(ctx context.Context, img image.Image) (float64, bool) {
	f.seen = img
	return f.angle, f.ok
}

type fakeTimeline struct {
	inserted map[string][2]string
	removed  []string
	failOn   string
}

func (f *fakeTimeline) InsertBetween(ctx context.Context, id, prevID, nextID string) error {
	if id == f.failOn {
		return errors.New("duplicate timestamp")
	}
	if f.inserted == nil {
		f.inserted = map[string][2]string{}
	}
	f.inserted[id] = [2]string{prevID, nextID}
	return nil
}

func (f *fakeTimeline) Remove(ctx context.Context, id string) error {
	delete(f.inserted, id)
	f.removed = append(f.removed, id)
	return nil
}

func setup(t *testing.T) (*raster.Native, string) {
	t.Helper()
	return raster.NewNative(raster.Options{}), t.TempDir()
}

func TestRotateFourQuarterTurnsRestoresImage(t *testing.T) {
	for _, ext := range []string{".png", ".jpg"} {
		t.Run(ext, func(t *testing.T) {
			ctx := context.Background()
			backend, dir := setup(t)
			path := testutil.WriteImage(t, filepath.Join(dir, "p"+ext), testutil.Gradient(64, 48))
			before, w0, h0 := testutil.DecodePixelHash(t, path)
			bytesBefore := testutil.FileHash(t, path)

			turns := NewTurns()
			h := history.New(logging.Discard())
			for i := 0; i < 4; i++ {
				res := h.Perform(ctx, NewRotate(backend, turns, path, 90, logging.Discard()))
				if res.Outcome != history.Applied {
					t.Fatalf("rotate %d: %+v", i, res)
				}
				_, w, hh := testutil.DecodePixelHash(t, path)
				if (i%2 == 0) != (w == h0 && hh == w0) {
					t.Fatalf("rotate %d: unexpected dimensions %dx%d", i, w, hh)
				}
			}
			after, w, hh := testutil.DecodePixelHash(t, path)
			if after != before || w != w0 || hh != h0 {
				t.Fatalf("four quarter turns must restore the image")
			}
			if testutil.FileHash(t, path) != bytesBefore {
				t.Fatalf("four quarter turns must restore the exact bytes")
			}

			for i := 0; i < 4; i++ {
				if res, ok := h.Undo(ctx); !ok || res.Outcome != history.Applied {
					t.Fatalf("undo %d: %+v %v", i, res, ok)
				}
			}
			if testutil.FileHash(t, path) != bytesBefore {
				t.Fatalf("undoing the turns must restore the exact bytes")
			}
		})
	}
}

func TestRotateUndoIsByteExactOnJPEG(t *testing.T) {
	ctx := context.Background()
	backend, dir := setup(t)
	path := testutil.WriteImage(t, filepath.Join(dir, "p.jpg"), testutil.Gradient(64, 48))
	want := testutil.FileHash(t, path)

	turns := NewTurns()
	h := history.New(logging.Discard())
	for cycle := 0; cycle < 3; cycle++ {
		h.Perform(ctx, NewRotate(backend, turns, path, -90, nil))
		if testutil.FileHash(t, path) == want {
			t.Fatalf("cycle %d: rotate should change the file", cycle)
		}
		h.Undo(ctx)
		if testutil.FileHash(t, path) != want {
			t.Fatalf("cycle %d: undo must restore the exact bytes", cycle)
		}
	}

	// redo continues the run it left
	h.Perform(ctx, NewRotate(backend, turns, path, 90, nil))
	h.Undo(ctx)
	h.Redo(ctx)
	for i := 0; i < 3; i++ {
		h.Perform(ctx, NewRotate(backend, turns, path, 90, nil))
	}
	if testutil.FileHash(t, path) != want {
		t.Fatalf("a full circle after redo must restore the exact bytes")
	}
}

func TestRotateTurnsRestartAfterOtherEdits(t *testing.T) {
	ctx := context.Background()
	backend, dir := setup(t)
	path := testutil.WriteImage(t, filepath.Join(dir, "p.jpg"), testutil.Gradient(32, 16))
	ref := testutil.WriteImage(t, filepath.Join(dir, "r.jpg"), testutil.Solid(32, 16, color.NRGBA{R: 200, G: 200, B: 200, A: 255}))

	turns := NewTurns()
	h := history.New(logging.Discard())
	h.Perform(ctx, NewRotate(backend, turns, path, 90, nil))
	h.Perform(ctx, NewDeflicker(backend, brightness.NewMatcher(backend), path, ref, nil))
	corrected := testutil.FileHash(t, path)
	for i := 0; i < 4; i++ {
		h.Perform(ctx, NewRotate(backend, turns, path, 90, nil))
	}
	if testutil.FileHash(t, path) != corrected {
		t.Fatalf("turns after a deflicker must circle back to the corrected bytes")
	}
}

func TestQuarterTurns(t *testing.T) {
	cases := []struct {
		degrees float64
		want    int
		ok      bool
	}{
		{90, 1, true},
		{-90, -1, true},
		{180, 2, true},
		{0, 0, true},
		{45, 0, false},
		{7.5, 0, false},
	}
	for _, tc := range cases {
		got, ok := quarterTurns(tc.degrees)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("quarterTurns(%g) = %d, %v", tc.degrees, got, ok)
		}
	}
}

func TestUndoRestoresOriginalBytes(t *testing.T) {
	for _, ext := range []string{".png", ".jpg"} {
		t.Run(ext, func(t *testing.T) {
			undoChain(t, ext)
		})
	}
}

func undoChain(t *testing.T, ext string) {
	ctx := context.Background()
	backend, dir := setup(t)
	path := testutil.WriteImage(t, filepath.Join(dir, "active"+ext), testutil.Gradient(16, 12))
	ref := testutil.WriteImage(t, filepath.Join(dir, "ref"+ext), testutil.Solid(16, 12, color.NRGBA{R: 220, G: 220, B: 220, A: 255}))
	original := testutil.FileHash(t, path)
	originalPixels, _, _ := testutil.DecodePixelHash(t, path)

	tilt := &fixedTilt{angle: 7.5, ok: true}
	turns := NewTurns()
	h := history.New(logging.Discard())
	h.Perform(ctx, NewRotate(backend, turns, path, 90, nil))
	h.Perform(ctx, NewAutoAlign(backend, tilt, path, ref, nil))
	h.Perform(ctx, NewDeflicker(backend, brightness.NewMatcher(backend), path, ref, nil))
	h.Perform(ctx, NewRotate(backend, turns, path, -90, nil))

	if testutil.FileHash(t, path) == original {
		t.Fatalf("edits should have changed the file")
	}
	for i := 0; i < 4; i++ {
		if res, ok := h.Undo(ctx); !ok || res.Outcome != history.Applied {
			t.Fatalf("undo %d: %+v %v", i, res, ok)
		}
	}
	got, _, _ := testutil.DecodePixelHash(t, path)
	if got != originalPixels {
		t.Fatalf("undo chain must restore the original pixels")
	}
	if testutil.FileHash(t, path) != original {
		t.Fatalf("undo chain must restore the original bytes")
	}
	if b := tilt.seen.Bounds(); b.Dx() != 16 || b.Dy() != 12 {
		t.Fatalf("tilt must be measured on the reference, saw %v", b)
	}
}

func TestAutoAlignUndoIsByteExact(t *testing.T) {
	ctx := context.Background()
	backend, dir := setup(t)
	path := testutil.WriteImage(t, filepath.Join(dir, "a.jpg"), testutil.Gradient(20, 20))
	ref := testutil.WriteImage(t, filepath.Join(dir, "r.jpg"), testutil.Gradient(20, 20))
	want := testutil.FileHash(t, path)

	h := history.New(logging.Discard())
	res := h.Perform(ctx, NewAutoAlign(backend, &fixedTilt{angle: -12, ok: true}, path, ref, nil))
	if res.Outcome != history.Applied {
		t.Fatalf("expected applied, got %+v", res)
	}
	cfg, err := raster.DecodeConfig(path)
	if err != nil || cfg.Width != 20 || cfg.Height != 20 {
		t.Fatalf("auto-align must keep the canvas size: %+v %v", cfg, err)
	}
	h.Undo(ctx)
	if testutil.FileHash(t, path) != want {
		t.Fatalf("undo must restore the exact bytes")
	}

	// redo then undo again still lands on the original
	h.Redo(ctx)
	h.Undo(ctx)
	if testutil.FileHash(t, path) != want {
		t.Fatalf("redo/undo cycle must restore the exact bytes")
	}
}

func TestAutoAlignUnknownTiltIsNoop(t *testing.T) {
	ctx := context.Background()
	backend, dir := setup(t)
	path := testutil.WriteImage(t, filepath.Join(dir, "a.jpg"), testutil.Gradient(10, 10))
	want := testutil.FileHash(t, path)

	cmd := NewAutoAlign(backend, &fixedTilt{}, path, path, nil)
	if res := cmd.Apply(ctx); res.Outcome != history.Unchanged {
		t.Fatalf("expected unchanged, got %+v", res)
	}
	if res := cmd.Reverse(ctx); res.Outcome != history.Applied {
		t.Fatalf("reverse after skipped apply should restore the held snapshot: %+v", res)
	}
	if testutil.FileHash(t, path) != want {
		t.Fatalf("file must not change")
	}
}

func TestDeflickerDecodeFailureLeavesFile(t *testing.T) {
	ctx := context.Background()
	backend, dir := setup(t)
	path := testutil.WriteImage(t, filepath.Join(dir, "a.jpg"), testutil.Gradient(10, 10))
	want := testutil.FileHash(t, path)
	missing := filepath.Join(dir, "missing.jpg")

	h := history.New(logging.Discard())
	res := h.Perform(ctx, NewDeflicker(backend, brightness.NewMatcher(backend), path, missing, nil))
	if res.Outcome != history.Failed {
		t.Fatalf("expected failure, got %+v", res)
	}
	if u, _ := h.Len(); u != 1 {
		t.Fatalf("command must still be pushed")
	}
	if res, _ := h.Undo(ctx); res.Outcome == history.Failed {
		t.Fatalf("undo after failed deflicker must be safe: %+v", res)
	}
	if testutil.FileHash(t, path) != want {
		t.Fatalf("file must be untouched")
	}
}

func TestMissingProxyFailsSafely(t *testing.T) {
	ctx := context.Background()
	backend, dir := setup(t)
	missing := filepath.Join(dir, "gone.jpg")

	cmds := []history.Command{
		NewRotate(backend, NewTurns(), missing, 90, nil),
		NewAutoAlign(backend, &fixedTilt{angle: 3, ok: true}, missing, missing, nil),
		NewDeflicker(backend, brightness.NewMatcher(backend), missing, missing, nil),
	}
	h := history.New(logging.Discard())
	for _, c := range cmds {
		if res := h.Perform(ctx, c); res.Outcome != history.Failed {
			t.Fatalf("%s: expected failure, got %+v", c.Name(), res)
		}
	}
	for range cmds {
		if res, ok := h.Undo(ctx); !ok || res.Outcome != history.Unchanged {
			t.Fatalf("undo of failed command should be unchanged, got %+v", res)
		}
	}
	if _, err := os.Stat(missing); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("no command may create the missing file")
	}
}

func TestGapFillCreatesAndRemovesFrame(t *testing.T) {
	ctx := context.Background()
	backend, dir := setup(t)
	proxies := dirProxies{dir: dir, ext: ".jpg"}
	testutil.WriteImage(t, proxies.ProxyPath("a"), testutil.Solid(20, 10, color.NRGBA{R: 0, G: 0, B: 0, A: 255}))
	testutil.WriteImage(t, proxies.ProxyPath("b"), testutil.Solid(40, 20, color.NRGBA{R: 200, G: 200, B: 200, A: 255}))

	tl := &fakeTimeline{}
	h := history.New(logging.Discard())
	cmd := NewGapFill(backend, proxies, testutil.NewStubIDGenerator(), tl, "a", "b", nil)

	res := h.Perform(ctx, cmd)
	if res.Outcome != history.Applied || cmd.CreatedID() != "id-1" {
		t.Fatalf("unexpected result %+v id %q", res, cmd.CreatedID())
	}
	created := proxies.ProxyPath("id-1")
	cfg, err := raster.DecodeConfig(created)
	if err != nil || cfg.Width != 20 || cfg.Height != 10 {
		t.Fatalf("blended frame should match the earlier photo size: %+v %v", cfg, err)
	}
	if got := tl.inserted["id-1"]; got != [2]string{"a", "b"} {
		t.Fatalf("catalog insert not recorded: %v", tl.inserted)
	}

	h.Undo(ctx)
	if _, err := os.Stat(created); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("undo must delete the created proxy")
	}
	if len(tl.removed) != 1 || tl.removed[0] != "id-1" {
		t.Fatalf("undo must remove the catalog entry: %v", tl.removed)
	}

	// reversing again is harmless
	if res := cmd.Reverse(ctx); res.Outcome != history.Unchanged {
		t.Fatalf("second reverse should be a no-op, got %+v", res)
	}

	// redo recreates the same identifier
	h.Redo(ctx)
	if cmd.CreatedID() != "id-1" {
		t.Fatalf("redo should reuse the identifier, got %s", cmd.CreatedID())
	}
	if _, err := os.Stat(created); err != nil {
		t.Fatalf("redo should recreate the frame: %v", err)
	}
}

func TestGapFillReverseWhenFileAlreadyGone(t *testing.T) {
	ctx := context.Background()
	backend, dir := setup(t)
	proxies := dirProxies{dir: dir, ext: ".jpg"}
	testutil.WriteImage(t, proxies.ProxyPath("a"), testutil.Gradient(8, 8))
	testutil.WriteImage(t, proxies.ProxyPath("b"), testutil.Gradient(8, 8))

	cmd := NewGapFill(backend, proxies, testutil.NewStubIDGenerator(), nil, "a", "b", nil)
	cmd.Apply(ctx)
	os.Remove(proxies.ProxyPath(cmd.CreatedID()))
	if res := cmd.Reverse(ctx); res.Outcome == history.Failed {
		t.Fatalf("missing file on reverse must not fail: %+v", res)
	}
}

func TestGapFillFailures(t *testing.T) {
	ctx := context.Background()
	backend, dir := setup(t)
	proxies := dirProxies{dir: dir, ext: ".jpg"}
	testutil.WriteImage(t, proxies.ProxyPath("a"), testutil.Gradient(8, 8))

	// next photo missing
	cmd := NewGapFill(backend, proxies, testutil.NewStubIDGenerator(), nil, "a", "b", nil)
	if res := cmd.Apply(ctx); res.Outcome != history.Failed {
		t.Fatalf("expected failure, got %+v", res)
	}
	if res := cmd.Reverse(ctx); res.Outcome != history.Unchanged {
		t.Fatalf("reverse after failure must be a no-op, got %+v", res)
	}

	// catalog rejects the insert: the written file is cleaned up
	testutil.WriteImage(t, proxies.ProxyPath("b"), testutil.Gradient(8, 8))
	cmd = NewGapFill(backend, proxies, testutil.NewStubIDGenerator(), &fakeTimeline{failOn: "id-1"}, "a", "b", nil)
	if res := cmd.Apply(ctx); res.Outcome != history.Failed {
		t.Fatalf("expected failure, got %+v", res)
	}
	if _, err := os.Stat(proxies.ProxyPath("id-1")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("failed insert must not leave a proxy behind")
	}
}
