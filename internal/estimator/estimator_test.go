package estimator

import (
	"context"
	"errors"
	"image"
	"math"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"timeflow/internal/config"
	"timeflow/internal/logging"
	"timeflow/internal/testutil"
)

func TestAngle(t *testing.T) {
	cases := []struct {
		name string
		a, b Point
		want float64
	}{
		{"level", Point{0.4, 0.5}, Point{0.6, 0.5}, 0},
		{"vertical", Point{0.4, 0.5}, Point{0.4, 0.6}, 90},
		{"diagonal", Point{0.4, 0.4}, Point{0.6, 0.6}, 45},
		{"rising", Point{0.4, 0.6}, Point{0.6, 0.4}, -45},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Angle(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("Angle = %v, want %v", got, tc.want)
			}
		})
	}
}

type stubLocator struct {
	name        string
	left, right Point
	err         error
	calls       int
}

func (s *stubLocator) Name() string { return s.name }

func (s *stubLocator) LocateEyes(ctx context.Context, img image.Image) (Point, Point, error) {
	s.calls++
	return s.left, s.right, s.err
}

func TestEstimateTiltFallsBackInOrder(t *testing.T) {
	primary := &stubLocator{name: "primary", err: ErrNoFace}
	secondary := &stubLocator{name: "secondary", left: Point{0.6, 0.5}, right: Point{0.4, 0.3}}
	never := &stubLocator{name: "never", left: Point{0, 0}, right: Point{1, 0}}

	est := New(logging.Discard(), nil, primary, secondary, never)
	angle, ok := est.EstimateTilt(context.Background(), testutil.Gradient(4, 4))
	if !ok {
		t.Fatalf("expected an angle")
	}
	// points are reordered left to right before measuring
	if want := Angle(Point{0.4, 0.3}, Point{0.6, 0.5}); math.Abs(angle-want) > 1e-9 {
		t.Fatalf("angle = %v, want %v", angle, want)
	}
	if primary.calls != 1 || secondary.calls != 1 || never.calls != 0 {
		t.Fatalf("unexpected call counts %d %d %d", primary.calls, secondary.calls, never.calls)
	}
	if got := est.Locators(); len(got) != 3 || got[0] != "primary" {
		t.Fatalf("unexpected locator order %v", got)
	}
}

func TestEstimateTiltUnknown(t *testing.T) {
	est := New(logging.Discard(), nil,
		&stubLocator{name: "a", err: ErrNoFace},
		&stubLocator{name: "b", err: errors.New("socket closed")},
	)
	if _, ok := est.EstimateTilt(context.Background(), testutil.Gradient(4, 4)); ok {
		t.Fatalf("expected unknown")
	}
	if _, ok := New(logging.Discard(), nil).EstimateTilt(context.Background(), testutil.Gradient(4, 4)); ok {
		t.Fatalf("empty chain must return unknown")
	}
	if _, ok := est.EstimatePose(context.Background(), testutil.Gradient(4, 4)); ok {
		t.Fatalf("no pose detector must return unknown")
	}
}

// serveLandmarks answers one request per connection with resp.
func serveLandmarks(t *testing.T, resp landmarkResponse) (string, <-chan landmarkRequest) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "lm.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	reqs := make(chan landmarkRequest, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			var req landmarkRequest
			if err := msgpack.NewDecoder(conn).Decode(&req); err == nil {
				reqs <- req
				_ = msgpack.NewEncoder(conn).Encode(&resp)
			}
			conn.Close()
		}
	}()
	return sock, reqs
}

func TestLandmarkClientPicksLargestFace(t *testing.T) {
	sock, reqs := serveLandmarks(t, landmarkResponse{
		Detections: []faceDetection{
			{Width: 10, Height: 10, Landmarks: []float32{0, 0, 10, 10}},
			{Width: 50, Height: 50, Landmarks: []float32{40, 50, 60, 50, 50, 60}},
		},
	})

	client := NewLandmarkClient(sock, time.Second)
	left, right, err := client.LocateEyes(context.Background(), testutil.Gradient(100, 100))
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if left != (Point{0.4, 0.5}) || right != (Point{0.6, 0.5}) {
		t.Fatalf("unexpected eyes %v %v", left, right)
	}
	req := <-reqs
	if req.Op != opFace || req.Width != 100 || req.Height != 100 || len(req.Data) != 100*100*3 {
		t.Fatalf("unexpected request op=%s %dx%d len=%d", req.Op, req.Width, req.Height, len(req.Data))
	}
}

func TestLandmarkClientNoFaceAndPose(t *testing.T) {
	sock, _ := serveLandmarks(t, landmarkResponse{Pose: []float32{0.5, 0.1, 0.4, 0.3, 0.6, 0.3}})
	client := NewLandmarkClient(sock, time.Second)

	if _, _, err := client.LocateEyes(context.Background(), testutil.Gradient(8, 8)); !errors.Is(err, ErrNoFace) {
		t.Fatalf("expected ErrNoFace, got %v", err)
	}

	est := New(logging.Discard(), client, client)
	pts, ok := est.EstimatePose(context.Background(), testutil.Gradient(8, 8))
	if !ok || len(pts) != 3 {
		t.Fatalf("expected three pose points, got %v %v", pts, ok)
	}
	if math.Abs(pts[0].X-0.5) > 1e-6 || math.Abs(pts[0].Y-0.1) > 1e-6 {
		t.Fatalf("unexpected first point %v", pts[0])
	}
}

func TestLandmarkClientUnavailable(t *testing.T) {
	client := NewLandmarkClient(filepath.Join(t.TempDir(), "absent.sock"), 50*time.Millisecond)
	if client.IsAvailable() {
		t.Fatalf("absent socket reported available")
	}
	if _, _, err := client.LocateEyes(context.Background(), testutil.Gradient(4, 4)); err == nil || errors.Is(err, ErrNoFace) {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestNewPupilCascadeRejectsGarbage(t *testing.T) {
	if _, err := NewPupilCascade([]byte("nope"), []byte("nope"), 20, 5); err == nil {
		t.Fatalf("expected unpack error")
	}
}

func TestFromConfigSkipsBrokenDetectors(t *testing.T) {
	cfg := config.Default()
	cfg.Estimator.FaceCascade = filepath.Join(t.TempDir(), "missing-facefinder")
	cfg.Estimator.PuplocCascade = filepath.Join(t.TempDir(), "missing-puploc")
	cfg.Estimator.LandmarkSocket = filepath.Join(t.TempDir(), "lm.sock")

	est := FromConfig(cfg, logging.Discard())
	if got := est.Locators(); len(got) != 1 || got[0] != "landmarks" {
		t.Fatalf("unexpected locators %v", got)
	}
}

func TestToGrayscaleHandlesOffsetBounds(t *testing.T) {
	img := testutil.Gradient(6, 6).SubImage(image.Rect(2, 2, 5, 4))
	gray := toGrayscale(img)
	if len(gray) != 3*2 {
		t.Fatalf("unexpected buffer length %d", len(gray))
	}
}
