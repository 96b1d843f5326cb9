package estimator

import (
	"context"
	"fmt"
	"image"
	"net"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"timeflow/internal/raster"
)

const (
	opFace = "face"
	opPose = "pose"
)

// landmarkRequest is sent to the landmark service.
type landmarkRequest struct {
	Op     string `msgpack:"op"`
	Height int    `msgpack:"h"`
	Width  int    `msgpack:"w"`
	Data   []byte `msgpack:"d"` // RGB uint8, row-major, shape (H, W, 3)
}

// faceDetection is one face in pixel coordinates. Landmarks holds x,y pairs;
// the first two pairs are the eye centres.
type faceDetection struct {
	X          float32   `msgpack:"x"`
	Y          float32   `msgpack:"y"`
	Width      float32   `msgpack:"w"`
	Height     float32   `msgpack:"h"`
	Confidence float32   `msgpack:"c"`
	Landmarks  []float32 `msgpack:"l"`
}

// landmarkResponse is received from the landmark service. Pose holds
// normalized x,y pairs.
type landmarkResponse struct {
	Detections  []faceDetection `msgpack:"detections"`
	Pose        []float32       `msgpack:"pose"`
	InferenceMs float32         `msgpack:"inference_ms"`
	Error       string          `msgpack:"error"`
}

// LandmarkClient talks to a local landmark model service over a unix socket.
// It serves as both the primary eye locator and the pose detector.
type LandmarkClient struct {
	socketPath string
	timeout    time.Duration
}

// NewLandmarkClient returns a client for the service listening on socketPath.
func NewLandmarkClient(socketPath string, timeout time.Duration) *LandmarkClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &LandmarkClient{socketPath: socketPath, timeout: timeout}
}

func (c *LandmarkClient) Name() string { return "landmarks" }

// IsAvailable reports whether the service socket accepts connections.
func (c *LandmarkClient) IsAvailable() bool {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (c *LandmarkClient) LocateEyes(ctx context.Context, img image.Image) (Point, Point, error) {
	resp, w, h, err := c.call(ctx, opFace, img)
	if err != nil {
		return Point{}, Point{}, err
	}

	var best *faceDetection
	for i := range resp.Detections {
		det := &resp.Detections[i]
		if len(det.Landmarks) < 4 {
			continue
		}
		if best == nil || det.Width*det.Height > best.Width*best.Height {
			best = det
		}
	}
	if best == nil {
		return Point{}, Point{}, ErrNoFace
	}

	left := Point{X: float64(best.Landmarks[0]) / float64(w), Y: float64(best.Landmarks[1]) / float64(h)}
	right := Point{X: float64(best.Landmarks[2]) / float64(w), Y: float64(best.Landmarks[3]) / float64(h)}
	return left, right, nil
}

func (c *LandmarkClient) PoseLandmarks(ctx context.Context, img image.Image) ([]Point, error) {
	resp, _, _, err := c.call(ctx, opPose, img)
	if err != nil {
		return nil, err
	}
	if len(resp.Pose) < 2 {
		return nil, ErrNoPose
	}
	pts := make([]Point, 0, len(resp.Pose)/2)
	for i := 0; i+1 < len(resp.Pose); i += 2 {
		pts = append(pts, Point{X: float64(resp.Pose[i]), Y: float64(resp.Pose[i+1])})
	}
	return pts, nil
}

func (c *LandmarkClient) call(ctx context.Context, op string, img image.Image) (landmarkResponse, int, int, error) {
	var resp landmarkResponse
	rgb, w, h := toRGB(img)

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return resp, w, h, fmt.Errorf("connect landmark service: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	req := landmarkRequest{Op: op, Height: h, Width: w, Data: rgb}
	if err := msgpack.NewEncoder(conn).Encode(&req); err != nil {
		return resp, w, h, fmt.Errorf("send request: %w", err)
	}
	if err := msgpack.NewDecoder(conn).Decode(&resp); err != nil {
		return resp, w, h, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != "" {
		return resp, w, h, fmt.Errorf("landmark service: %s", resp.Error)
	}
	return resp, w, h, nil
}

// toRGB flattens img into packed 8-bit RGB.
func toRGB(img image.Image) ([]byte, int, int) {
	src := raster.ToNRGBA(img)
	w, h := src.Rect.Dx(), src.Rect.Dy()
	out := make([]byte, 0, w*h*3)
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+w*4]
		for x := 0; x < w*4; x += 4 {
			out = append(out, row[x], row[x+1], row[x+2])
		}
	}
	return out, w, h
}
