// Package cv implements the video boundary with OpenCV through gocv.
package cv

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"strconv"
	"strings"

	"gocv.io/x/gocv"

	"github.com/banshee-data/crowdwatch/internal/video"
)

// MatFrame is a frame held in an OpenCV matrix. Drawing happens directly on
// the matrix.
type MatFrame struct {
	Mat gocv.Mat
}

// Bounds returns the matrix size as a rectangle at the origin.
func (f *MatFrame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Mat.Cols(), f.Mat.Rows())
}

// Rect strokes r on the matrix.
func (f *MatFrame) Rect(r image.Rectangle, c color.RGBA, thickness int) {
	gocv.Rectangle(&f.Mat, r, c, thickness)
}

// Text draws s in the Hershey simplex font.
func (f *MatFrame) Text(s string, at image.Point, scale float64, c color.RGBA, thickness int) {
	gocv.PutText(&f.Mat, s, at, gocv.FontHersheySimplex, scale, c, thickness)
}

// Image converts the matrix to a Go image.
func (f *MatFrame) Image() (image.Image, error) {
	return f.Mat.ToImage()
}

// Close frees the matrix.
func (f *MatFrame) Close() error {
	return f.Mat.Close()
}

// Source reads frames from a file or a capture device.
type Source struct {
	cap  *gocv.VideoCapture
	live bool
	fps  float64
	n    int
	// width is the processing width frames are scaled to; 0 keeps the
	// decoded size.
	width int
}

// IsLive reports whether path names a camera index or network stream
// rather than a file.
func IsLive(path string) bool {
	if _, err := strconv.Atoi(path); err == nil {
		return true
	}
	for _, p := range []string{"rtsp://", "rtmp://", "http://", "https://"} {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Opener returns a video.Opener whose sources scale every frame to width
// pixels, keeping the aspect ratio. A non-positive width keeps the decoded
// size.
func Opener(width int) video.Opener {
	return func(path string) (video.Source, error) {
		src, err := Open(path)
		if err != nil {
			return nil, err
		}
		src.(*Source).width = width
		return src, nil
	}
}

// ScaledSize returns size scaled to width with the height rounded to keep
// the aspect ratio.
func ScaledSize(size image.Point, width int) image.Point {
	if width <= 0 || size.X <= 0 || size.X == width {
		return size
	}
	h := int(math.Round(float64(size.Y) * float64(width) / float64(size.X)))
	if h < 1 {
		h = 1
	}
	return image.Pt(width, h)
}

// Open opens path at its decoded size. It satisfies video.Opener.
func Open(path string) (video.Source, error) {
	live := IsLive(path)
	var (
		c   *gocv.VideoCapture
		err error
	)
	if live {
		c, err = gocv.OpenVideoCapture(path)
	} else {
		c, err = gocv.VideoCaptureFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("opening video %q: %w", path, err)
	}
	if !c.IsOpened() {
		c.Close()
		return nil, fmt.Errorf("opening video %q: capture not opened", path)
	}
	s := &Source{cap: c, live: live}
	if !live {
		s.fps = c.Get(gocv.VideoCaptureFPS)
		s.n = int(c.Get(gocv.VideoCaptureFrameCount))
	}
	return s, nil
}

// Read decodes the next frame, scaled to the processing width, or returns
// io.EOF when the capture is exhausted.
func (s *Source) Read(ctx context.Context) (video.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mat := gocv.NewMat()
	if ok := s.cap.Read(&mat); !ok || mat.Empty() {
		mat.Close()
		return nil, io.EOF
	}
	size := image.Pt(mat.Cols(), mat.Rows())
	scaled := ScaledSize(size, s.width)
	if scaled == size {
		return &MatFrame{Mat: mat}, nil
	}
	out := gocv.NewMat()
	gocv.Resize(mat, &out, scaled, 0, 0, gocv.InterpolationArea)
	mat.Close()
	return &MatFrame{Mat: out}, nil
}

// FPS is the container frame rate, 0 for live sources.
func (s *Source) FPS() float64 { return s.fps }

// FrameCount is the container frame count, 0 for live sources.
func (s *Source) FrameCount() int { return s.n }

// Live reports whether the source is a camera or network stream.
func (s *Source) Live() bool { return s.live }

// Close releases the capture.
func (s *Source) Close() error {
	return s.cap.Close()
}

// Encoder writes an mp4v video file.
type Encoder struct {
	w *gocv.VideoWriter
}

// NewEncoder creates the output writer. It satisfies video.EncoderFactory.
func NewEncoder(path string, fps float64, size image.Point) (video.Encoder, error) {
	if fps <= 0 {
		fps = 25
	}
	w, err := gocv.VideoWriterFile(path, "mp4v", fps, size.X, size.Y, true)
	if err != nil {
		return nil, fmt.Errorf("creating video writer %q: %w", path, err)
	}
	return &Encoder{w: w}, nil
}

// Write appends f, converting non-matrix frames first.
func (e *Encoder) Write(f video.Frame) error {
	if mf, ok := f.(*MatFrame); ok {
		return e.w.Write(mf.Mat)
	}
	img, err := f.Image()
	if err != nil {
		return err
	}
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return fmt.Errorf("converting frame: %w", err)
	}
	defer mat.Close()
	return e.w.Write(mat)
}

// Close finalizes the video file.
func (e *Encoder) Close() error {
	return e.w.Close()
}
