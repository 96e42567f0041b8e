package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/jpeg"

	"gonum.org/v1/gonum/spatial/r2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/crowdwatch/internal/crowd"
	"github.com/banshee-data/crowdwatch/internal/detect"
	"github.com/banshee-data/crowdwatch/internal/video"
)

const maxMsgSize = 32 * 1024 * 1024

// Tracker forwards frames to a remote TrackerServer.
type Tracker struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	jobID   string
	params  detect.Params
	quality int

	// history holds client-side centroids for servers that omit positions.
	history map[int][]r2.Vec
}

// NewTracker wraps an existing connection. Close does not close conn.
func NewTracker(conn grpc.ClientConnInterface, jobID string, p detect.Params) *Tracker {
	return &Tracker{conn: conn, jobID: jobID, params: p, quality: 85, history: make(map[int][]r2.Vec)}
}

// Factory returns a detect.Factory that dials addr once per job.
func Factory(addr string, opts ...grpc.DialOption) detect.Factory {
	return func(ctx context.Context, jobID, input string, p detect.Params) (detect.Tracker, error) {
		dopts := append([]grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxMsgSize), grpc.MaxCallSendMsgSize(maxMsgSize)),
		}, opts...)
		conn, err := grpc.NewClient(addr, dopts...)
		if err != nil {
			return nil, fmt.Errorf("connecting to tracker %s: %w", addr, err)
		}
		t := NewTracker(conn, jobID, p)
		t.closer = conn.Close
		return t, nil
	}
}

// Track sends the frame as JPEG and decodes the tracked persons.
func (t *Tracker) Track(ctx context.Context, index int, frame video.Frame) (detect.Result, error) {
	fields := map[string]any{
		"job_id":         t.jobID,
		"frame":          index,
		"max_age":        t.params.MaxAge,
		"min_confidence": t.params.MinConfidence,
	}
	if frame != nil {
		img, err := frame.Image()
		if err != nil {
			return detect.Result{}, fmt.Errorf("frame %d image: %w", index, err)
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: t.quality}); err != nil {
			return detect.Result{}, fmt.Errorf("frame %d encode: %w", index, err)
		}
		b := img.Bounds()
		fields["width"] = b.Dx()
		fields["height"] = b.Dy()
		fields["jpeg"] = base64.StdEncoding.EncodeToString(buf.Bytes())
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return detect.Result{}, err
	}

	resp := new(structpb.Struct)
	if err := t.conn.Invoke(ctx, trackMethod, req, resp); err != nil {
		return detect.Result{}, fmt.Errorf("remote track frame %d: %w", index, err)
	}
	res, err := DecodeResult(resp)
	if err != nil {
		return detect.Result{}, fmt.Errorf("remote track frame %d: %w", index, err)
	}
	t.fillHistory(&res)
	return res, nil
}

func (t *Tracker) fillHistory(res *detect.Result) {
	for i := range res.Persons {
		p := &res.Persons[i]
		if len(p.Positions) > 0 {
			continue
		}
		h := append(t.history[p.ID], p.Box.Center())
		t.history[p.ID] = h
		p.Positions = h
	}
	for _, id := range res.Expired {
		delete(t.history, id)
	}
}

// Close releases the connection when the tracker owns it.
func (t *Tracker) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer()
}

// DecodeResult converts a Track response into a detect.Result. Expected
// shape:
//
//	{"persons": [{"id": 1, "box": [x1,y1,x2,y2], "confirmed": true,
//	  "confirmed_at": 3, "positions": [[x,y], ...]}], "expired": [4, 7]}
func DecodeResult(s *structpb.Struct) (detect.Result, error) {
	var res detect.Result
	m := s.AsMap()

	persons, _ := m["persons"].([]any)
	for i, raw := range persons {
		pm, ok := raw.(map[string]any)
		if !ok {
			return detect.Result{}, fmt.Errorf("person %d: not an object", i)
		}
		box, ok := pm["box"].([]any)
		if !ok || len(box) != 4 {
			return detect.Result{}, fmt.Errorf("person %d: box must have 4 numbers", i)
		}
		var coords [4]float64
		for k, v := range box {
			f, ok := v.(float64)
			if !ok {
				return detect.Result{}, fmt.Errorf("person %d: box[%d] not a number", i, k)
			}
			coords[k] = f
		}
		p := crowd.TrackedPerson{
			ID:        intField(pm, "id"),
			Box:       crowd.BBox{X1: coords[0], Y1: coords[1], X2: coords[2], Y2: coords[3]},
			Confirmed: true,
		}
		if c, ok := pm["confirmed"].(bool); ok {
			p.Confirmed = c
		}
		p.ConfirmedAt = intField(pm, "confirmed_at")
		if pos, ok := pm["positions"].([]any); ok {
			for _, pv := range pos {
				xy, ok := pv.([]any)
				if !ok || len(xy) != 2 {
					return detect.Result{}, fmt.Errorf("person %d: position must be [x, y]", i)
				}
				x, _ := xy[0].(float64)
				y, _ := xy[1].(float64)
				p.Positions = append(p.Positions, r2.Vec{X: x, Y: y})
			}
		}
		res.Persons = append(res.Persons, p)
	}

	expired, _ := m["expired"].([]any)
	for _, v := range expired {
		if f, ok := v.(float64); ok {
			res.Expired = append(res.Expired, int(f))
		}
	}
	return res, nil
}

func intField(m map[string]any, key string) int {
	f, _ := m[key].(float64)
	return int(f)
}
