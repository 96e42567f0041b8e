package remote

import (
	"context"
	"image"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/crowdwatch/internal/detect"
	"github.com/banshee-data/crowdwatch/internal/video"
)

type fakeServer struct {
	got []*structpb.Struct
}

func (f *fakeServer) Track(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f.got = append(f.got, req)
	frame := req.GetFields()["frame"].GetNumberValue()
	if frame == 99 {
		return nil, status.Error(codes.Unavailable, "detector busy")
	}
	return structpb.NewStruct(map[string]any{
		"persons": []any{
			map[string]any{
				"id":           7,
				"box":          []any{1, 2, 11, 22},
				"confirmed_at": 1,
				"positions":    []any{[]any{6, 12}, []any{6.5, 12}},
			},
		},
		"expired": []any{3},
	})
}

func dialBufconn(t *testing.T, srv TrackerServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterTrackerServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestTrackerRoundTrip(t *testing.T) {
	srv := &fakeServer{}
	tr := NewTracker(dialBufconn(t, srv), "job_x", detect.Params{MaxAge: 3})
	defer tr.Close()

	res, err := tr.Track(context.Background(), 2, video.NewImageFrame(image.Pt(32, 24)))
	require.NoError(t, err)

	require.Len(t, res.Persons, 1)
	p := res.Persons[0]
	assert.Equal(t, 7, p.ID)
	assert.True(t, p.Confirmed)
	assert.Equal(t, 1, p.ConfirmedAt)
	assert.Equal(t, []r2.Vec{{X: 6, Y: 12}, {X: 6.5, Y: 12}}, p.Positions)
	assert.Equal(t, []int{3}, res.Expired)

	require.Len(t, srv.got, 1)
	f := srv.got[0].GetFields()
	assert.Equal(t, "job_x", f["job_id"].GetStringValue())
	assert.Equal(t, float64(32), f["width"].GetNumberValue())
	assert.NotEmpty(t, f["jpeg"].GetStringValue())
}

func TestTrackerServerError(t *testing.T) {
	tr := NewTracker(dialBufconn(t, &fakeServer{}), "job_x", detect.Params{})
	_, err := tr.Track(context.Background(), 99, nil)
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestDecodeResultRejectsBadBox(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{
		"persons": []any{map[string]any{"id": 1, "box": []any{1, 2}}},
	})
	require.NoError(t, err)
	_, err = DecodeResult(s)
	assert.Error(t, err)
}

type bareServer struct{ frame int }

func (b *bareServer) Track(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	b.frame++
	x := float64(10 * b.frame)
	return structpb.NewStruct(map[string]any{
		"persons": []any{map[string]any{"id": 4, "box": []any{x, 0, x + 10, 20}}},
	})
}

func TestTrackerKeepsHistoryWhenServerOmitsPositions(t *testing.T) {
	tr := NewTracker(dialBufconn(t, &bareServer{}), "job_y", detect.Params{})

	_, err := tr.Track(context.Background(), 1, nil)
	require.NoError(t, err)
	res, err := tr.Track(context.Background(), 2, nil)
	require.NoError(t, err)

	require.Len(t, res.Persons, 1)
	assert.Equal(t, []r2.Vec{{X: 15, Y: 10}, {X: 25, Y: 10}}, res.Persons[0].Positions)
}
