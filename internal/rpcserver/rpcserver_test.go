package rpcserver

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/comptonizing/ekos-lightbucket/internal/capture"
	"github.com/comptonizing/ekos-lightbucket/internal/logging"
	"github.com/comptonizing/ekos-lightbucket/internal/pipeline"
	"github.com/comptonizing/ekos-lightbucket/internal/queue"
)

func startService(t *testing.T) (*Client, *queue.FrameQueue) {
	t.Helper()
	q := queue.New()
	st := pipeline.NewStatus(q)
	intake := pipeline.NewIntake(capture.Filter{PreviewPaths: []string{capture.DefaultPreviewPath}}, q, st, nil, logging.Discard())

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	Register(gs, NewService(st, intake, logging.Discard()))
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, q
}

func TestEnqueueAndStatus(t *testing.T) {
	client, q := startService(t)
	ctx := context.Background()

	median := 1200
	hfr := 2.5
	require.NoError(t, client.Enqueue(ctx, capture.Event{FileName: "/data/light.fits", Median: &median, StarCount: 80, HFR: &hfr}))

	require.Equal(t, 1, q.Len())
	ev, _ := q.PopFront()
	assert.Equal(t, "/data/light.fits", ev.FileName)
	assert.Equal(t, SourceRPC, ev.Source)
	assert.Equal(t, 80, ev.StarCount)
	require.NotNil(t, ev.Median)
	assert.Equal(t, 1200, *ev.Median)
	require.NotNil(t, ev.HFR)
	assert.Equal(t, 2.5, *ev.HFR)

	q.Push(capture.Event{FileName: "/data/other.fits"})
	counters, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Queued)
	assert.False(t, counters.Processing)
}

func TestEnqueueRejections(t *testing.T) {
	client, q := startService(t)
	ctx := context.Background()

	err := client.Enqueue(ctx, capture.Event{FileName: capture.DefaultPreviewPath})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	err = client.Enqueue(ctx, capture.Event{FileName: "/data/dark.fits", Type: capture.FrameDark})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	err = client.Enqueue(ctx, capture.Event{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Zero(t, q.Len())
}

func TestSignalFields(t *testing.T) {
	out, err := signalFields(map[string]any{"filename": "a.fits", "median": 12.0, "hfr": 1.5})
	require.NoError(t, err)
	assert.Equal(t, int64(12), out["median"])
	assert.Equal(t, 1.5, out["hfr"])

	_, err = signalFields(map[string]any{"starCount": 1.5})
	assert.Error(t, err)

	s, err := structpb.NewStruct(map[string]any{"filename": "b.fits", "type": 0.0})
	require.NoError(t, err)
	out, err = signalFields(s.AsMap())
	require.NoError(t, err)
	ev, err := capture.FromFields(out)
	require.NoError(t, err)
	assert.Equal(t, capture.FrameLight, ev.Type)
}
