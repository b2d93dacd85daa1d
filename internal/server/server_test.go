package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/mcules/dstore/internal/journal"
	"github.com/mcules/dstore/internal/model"
	"github.com/mcules/dstore/internal/wire"
)

func start(t *testing.T, opts Options) (*Server, *wire.ModelStoreClient) {
	t.Helper()
	if opts.BufferSize == 0 {
		opts.BufferSize = 1 << 20
	}
	if opts.Threads == 0 {
		opts.Threads = 4
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = 16
	}
	s, err := New(opts)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer(s.GRPCOptions()...)
	s.Register(g)
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return s, wire.NewModelStoreClient(conn)
}

// sendFrames streams frames and returns the server's verdict. A send that
// fails because the server already answered yields that answer.
func sendFrames(ctx context.Context, c *wire.ModelStoreClient, frames ...*wire.StoreLayersFrame) error {
	stream, err := c.StoreLayers(ctx)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := stream.Send(f); err != nil {
			break
		}
	}
	_, err = stream.CloseAndRecv()
	return err
}

func storeFrames(owner model.ModelID, lids []model.LayerID, payloads [][]byte) []*wire.StoreLayersFrame {
	h := &wire.StoreHeader{Owner: owner, Layers: lids}
	for _, p := range payloads {
		h.Sizes = append(h.Sizes, uint64(len(p)))
	}
	frames := []*wire.StoreLayersFrame{{Header: h}}
	digest, _ := wire.SendChunks(payloads, 64, func(c []byte) error {
		frames = append(frames, &wire.StoreLayersFrame{Chunk: append([]byte(nil), c...)})
		return nil
	})
	return append(frames, &wire.StoreLayersFrame{Digest: digest})
}

func storeLayers(ctx context.Context, c *wire.ModelStoreClient, owner model.ModelID, lids []model.LayerID, payloads [][]byte) error {
	return sendFrames(ctx, c, storeFrames(owner, lids, payloads)...)
}

func readLayers(ctx context.Context, c *wire.ModelStoreClient, owner model.ModelID, lids []model.LayerID, sizes []int) ([][]byte, error) {
	stream, err := c.ReadLayers(ctx, &wire.ReadLayersRequest{Owner: owner, Layers: lids})
	if err != nil {
		return nil, err
	}
	dst := make([][]byte, len(sizes))
	for i, n := range sizes {
		dst[i] = make([]byte, n)
	}
	asm := wire.NewAssembler(dst)
	for {
		f, err := stream.Recv()
		if err == io.EOF {
			return dst, nil
		}
		if err != nil {
			return nil, err
		}
		if f.Digest != nil {
			if err := asm.Verify(f.Digest); err != nil {
				return nil, err
			}
			continue
		}
		if err := asm.Write(f.Chunk); err != nil {
			return nil, err
		}
	}
}

func graph(t *testing.T, id model.ModelID, edges ...model.LayerID) *model.LayerGraph {
	t.Helper()
	g, err := model.BuildGraph(id, edges)
	require.NoError(t, err)
	return g
}

func TestCompositionRoundTrip(t *testing.T) {
	_, c := start(t, Options{})
	ctx := context.Background()

	comp := model.Composition{0: {Owner: 1, Size: 80}, 3: {Owner: 2, Size: 512}, 2: {Owner: 1, Size: 80}}
	_, err := c.StoreMeta(ctx, &wire.StoreMetaRequest{Graph: graph(t, 2, 0, 3, 3, 2), Composition: comp, Accuracy: 0.1})
	require.NoError(t, err)

	rep, err := c.GetComposition(ctx, &wire.CompositionRequest{Model: 2})
	require.NoError(t, err)
	require.Equal(t, comp, rep.Composition)

	rep, err = c.GetComposition(ctx, &wire.CompositionRequest{Model: 42})
	require.NoError(t, err)
	require.Empty(t, rep.Composition)
}

func TestStoreMetaRejectsInvalidGraph(t *testing.T) {
	_, c := start(t, Options{})
	ctx := context.Background()

	cyclic := graph(t, 1, 0, 1, 1, 2, 2, 1)
	_, err := c.StoreMeta(ctx, &wire.StoreMetaRequest{Graph: cyclic})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.StoreMeta(ctx, &wire.StoreMetaRequest{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestLayerRoundTrip(t *testing.T) {
	s, c := start(t, Options{ChunkSize: 100})
	ctx := context.Background()

	payloads := [][]byte{bytes.Repeat([]byte{1}, 300), bytes.Repeat([]byte{2}, 7), {}}
	require.NoError(t, storeLayers(ctx, c, 1, []model.LayerID{10, 11, 12}, payloads))
	require.Equal(t, 3, s.Stats().LayerEntries)

	got, err := readLayers(ctx, c, 1, []model.LayerID{10, 11, 12}, []int{300, 7, 0})
	require.NoError(t, err)
	require.Equal(t, payloads, got)

	// request order, not storage order
	got, err = readLayers(ctx, c, 1, []model.LayerID{11, 10}, []int{7, 300})
	require.NoError(t, err)
	require.Equal(t, [][]byte{payloads[1], payloads[0]}, got)

	_, err = readLayers(ctx, c, 2, []model.LayerID{10}, []int{300})
	require.Equal(t, codes.NotFound, status.Code(err), "other owner")
}

func TestReplaceKeepsRefCountAndFreesOldSegment(t *testing.T) {
	s, c := start(t, Options{})
	ctx := context.Background()

	require.NoError(t, storeLayers(ctx, c, 1, []model.LayerID{5}, [][]byte{bytes.Repeat([]byte{1}, 4096)}))
	_, err := c.UpdateRefCounter(ctx, &wire.RefRequest{Owner: 1, Layers: []model.LayerID{5}, Delta: 2})
	require.NoError(t, err)
	inUse := s.Stats().Pool.InUse

	require.NoError(t, storeLayers(ctx, c, 1, []model.LayerID{5}, [][]byte{bytes.Repeat([]byte{9}, 4096)}))
	require.Equal(t, inUse, s.Stats().Pool.InUse)
	n, ok := s.layers.RefCount(5, 1)
	require.True(t, ok)
	require.Equal(t, 3, n)

	got, err := readLayers(ctx, c, 1, []model.LayerID{5}, []int{4096})
	require.NoError(t, err)
	require.Equal(t, byte(9), got[0][0])
}

func TestRefCountEvictionAndRetirement(t *testing.T) {
	s, c := start(t, Options{})
	ctx := context.Background()

	_, err := c.StoreMeta(ctx, &wire.StoreMetaRequest{
		Graph:       graph(t, 1, 0, 1),
		Composition: model.Composition{0: {Owner: 1, Size: 8}, 1: {Owner: 1, Size: 8}},
	})
	require.NoError(t, err)
	require.NoError(t, storeLayers(ctx, c, 1, []model.LayerID{0, 1}, [][]byte{make([]byte, 8), make([]byte, 8)}))
	_, err = c.UpdateRefCounter(ctx, &wire.RefRequest{Owner: 1, Layers: []model.LayerID{1}, Delta: 1})
	require.NoError(t, err)

	_, err = c.UpdateRefCounter(ctx, &wire.RefRequest{Owner: 1, Layers: []model.LayerID{0, 1}, Delta: -1})
	require.NoError(t, err)

	_, err = readLayers(ctx, c, 1, []model.LayerID{0}, []int{8})
	require.Equal(t, codes.NotFound, status.Code(err))
	_, err = readLayers(ctx, c, 1, []model.LayerID{1}, []int{8})
	require.NoError(t, err, "layer 1 still holds a reference")

	// any negative delta retires the model record
	rep, err := c.GetComposition(ctx, &wire.CompositionRequest{Model: 1})
	require.NoError(t, err)
	require.Empty(t, rep.Composition)
	require.Equal(t, 0, s.Stats().Models)
}

func TestUpdateRefCounterIsAllOrNothing(t *testing.T) {
	s, c := start(t, Options{})
	ctx := context.Background()

	_, err := c.StoreMeta(ctx, &wire.StoreMetaRequest{Graph: graph(t, 1, 0, 1)})
	require.NoError(t, err)
	require.NoError(t, storeLayers(ctx, c, 1, []model.LayerID{0}, [][]byte{make([]byte, 8)}))

	_, err = c.UpdateRefCounter(ctx, &wire.RefRequest{Owner: 1, Layers: []model.LayerID{0, 99}, Delta: -1})
	require.Equal(t, codes.NotFound, status.Code(err))

	n, ok := s.layers.RefCount(0, 1)
	require.True(t, ok)
	require.Equal(t, 1, n)
	require.Equal(t, 1, s.Stats().Models, "a failed update retires nothing")
}

func TestAtomicStoreFailure(t *testing.T) {
	s, c := start(t, Options{BufferSize: 8192})
	ctx := context.Background()

	err := storeLayers(ctx, c, 1, []model.LayerID{1, 2}, [][]byte{make([]byte, 2048), make([]byte, 16384)})
	require.Equal(t, codes.ResourceExhausted, status.Code(err))

	_, err = readLayers(ctx, c, 1, []model.LayerID{1}, []int{2048})
	require.Equal(t, codes.NotFound, status.Code(err))
	require.Zero(t, s.Stats().Pool.InUse)
	require.Zero(t, s.Stats().LayerEntries)

	// the arena is intact afterwards
	require.NoError(t, storeLayers(ctx, c, 1, []model.LayerID{1}, [][]byte{make([]byte, 8000)}))
}

func TestOversizedHeaderIsExhausted(t *testing.T) {
	s, c := start(t, Options{BufferSize: 8192})
	ctx := context.Background()

	for _, sizes := range [][]uint64{
		{math.MaxInt64},
		{math.MaxInt64 - 3},
		{16, math.MaxInt64 - 8},
		{math.MaxUint64},
	} {
		lids := make([]model.LayerID, len(sizes))
		for i := range lids {
			lids[i] = model.LayerID(i)
		}
		err := sendFrames(ctx, c, &wire.StoreLayersFrame{Header: &wire.StoreHeader{Owner: 1, Layers: lids, Sizes: sizes}})
		require.Equal(t, codes.ResourceExhausted, status.Code(err), "sizes %v", sizes)
		require.Zero(t, s.Stats().Pool.InUse)
		require.Zero(t, s.Stats().Pool.Segments)
	}

	// still serving
	require.NoError(t, storeLayers(ctx, c, 1, []model.LayerID{1}, [][]byte{make([]byte, 64)}))
	got, err := readLayers(ctx, c, 1, []model.LayerID{1}, []int{64})
	require.NoError(t, err)
	require.Len(t, got[0], 64)
}

func TestCorruptTransferRollsBack(t *testing.T) {
	s, c := start(t, Options{})
	ctx := context.Background()

	frames := storeFrames(1, []model.LayerID{1}, [][]byte{bytes.Repeat([]byte{7}, 500)})
	frames[1].Chunk[0] ^= 0xff
	require.Equal(t, codes.DataLoss, status.Code(sendFrames(ctx, c, frames...)))

	frames = storeFrames(1, []model.LayerID{1}, [][]byte{bytes.Repeat([]byte{7}, 500)})
	require.Equal(t, codes.DataLoss, status.Code(sendFrames(ctx, c, frames[:len(frames)-1]...)), "missing trailer")

	require.Equal(t, codes.InvalidArgument, status.Code(sendFrames(ctx, c, frames[1:]...)), "missing header")

	require.Zero(t, s.Stats().Pool.InUse)
	require.Zero(t, s.Stats().LayerEntries)
}

func TestPrefixQueries(t *testing.T) {
	_, c := start(t, Options{})
	ctx := context.Background()

	store := func(g *model.LayerGraph, acc float32) {
		_, err := c.StoreMeta(ctx, &wire.StoreMetaRequest{Graph: g, Accuracy: acc})
		require.NoError(t, err)
	}

	rep, err := c.GetPrefix(ctx, &wire.PrefixRequest{Graph: graph(t, 0, 0, 1)})
	require.NoError(t, err)
	require.Zero(t, rep.Model)
	require.Empty(t, rep.Vertices)

	store(graph(t, 1, 0, 1, 1, 2), 0.2)
	store(graph(t, 2, 0, 3, 3, 2), 0.1)

	rep, err = c.GetPrefix(ctx, &wire.PrefixRequest{Graph: graph(t, 0, 0, 3, 3, 1)})
	require.NoError(t, err)
	require.Equal(t, model.ModelID(2), rep.Model)
	require.Equal(t, []model.LayerID{0, 3}, rep.Vertices)

	// self-match under a different id
	rep, err = c.GetPrefix(ctx, &wire.PrefixRequest{Graph: graph(t, 77, 0, 1, 1, 2)})
	require.NoError(t, err)
	require.Equal(t, model.ModelID(1), rep.Model)
	require.Len(t, rep.Vertices, 3)

	// equal lengths: higher accuracy wins
	store(graph(t, 3, 0, 1, 1, 9), 0.9)
	rep, err = c.GetPrefix(ctx, &wire.PrefixRequest{Graph: graph(t, 0, 0, 1, 1, 5)})
	require.NoError(t, err)
	require.Equal(t, model.ModelID(3), rep.Model)
	require.InDelta(t, 0.9, rep.Accuracy, 1e-6)
}

func TestProviderHeader(t *testing.T) {
	_, c := start(t, Options{ProviderID: 3})

	ctx := metadata.AppendToOutgoingContext(context.Background(), wire.ProviderHeader, "3")
	_, err := c.GetComposition(ctx, &wire.CompositionRequest{Model: 1})
	require.NoError(t, err)

	ctx = metadata.AppendToOutgoingContext(context.Background(), wire.ProviderHeader, "4")
	_, err = c.GetComposition(ctx, &wire.CompositionRequest{Model: 1})
	require.Equal(t, codes.Unavailable, status.Code(err))
	_, err = readLayers(ctx, c, 1, []model.LayerID{1}, []int{1})
	require.Equal(t, codes.Unavailable, status.Code(err))
}

func TestShutdownStopsServer(t *testing.T) {
	s, c := start(t, Options{})
	_, err := c.Shutdown(context.Background(), &wire.ShutdownRequest{})
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	_, err = c.GetComposition(context.Background(), &wire.CompositionRequest{Model: 1})
	require.Error(t, err)
}

func TestAdminEndpoints(t *testing.T) {
	j, err := journal.Open("")
	require.NoError(t, err)
	defer j.Close()
	s, c := start(t, Options{Journal: j})
	ctx := context.Background()

	_, err = c.StoreMeta(ctx, &wire.StoreMetaRequest{Graph: graph(t, 4, 0, 1)})
	require.NoError(t, err)
	require.NoError(t, storeLayers(ctx, c, 4, []model.LayerID{0}, [][]byte{make([]byte, 16)}))
	_, err = c.UpdateRefCounter(ctx, &wire.RefRequest{Owner: 4, Layers: []model.LayerID{0}, Delta: -1})
	require.NoError(t, err)

	h := s.AdminHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/journal?model=4", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []journal.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	var types []journal.EventType
	for _, e := range entries {
		types = append(types, e.Type)
	}
	assert.Equal(t, []journal.EventType{journal.EventRetired, journal.EventEvicted, journal.EventLayersStored, journal.EventRegistered}, types)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `dstore_requests_total{op="store_layers",provider="0",result="ok"} 1`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/journal?limit=x", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminToken(t *testing.T) {
	s, _ := start(t, Options{AdminToken: "s3cret"})
	h := s.AdminHandler()

	get := func(path, token string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, get("/health", ""))
	assert.Equal(t, http.StatusUnauthorized, get("/metrics", ""))
	assert.Equal(t, http.StatusUnauthorized, get("/journal", "wrong"))
	assert.Equal(t, http.StatusOK, get("/journal", "s3cret"))
	assert.Equal(t, http.StatusOK, get("/metrics", "s3cret"))
}
