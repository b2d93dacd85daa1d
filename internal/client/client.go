// Package client orchestrates requests across a fixed list of model store
// providers. Model id routing is id modulo the number of providers; layer
// reads and reference updates fan out with one request per owning model.
package client

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/mcules/dstore/internal/metrics"
	"github.com/mcules/dstore/internal/model"
	"github.com/mcules/dstore/internal/wire"
)

var (
	ErrNoProviders   = errors.New("dstore: no providers configured")
	ErrUnknownModel  = errors.New("dstore: unknown model")
	ErrModelTooLarge = errors.New("dstore: model exceeds read limit")
)

// DefaultMaxReadBytes bounds the buffers ReadModel allocates for one model.
const DefaultMaxReadBytes = 16 << 30

type Options struct {
	Servers     []string
	ProviderIDs []int // defaults to 0..len(Servers)-1
	ChunkSize   int

	// MaxReadBytes caps the total size ReadModel will allocate; 0 means
	// DefaultMaxReadBytes.
	MaxReadBytes uint64

	DialOptions []grpc.DialOption
	Latency     *metrics.LatencyTracker
}

type Client struct {
	providers []*Provider
	chunk     int
	maxRead   uint64
	latency   *metrics.LatencyTracker

	mu    sync.Mutex
	cache map[model.ModelID]model.Composition
}

func New(opts Options) (*Client, error) {
	if len(opts.Servers) == 0 {
		return nil, ErrNoProviders
	}
	ids := opts.ProviderIDs
	if len(ids) == 0 {
		ids = make([]int, len(opts.Servers))
		for i := range ids {
			ids[i] = i
		}
	}
	if len(ids) != len(opts.Servers) {
		return nil, pkgerrors.Errorf("client: %d servers but %d provider ids", len(opts.Servers), len(ids))
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = wire.DefaultChunkSize
	}
	if opts.MaxReadBytes == 0 {
		opts.MaxReadBytes = DefaultMaxReadBytes
	}
	if opts.Latency == nil {
		opts.Latency = metrics.NewLatencyTracker(0.2)
	}

	ps, err := dialProviders(opts.Servers, ids, opts.DialOptions, opts.ChunkSize)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "client: dial")
	}
	for _, p := range ps {
		log.Printf("client: provider %d at %s (id %d)", p.Index, p.Addr, p.ID)
	}
	return &Client{
		providers: ps,
		chunk:     opts.ChunkSize,
		maxRead:   opts.MaxReadBytes,
		latency:   opts.Latency,
		cache:     map[model.ModelID]model.Composition{},
	}, nil
}

func (c *Client) Close() error { return closeProviders(c.providers) }

func (c *Client) StoreMeta(ctx context.Context, g *model.LayerGraph, comp model.Composition, accuracy float32) error {
	p := c.route(g.ID)
	return c.call(ctx, p, "store_meta", func(ctx context.Context) (int64, error) {
		_, err := p.stub.StoreMeta(ctx, &wire.StoreMetaRequest{Graph: g, Composition: comp, Accuracy: accuracy})
		return 0, err
	})
}

// RegisterModel builds the graph from a flat edge list and the composition
// from parallel layer, owner and size lists, then stores both.
func (c *Client) RegisterModel(ctx context.Context, id model.ModelID, edges, layers []model.LayerID, owners []model.ModelID, sizes []uint64, accuracy float32) error {
	g, err := model.BuildGraph(id, edges)
	if err != nil {
		return err
	}
	comp, err := model.BuildComposition(layers, owners, sizes)
	if err != nil {
		return err
	}
	return c.StoreMeta(ctx, g, comp, accuracy)
}

// StoreLayers uploads payloads as the copies of layers owned by owner.
func (c *Client) StoreLayers(ctx context.Context, owner model.ModelID, layers []model.LayerID, payloads [][]byte) error {
	if len(layers) != len(payloads) {
		return pkgerrors.Wrapf(wire.ErrBadRequest, "%d layers but %d payloads", len(layers), len(payloads))
	}
	p := c.route(owner)
	return c.call(ctx, p, "store_layers", func(ctx context.Context) (int64, error) {
		return c.storeLayers(ctx, p, owner, layers, payloads)
	})
}

func (c *Client) storeLayers(ctx context.Context, p *Provider, owner model.ModelID, layers []model.LayerID, payloads [][]byte) (int64, error) {
	stream, err := p.stub.StoreLayers(ctx)
	if err != nil {
		return 0, err
	}
	h := &wire.StoreHeader{Owner: owner, Layers: layers, Sizes: make([]uint64, len(payloads))}
	var total int64
	for i, b := range payloads {
		h.Sizes[i] = uint64(len(b))
		total += int64(len(b))
	}

	// a failed Send only means the stream is gone; CloseAndRecv says why
	sendErr := stream.Send(&wire.StoreLayersFrame{Header: h})
	if sendErr == nil {
		var digest []byte
		digest, sendErr = wire.SendChunks(payloads, c.chunk, func(chunk []byte) error {
			return stream.Send(&wire.StoreLayersFrame{Chunk: chunk})
		})
		if sendErr == nil {
			sendErr = stream.Send(&wire.StoreLayersFrame{Digest: digest})
		}
	}
	if _, err := stream.CloseAndRecv(); err != nil {
		return 0, err
	}
	if sendErr != nil {
		return 0, pkgerrors.Wrap(wire.ErrTransport, sendErr.Error())
	}
	return total, nil
}

// GetComposition returns the composition of id, served from the cache when a
// non-empty copy is present. An unknown model yields an empty composition.
// The lock is not held across the fetch, so concurrent misses may fetch twice.
func (c *Client) GetComposition(ctx context.Context, id model.ModelID) (model.Composition, error) {
	c.mu.Lock()
	if comp, ok := c.cache[id]; ok && len(comp) > 0 {
		c.mu.Unlock()
		return comp.Clone(), nil
	}
	c.mu.Unlock()

	var comp model.Composition
	p := c.route(id)
	err := c.call(ctx, p, "get_composition", func(ctx context.Context) (int64, error) {
		rep, err := p.stub.GetComposition(ctx, &wire.CompositionRequest{Model: id})
		if err != nil {
			return 0, err
		}
		comp = rep.Composition
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if comp == nil {
		comp = model.Composition{}
	}

	c.mu.Lock()
	c.cache[id] = comp
	c.mu.Unlock()
	return comp.Clone(), nil
}

// Forget drops the cached composition of id.
func (c *Client) Forget(id model.ModelID) {
	c.mu.Lock()
	delete(c.cache, id)
	c.mu.Unlock()
}

type readGroup struct {
	owner  model.ModelID
	layers []model.LayerID
	dst    [][]byte
}

// ReadLayers fills dest[i] with the bytes of layers[i] as owned by owners[i].
// Each dest buffer must have the exact stored size. One request per owner is
// issued in parallel; all of them run to completion and every failure is
// reported. Buffers of groups that succeeded stay filled.
func (c *Client) ReadLayers(ctx context.Context, layers []model.LayerID, owners []model.ModelID, dest [][]byte) error {
	if len(layers) != len(owners) || len(layers) != len(dest) {
		return pkgerrors.Wrapf(wire.ErrBadRequest, "%d layers, %d owners, %d buffers", len(layers), len(owners), len(dest))
	}
	byOwner := map[model.ModelID]*readGroup{}
	var groups []*readGroup
	for i, owner := range owners {
		g := byOwner[owner]
		if g == nil {
			g = &readGroup{owner: owner}
			byOwner[owner] = g
			groups = append(groups, g)
		}
		g.layers = append(g.layers, layers[i])
		g.dst = append(g.dst, dest[i])
	}
	return fanOut(ctx, groups, c.readGroup)
}

func (c *Client) readGroup(ctx context.Context, g *readGroup) error {
	p := c.route(g.owner)
	return c.call(ctx, p, "read_layers", func(ctx context.Context) (int64, error) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stream, err := p.stub.ReadLayers(ctx, &wire.ReadLayersRequest{Owner: g.owner, Layers: g.layers})
		if err != nil {
			return 0, err
		}
		asm := wire.NewAssembler(g.dst)
		verified := false
		for {
			f, err := stream.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				return 0, err
			}
			if f.Digest != nil {
				if err := asm.Verify(f.Digest); err != nil {
					return 0, err
				}
				verified = true
				continue
			}
			if err := asm.Write(f.Chunk); err != nil {
				return 0, err
			}
		}
		if !verified {
			return 0, pkgerrors.Wrap(wire.ErrTransport, "read stream ended without digest")
		}
		return int64(asm.Written()), nil
	})
}

// ReadModel resolves the composition of id and reads every layer it references
// from its owner. Compositions whose sizes add up to more than the read limit
// are refused before anything is allocated.
func (c *Client) ReadModel(ctx context.Context, id model.ModelID) (map[model.LayerID][]byte, error) {
	comp, err := c.GetComposition(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(comp) == 0 {
		return nil, pkgerrors.Wrapf(ErrUnknownModel, "model %d", id)
	}
	lids := make([]model.LayerID, 0, len(comp))
	for lid := range comp {
		lids = append(lids, lid)
	}
	sort.Slice(lids, func(i, j int) bool { return lids[i] < lids[j] })

	var total uint64
	for _, lid := range lids {
		sz := comp[lid].Size
		if sz > c.maxRead-total || sz > math.MaxInt {
			return nil, pkgerrors.Wrapf(ErrModelTooLarge, "model %d: layer %d of %d bytes (limit %d)", id, lid, sz, c.maxRead)
		}
		total += sz
	}

	owners := make([]model.ModelID, len(lids))
	dest := make([][]byte, len(lids))
	out := make(map[model.LayerID][]byte, len(lids))
	for i, lid := range lids {
		owners[i] = comp[lid].Owner
		dest[i] = make([]byte, comp[lid].Size)
		out[lid] = dest[i]
	}
	if err := c.ReadLayers(ctx, lids, owners, dest); err != nil {
		return nil, err
	}
	return out, nil
}

type refGroup struct {
	owner  model.ModelID
	layers []model.LayerID
}

// UpdateRefCounter applies delta to every layer in the composition of id, with
// one request per owning model sent to that owner's provider. A negative
// delta also retires the owners' model records on their providers, and drops
// the cached composition of id.
func (c *Client) UpdateRefCounter(ctx context.Context, id model.ModelID, delta int) error {
	comp, err := c.GetComposition(ctx, id)
	if err != nil {
		return err
	}
	if len(comp) == 0 {
		return pkgerrors.Wrapf(ErrUnknownModel, "model %d", id)
	}
	byOwner := comp.GroupByOwner()
	groups := make([]refGroup, 0, len(byOwner))
	for owner, lids := range byOwner {
		groups = append(groups, refGroup{owner: owner, layers: lids})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].owner < groups[j].owner })

	err = fanOut(ctx, groups, func(ctx context.Context, g refGroup) error {
		p := c.route(g.owner)
		return c.call(ctx, p, "update_ref_counter", func(ctx context.Context) (int64, error) {
			_, err := p.stub.UpdateRefCounter(ctx, &wire.RefRequest{Owner: g.owner, Layers: g.layers, Delta: int64(delta)})
			return 0, err
		})
	})
	if delta < 0 {
		c.Forget(id)
	}
	return err
}

// GetPrefix asks every provider for its best match and keeps the longest
// prefix; equal lengths go to the higher accuracy, then to the lower provider
// index.
func (c *Client) GetPrefix(ctx context.Context, child *model.LayerGraph) (model.Prefix, error) {
	results := make([]model.Prefix, len(c.providers))
	err := fanOut(ctx, c.providers, func(ctx context.Context, p *Provider) error {
		return c.call(ctx, p, "get_prefix", func(ctx context.Context) (int64, error) {
			rep, err := p.stub.GetPrefix(ctx, &wire.PrefixRequest{Graph: child})
			if err != nil {
				return 0, err
			}
			results[p.Index] = model.Prefix{Model: rep.Model, Vertices: rep.Vertices, Accuracy: rep.Accuracy}
			return 0, nil
		})
	})
	if err != nil {
		return model.Prefix{}, err
	}
	best := model.Prefix{Vertices: []model.LayerID{}}
	for _, r := range results {
		if r.Len() > 0 && (best.Len() == 0 || r.Better(best)) {
			best = r
		}
	}
	return best, nil
}

// PrefixOf builds a query graph from a flat edge list and runs GetPrefix.
func (c *Client) PrefixOf(ctx context.Context, edges []model.LayerID) (model.Prefix, error) {
	g, err := model.BuildGraph(0, edges)
	if err != nil {
		return model.Prefix{}, err
	}
	return c.GetPrefix(ctx, g)
}

// Shutdown asks every provider to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	log.Printf("client: shutting down %d providers", len(c.providers))
	return fanOut(ctx, c.providers, func(ctx context.Context, p *Provider) error {
		return c.call(ctx, p, "shutdown", func(ctx context.Context) (int64, error) {
			_, err := p.stub.Shutdown(ctx, &wire.ShutdownRequest{})
			return 0, err
		})
	})
}

// fanOut runs fn for every item concurrently and waits for all of them. A
// failure does not cancel the others; all failures are returned together.
func fanOut[T any](ctx context.Context, items []T, fn func(context.Context, T) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		merr *multierror.Error
	)
	for _, it := range items {
		g.Go(func() error {
			err := fn(ctx, it)
			if err != nil {
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
			}
			return err
		})
	}
	// Wait only reports the first failure; merr has all of them.
	if err := g.Wait(); err == nil {
		return nil
	}
	mu.Lock()
	defer mu.Unlock()
	return merr.ErrorOrNil()
}
