package server

import (
	"context"
	"io"
	"log"
	"math"

	pkgerrors "github.com/pkg/errors"

	"github.com/mcules/dstore/internal/bufpool"
	"github.com/mcules/dstore/internal/journal"
	"github.com/mcules/dstore/internal/layerstore"
	"github.com/mcules/dstore/internal/model"
	"github.com/mcules/dstore/internal/prefix"
	"github.com/mcules/dstore/internal/wire"
)

var _ wire.ModelStoreServer = (*Server)(nil)

func (s *Server) StoreMeta(ctx context.Context, req *wire.StoreMetaRequest) (*wire.Ack, error) {
	err := s.run(ctx, opStoreMeta, func() error {
		if err := req.Graph.Validate(); err != nil {
			return err
		}
		comp := req.Composition
		if comp == nil {
			comp = model.Composition{}
		}
		_, replaced := s.graphs.Put(req.Graph, comp, req.Accuracy)
		e := journal.Entry{Type: journal.EventRegistered, Model: req.Graph.ID, Layers: len(comp)}
		if replaced {
			e.Note = "replaced"
		}
		s.record(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &wire.Ack{OK: true}, nil
}

func (s *Server) GetComposition(ctx context.Context, req *wire.CompositionRequest) (*wire.CompositionReply, error) {
	var comp model.Composition
	err := s.run(ctx, opGetComposition, func() error {
		comp = s.graphs.Composition(req.Model)
		if len(comp) == 0 {
			s.debugf("composition of unknown model %d", req.Model)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &wire.CompositionReply{Composition: comp}, nil
}

func (s *Server) StoreLayers(stream wire.StoreLayersServer) error {
	return s.run(stream.Context(), opStoreLayers, func() error {
		return s.storeLayers(stream)
	})
}

// storeLayers allocates every destination segment up front, fills them from
// the chunk stream, checks the digest trailer and only then installs the
// layers. Any failure before the install releases every segment.
func (s *Server) storeLayers(stream wire.StoreLayersServer) error {
	first, err := stream.Recv()
	if err != nil {
		return pkgerrors.Wrap(wire.ErrTransport, err.Error())
	}
	h := first.Header
	if h == nil {
		return pkgerrors.Wrap(wire.ErrBadRequest, "store_layers stream must open with a header")
	}
	if len(h.Layers) != len(h.Sizes) {
		return pkgerrors.Wrapf(wire.ErrBadRequest, "%d layers but %d sizes", len(h.Layers), len(h.Sizes))
	}
	sizes := make([]int, len(h.Sizes))
	for i, sz := range h.Sizes {
		if sz > math.MaxInt {
			return pkgerrors.Wrapf(bufpool.ErrAllocationExhausted, "layer %d of %d bytes", h.Layers[i], sz)
		}
		sizes[i] = int(sz)
	}

	segs, err := s.pool.AllocateAll(sizes)
	if err != nil {
		s.debugf("store_layers owner=%d: %v", h.Owner, err)
		return err
	}
	installed := false
	defer func() {
		if installed {
			return
		}
		for _, seg := range segs {
			seg.Release()
		}
	}()

	dst := make([][]byte, len(segs))
	for i, seg := range segs {
		dst[i] = seg.Bytes()
	}
	asm := wire.NewAssembler(dst)
	for {
		f, err := stream.Recv()
		if err == io.EOF {
			return pkgerrors.Wrap(wire.ErrTransport, "stream closed before digest trailer")
		}
		if err != nil {
			return pkgerrors.Wrap(wire.ErrTransport, err.Error())
		}
		if f.Digest != nil {
			if err := asm.Verify(f.Digest); err != nil {
				return err
			}
			break
		}
		if err := asm.Write(f.Chunk); err != nil {
			return err
		}
	}

	replaced := 0
	for i, lid := range h.Layers {
		if s.layers.Install(lid, h.Owner, segs[i]) {
			replaced++
		}
	}
	installed = true
	s.metrics.BytesIn(int(asm.Written()))
	s.record(journal.Entry{
		Type:   journal.EventLayersStored,
		Model:  h.Owner,
		Layers: len(h.Layers),
		Bytes:  h.TotalSize(),
	})
	if replaced > 0 {
		s.debugf("store_layers owner=%d replaced %d layers", h.Owner, replaced)
	}
	return stream.SendAndClose(&wire.Ack{OK: true})
}

func (s *Server) ReadLayers(req *wire.ReadLayersRequest, stream wire.ReadLayersServer) error {
	return s.run(stream.Context(), opReadLayers, func() error {
		leases, err := s.layers.LookupAll(req.Layers, req.Owner)
		if err != nil {
			s.debugf("read_layers owner=%d: %v", req.Owner, err)
			return err
		}
		defer layerstore.CloseAll(leases)

		payloads := make([][]byte, len(leases))
		total := 0
		for i, l := range leases {
			payloads[i] = l.Bytes()
			total += l.Len()
		}
		digest, err := wire.SendChunks(payloads, s.opts.ChunkSize, func(chunk []byte) error {
			return stream.Send(&wire.DataFrame{Chunk: chunk})
		})
		if err != nil {
			return pkgerrors.Wrap(wire.ErrTransport, err.Error())
		}
		if err := stream.Send(&wire.DataFrame{Digest: digest}); err != nil {
			return pkgerrors.Wrap(wire.ErrTransport, err.Error())
		}
		s.metrics.BytesOut(total)
		return nil
	})
}

// UpdateRefCounter adjusts the named layer copies of req.Owner all or
// nothing. A negative delta also retires the owner's model record, whether or
// not any layer was evicted.
func (s *Server) UpdateRefCounter(ctx context.Context, req *wire.RefRequest) (*wire.Ack, error) {
	err := s.run(ctx, opUpdateRef, func() error {
		if req.Delta > math.MaxInt32 || req.Delta < math.MinInt32 {
			return pkgerrors.Wrapf(wire.ErrBadRequest, "delta %d out of range", req.Delta)
		}
		evicted, err := s.layers.AdjustRefs(req.Owner, req.Layers, int(req.Delta))
		if err != nil {
			s.debugf("update_ref_counter owner=%d: %v", req.Owner, err)
			return err
		}
		if len(evicted) > 0 {
			s.metrics.Evicted(len(evicted))
			s.record(journal.Entry{Type: journal.EventEvicted, Model: req.Owner, Layers: len(evicted)})
		}
		if req.Delta < 0 && s.graphs.Remove(req.Owner) {
			s.metrics.Retired()
			s.record(journal.Entry{Type: journal.EventRetired, Model: req.Owner})
			s.debugf("retired model %d", req.Owner)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &wire.Ack{OK: true}, nil
}

func (s *Server) GetPrefix(ctx context.Context, req *wire.PrefixRequest) (*wire.PrefixReply, error) {
	var best model.Prefix
	err := s.run(ctx, opGetPrefix, func() error {
		if req.Graph == nil {
			return pkgerrors.Wrap(wire.ErrBadRequest, "get_prefix needs a graph")
		}
		best = prefix.Best(req.Graph, s.graphs.Snapshot())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &wire.PrefixReply{Model: best.Model, Vertices: best.Vertices, Accuracy: best.Accuracy}, nil
}

// Shutdown acknowledges first and stops in the background, since stopping
// waits for this very RPC to finish.
func (s *Server) Shutdown(context.Context, *wire.ShutdownRequest) (*wire.Ack, error) {
	log.Printf("server: shutdown requested (provider %d)", s.opts.ProviderID)
	go s.Stop()
	return &wire.Ack{OK: true}, nil
}
