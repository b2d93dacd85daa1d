// Package server implements the model store RPC service on top of the buffer
// pool, the layer store, the graph store and the prefix matcher.
//
// Every RPC runs on the bounded worker pool: a handler keeps one worker for
// its whole duration, bulk streaming included.
package server

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/mcules/dstore/internal/bufpool"
	"github.com/mcules/dstore/internal/graphstore"
	"github.com/mcules/dstore/internal/journal"
	"github.com/mcules/dstore/internal/layerstore"
	"github.com/mcules/dstore/internal/metrics"
	"github.com/mcules/dstore/internal/wire"
	"github.com/mcules/dstore/internal/workers"
)

const (
	opStoreMeta      = "store_meta"
	opGetComposition = "get_composition"
	opStoreLayers    = "store_layers"
	opReadLayers     = "read_layers"
	opUpdateRef      = "update_ref_counter"
	opGetPrefix      = "get_prefix"
)

type Options struct {
	ProviderID int
	Threads    int
	QueueSize  int
	BufferSize int
	ChunkSize  int
	Debug      bool

	AdminToken string
	// Journal is optional.
	Journal *journal.Store
}

type Server struct {
	opts Options

	pool    *bufpool.Pool
	layers  *layerstore.Store
	graphs  *graphstore.Store
	workers *workers.Pool
	metrics *metrics.Server
	journal *journal.Store

	grpc     *grpc.Server
	stopOnce sync.Once
	done     chan struct{}
}

func New(opts Options) (*Server, error) {
	if opts.Threads <= 0 {
		opts.Threads = 1
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = wire.DefaultChunkSize
	}
	pool, err := bufpool.New(opts.BufferSize)
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:    opts,
		pool:    pool,
		layers:  layerstore.New(),
		graphs:  graphstore.New(),
		workers: workers.New(opts.Threads, opts.QueueSize),
		journal: opts.Journal,
		done:    make(chan struct{}),
	}
	s.metrics = metrics.NewServer(opts.ProviderID, metrics.Gauges{
		PoolInUse:    func() float64 { return float64(s.pool.Stats().InUse) },
		PoolCapacity: func() float64 { return float64(s.pool.Capacity()) },
		Models:       func() float64 { return float64(s.graphs.Len()) },
		LayerEntries: func() float64 { return float64(s.layers.Entries()) },
		BusyWorkers:  func() float64 { return float64(s.workers.Busy()) },
	})
	return s, nil
}

// GRPCOptions returns the server options the service needs: provider checks
// and a receive limit that fits one bulk chunk.
func (s *Server) GRPCOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(s.unaryProvider),
		grpc.ChainStreamInterceptor(s.streamProvider),
		grpc.MaxRecvMsgSize(max(4<<20, s.opts.ChunkSize+64<<10)),
	}
}

// Register installs the service on g. Shutdown stops g.
func (s *Server) Register(g *grpc.Server) {
	s.grpc = g
	wire.RegisterModelStoreServer(g, s)
}

// Stop drains in-flight RPCs and the worker queue. It is idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.grpc != nil {
			s.grpc.GracefulStop()
		}
		s.workers.Stop()
		s.workers.Wait()
		close(s.done)
	})
}

// Done is closed once Stop has finished.
func (s *Server) Done() <-chan struct{} { return s.done }

type Stats struct {
	ProviderID   int           `json:"provider_id"`
	Models       int           `json:"models"`
	LayerEntries int           `json:"layer_entries"`
	Pool         bufpool.Stats `json:"pool"`
	BusyWorkers  int           `json:"busy_workers"`
	Queued       int           `json:"queued"`
}

func (s *Server) Stats() Stats {
	return Stats{
		ProviderID:   s.opts.ProviderID,
		Models:       s.graphs.Len(),
		LayerEntries: s.layers.Entries(),
		Pool:         s.pool.Stats(),
		BusyWorkers:  s.workers.Busy(),
		Queued:       s.workers.QueueLen(),
	}
}

func (s *Server) Metrics() *metrics.Server { return s.metrics }

// run executes fn on a worker and converts its error into a gRPC status.
func (s *Server) run(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := s.workers.Do(ctx, fn)
	s.metrics.Observe(op, time.Since(start), err)
	if err != nil && s.opts.Debug {
		log.Printf("server: %s: %v", op, err)
	}
	return wire.ToStatus(err)
}

func (s *Server) record(e journal.Entry) {
	if err := s.journal.Record(context.Background(), e); err != nil {
		log.Printf("server: journal %s model=%d: %v", e.Type, e.Model, err)
	}
}

func (s *Server) debugf(format string, args ...any) {
	if s.opts.Debug {
		log.Printf("server: "+format, args...)
	}
}

func (s *Server) checkProvider(ctx context.Context) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil
	}
	vals := md.Get(wire.ProviderHeader)
	if len(vals) == 0 {
		return nil
	}
	if vals[0] != strconv.Itoa(s.opts.ProviderID) {
		return status.Errorf(codes.Unavailable, "provider %s is not served here (serving %d)", vals[0], s.opts.ProviderID)
	}
	return nil
}

func (s *Server) unaryProvider(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if err := s.checkProvider(ctx); err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (s *Server) streamProvider(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := s.checkProvider(ss.Context()); err != nil {
		return err
	}
	return handler(srv, ss)
}
