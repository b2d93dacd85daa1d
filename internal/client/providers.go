package client

import (
	"context"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/mcules/dstore/internal/activity"
	"github.com/mcules/dstore/internal/metrics"
	"github.com/mcules/dstore/internal/model"
	"github.com/mcules/dstore/internal/wire"
)

// Provider is one server endpoint together with the provider id it serves.
type Provider struct {
	Index int
	Addr  string
	ID    int

	conn *grpc.ClientConn
	stub *wire.ModelStoreClient
}

type ProviderStatus struct {
	Index   int
	Addr    string
	ID      int
	State   string
	Latency metrics.ProviderLatency
}

func dialProviders(servers []string, ids []int, extra []grpc.DialOption, chunk int) ([]*Provider, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(max(4<<20, chunk+64<<10))),
	}
	opts = append(opts, extra...)

	out := make([]*Provider, 0, len(servers))
	for i, addr := range servers {
		conn, err := grpc.NewClient(addr, opts...)
		if err != nil {
			_ = closeProviders(out)
			return nil, err
		}
		out = append(out, &Provider{
			Index: i,
			Addr:  addr,
			ID:    ids[i],
			conn:  conn,
			stub:  wire.NewModelStoreClient(conn),
		})
	}
	return out, nil
}

func closeProviders(ps []*Provider) error {
	var merr *multierror.Error
	for _, p := range ps {
		if err := p.conn.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// ProviderIndex is the position in the provider list responsible for id.
func (c *Client) ProviderIndex(id model.ModelID) int {
	return int(uint64(id) % uint64(len(c.providers)))
}

func (c *Client) route(id model.ModelID) *Provider {
	return c.providers[c.ProviderIndex(id)]
}

// call runs fn against p with the provider header attached, records the span
// and the round trip, and maps gRPC statuses onto sentinel errors. fn returns
// the payload bytes it moved.
func (c *Client) call(ctx context.Context, p *Provider, op string, fn func(context.Context) (int64, error)) error {
	ctx = metadata.AppendToOutgoingContext(ctx, wire.ProviderHeader, strconv.Itoa(p.ID))
	end := activity.Begin(ctx, op, p.Index)
	start := time.Now()

	n, err := fn(ctx)
	err = wire.FromStatus(err)

	c.latency.Observe(p.Index, time.Since(start), err)
	end(n, err)
	return err
}

// Providers reports every provider with its connectivity state and observed
// latency.
func (c *Client) Providers() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(c.providers))
	for _, p := range c.providers {
		lat, _ := c.latency.Get(p.Index)
		out = append(out, ProviderStatus{
			Index:   p.Index,
			Addr:    p.Addr,
			ID:      p.ID,
			State:   p.conn.GetState().String(),
			Latency: lat,
		})
	}
	return out
}
