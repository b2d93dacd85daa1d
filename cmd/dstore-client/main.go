// Command dstore-client runs an end-to-end check against running providers:
// two models sharing layers, a warm-start prefix query, and a cross-owner
// read compared byte for byte.
package main

import (
	"bytes"
	"context"
	"flag"
	"log"
	"time"

	"github.com/pkg/errors"

	"github.com/mcules/dstore/internal/activity"
	"github.com/mcules/dstore/internal/client"
	"github.com/mcules/dstore/internal/config"
	"github.com/mcules/dstore/internal/model"
)

func main() {
	shutdown := flag.Bool("shutdown", false, "ask every provider to stop when done")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	c, err := client.New(client.Options{
		Servers:     cfg.Servers,
		ProviderIDs: cfg.ProviderIDs,
		ChunkSize:   cfg.ChunkSize,
	})
	if err != nil {
		log.Fatalf("client: %v", err)
	}
	defer c.Close()

	col := activity.New(64)
	ctx, cancel := context.WithTimeout(activity.WithCollector(context.Background(), col), *timeout)
	defer cancel()

	if err := run(ctx, c); err != nil {
		log.Fatalf("smoke: %v", err)
	}
	for _, s := range col.List() {
		log.Printf("%-20s provider=%d %8d bytes %s %s", s.Op, s.Provider, s.Bytes, s.Elapsed, s.Err)
	}
	for _, p := range c.Providers() {
		log.Printf("provider %d (%s, id %d): %s, ewma %.2fms", p.Index, p.Addr, p.ID, p.State, p.Latency.EWMAms)
	}

	if *shutdown {
		if err := c.Shutdown(ctx); err != nil {
			log.Fatalf("shutdown: %v", err)
		}
	}
}

func fill(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed ^ byte(i*31)
	}
	return b
}

func run(ctx context.Context, c *client.Client) error {
	sizes := map[model.LayerID]int{0: 80, 1: 512, 2: 80, 3: 300}
	lay := map[model.LayerID][]byte{}
	for lid, n := range sizes {
		lay[lid] = fill(n, byte(lid+1))
	}
	size := func(lid model.LayerID) uint64 { return uint64(sizes[lid]) }

	if err := c.StoreLayers(ctx, 1, []model.LayerID{0, 1, 2}, [][]byte{lay[0], lay[1], lay[2]}); err != nil {
		return err
	}
	if err := c.RegisterModel(ctx, 1, []model.LayerID{0, 1, 1, 2},
		[]model.LayerID{0, 1, 2}, []model.ModelID{1, 1, 1}, []uint64{size(0), size(1), size(2)}, 0.7); err != nil {
		return err
	}
	log.Printf("stored model 1")

	if err := c.StoreLayers(ctx, 2, []model.LayerID{3}, [][]byte{lay[3]}); err != nil {
		return err
	}
	if err := c.RegisterModel(ctx, 2, []model.LayerID{0, 3, 3, 2},
		[]model.LayerID{0, 3, 2}, []model.ModelID{1, 2, 1}, []uint64{size(0), size(3), size(2)}, 0.6); err != nil {
		return err
	}
	log.Printf("stored model 2 (shares layers 0 and 2 with model 1)")

	p, err := c.PrefixOf(ctx, []model.LayerID{0, 3, 3, 1})
	if err != nil {
		return err
	}
	log.Printf("prefix: model %d, vertices %v, accuracy %.2f", p.Model, p.Vertices, p.Accuracy)
	if p.Model != 2 || p.Len() != 2 {
		return errors.Errorf("unexpected prefix: want model 2 with 2 vertices")
	}

	lids := []model.LayerID{0, 3, 2}
	dest := [][]byte{make([]byte, size(0)), make([]byte, size(3)), make([]byte, size(2))}
	if err := c.ReadLayers(ctx, lids, []model.ModelID{1, 2, 1}, dest); err != nil {
		return err
	}
	for i, lid := range lids {
		if !bytes.Equal(dest[i], lay[lid]) {
			return errors.Errorf("layer %d differs from what was stored", lid)
		}
	}
	log.Printf("read back %d layers, contents match", len(lids))
	return nil
}
