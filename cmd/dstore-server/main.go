package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/mcules/dstore/internal/config"
	"github.com/mcules/dstore/internal/journal"
	"github.com/mcules/dstore/internal/server"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	dsn := cfg.JournalDSN
	if dsn == "" {
		dsn = journal.MemoryDSN
	}
	j, err := journal.Open(dsn)
	if err != nil {
		log.Fatalf("failed to open journal: %v", err)
	}
	defer j.Close()

	srv, err := server.New(server.Options{
		ProviderID: cfg.ProviderID,
		Threads:    cfg.Threads,
		QueueSize:  cfg.QueueSize,
		BufferSize: cfg.BufferSize,
		ChunkSize:  cfg.ChunkSize,
		Debug:      cfg.Debug,
		AdminToken: cfg.AdminToken,
		Journal:    j,
	})
	if err != nil {
		log.Fatalf("server init: %v", err)
	}

	grpcLis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}
	grpcServer := grpc.NewServer(srv.GRPCOptions()...)
	srv.Register(grpcServer)

	go func() {
		log.Printf("gRPC listening on %s (provider %d, %d threads, %d byte arena)",
			grpcLis.Addr(), cfg.ProviderID, cfg.Threads, cfg.BufferSize)
		if err := grpcServer.Serve(grpcLis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	admin := &http.Server{
		Addr:              cfg.AdminListen,
		Handler:           srv.AdminHandler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if cfg.AdminListen != "" {
		go func() {
			log.Printf("admin HTTP listening on %s", cfg.AdminListen)
			if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("http serve: %v", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Printf("received %s, stopping", s)
		srv.Stop()
	case <-srv.Done():
		log.Printf("stopped by shutdown request")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = admin.Shutdown(ctx)
}
