package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/surgecrawl/surgecrawl/internal/config"
	"github.com/surgecrawl/surgecrawl/internal/snapshot"
	"github.com/surgecrawl/surgecrawl/internal/storage/sqlitequeue"
	"github.com/surgecrawl/surgecrawl/internal/sysstatus"
)

var statusQueueDBPath string

var poolStatusCmd = &cobra.Command{
	Use:   "pool-status",
	Short: "Print one snapshot of the configured pool bounds and current system idleness",
	Long: `pool-status is a demonstration harness: it has no running crawl to
attach to, so it samples the system dimensions Snapshotter/SystemStatus
would feed an AutoscaledPool's autoscale decision for a moment, then
prints that snapshot alongside the configured concurrency bounds and the
durable queue's current depth (if a queue db is reachable).`,
	RunE: runPoolStatus,
}

func init() {
	rootCmd.AddCommand(poolStatusCmd)
	poolStatusCmd.Flags().StringVar(&statusQueueDBPath, "queue-db", "", "path to the SQLite request queue to inspect (default: state dir)/queue.db")
}

func runPoolStatus(cmd *cobra.Command, args []string) error {
	cfg := config.Default()

	snap := snapshot.New(cfg.Snapshotter)
	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	snap.Start(ctx)
	<-ctx.Done()
	snap.Stop()

	status := sysstatus.New(cfg.SystemStatus, snap)
	s := status.GetCurrentStatus()

	fmt.Printf("minConcurrency:   %d\n", cfg.Pool.MinConcurrency)
	fmt.Printf("maxConcurrency:   %d\n", cfg.Pool.MaxConcurrency)
	fmt.Printf("isSystemIdle:     %v\n", s.IsSystemIdle)
	fmt.Printf("eventLoop:        overloaded=%v ratio=%.2f\n", s.EventLoopOverloaded, s.EventLoopRatio)
	fmt.Printf("memory:           overloaded=%v ratio=%.2f\n", s.MemoryOverloaded, s.MemoryRatio)
	fmt.Printf("cpu:              overloaded=%v ratio=%.2f\n", s.CPUOverloaded, s.CPURatio)
	fmt.Printf("client:           overloaded=%v ratio=%.2f\n", s.ClientOverloaded, s.ClientRatio)

	dbPath := statusQueueDBPath
	if dbPath == "" {
		dbPath = filepath.Join(config.GetStateDir(), "queue.db")
	}
	storage, err := sqlitequeue.Open(dbPath)
	if err != nil {
		fmt.Printf("queueDepth:       unavailable (%v)\n", err)
		return nil
	}
	defer storage.Close()

	head, err := storage.GetHead(context.Background(), "default", 1<<20)
	if err != nil {
		fmt.Printf("queueDepth:       unavailable (%v)\n", err)
		return nil
	}
	fmt.Printf("queueDepth:       %d\n", len(head))
	return nil
}
