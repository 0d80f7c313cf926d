package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"E3Kernel/internal/api"
	"E3Kernel/internal/events"
	"E3Kernel/internal/feed"
	"E3Kernel/internal/kernel"
	"E3Kernel/internal/logger"
	"E3Kernel/internal/metrics"
	"E3Kernel/internal/protocol"
	"E3Kernel/internal/storage"
	"E3Kernel/internal/verifier"
	"E3Kernel/internal/watchdog"
)

// Node is a running E3 kernel daemon.
type Node struct {
	cfg      *config
	store    *storage.Store
	pool     *verifier.Pool
	kernel   *kernel.Kernel
	metrics  *metrics.Metrics
	feed     *feed.Server
	api      *api.Server
	watchdog *watchdog.Watchdog
}

// NewNode opens storage, restores the kernel and wires its subscribers.
func NewNode(ctx context.Context, cfg *config, key ed25519.PrivateKey) (*Node, error) {
	n := &Node{cfg: cfg}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.initKernel(ctx); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initSurfaces(key); err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

// initStorage opens the pebble store under the data directory.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.Node.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	store, err := storage.Open(filepath.Join(n.cfg.Node.DataDir, "db"), storage.Options{
		SyncWrites: n.cfg.Node.SyncWrites,
	})
	if err != nil {
		return fmt.Errorf("open storage:\n%w", err)
	}

	n.store = store

	return nil
}

// initKernel loads the verifier modules and restores the kernel from its latest checkpoint.
func (n *Node) initKernel(ctx context.Context) error {
	start := time.Now()

	pool, err := verifier.NewPool(ctx)
	if err != nil {
		return fmt.Errorf("create verifier pool:\n%w", err)
	}

	n.pool = pool

	reg, err := loadVerifiers(ctx, pool, n.cfg.Verifiers.ModulesDir, n.cfg.Verifiers.GasLimit)
	if err != nil {
		return err
	}

	owner, treasury, proposers, err := n.cfg.roles()
	if err != nil {
		return fmt.Errorf("parse roles:\n%w", err)
	}

	k, err := kernel.New(kernel.Config{
		Owner:     owner,
		Treasury:  treasury,
		Params:    n.cfg.values(),
		Proposers: proposers,
		Verifiers: reg,
		Store:     n.store,
	})
	if err != nil {
		return fmt.Errorf("create kernel:\n%w", err)
	}

	n.kernel = k

	logger.Info("kernel restored", "height", k.Height(), "lastSeq", k.LastSeq(), "instances", k.Instances(), logger.Timed(start))

	programs, err := parseBindings(n.cfg.Verifiers.Programs)
	if err != nil {
		return err
	}

	schemes, err := parseBindings(n.cfg.Verifiers.Schemes)
	if err != nil {
		return err
	}

	return applyBindings(k, owner, programs, schemes)
}

// initSurfaces creates the metrics, feed, API and watchdog around the kernel.
func (n *Node) initSurfaces(key ed25519.PrivateKey) error {
	n.metrics = metrics.New(n.cfg.Metrics.Namespace)

	fs, err := feed.NewServer(feed.Config{
		PrivateKey: key,
		ListenAddr: n.cfg.Feed.Addr,
		Source:     n.kernel,
		Buffer:     n.cfg.Feed.Buffer,
	})
	if err != nil {
		return fmt.Errorf("create feed:\n%w", err)
	}

	n.feed = fs

	n.kernel.Subscribe(n.metrics)
	n.kernel.Subscribe(n.feed)
	n.kernel.Subscribe(events.SubscriberFunc(logEvents))

	n.api = api.New(n.cfg.HTTP.Addr, n.kernel, n.metrics.Handler())

	if n.cfg.Watchdog.Enabled {
		n.watchdog = watchdog.New(n.kernel, protocol.SystemClock{}, n.cfg.Watchdog.Interval)
	}

	return nil
}

// Run starts the surfaces and blocks until a shutdown signal.
func (n *Node) Run() error {
	if err := n.feed.Start(); err != nil {
		return fmt.Errorf("start feed:\n%w", err)
	}

	logger.Info("event feed started", "addr", n.feed.Addr())

	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	if n.watchdog != nil {
		n.watchdog.Start()
	}

	return n.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all components, the store last.
func (n *Node) Close() error {
	if n.watchdog != nil {
		n.watchdog.Stop()
	}

	if n.api != nil {
		n.api.Stop()
	}

	if n.feed != nil {
		n.feed.Close()
	}

	if n.pool != nil {
		n.pool.Close(context.Background())
	}

	if n.store != nil {
		return n.store.Close()
	}

	return nil
}
