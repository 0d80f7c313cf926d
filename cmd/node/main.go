package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/ardanlabs/conf"
	"github.com/pkg/errors"

	"E3Kernel/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	var cfg config

	if err := conf.Parse(os.Args[1:], envPrefix, &cfg); err != nil {
		switch {
		case errors.Is(err, conf.ErrHelpWanted):
			usage, err := conf.Usage(envPrefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config usage")
			}
			fmt.Println(usage)
			return nil
		case errors.Is(err, conf.ErrVersionWanted):
			version, err := conf.VersionString(envPrefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config version")
			}
			fmt.Println(version)
			return nil
		}
		return errors.Wrap(err, "parsing config")
	}

	if err := logger.Init(cfg.Node.LogLevel); err != nil {
		return errors.Wrap(err, "initializing logger")
	}
	defer logger.Sync()

	out, err := conf.String(&cfg)
	if err != nil {
		return errors.Wrap(err, "generating config for output")
	}
	logger.Info("config", "values", out)

	key, err := loadOrGenerateKey(cfg.Node.KeyPath)
	if err != nil {
		return errors.Wrap(err, "loading feed key")
	}

	node, err := NewNode(context.Background(), &cfg, key)
	if err != nil {
		return errors.Wrap(err, "creating node")
	}

	logger.Info("starting e3 kernel",
		"feedKey", hex.EncodeToString(key.Public().(ed25519.PublicKey)),
		"http", cfg.HTTP.Addr,
		"feed", cfg.Feed.Addr,
		"data", cfg.Node.DataDir,
	)

	return node.Run()
}
