package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bridgerelay/internal/claims"
	"bridgerelay/internal/config"
	"bridgerelay/internal/ledger"
	"bridgerelay/internal/lock"
	"bridgerelay/internal/log"
	"bridgerelay/internal/relay"
	"bridgerelay/internal/server"
	"bridgerelay/internal/signer"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func start(cliCtx *cli.Context) error {
	cfg, err := config.Load(cliCtx.String(configFileFlag.Name))
	if err != nil {
		return err
	}

	logger, err := log.Init(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open claim store: %w", err)
	}
	defer closeStore()

	locker, closeLocker, err := newLocker(ctx, cfg.Lock)
	if err != nil {
		return fmt.Errorf("create locker: %w", err)
	}
	defer closeLocker()

	key, err := newSigner(cfg.Signer)
	if err != nil {
		return fmt.Errorf("load signer: %w", err)
	}
	logger.Infof("payouts signed by %s", key.Address().Hex())

	registry, err := dialNetworks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer registry.Close()

	rule, err := cfg.Rule()
	if err != nil {
		return err
	}

	rl, err := relay.New(cfg.Target(), relay.Deps{
		Store:       store,
		Ledgers:     registry,
		Rule:        rule,
		Signer:      key,
		Locker:      locker,
		Logger:      logger,
		CallTimeout: cfg.Bridge.RPCTimeout,
	})
	if err != nil {
		return err
	}

	srv := server.New(server.Options{
		Addr:          cfg.HTTP.Addr,
		ReadTimeout:   cfg.HTTP.ReadTimeout,
		WriteTimeout:  cfg.HTTP.WriteTimeout,
		AuthToken:     cfg.HTTP.AuthToken,
		HMACSecret:    cfg.HTTP.HMACSecret,
		HMACClockSkew: cfg.HTTP.HMACClockSkew,
	}, rl, registry, store, logger)
	if cfg.HTTP.AuthToken == "" {
		logger.Warnf("RELAY_AUTH_TOKEN is not set: POST /transfer is unauthenticated")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (claims.Store, func(), error) {
	switch cfg.Driver {
	case config.StorePostgres:
		s, err := claims.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.StoreSQLite:
		s, err := claims.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		log.GetDefaultLogger().Warnf("using the in-memory claim store: claims are lost on restart")
		return claims.NewMemoryStore(), func() {}, nil
	}
}

func newLocker(ctx context.Context, cfg config.LockConfig) (lock.Locker, func(), error) {
	if cfg.Driver != config.LockRedis {
		return lock.NewLocalLocker(), func() {}, nil
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.RedisAddr},
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	l, err := lock.NewRedisLocker(rdb, lock.RedisConfig{TTL: cfg.TTL, Poll: cfg.Poll, Prefix: cfg.Prefix})
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	if err := l.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	return l, func() { _ = rdb.Close() }, nil
}

func newSigner(cfg config.SignerConfig) (*signer.KeySigner, error) {
	if cfg.KeystorePath != "" {
		return signer.FromKeystore(cfg.KeystorePath, cfg.KeystorePassword)
	}
	return signer.FromHex(cfg.PrivateKey)
}

// dialNetworks connects to every configured network in parallel.
func dialNetworks(ctx context.Context, cfg *config.Config, logger *log.Logger) (*ledger.Registry, error) {
	clients := make([]ledger.Client, len(cfg.Networks))
	g, gctx := errgroup.WithContext(ctx)
	for i, nc := range cfg.Networks {
		i, nc := i, nc
		g.Go(func() error {
			network, err := nc.Ledger()
			if err != nil {
				return err
			}
			dialCtx, cancel := context.WithTimeout(gctx, cfg.Bridge.RPCTimeout)
			defer cancel()
			c, err := ledger.Dial(dialCtx, network, logger)
			if err != nil {
				return err
			}
			clients[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, c := range clients {
			if ec, ok := c.(*ledger.EthClient); ok && ec != nil {
				ec.Close()
			}
		}
		return nil, err
	}
	return ledger.NewRegistry(clients...)
}
