// Command dvrd runs the dVPN node registry: it hosts the registry ABCI
// application for Tendermint, persists state in SQLite and serves the
// read-only HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"dvpn.mini/dvr/internal/abci"
	"dvpn.mini/dvr/internal/api"
	"dvpn.mini/dvr/internal/config"
	"dvpn.mini/dvr/internal/docs"
	"dvpn.mini/dvr/internal/identity"
	"dvpn.mini/dvr/internal/logger"
	"dvpn.mini/dvr/internal/registry"
	"dvpn.mini/dvr/internal/store"
	"dvpn.mini/dvr/internal/tendermint"
	"dvpn.mini/dvr/internal/types"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default $DVR_CONFIG_FILE)")
	envFile := flag.String("env", ".env", "dotenv file with DVR_* overrides")
	restore := flag.String("restore", "", "replace the registry database with this snapshot before starting")
	docsDir := flag.String("docs", "docs", "directory of AsciiDoc documentation")
	flag.Parse()

	if err := run(*configPath, *envFile, *restore, *docsDir); err != nil {
		logrus.WithError(err).Fatal("dvrd exited")
	}
}

func run(configPath, envFile, restore, docsDir string) (err error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg, err := config.LoadConfig(config.ResolvePath(configPath))
	if err != nil {
		return err
	}

	out, err := logger.NewLogrus(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogBuffer, out)
	log.Info(fmt.Sprintf("dvrd %s (%s) starting", types.Version, types.BuildTime))

	id, err := identity.LoadOrCreateIdentity(cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	log.Info(fmt.Sprintf("Operator address: %s", id.PublicKeyHex()))

	st, err := store.NewStore(cfg.DataFile)
	if err != nil {
		return fmt.Errorf("open registry store: %w", err)
	}
	defer func() { err = multierr.Append(err, st.Close()) }()
	log.Info(fmt.Sprintf("Registry store at %s", st.Path()))

	if restore != "" {
		data, err := os.ReadFile(restore)
		if err != nil {
			return fmt.Errorf("read snapshot: %w", err)
		}
		moved, err := st.ImportSnapshot(data, cfg.MaxBackups)
		if err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		log.Warning(fmt.Sprintf("Restored registry from %s (previous database kept at %s)", restore, moved))
	}

	metrics := abci.NewMetrics()
	app, err := abci.NewABCIApplication(st, abci.Options{
		Registry: registry.New(registry.Options{
			TTLThreshold: cfg.TTLThreshold,
			TTLExtendTo:  cfg.TTLExtendTo,
		}),
		Logger:      log,
		Metrics:     metrics,
		MaxBackups:  cfg.MaxBackups,
		BackupEvery: cfg.BackupEvery,
	})
	if err != nil {
		return err
	}
	log.Info(fmt.Sprintf("Resuming at height %d", app.Height()))

	abciServer, err := tendermint.NewABCIServer(app, &tendermint.Config{
		TendermintHome: cfg.TendermintHome,
		SocketAddress:  cfg.ABCISocket,
		Logger:         out,
	})
	if err != nil {
		return err
	}
	if err := abciServer.Start(); err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, abciServer.Stop()) }()
	log.Info(fmt.Sprintf("ABCI server listening on %s", abciServer.SocketPath()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ensureListenAvailable(cfg.HTTPListen); err != nil {
		return fmt.Errorf("http listen %s unavailable: %w", cfg.HTTPListen, err)
	}

	svc := api.NewService(api.Options{
		Registry:   app,
		Store:      st,
		Logger:     log,
		Docs:       docs.NewService(docsDir),
		Gatherer:   metrics.Registry,
		MaxBackups: cfg.MaxBackups,
	})
	server := svc.NewServer()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.ManageTendermint {
		if err := tendermint.InitTendermint(cfg.TendermintHome); err != nil {
			return err
		}
		tmCmd := tendermint.GetTendermintCommand(gctx, cfg.TendermintHome, cfg.ABCISocket)
		if err := tmCmd.Start(); err != nil {
			return fmt.Errorf("start tendermint: %w", err)
		}
		log.Info(fmt.Sprintf("Tendermint started (pid %d, home %s)", tmCmd.Process.Pid, cfg.TendermintHome))
		g.Go(func() error {
			err := tmCmd.Wait()
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("tendermint exited: %w", err)
		})
	}

	g.Go(func() error {
		log.Info(fmt.Sprintf("HTTP API available at %s", cfg.HTTPListen))
		if err := server.Start(cfg.HTTPListen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error(err.Error())
		return err
	}
	return nil
}

func ensureListenAvailable(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return listener.Close()
}
