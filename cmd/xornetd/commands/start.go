package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xornet-io/xornet/internal/api"
	"github.com/xornet-io/xornet/internal/cache"
	"github.com/xornet-io/xornet/internal/config"
	"github.com/xornet-io/xornet/internal/identity"
	"github.com/xornet-io/xornet/internal/logging"
	"github.com/xornet-io/xornet/internal/peerstore"
	"github.com/xornet-io/xornet/internal/routing"
)

var (
	startListen    string
	startBootstrap []string
	startClient    bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the overlay node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart()
	},
}

func init() {
	startCmd.Flags().StringVar(&startListen, "listen", "", "transport listen address")
	startCmd.Flags().StringSliceVar(&startBootstrap, "bootstrap", nil, "bootstrap endpoints")
	startCmd.Flags().BoolVar(&startClient, "client", false, "join as a non-routing client")
	rootCmd.AddCommand(startCmd)
}

func runStart() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if startListen != "" {
		cfg.Transport.ListenAddress = startListen
	}
	if len(startBootstrap) > 0 {
		cfg.Node.BootstrapEndpoints = startBootstrap
	}
	if startClient {
		cfg.Node.ClientMode = true
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logs, err := logging.NewFactory(cfg.Logging)
	if err != nil {
		return err
	}
	defer logs.Sync()
	logger := logs.Root()

	ident, err := identity.LoadOrGenerate(cfg.Node.IdentityPath)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	logger.Info("node identity loaded", zap.Stringer("node_id", ident.NodeID))

	transport, err := routing.NewTCPTransport(cfg.Transport.ListenAddress, logger)
	if err != nil {
		return err
	}

	router := routing.NewRouter(routing.Config{
		LocalID:    ident.NodeID,
		PublicKey:  ident.PublicKey,
		ClientMode: cfg.Node.ClientMode,
		Parameters: cfg.Routing,
	}, transport, logger)

	var cacheManager *cache.Manager
	if cfg.Cache.Enabled && !cfg.Node.ClientMode {
		cacheManager, err = cache.NewManager(cache.Config{
			MaxSizeMB: cfg.Cache.MaxSizeMB,
			TTL:       cfg.Cache.TTL,
		}, router, logger)
		if err != nil {
			return err
		}
		defer cacheManager.Close()
		router.SetCache(cacheManager)
	}

	var contacts *peerstore.Store
	if cfg.Peerstore.Path != "" {
		contacts, err = peerstore.Open(cfg.Peerstore.Path, cfg.Peerstore.MaxEndpoints, logger)
		if err != nil {
			return err
		}
		defer contacts.Close()
	}

	router.SetFunctors(routing.Functors{
		NetworkStatus: func(size int) {
			logger.Info("network status", zap.Int("peers", size))
		},
	})

	endpoints := bootstrapEndpoints(cfg, contacts)
	if len(endpoints) > 0 {
		joinCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := router.Join(joinCtx, endpoints)
		cancel()
		if err != nil {
			logger.Warn("join failed, running as first node", zap.Error(err))
		} else if contacts != nil {
			for _, ep := range endpoints {
				contacts.Touch(ep, "")
			}
		}
	} else {
		logger.Info("no bootstrap endpoints, running as first node")
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API.ListenAddress, router, cacheManager, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", zap.Error(err))
			}
		}()
	}

	watcher, err := config.NewWatcher(configPathOrDefault(), logger)
	if err == nil {
		watcher.Start(func(next config.Config) {
			logger.Info("configuration change detected; routing parameters apply on restart")
		})
		defer watcher.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	if apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		apiServer.Stop(shutdownCtx)
		cancel()
	}
	return router.Stop()
}

// bootstrapEndpoints merges configured endpoints with remembered
// contacts, configured ones first.
func bootstrapEndpoints(cfg config.Config, contacts *peerstore.Store) []string {
	endpoints := append([]string(nil), cfg.Node.BootstrapEndpoints...)
	if contacts == nil {
		return endpoints
	}
	known := make(map[string]bool, len(endpoints))
	for _, ep := range endpoints {
		known[ep] = true
	}
	if recent, err := contacts.Recent(10); err == nil {
		for _, c := range recent {
			if !known[c.Endpoint] {
				endpoints = append(endpoints, c.Endpoint)
			}
		}
	}
	return endpoints
}

func configPathOrDefault() string {
	if cfgFile != "" {
		return cfgFile
	}
	return "config.yaml"
}
