package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/big"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"mintgate/blob"
	"mintgate/config"
	"mintgate/ledger"
	"mintgate/native/governance"
	"mintgate/native/minting"
	"mintgate/observability/logging"
	"mintgate/observability/metrics"
	mgotel "mintgate/observability/otel"
	"mintgate/services/mint-gateway/auth"
	"mintgate/services/mint-gateway/recon"
	"mintgate/services/mint-gateway/server"
	"mintgate/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to mint-gateway config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup("mint-gateway", "", logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	logger.Info("configuration loaded",
		"rpc", cfg.RPCEndpoint,
		"chain_id", cfg.ChainID,
		logging.MaskField("signer_key", cfg.SignerKeyHex),
		logging.MaskField("secret", cfg.JWTSecret),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := mgotel.Init(rootCtx, mgotel.Config{
			ServiceName: "mint-gateway",
			Endpoint:    cfg.OTLPEndpoint,
			Insecure:    true,
		})
		if err != nil {
			log.Fatalf("init telemetry: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Error("telemetry shutdown", "err", err)
			}
		}()
	}

	store, err := storage.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	defer func() { _ = store.Close() }()

	backend, err := ledger.Dial(cfg.RPCEndpoint)
	if err != nil {
		log.Fatalf("dial chain rpc: %v", err)
	}
	defer backend.Close()

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.SignerKeyHex), "0x"))
	if err != nil {
		log.Fatalf("load signer key: %v", err)
	}
	submitter, err := ledger.NewSubmitter(backend, key, big.NewInt(cfg.ChainID))
	if err != nil {
		log.Fatalf("init submitter: %v", err)
	}
	watcher, err := ledger.NewWatcher(backend)
	if err != nil {
		log.Fatalf("init watcher: %v", err)
	}
	contracts, err := ledger.NewContracts(
		common.HexToAddress(cfg.CollectionAddr),
		common.HexToAddress(cfg.GovernorAddr),
	)
	if err != nil {
		log.Fatalf("init contracts: %v", err)
	}

	var blobs blob.Store = blob.NewMemory()
	if cfg.PinEndpoint != "" {
		client, err := blob.NewClient(cfg.PinEndpoint, cfg.PinToken)
		if err != nil {
			log.Fatalf("init pin client: %v", err)
		}
		blobs = client
	}

	ledgerMetrics := metrics.Ledger()
	mintEngine, err := minting.New(minting.Config{
		Store:          store,
		Backend:        backend,
		Contracts:      contracts,
		Submitter:      submitter,
		Watcher:        watcher,
		Blobs:          blobs,
		ConfirmTimeout: cfg.ConfirmTimeout,
		Log:            logger.With("component", "minting"),
		Metrics:        ledgerMetrics,
	})
	if err != nil {
		log.Fatalf("init minting engine: %v", err)
	}
	govEngine, err := governance.New(governance.Config{
		Store:          store,
		Backend:        backend,
		Contracts:      contracts,
		Submitter:      submitter,
		Watcher:        watcher,
		ConfirmTimeout: cfg.ConfirmTimeout,
		Log:            logger.With("component", "governance"),
		Metrics:        ledgerMetrics,
	})
	if err != nil {
		log.Fatalf("init governance engine: %v", err)
	}

	authn, err := auth.New(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("init auth: %v", err)
	}
	srv, err := server.New(server.Config{
		Minting:    mintEngine,
		Governance: govEngine,
		Auth:       authn,
		Log:        logger.With("component", "server"),
		RateRPS:    cfg.RateLimitRPS,
		RateBurst:  cfg.RateLimitBurst,
	})
	if err != nil {
		log.Fatalf("init server: %v", err)
	}

	reconciler, err := recon.New(recon.Config{
		Store:    store,
		Minter:   mintEngine,
		Interval: cfg.ReconInterval,
		Log:      logger.With("component", "recon"),
	})
	if err != nil {
		log.Fatalf("init reconciler: %v", err)
	}
	go reconciler.Run(rootCtx)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(srv.Handler(), "mint-gateway"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("mint-gateway listening", "addr", cfg.ListenAddress)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("forcing shutdown", "err", err)
			_ = httpServer.Close()
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve http: %v", err)
		}
	}
}
