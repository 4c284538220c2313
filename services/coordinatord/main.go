package coordinatord

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"crossloan/internal/passphrase"
	"crossloan/config"
	"crossloan/coordinator"
	"crossloan/crypto"
	"crossloan/ledger"
	"crossloan/loan"
	"crossloan/observability"
	"crossloan/observability/logging"
	telemetry "crossloan/observability/otel"
	"crossloan/relay"
	"crossloan/signer"
	"crossloan/storage/journal"
)

const (
	registryRetention = 24 * time.Hour
	pruneInterval     = 10 * time.Minute
)

// Main initialises and runs the coordinator daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/coordinatord/config.yaml", "path to coordinatord configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logOpts := []logging.Option{logging.WithLevel(cfg.Logging.Level)}
	if cfg.Logging.File != "" {
		logOpts = append(logOpts, logging.WithFile(cfg.Logging.File, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups))
	}
	logger := logging.Setup("coordinatord", cfg.Environment, logOpts...)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "coordinatord",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	key, err := crypto.LoadKey(cfg.Authority.Key, cfg.Authority.Keystore, passphrase.NewSource(cfg.Authority.PassphraseEnv).Get)
	if err != nil {
		return fmt.Errorf("load authority key: %w", err)
	}
	authority, err := signer.NewKeyAuthority(key.PrivateKey)
	if err != nil {
		return fmt.Errorf("init authority: %w", err)
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sourceClient, err := dialChain(stopCtx, "source", cfg.Source.RPCURL, cfg.Source.ChainID)
	if err != nil {
		return err
	}
	defer sourceClient.Close()
	destClient, err := dialChain(stopCtx, "destination", cfg.Destination.RPCURL, cfg.Destination.ChainID)
	if err != nil {
		return err
	}
	defer destClient.Close()

	limit := rate.Inf
	if cfg.Request.RPCRateLimit > 0 {
		limit = rate.Limit(cfg.Request.RPCRateLimit)
	}
	sourceVault, err := ledger.NewVault(loan.LedgerSource, sourceClient, common.HexToAddress(cfg.Source.Vault),
		ledger.WithRateLimit(limit, cfg.Request.RPCBurst))
	if err != nil {
		return fmt.Errorf("source vault: %w", err)
	}
	destVault, err := ledger.NewVault(loan.LedgerDestination, destClient, common.HexToAddress(cfg.Destination.Vault),
		ledger.WithRateLimit(limit, cfg.Request.RPCBurst))
	if err != nil {
		return fmt.Errorf("destination vault: %w", err)
	}

	pollOpt := ledger.WithReceiptPollInterval(cfg.Request.ReceiptPoll.Duration)
	sourceTx, err := ledger.NewTransactor(sourceClient, key.PrivateKey, cfg.Source.ChainID, pollOpt)
	if err != nil {
		return fmt.Errorf("source transactor: %w", err)
	}
	destTx, err := ledger.NewTransactor(destClient, key.PrivateKey, cfg.Destination.ChainID, pollOpt)
	if err != nil {
		return fmt.Errorf("destination transactor: %w", err)
	}
	sourceMutator, err := ledger.NewMutator(sourceVault, sourceTx)
	if err != nil {
		return fmt.Errorf("source mutator: %w", err)
	}
	destMutator, err := ledger.NewMutator(destVault, destTx)
	if err != nil {
		return fmt.Errorf("destination mutator: %w", err)
	}

	sender, err := relay.NewVaultSender(sourceTx, common.HexToAddress(cfg.Source.VaultSender))
	if err != nil {
		return fmt.Errorf("vault sender: %w", err)
	}
	store, err := journal.Open(journal.Driver(cfg.Journal.Driver), cfg.Journal.DSN)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = store.Close() }()

	metrics := observability.Coordinator()
	dispatcher, err := relay.NewDispatcher(sender,
		relay.WithJournal(store),
		relay.WithLogger(logger),
		relay.WithMetrics(metrics),
		relay.WithSubmitTimeout(cfg.Request.DispatchTimeout.Duration))
	if err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}
	if err := dispatcher.Restore(stopCtx); err != nil {
		return fmt.Errorf("restore dispatch journal: %w", err)
	}

	coord, err := coordinator.New(coordinator.Config{
		Domain:              cfg.LoanDomain(),
		DestinationSelector: cfg.Destination.ChainSelector,
		DestinationAddress:  common.HexToAddress(cfg.Destination.Receiver),
		Policy:              cfg.PolicyParams(),
		RequestTTL:          cfg.Request.TTL.Duration,
		DispatchTimeout:     cfg.Request.DispatchTimeout.Duration,
		PollInterval:        cfg.Request.PollInterval.Duration,
		MaxAttempts:         cfg.Request.MaxAttempts,
	}, &ledger.Pair{Source: sourceVault, Destination: destVault}, signer.NewKeyring(authority), dispatcher,
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(metrics),
		coordinator.WithWallets(walletSet{
			authority.Address(): vaultWallet{source: sourceMutator, destination: destMutator},
		}))
	if err != nil {
		return fmt.Errorf("init coordinator: %w", err)
	}

	auth, err := NewAuthenticator(AuthConfig{
		HMACSecret: cfg.Admin.JWTSecret,
		Issuer:     cfg.Admin.JWTIssuer,
		Audience:   cfg.Admin.JWTAudience,
	}, logger)
	if err != nil {
		return fmt.Errorf("init admin auth: %w", err)
	}
	admin := NewAdminServer(coord, auth, logger, cfg.Request.TTL.Duration+cfg.Request.PollInterval.Duration)
	defer admin.Close()

	go prune(stopCtx, coord, dispatcher, logger)

	httpServer := &http.Server{
		Addr:              cfg.Admin.Listen,
		Handler:           admin,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Awaited commands may block until the request settles.
		WriteTimeout: cfg.Request.TTL.Duration + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("coordinatord listening",
			slog.String("addr", cfg.Admin.Listen),
			slog.String("account", authority.Address().Hex()))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func dialChain(ctx context.Context, name, url string, chainID uint64) (*ethclient.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := ethclient.DialContext(dialCtx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", name, err)
	}
	remote, err := client.ChainID(dialCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%s chain id: %w", name, err)
	}
	if !remote.IsUint64() || remote.Uint64() != chainID {
		client.Close()
		return nil, fmt.Errorf("%s chain id mismatch: configured %d, node reports %s", name, chainID, remote)
	}
	return client, nil
}

// prune drops settled requests and relay slots whose requests have expired.
func prune(ctx context.Context, coord *coordinator.Coordinator, dispatcher *relay.Dispatcher, logger *slog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if removed := coord.Registry().Prune(now.Add(-registryRetention)); removed > 0 {
				logger.Debug("pruned settled requests", slog.Int("removed", removed))
			}
			if swept := dispatcher.Sweep(ctx); swept > 0 {
				logger.Debug("swept expired relay slots", slog.Int("removed", swept))
			}
		}
	}
}
