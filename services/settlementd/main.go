package settlementd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/netutil"

	"prxswap/native/settlement"
	"prxswap/observability"
	"prxswap/observability/logging"
	telemetry "prxswap/observability/otel"
	"prxswap/services/settlementd/chain"
	"prxswap/services/settlementd/config"
	"prxswap/services/settlementd/payments"
	"prxswap/services/settlementd/recon"
	"prxswap/services/settlementd/server"
	"prxswap/storage/holds"
	"prxswap/storage/ledger"
)

// Main initialises and runs the settlement daemon.
func Main() error {
	var cfgPath, envPath string
	flag.StringVar(&cfgPath, "config", "services/settlementd/config.yaml", "path to settlementd configuration (yaml or toml)")
	flag.StringVar(&envPath, "env-file", ".env", "optional dotenv file loaded before the configuration")
	flag.Parse()

	if err := config.LoadDotEnv(envPath); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logOpts := logging.Options{Level: logging.ParseLevel(cfg.Log.Level)}
	if cfg.Log.File != "" {
		logOpts.File = &logging.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			Compress:   true,
		}
	}
	logger := logging.SetupWithOptions("settlementd", cfg.Environment, logOpts)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "settlementd",
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

	store, err := openLedger(cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	seedCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	for _, symbol := range []string{cfg.Tokens.Native, cfg.Tokens.Stable} {
		if _, err := store.CreateCurrency(seedCtx, symbol, symbol); err != nil && !errors.Is(err, ledger.ErrDuplicateCurrency) {
			cancel()
			return fmt.Errorf("seed currency %s: %w", symbol, err)
		}
	}
	cancel()

	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	gateway, err := chain.Dial(dialCtx, cfg.Chain.RPCURL, chain.Config{
		TradeContract: common.HexToAddress(cfg.Chain.TradeContract),
		Tokens: map[string]common.Address{
			strings.ToUpper(cfg.Tokens.Native): common.HexToAddress(cfg.Chain.NativeToken),
			strings.ToUpper(cfg.Tokens.Stable): common.HexToAddress(cfg.Chain.StableToken),
		},
		NativeSymbol:      cfg.Tokens.Native,
		StableSymbol:      cfg.Tokens.Stable,
		GasLimit:          cfg.Chain.GasLimit,
		ReceiptTimeout:    cfg.Chain.ReceiptTimeout.Duration,
		PollInterval:      cfg.Chain.PollInterval.Duration,
		RequestsPerSecond: cfg.Chain.RequestsPerSecond,
		ReadRetries:       cfg.Chain.ReadRetries,
	}, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("dial chain: %w", err)
	}
	defer gateway.Close()

	opts := []settlement.Option{
		settlement.WithJournal(store),
		settlement.WithMetrics(observability.Settlement()),
		settlement.WithLogger(logger),
	}
	if cfg.Payments.Enabled() {
		processor, err := payments.New(payments.Config{
			SecretKey:  cfg.Payments.SecretKey,
			Currency:   cfg.Payments.Currency,
			BackendURL: cfg.Payments.BackendURL,
		}, logger)
		if err != nil {
			return fmt.Errorf("init payments: %w", err)
		}
		opts = append(opts, settlement.WithPayments(processor))
	} else {
		logger.Warn("card payments disabled; fiat bridge operations will fail with not configured")
	}

	holdStore, err := openHolds(cfg.Database.HoldsPath, logger)
	if err != nil {
		return err
	}
	defer func() { _ = holdStore.Close() }()
	opts = append(opts, settlement.WithHoldStore(holdStore))

	locker, closeLocker, err := buildLocker(cfg.Lock)
	if err != nil {
		return err
	}
	defer closeLocker()
	opts = append(opts, settlement.WithLocker(locker))

	orchestrator, err := settlement.New(settlement.Config{
		Pair:            settlement.Pair{Native: cfg.Tokens.Native, Stable: cfg.Tokens.Stable},
		Spender:         common.HexToAddress(cfg.Chain.TradeContract),
		Custodian:       common.HexToAddress(cfg.Chain.Custodian),
		GasLimit:        cfg.Chain.GasLimit,
		GasSafetyFactor: cfg.Chain.GasSafetyFactor,
	}, gateway, store, opts...)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !cfg.Recon.Disabled {
		auditor, err := recon.NewAuditor(recon.Config{
			Chain:     gateway,
			Ledger:    store,
			Tokens:    []string{cfg.Tokens.Native, cfg.Tokens.Stable},
			OutputDir: cfg.Recon.OutputDir,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("init recon: %w", err)
		}
		go recon.NewScheduler(auditor, cfg.Recon.Interval.Duration, logger).Start(stopCtx)
	}

	api, err := server.New(server.Config{
		Settlements:  orchestrator,
		Ledger:       store,
		NativeSymbol: cfg.Tokens.Native,
		StableSymbol: cfg.Tokens.Stable,
		Auth: server.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			AdminScope: cfg.Auth.AdminScope,
		},
		RateLimit: server.RateLimit{
			RequestsPerMinute: float64(cfg.RateLimit.RequestsPerMinute),
			Burst:             cfg.RateLimit.Burst,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout(cfg),
		IdleTimeout:  60 * time.Second,
	}

	ln, err := listen(cfg.ListenAddress, cfg.MaxConnections)
	if err != nil {
		return err
	}
	errs := make(chan error, 1)
	go func() {
		logger.Info("settlementd listening",
			slog.String("address", ln.Addr().String()),
			slog.Int("max_connections", cfg.MaxConnections))
		errs <- httpServer.Serve(ln)
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		// Let background price samples finish before the ledger closes.
		orchestrator.Wait()
		return nil
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func openHolds(path string, logger *slog.Logger) (*holds.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create holds dir: %w", err)
	}
	store, err := holds.Open(path)
	if err != nil {
		return nil, err
	}
	held, err := store.List()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	for _, h := range held {
		logger.Warn("intent held for reconciliation",
			slog.String("intent_id", h.IntentID),
			slog.Time("since", h.At),
			slog.String("reason", h.Reason))
	}
	return store, nil
}

func openLedger(cfg config.DatabaseConfig) (*ledger.Store, error) {
	dsn := cfg.DSN
	if cfg.Driver == "sqlite" && dsn == "" {
		var err error
		if err = os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
		if dsn, err = ledger.FileDSN(cfg.Path); err != nil {
			return nil, err
		}
	}
	store, err := ledger.Open(ledger.Config{Driver: cfg.Driver, DSN: dsn, Verbose: cfg.Verbose})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return store, nil
}

func buildLocker(cfg config.LockConfig) (settlement.Locker, func(), error) {
	if cfg.Driver != "redis" {
		return settlement.NewLocalLocker(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return settlement.NewRedisLocker(client, cfg.Prefix, cfg.TTL.Duration, cfg.Wait.Duration), func() { _ = client.Close() }, nil
}

// writeTimeout bounds the slowest request: a card sale whose payout fails
// waits for approve and execute receipts on the debit and again on the
// reversal, and may queue for the address lock before each.
func writeTimeout(cfg config.Config) time.Duration {
	return 4*cfg.Chain.ReceiptTimeout.Duration + 2*cfg.Lock.Wait.Duration + 30*time.Second
}

func listen(addr string, maxConns int) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return ln, nil
}
