package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/sohocredit/ap2"
	"github.com/sohocredit/ap2/account"
	"github.com/sohocredit/ap2/internal/config"
	"github.com/sohocredit/ap2/internal/logging"
	"github.com/sohocredit/ap2/provider"
	"github.com/sohocredit/ap2/quote"
	"github.com/sohocredit/ap2/settlement"
	"github.com/sohocredit/ap2/signature"
	"github.com/sohocredit/ap2/token"
)

const providerPrefix = "/a2a/soho_credentials_provider"

func newProviderCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "provider",
		Short: "Run the SOHO credit credentials provider agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Logging).With("agent", "credentials_provider")

			handler, cleanup, err := buildProvider(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()
			return serve(cmd.Context(), logger, cfg.Provider.Addr, handler, cfg.Provider.ShutdownTimeout)
		},
	}
}

// buildProvider wires the provider service behind an agent handler. The
// returned cleanup releases the token database pool, if any.
func buildProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) (http.Handler, func(), error) {
	cleanup := func() {}

	ledger, err := loadLedger(cfg.Provider.LedgerPath, logger)
	if err != nil {
		return nil, cleanup, err
	}

	backend, cleanup, err := tokenBackend(ctx, cfg.Tokens)
	if err != nil {
		return nil, cleanup, err
	}
	tokens := token.NewStore(ledger, token.WithBackend(backend), token.WithLogger(logger))
	quotes := quote.NewEngine(ledger, quote.WithLogger(logger))

	ceiling, err := cfg.Settlement.CeilingAmount()
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	svcOpts := []provider.Option{
		provider.WithLogger(logger),
		provider.WithSettlementCeiling(ceiling),
	}
	if cfg.Provider.AttestationKey != "" {
		svcOpts = append(svcOpts, provider.WithSigningKey([]byte(cfg.Provider.AttestationKey)))
	}
	if cfg.Settlement.Enabled() {
		client := settlement.NewClient(settlement.Config{
			BaseURL:         cfg.Settlement.BaseURL,
			Email:           cfg.Settlement.Email,
			Password:        cfg.Settlement.Password,
			MerchantAddress: cfg.Settlement.MerchantAddress,
			Timeout:         cfg.Settlement.Timeout,
			Decimals:        cfg.Settlement.Decimals,
		}, settlement.WithLogger(logger))
		svcOpts = append(svcOpts, provider.WithSettler(client))
	} else {
		logger.Warn("settlement is not configured; receipts will report settlement errors")
	}
	svc := provider.New(ledger, tokens, quotes, svcOpts...)

	handlerOpts := []ap2.Option{ap2.WithLogger(logger)}
	if len(cfg.Provider.APIKeys) > 0 {
		handlerOpts = append(handlerOpts, ap2.WithAuthenticator(ap2.StaticKeys(cfg.Provider.APIKeys)))
	}
	if cfg.Provider.SigningKey != "" {
		handlerOpts = append(handlerOpts,
			ap2.WithSignatureVerifier(signature.HMACVerifier{Key: []byte(cfg.Provider.SigningKey)}),
			ap2.WithRequireSignedRequests(),
		)
	}
	if cfg.Provider.RateLimit > 0 {
		handlerOpts = append(handlerOpts, ap2.WithRateLimit(rate.Limit(cfg.Provider.RateLimit), cfg.Provider.RateBurst))
	}

	logger.Info("credentials provider ready",
		"accounts", ledger.Len(),
		"token_backend", cfg.Tokens.Backend,
		"operations", svc.Operations(),
	)
	return ap2.NewAgentHandler(providerPrefix, svc, handlerOpts...), cleanup, nil
}

func loadLedger(path string, logger *slog.Logger) (*account.MemoryLedger, error) {
	if path == "" {
		logger.Warn("no ledger_path configured; starting with an empty account ledger")
		return account.NewMemoryLedger(), nil
	}
	ledger, err := account.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	return ledger, nil
}

func tokenBackend(ctx context.Context, cfg config.TokensConfig) (token.Backend, func(), error) {
	if cfg.Backend != config.BackendPostgres {
		return token.NewMemoryBackend(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, func() {}, fmt.Errorf("connect token database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, func() {}, fmt.Errorf("ping token database: %w", err)
	}
	backend := token.NewPostgresBackend(pool)
	if err := backend.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, func() {}, err
	}
	return backend, pool.Close, nil
}
