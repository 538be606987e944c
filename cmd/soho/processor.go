package main

import (
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/sohocredit/ap2"
	"github.com/sohocredit/ap2/internal/config"
	"github.com/sohocredit/ap2/internal/logging"
	"github.com/sohocredit/ap2/processor"
)

const processorPrefix = "/a2a/merchant_payment_processor_agent"

func newProcessorCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "processor",
		Short: "Run the merchant payment processor agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Logging).With("agent", "payment_processor")
			return serve(cmd.Context(), logger, cfg.Processor.Addr, buildProcessor(cfg, logger), cfg.Processor.ShutdownTimeout)
		},
	}
}

func buildProcessor(cfg config.Config, logger *slog.Logger) http.Handler {
	clientOpts := []ap2.ClientOption{
		ap2.WithHTTPClient(&http.Client{Timeout: cfg.Processor.RequestTimeout}),
	}
	if cfg.Processor.ProviderAPIKey != "" {
		clientOpts = append(clientOpts, ap2.WithAPIKey(cfg.Processor.ProviderAPIKey))
	}
	if cfg.Processor.SigningKey != "" {
		clientOpts = append(clientOpts, ap2.WithSigningKey([]byte(cfg.Processor.SigningKey)))
	}
	peer := ap2.NewClient(cfg.Processor.ProviderURL, clientOpts...)

	proc := processor.New(peer,
		processor.WithLogger(logger),
		processor.WithChallengeVerifier(processor.StaticChallenge(cfg.Processor.ChallengeCode)),
		processor.WithChallengeMethods(cfg.Processor.ChallengeMethods...),
		processor.WithReceiptForwarding(cfg.Processor.ForwardReceipts),
	)

	logger.Info("payment processor ready",
		"provider", peer.Endpoint(),
		"challenge_methods", cfg.Processor.ChallengeMethods,
	)
	return ap2.NewAgentHandler(processorPrefix, proc, ap2.WithLogger(logger))
}
