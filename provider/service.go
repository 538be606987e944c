// Package provider implements the credentials provider agent: account
// lookups, installment quotes, biometric approval, credential tokens and
// receipt settlement, each exposed as a named operation.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/sohocredit/ap2"
	"github.com/sohocredit/ap2/account"
	"github.com/sohocredit/ap2/quote"
	"github.com/sohocredit/ap2/token"
)

// Operation names served by the provider.
const (
	OpGetShippingAddress       = "get_shipping_address"
	OpGetCreditStatus          = "get_credit_status"
	OpGetBNPLQuote             = "get_bnpl_quote"
	OpRequestBiometricApproval = "request_biometric_approval"
	OpCreatePaymentCredential  = "create_payment_credential_token"
	OpPaymentReceipt           = "payment_receipt"
	OpSearchPaymentMethods     = "search_payment_methods"
	OpGetPaymentCredential     = "get_payment_credential"
	OpBindPaymentMandate       = "bind_payment_mandate"
)

// DefaultSettlementCeiling is the receipt amount at or above which settlement
// is refused.
var DefaultSettlementCeiling = ap2.MustAmount("100.00")

// Settler moves funds on the external ledger.
type Settler interface {
	Pay(ctx context.Context, amount ap2.Amount, planID string) (*ap2.SettlementResult, error)
}

type handlerFunc func(ctx context.Context, msg ap2.Message, sink ap2.ResponseSink) error

type config struct {
	logger     *slog.Logger
	signingKey []byte
	settler    Settler
	ceiling    ap2.Amount
	clock      func() time.Time
}

// Option configures a Service.
type Option func(*config)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// WithSigningKey sets the key used to sign biometric attestations. Without
// one, a random per-process key is used.
func WithSigningKey(key []byte) Option {
	return func(cfg *config) {
		cfg.signingKey = key
	}
}

// WithSettler enables receipt settlement against an external ledger.
func WithSettler(s Settler) Option {
	return func(cfg *config) {
		cfg.settler = s
	}
}

// WithSettlementCeiling overrides DefaultSettlementCeiling.
func WithSettlementCeiling(ceiling ap2.Amount) Option {
	return func(cfg *config) {
		cfg.ceiling = ceiling
	}
}

// WithClock sets the time source for attestations.
func WithClock(clock func() time.Time) Option {
	return func(cfg *config) {
		cfg.clock = clock
	}
}

// Service is the credentials provider. It implements [ap2.Executor].
type Service struct {
	ledger   account.Ledger
	tokens   *token.Store
	quotes   *quote.Engine
	cfg      config
	handlers map[string]handlerFunc
}

// New returns a Service over the given ledger, token store and quote engine.
func New(ledger account.Ledger, tokens *token.Store, quotes *quote.Engine, opts ...Option) *Service {
	cfg := config{
		ceiling: DefaultSettlementCeiling,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if len(cfg.signingKey) == 0 {
		key := uuid.New()
		cfg.signingKey = key[:]
	}
	s := &Service{ledger: ledger, tokens: tokens, quotes: quotes, cfg: cfg}
	s.handlers = map[string]handlerFunc{
		OpGetShippingAddress:       s.handleShippingAddress,
		OpGetCreditStatus:          s.handleCreditStatus,
		OpGetBNPLQuote:             s.handleBNPLQuote,
		OpRequestBiometricApproval: s.handleBiometricApproval,
		OpCreatePaymentCredential:  s.handleCreateCredentialToken,
		OpPaymentReceipt:           s.handlePaymentReceipt,
		OpSearchPaymentMethods:     s.handleSearchPaymentMethods,
		OpGetPaymentCredential:     s.handleGetPaymentCredential,
		OpBindPaymentMandate:       s.handleBindPaymentMandate,
	}
	return s
}

// Operations lists the operation names the service answers.
func (s *Service) Operations() []string {
	return slices.Sorted(maps.Keys(s.handlers))
}

// Execute dispatches operation to its handler.
func (s *Service) Execute(ctx context.Context, operation string, msg ap2.Message, _ *ap2.Task, sink ap2.ResponseSink) error {
	h, ok := s.handlers[operation]
	if !ok {
		return ap2.NewHTTPError(http.StatusNotFound, ap2.InvalidRequest, ap2.UnknownOperation, fmt.Sprintf("unknown operation %q", operation))
	}
	return h(ctx, msg, sink)
}

// decodeRequest merges the message data parts into req and validates it.
func decodeRequest(msg ap2.Message, req any) error {
	if err := ap2.DecodeDataParts(msg.Parts, req); err != nil {
		return err
	}
	return ap2.Validate(req)
}

// respond emits one artifact holding v under key and completes.
func respond(ctx context.Context, sink ap2.ResponseSink, key string, v any) error {
	part, err := ap2.NewDataPart(key, v)
	if err != nil {
		return err
	}
	if err := sink.AddArtifact(ctx, part); err != nil {
		return err
	}
	return sink.Complete(ctx, nil)
}
