// Package token issues and verifies credential tokens. A token binds a
// borrower's payment method to exactly one payment mandate: the first bind
// wins and later binds are ignored.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sohocredit/ap2"
	"github.com/sohocredit/ap2/account"
)

// Prefix starts every issued token value.
const Prefix = "soho_tok_"

const maxIssueAttempts = 3

type config struct {
	backend  Backend
	logger   *slog.Logger
	clock    func() time.Time
	newToken func() string
}

// Option configures a Store.
type Option func(*config)

// WithBackend selects the persistence backend. Defaults to a MemoryBackend.
func WithBackend(b Backend) Option {
	return func(cfg *config) {
		cfg.backend = b
	}
}

// WithLogger sets the logger used for verification failures.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

func withClock(clock func() time.Time) Option {
	return func(cfg *config) {
		cfg.clock = clock
	}
}

func withGenerator(gen func() string) Option {
	return func(cfg *config) {
		cfg.newToken = gen
	}
}

// Store is the credential token store.
type Store struct {
	ledger account.Ledger
	cfg    config
}

// NewStore returns a Store that validates accounts against ledger.
func NewStore(ledger account.Ledger, opts ...Option) *Store {
	cfg := config{
		clock:    time.Now,
		newToken: func() string { return Prefix + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.backend == nil {
		cfg.backend = NewMemoryBackend()
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return &Store{ledger: ledger, cfg: cfg}
}

// CreateToken issues a token for the payment method registered under alias on
// the account for email.
func (s *Store) CreateToken(ctx context.Context, email, alias string) (string, error) {
	acct, method, err := account.PaymentMethodByAlias(ctx, s.ledger, email, alias)
	if err != nil {
		return "", err
	}
	for range maxIssueAttempts {
		rec := Record{
			Token:     s.cfg.newToken(),
			Email:     acct.Email,
			Alias:     method.Alias,
			CreatedAt: s.cfg.clock().UTC(),
		}
		err := s.cfg.backend.Put(ctx, rec)
		if errors.Is(err, ErrDuplicateToken) {
			continue
		}
		if err != nil {
			return "", err
		}
		return rec.Token, nil
	}
	return "", fmt.Errorf("token: no unique value after %d attempts", maxIssueAttempts)
}

// BindMandate binds mandateID to token. A token that is already bound keeps
// its original mandate and the call succeeds without changing it.
func (s *Store) BindMandate(ctx context.Context, token, mandateID string) error {
	if mandateID == "" {
		return ap2.NewMissingFieldError("payment_mandate_id")
	}
	rec, err := s.cfg.backend.Get(ctx, token)
	if err != nil {
		return err
	}
	if rec.Bound() {
		if rec.MandateID != mandateID {
			s.cfg.logger.WarnContext(ctx, "ignoring rebind of credential token",
				slog.String("token", redact(token)),
				slog.String("bound_mandate_id", rec.MandateID),
				slog.String("mandate_id", mandateID),
			)
		}
		return nil
	}
	if _, err := s.cfg.backend.CompareAndSwapMandate(ctx, token, "", mandateID); err != nil {
		return err
	}
	// A false swap means a concurrent bind won; first bind wins either way.
	return nil
}

// Verify checks that token is bound to mandateID and returns the payment
// method it was issued for.
func (s *Store) Verify(ctx context.Context, token, mandateID string) (account.PaymentMethod, error) {
	rec, err := s.cfg.backend.Get(ctx, token)
	switch {
	case errors.Is(err, ap2.ErrNotFound):
		return account.PaymentMethod{}, s.reject(ctx, token, "unknown credential token")
	case err != nil:
		return account.PaymentMethod{}, err
	case !rec.Bound():
		return account.PaymentMethod{}, s.reject(ctx, token, "credential token is not bound to a payment mandate")
	case rec.MandateID != mandateID:
		return account.PaymentMethod{}, s.reject(ctx, token, "credential token is bound to a different payment mandate")
	}
	_, method, err := account.PaymentMethodByAlias(ctx, s.ledger, rec.Email, rec.Alias)
	if err != nil {
		return account.PaymentMethod{}, err
	}
	return method, nil
}

// Lookup returns the stored record for token.
func (s *Store) Lookup(ctx context.Context, token string) (Record, error) {
	return s.cfg.backend.Get(ctx, token)
}

func (s *Store) reject(ctx context.Context, token, reason string) error {
	s.cfg.logger.WarnContext(ctx, "credential token rejected",
		slog.String("token", redact(token)),
		slog.String("reason", reason),
	)
	return ap2.NewInvalidCredentialError(reason, ap2.WithOffendingParam("token"))
}
