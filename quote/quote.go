// Package quote prices buy-now-pay-later plans against a borrower's
// available credit.
package quote

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	openapi_types "github.com/oapi-codegen/runtime/types"
	"github.com/shopspring/decimal"

	"github.com/sohocredit/ap2"
	"github.com/sohocredit/ap2/account"
)

// Status is the outcome of a quote.
type Status string

const (
	StatusApproved Status = "approved"
	StatusDeclined Status = "declined"
)

// ReasonInsufficientCredit is set on quotes declined for lack of credit.
const ReasonInsufficientCredit = "insufficient_credit"

// Plan identifiers, in the order they are offered.
const (
	PlanPayInFull = "pay_in_full"
	PlanPayIn4    = "pay_in_4"
	PlanPayIn12   = "pay_in_12"
)

// AuthorizationTokenPrefix starts every credit authorization token.
const AuthorizationTokenPrefix = "soho_auth_"

var (
	payIn12Multiplier = decimal.RequireFromString("1.0599")
	four              = decimal.NewFromInt(4)
	twelve            = decimal.NewFromInt(12)
)

// PlanOption is one installment plan offered in an approved quote.
type PlanOption struct {
	PlanID               string               `json:"plan_id"`
	Name                 string               `json:"name"`
	Installments         int                  `json:"installments"`
	AmountPerInstallment ap2.Amount           `json:"amount_per_installment"`
	InterestRate         string               `json:"interest_rate"`
	TotalAmount          ap2.Amount           `json:"total_amount"`
	DueDates             []openapi_types.Date `json:"due_dates"`
}

// LimitsCheck reports the headroom left under the spending limits after the
// requested amount.
type LimitsCheck struct {
	PerTransactionLimit ap2.Amount `json:"per_transaction_limit"`
	PerDayRemaining     ap2.Amount `json:"per_day_remaining"`
	PerMonthRemaining   ap2.Amount `json:"per_month_remaining"`
}

// Quote is the result of pricing an amount for a borrower. Declined quotes
// carry a reason and no options.
type Quote struct {
	ValidationStatus         Status       `json:"validation_status"`
	Reason                   string       `json:"reason,omitempty"`
	AvailableCredit          ap2.Amount   `json:"available_credit"`
	RequestedAmount          ap2.Amount   `json:"requested_amount"`
	Options                  []PlanOption `json:"bnpl_options,omitempty"`
	CreditAuthorizationToken string       `json:"credit_authorization_token,omitempty"`
	LimitsCheck              *LimitsCheck `json:"limits_check,omitempty"`
}

// Approved reports whether the quote was approved.
func (q *Quote) Approved() bool {
	return q.ValidationStatus == StatusApproved
}

// Option returns the plan with the given id.
func (q *Quote) Option(planID string) (PlanOption, bool) {
	for _, o := range q.Options {
		if o.PlanID == planID {
			return o, true
		}
	}
	return PlanOption{}, false
}

// SpendingLimits are the static per-borrower spending caps.
type SpendingLimits struct {
	PerTransaction ap2.Amount `json:"per_transaction"`
	PerDay         ap2.Amount `json:"per_day"`
	PerMonth       ap2.Amount `json:"per_month"`
}

// DefaultSpendingLimits returns the limits applied to every borrower.
func DefaultSpendingLimits() SpendingLimits {
	return SpendingLimits{
		PerTransaction: ap2.MustAmount("1000.00"),
		PerDay:         ap2.MustAmount("2000.00"),
		PerMonth:       ap2.MustAmount("5000.00"),
	}
}

func (l SpendingLimits) check(amount decimal.Decimal) *LimitsCheck {
	return &LimitsCheck{
		PerTransactionLimit: l.PerTransaction,
		PerDayRemaining:     ap2.NewAmount(l.PerDay.Sub(amount)),
		PerMonthRemaining:   ap2.NewAmount(l.PerMonth.Sub(amount)),
	}
}

type config struct {
	limits    SpendingLimits
	clock     func() time.Time
	authToken func() string
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*config)

// WithSpendingLimits overrides DefaultSpendingLimits.
func WithSpendingLimits(l SpendingLimits) Option {
	return func(cfg *config) {
		cfg.limits = l
	}
}

// WithLogger sets the logger used for declined quotes.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// WithClock sets the time source for due dates.
func WithClock(clock func() time.Time) Option {
	return func(cfg *config) {
		cfg.clock = clock
	}
}

// Engine prices quotes against an account ledger.
type Engine struct {
	ledger account.Ledger
	cfg    config
}

// NewEngine returns an Engine reading credit from ledger.
func NewEngine(ledger account.Ledger, opts ...Option) *Engine {
	cfg := config{
		limits:    DefaultSpendingLimits(),
		clock:     time.Now,
		authToken: func() string { return AuthorizationTokenPrefix + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return &Engine{ledger: ledger, cfg: cfg}
}

// Limits returns the spending limits the engine applies.
func (e *Engine) Limits() SpendingLimits {
	return e.cfg.limits
}

// Quote prices amount for the borrower registered under email. An amount
// above the available credit yields a declined quote, not an error.
func (e *Engine) Quote(ctx context.Context, email string, amount ap2.Amount) (*Quote, error) {
	if !amount.IsPositive() {
		return nil, ap2.NewInvalidRequestError("amount must be greater than zero", ap2.WithOffendingParam("amount"))
	}
	acct, err := e.ledger.Account(ctx, email)
	if err != nil {
		return nil, err
	}
	available := acct.CreditProfile.AvailableCredit
	if amount.GreaterThan(available.Decimal) {
		e.cfg.logger.InfoContext(ctx, "quote declined",
			slog.String("user_id", acct.UserID),
			slog.String("amount", amount.String()),
			slog.String("available_credit", available.String()),
		)
		return &Quote{
			ValidationStatus: StatusDeclined,
			Reason:           ReasonInsufficientCredit,
			AvailableCredit:  available,
			RequestedAmount:  amount,
		}, nil
	}
	return &Quote{
		ValidationStatus:         StatusApproved,
		AvailableCredit:          available,
		RequestedAmount:          amount,
		Options:                  Plans(amount, e.cfg.clock()),
		CreditAuthorizationToken: e.cfg.authToken(),
		LimitsCheck:              e.cfg.limits.check(amount.Decimal),
	}, nil
}

// Plans returns the three plan options for amount, with due dates counted
// from now. Per-installment amounts round half-up to cents and each total is
// the rounded installment times the installment count.
func Plans(amount ap2.Amount, now time.Time) []PlanOption {
	full := amount.Round2()
	per4 := ap2.NewAmount(amount.Div(four)).Round2()
	per12 := ap2.NewAmount(amount.Mul(payIn12Multiplier).Div(twelve)).Round2()

	monthly := make([]time.Time, 12)
	for i := range monthly {
		monthly[i] = now.AddDate(0, 0, 30*(i+1))
	}

	return []PlanOption{
		{
			PlanID:               PlanPayInFull,
			Name:                 "Pay in Full",
			Installments:         1,
			AmountPerInstallment: full,
			InterestRate:         "0.00%",
			TotalAmount:          full,
			DueDates:             dates(now.AddDate(0, 0, 30)),
		},
		{
			PlanID:               PlanPayIn4,
			Name:                 "Pay in 4",
			Installments:         4,
			AmountPerInstallment: per4,
			InterestRate:         "0.00%",
			TotalAmount:          ap2.NewAmount(per4.Mul(four)),
			DueDates:             dates(now, now.AddDate(0, 0, 14), now.AddDate(0, 0, 28), now.AddDate(0, 0, 42)),
		},
		{
			PlanID:               PlanPayIn12,
			Name:                 "12 Month Plan",
			Installments:         12,
			AmountPerInstallment: per12,
			InterestRate:         "5.99%",
			TotalAmount:          ap2.NewAmount(per12.Mul(twelve)),
			DueDates:             dates(monthly...),
		},
	}
}

func dates(ts ...time.Time) []openapi_types.Date {
	out := make([]openapi_types.Date, len(ts))
	for i, t := range ts {
		out[i] = openapi_types.Date{Time: time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)}
	}
	return out
}
