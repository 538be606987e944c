package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sohocredit/ap2"
	"github.com/sohocredit/ap2/account"
)

var testNow = time.Date(2025, 10, 1, 15, 4, 5, 0, time.UTC)

func testEngine(available string) *Engine {
	ledger := account.NewMemoryLedger(account.Account{
		Email:  "user@example.com",
		UserID: "user_123",
		CreditProfile: account.CreditProfile{
			CreditLimit:     ap2.MustAmount("5000.00"),
			AvailableCredit: ap2.MustAmount(available),
		},
	})
	return NewEngine(ledger, WithClock(func() time.Time { return testNow }))
}

func TestQuoteApproved(t *testing.T) {
	t.Parallel()

	q, err := testEngine("4139.42").Quote(context.Background(), "user@example.com", ap2.MustAmount("100.00"))
	require.NoError(t, err)
	require.True(t, q.Approved())
	require.Len(t, q.Options, 3)
	assert.Regexp(t, `^soho_auth_`, q.CreditAuthorizationToken)

	ids := []string{q.Options[0].PlanID, q.Options[1].PlanID, q.Options[2].PlanID}
	assert.Equal(t, []string{PlanPayInFull, PlanPayIn4, PlanPayIn12}, ids)

	full := q.Options[0]
	assert.Equal(t, 1, full.Installments)
	assert.Equal(t, "100.00", full.TotalAmount.StringFixed(2))
	require.Len(t, full.DueDates, 1)
	assert.Equal(t, "2025-10-31", full.DueDates[0].Format(time.DateOnly))

	in4 := q.Options[1]
	assert.Equal(t, "25.00", in4.AmountPerInstallment.StringFixed(2))
	var due4 []string
	for _, d := range in4.DueDates {
		due4 = append(due4, d.Format(time.DateOnly))
	}
	assert.Equal(t, []string{"2025-10-01", "2025-10-15", "2025-10-29", "2025-11-12"}, due4)

	in12 := q.Options[2]
	assert.Equal(t, "8.83", in12.AmountPerInstallment.StringFixed(2))
	assert.Equal(t, "105.96", in12.TotalAmount.StringFixed(2))
	assert.Equal(t, "5.99%", in12.InterestRate)
	require.Len(t, in12.DueDates, 12)
	assert.Equal(t, "2025-10-31", in12.DueDates[0].Format(time.DateOnly))

	require.NotNil(t, q.LimitsCheck)
	assert.Equal(t, "1000.00", q.LimitsCheck.PerTransactionLimit.StringFixed(2))
	assert.Equal(t, "1900.00", q.LimitsCheck.PerDayRemaining.StringFixed(2))
	assert.Equal(t, "4900.00", q.LimitsCheck.PerMonthRemaining.StringFixed(2))
}

func TestQuoteAtAvailableCredit(t *testing.T) {
	t.Parallel()

	q, err := testEngine("250.00").Quote(context.Background(), "user@example.com", ap2.MustAmount("250.00"))
	require.NoError(t, err)
	assert.True(t, q.Approved())
}

func TestQuoteDeclined(t *testing.T) {
	t.Parallel()

	q, err := testEngine("50.00").Quote(context.Background(), "user@example.com", ap2.MustAmount("50.01"))
	require.NoError(t, err)
	assert.Equal(t, StatusDeclined, q.ValidationStatus)
	assert.Equal(t, ReasonInsufficientCredit, q.Reason)
	assert.Empty(t, q.Options)
	assert.Empty(t, q.CreditAuthorizationToken)
	assert.Nil(t, q.LimitsCheck)

	raw, err := json.Marshal(q)
	require.NoError(t, err)
	assert.JSONEq(t, `{"validation_status":"declined","reason":"insufficient_credit","available_credit":50,"requested_amount":50.01}`, string(raw))
}

func TestQuoteErrors(t *testing.T) {
	t.Parallel()

	engine := testEngine("100.00")
	_, err := engine.Quote(context.Background(), "ghost@example.com", ap2.MustAmount("10"))
	require.ErrorIs(t, err, ap2.ErrNotFound)

	_, err = engine.Quote(context.Background(), "user@example.com", ap2.MustAmount("0"))
	require.Error(t, err)
	var apiErr *ap2.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ap2.InvalidRequest, apiErr.Type)
}

func TestPlansRounding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		amount   string
		per4     string
		total4   string
		per12    string
		total12  string
		fullPaid string
	}{
		{amount: "10.00", per4: "2.50", total4: "10.00", per12: "0.88", total12: "10.56", fullPaid: "10.00"},
		{amount: "10.01", per4: "2.50", total4: "10.00", per12: "0.88", total12: "10.56", fullPaid: "10.01"},
		{amount: "10.02", per4: "2.51", total4: "10.04", per12: "0.89", total12: "10.68", fullPaid: "10.02"},
		{amount: "99.99", per4: "25.00", total4: "100.00", per12: "8.83", total12: "105.96", fullPaid: "99.99"},
		{amount: "0.125", per4: "0.03", total4: "0.12", per12: "0.01", total12: "0.12", fullPaid: "0.13"},
	}
	for _, tc := range tests {
		t.Run(tc.amount, func(t *testing.T) {
			t.Parallel()
			plans := Plans(ap2.MustAmount(tc.amount), testNow)
			assert.Equal(t, tc.fullPaid, plans[0].TotalAmount.StringFixed(2))
			assert.Equal(t, tc.per4, plans[1].AmountPerInstallment.StringFixed(2))
			assert.Equal(t, tc.total4, plans[1].TotalAmount.StringFixed(2))
			assert.Equal(t, tc.per12, plans[2].AmountPerInstallment.StringFixed(2))
			assert.Equal(t, tc.total12, plans[2].TotalAmount.StringFixed(2))
		})
	}
}

func TestQuoteProperty(t *testing.T) {
	t.Parallel()

	engine := testEngine("4139.42")
	cent := decimal.RequireFromString("0.01")
	for cents := int64(1); cents <= 413942; cents += 997 {
		amount := ap2.NewAmount(decimal.New(cents, -2))
		q, err := engine.Quote(context.Background(), "user@example.com", amount)
		require.NoError(t, err)
		require.True(t, q.Approved(), "amount %s", amount)
		require.Len(t, q.Options, 3)
		for _, o := range q.Options {
			product := o.AmountPerInstallment.Mul(decimal.NewFromInt(int64(o.Installments)))
			diff := product.Sub(o.TotalAmount.Decimal).Abs()
			assert.True(t, diff.LessThanOrEqual(cent), fmt.Sprintf("%s %s: %s vs %s", amount, o.PlanID, product, o.TotalAmount))
			assert.Len(t, o.DueDates, o.Installments)
		}
	}

	for _, over := range []string{"4139.43", "5000", "1000000"} {
		q, err := engine.Quote(context.Background(), "user@example.com", ap2.MustAmount(over))
		require.NoError(t, err)
		assert.False(t, q.Approved())
		assert.Empty(t, q.Options)
	}
}
