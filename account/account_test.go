package account

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sohocredit/ap2"
)

func loadFixture(t *testing.T) *MemoryLedger {
	t.Helper()
	ledger, err := LoadFile("testdata/accounts.yaml")
	require.NoError(t, err)
	return ledger
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	ledger := loadFixture(t)
	assert.Equal(t, 2, ledger.Len())

	acct, err := ledger.Account(context.Background(), "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user_123", acct.UserID)
	assert.Equal(t, "4139.42", acct.CreditProfile.AvailableCredit.StringFixed(2))
	assert.Equal(t, "860.58", acct.CreditProfile.OutstandingDebt.StringFixed(2))
	assert.Equal(t, 750, acct.CreditProfile.CreditScore)
	assert.Len(t, acct.PaymentMethods, 3)
	assert.Equal(t, MethodTypeSohoCredit, acct.PaymentMethods["soho_pay_in_4"].Type)

	bugs, err := ledger.Account(context.Background(), "bugs@example.com")
	require.NoError(t, err)
	assert.Equal(t, MethodTypeSohoCredit, bugs.PaymentMethods["soho_pay_in_full"].Type, "type defaults when omitted")
}

func TestLoadYAMLErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{name: "missing email", doc: "accounts:\n  - user_id: u1\n"},
		{name: "bad amount", doc: "accounts:\n  - email: a@b.c\n    credit_profile:\n      credit_limit: lots\n"},
		{name: "unknown field", doc: "accounts:\n  - email: a@b.c\n    nickname: x\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadYAML(strings.NewReader(tc.doc))
			require.Error(t, err)
		})
	}
}

func TestMemoryLedgerAccount(t *testing.T) {
	t.Parallel()

	ledger := loadFixture(t)

	t.Run("email is case-insensitive", func(t *testing.T) {
		t.Parallel()
		acct, err := ledger.Account(context.Background(), "  User@Example.COM ")
		require.NoError(t, err)
		assert.Equal(t, "user@example.com", acct.Email)
	})

	t.Run("unknown account", func(t *testing.T) {
		t.Parallel()
		_, err := ledger.Account(context.Background(), "nobody@example.com")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ap2.ErrNotFound))
		var apiErr *ap2.Error
		require.ErrorAs(t, err, &apiErr)
		require.NotNil(t, apiErr.Param)
		assert.Equal(t, "user_email", *apiErr.Param)
	})

	t.Run("returned account is a copy", func(t *testing.T) {
		t.Parallel()
		acct, err := ledger.Account(context.Background(), "bugs@example.com")
		require.NoError(t, err)
		delete(acct.PaymentMethods, "soho_pay_in_4")

		again, err := ledger.Account(context.Background(), "bugs@example.com")
		require.NoError(t, err)
		assert.Len(t, again.PaymentMethods, 2)
	})
}

func TestShippingAddress(t *testing.T) {
	t.Parallel()

	ledger := loadFixture(t)
	acct, err := ledger.Account(context.Background(), "user@example.com")
	require.NoError(t, err)

	tests := []struct {
		name      string
		key       string
		wantLabel string
		wantCity  string
	}{
		{name: "default", key: "", wantLabel: "home", wantCity: "San Francisco"},
		{name: "by key", key: "office", wantLabel: "office", wantCity: "San Francisco"},
		{name: "key ignores case", key: "OFFICE", wantLabel: "office"},
		{name: "unknown key falls back", key: "vacation", wantLabel: "home"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			addr, label, ok := acct.ShippingAddress(tc.key)
			require.True(t, ok)
			assert.Equal(t, tc.wantLabel, label)
			if tc.wantCity != "" {
				assert.Equal(t, tc.wantCity, addr.City)
			}
		})
	}

	t.Run("single unlabelled address", func(t *testing.T) {
		t.Parallel()
		a := Account{ShippingAddresses: map[string]ap2.ContactAddress{"cabin": {City: "Tahoe"}}}
		addr, label, ok := a.ShippingAddress("")
		require.True(t, ok)
		assert.Equal(t, "cabin", label)
		assert.Equal(t, "Tahoe", addr.City)
	})

	t.Run("no addresses", func(t *testing.T) {
		t.Parallel()
		_, _, ok := (&Account{}).ShippingAddress("home")
		assert.False(t, ok)
	})
}

func TestPaymentMethodByAlias(t *testing.T) {
	t.Parallel()

	ledger := loadFixture(t)
	ctx := context.Background()

	acct, method, err := PaymentMethodByAlias(ctx, ledger, "user@example.com", "soho credit - pay in 4")
	require.NoError(t, err)
	assert.Equal(t, "user_123", acct.UserID)
	assert.Equal(t, PaymentMethod{Type: MethodTypeSohoCredit, Alias: "SOHO Credit - Pay in 4", PlanID: "pay_in_4"}, method)

	_, _, err = PaymentMethodByAlias(ctx, ledger, "user@example.com", "Visa ending 4242")
	require.ErrorIs(t, err, ap2.ErrNotFound)

	_, _, err = PaymentMethodByAlias(ctx, ledger, "ghost@example.com", "SOHO Credit - Pay in 4")
	require.ErrorIs(t, err, ap2.ErrNotFound)
}

func TestMethodsOrdered(t *testing.T) {
	t.Parallel()

	acct, err := loadFixture(t).Account(context.Background(), "user@example.com")
	require.NoError(t, err)

	var plans []string
	for _, m := range acct.Methods() {
		plans = append(plans, m.PlanID)
	}
	assert.Equal(t, []string{"pay_in_12", "pay_in_4", "pay_in_full"}, plans)
}

func TestMemoryLedgerConcurrentReads(t *testing.T) {
	t.Parallel()

	ledger := loadFixture(t)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Account(context.Background(), "user@example.com")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}
