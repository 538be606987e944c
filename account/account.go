// Package account holds borrower profiles: credit limits, shipping addresses
// and payment-method aliases. Accounts are keyed by email address and are
// read-only while a request is being served.
package account

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/sohocredit/ap2"
)

// MethodTypeSohoCredit is the type of every credit-line payment method.
const MethodTypeSohoCredit = "SOHO_CREDIT"

// DefaultAddressLabel is used when an account names no default address.
const DefaultAddressLabel = "home"

// Account is one borrower's profile.
type Account struct {
	Email           string
	UserID          string
	BorrowerAddress string
	KYCVerified     bool
	Phone           string
	CreditProfile   CreditProfile
	// Shipping addresses keyed by label, e.g. "home" or "office".
	ShippingAddresses map[string]ap2.ContactAddress
	DefaultAddress    string
	// Payment methods keyed by method id, e.g. "soho_pay_in_4".
	PaymentMethods map[string]PaymentMethod
}

// CreditProfile is the borrower's credit line.
type CreditProfile struct {
	CreditLimit     ap2.Amount `json:"credit_limit"`
	AvailableCredit ap2.Amount `json:"available_credit"`
	OutstandingDebt ap2.Amount `json:"outstanding_debt"`
	CreditScore     int        `json:"credit_score"`
}

// PaymentMethod is a payment method registered to an account.
type PaymentMethod struct {
	Type   string `json:"type"`
	Alias  string `json:"alias"`
	PlanID string `json:"plan_id"`
}

// ShippingAddress returns the address stored under key and the label it was
// found under. An empty or unknown key falls back to the default address.
func (a *Account) ShippingAddress(key string) (ap2.ContactAddress, string, bool) {
	if key != "" {
		for label, addr := range a.ShippingAddresses {
			if strings.EqualFold(label, key) {
				return addr, label, true
			}
		}
	}
	label := a.DefaultAddress
	if label == "" {
		label = DefaultAddressLabel
	}
	if addr, ok := a.ShippingAddresses[label]; ok {
		return addr, label, true
	}
	// Single-address accounts may not label it as default.
	if len(a.ShippingAddresses) == 1 {
		for label, addr := range a.ShippingAddresses {
			return addr, label, true
		}
	}
	return ap2.ContactAddress{}, "", false
}

// PaymentMethodByAlias finds a method by its display alias, ignoring case.
func (a *Account) PaymentMethodByAlias(alias string) (PaymentMethod, bool) {
	for _, key := range slices.Sorted(maps.Keys(a.PaymentMethods)) {
		m := a.PaymentMethods[key]
		if strings.EqualFold(m.Alias, alias) {
			return m, true
		}
	}
	return PaymentMethod{}, false
}

// Methods returns the payment methods ordered by method id.
func (a *Account) Methods() []PaymentMethod {
	out := make([]PaymentMethod, 0, len(a.PaymentMethods))
	for _, key := range slices.Sorted(maps.Keys(a.PaymentMethods)) {
		out = append(out, a.PaymentMethods[key])
	}
	return out
}

func (a *Account) clone() *Account {
	cp := *a
	cp.ShippingAddresses = maps.Clone(a.ShippingAddresses)
	cp.PaymentMethods = maps.Clone(a.PaymentMethods)
	return &cp
}

// Ledger resolves accounts by email address.
type Ledger interface {
	Account(ctx context.Context, email string) (*Account, error)
}

// MemoryLedger is a Ledger held in process memory. Reads never block each
// other; Put is for administrative loading only.
type MemoryLedger struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewMemoryLedger returns a ledger seeded with accounts.
func NewMemoryLedger(accounts ...Account) *MemoryLedger {
	l := &MemoryLedger{accounts: make(map[string]*Account, len(accounts))}
	for i := range accounts {
		l.Put(accounts[i])
	}
	return l
}

// Put stores or replaces an account.
func (l *MemoryLedger) Put(a Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[normalizeEmail(a.Email)] = a.clone()
}

// Account returns a copy of the account registered under email.
func (l *MemoryLedger) Account(_ context.Context, email string) (*Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.accounts[normalizeEmail(email)]
	if !ok {
		return nil, ap2.NewNotFoundError(fmt.Sprintf("account not found: %s", email), ap2.WithOffendingParam("user_email"))
	}
	return a.clone(), nil
}

// Len reports the number of accounts.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.accounts)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// PaymentMethodByAlias resolves alias on the account registered under email.
// Both an unknown account and an unknown alias yield a NotFoundError.
func PaymentMethodByAlias(ctx context.Context, ledger Ledger, email, alias string) (*Account, PaymentMethod, error) {
	acct, err := ledger.Account(ctx, email)
	if err != nil {
		return nil, PaymentMethod{}, err
	}
	method, ok := acct.PaymentMethodByAlias(alias)
	if !ok {
		return nil, PaymentMethod{}, ap2.NewNotFoundError(fmt.Sprintf("payment method not found: %s", alias), ap2.WithOffendingParam("payment_method_alias"))
	}
	return acct, method, nil
}
