package account

import (
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/sohocredit/ap2"
)

type fixtureFile struct {
	Accounts []fixtureAccount `yaml:"accounts"`
}

type fixtureAccount struct {
	Email             string                    `yaml:"email"`
	UserID            string                    `yaml:"user_id"`
	BorrowerAddress   string                    `yaml:"borrower_address"`
	KYCVerified       bool                      `yaml:"kyc_verified"`
	Phone             string                    `yaml:"phone"`
	DefaultAddress    string                    `yaml:"default_address"`
	ShippingAddresses map[string]fixtureAddress `yaml:"shipping_addresses"`
	CreditProfile     struct {
		CreditLimit     yamlAmount `yaml:"credit_limit"`
		AvailableCredit yamlAmount `yaml:"available_credit"`
		OutstandingDebt yamlAmount `yaml:"outstanding_debt"`
		CreditScore     int        `yaml:"credit_score"`
	} `yaml:"credit_profile"`
	PaymentMethods map[string]fixtureMethod `yaml:"payment_methods"`
}

type fixtureAddress struct {
	Recipient    string   `yaml:"recipient"`
	Organization string   `yaml:"organization"`
	AddressLine  []string `yaml:"address_line"`
	City         string   `yaml:"city"`
	Region       string   `yaml:"region"`
	PostalCode   string   `yaml:"postal_code"`
	Country      string   `yaml:"country"`
	PhoneNumber  string   `yaml:"phone_number"`
}

// fixtureMethod is the fixture form of a PaymentMethod.
type fixtureMethod struct {
	Type   string `yaml:"type"`
	Alias  string `yaml:"alias"`
	PlanID string `yaml:"plan_id"`
}

// yamlAmount keeps the scalar text so 4139.42 is never routed through float64.
type yamlAmount struct {
	decimal.Decimal
}

func (a *yamlAmount) UnmarshalYAML(node *yaml.Node) error {
	d, err := decimal.NewFromString(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: amount %q: %w", node.Line, node.Value, err)
	}
	a.Decimal = d
	return nil
}

// LoadYAML builds a MemoryLedger from a YAML document with a top-level
// "accounts" list.
func LoadYAML(r io.Reader) (*MemoryLedger, error) {
	var f fixtureFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("account: decode ledger: %w", err)
	}
	ledger := NewMemoryLedger()
	for i, fa := range f.Accounts {
		if fa.Email == "" {
			return nil, fmt.Errorf("account: accounts[%d]: email is required", i)
		}
		ledger.Put(fa.toAccount())
	}
	return ledger, nil
}

// LoadFile reads a ledger fixture from path.
func LoadFile(path string) (*MemoryLedger, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("account: open ledger: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadYAML(f)
}

func (fa fixtureAccount) toAccount() Account {
	a := Account{
		Email:           fa.Email,
		UserID:          fa.UserID,
		BorrowerAddress: fa.BorrowerAddress,
		KYCVerified:     fa.KYCVerified,
		Phone:           fa.Phone,
		DefaultAddress:  fa.DefaultAddress,
		CreditProfile: CreditProfile{
			CreditLimit:     ap2.NewAmount(fa.CreditProfile.CreditLimit.Decimal),
			AvailableCredit: ap2.NewAmount(fa.CreditProfile.AvailableCredit.Decimal),
			OutstandingDebt: ap2.NewAmount(fa.CreditProfile.OutstandingDebt.Decimal),
			CreditScore:     fa.CreditProfile.CreditScore,
		},
		ShippingAddresses: make(map[string]ap2.ContactAddress, len(fa.ShippingAddresses)),
		PaymentMethods:    make(map[string]PaymentMethod, len(fa.PaymentMethods)),
	}
	for label, addr := range fa.ShippingAddresses {
		a.ShippingAddresses[label] = ap2.ContactAddress{
			Recipient:    addr.Recipient,
			Organization: addr.Organization,
			AddressLine:  addr.AddressLine,
			City:         addr.City,
			Region:       addr.Region,
			PostalCode:   optional(addr.PostalCode),
			Country:      addr.Country,
			PhoneNumber:  optional(addr.PhoneNumber),
		}
	}
	for key, m := range fa.PaymentMethods {
		typ := m.Type
		if typ == "" {
			typ = MethodTypeSohoCredit
		}
		a.PaymentMethods[key] = PaymentMethod{Type: typ, Alias: m.Alias, PlanID: m.PlanID}
	}
	return a
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
