package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sohocredit/ap2"
	"github.com/sohocredit/ap2/account"
	"github.com/sohocredit/ap2/quote"
	"github.com/sohocredit/ap2/settlement"
	"github.com/sohocredit/ap2/signature"
	"github.com/sohocredit/ap2/token"
)

const (
	userEmail  = "user@example.com"
	pay4Alias  = "SOHO Credit - Pay in 4"
	borrower   = "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb"
	signingKey = "attestation-key"
)

var fixedNow = time.Date(2025, 10, 1, 9, 30, 0, 0, time.UTC)

type settlerStub struct {
	calls atomic.Int32
	pay   func(amount ap2.Amount, planID string) (*ap2.SettlementResult, error)
}

func (s *settlerStub) Pay(_ context.Context, amount ap2.Amount, planID string) (*ap2.SettlementResult, error) {
	s.calls.Add(1)
	if s.pay != nil {
		return s.pay(amount, planID)
	}
	return &ap2.SettlementResult{TransactionID: "tx_1", AmountMinor: settlement.MinorUnits(amount, 6), PlanID: planID}, nil
}

func str(s string) *string { return &s }

func testLedger() *account.MemoryLedger {
	return account.NewMemoryLedger(account.Account{
		Email:           userEmail,
		UserID:          "user_123",
		BorrowerAddress: borrower,
		KYCVerified:     true,
		CreditProfile: account.CreditProfile{
			CreditLimit:     ap2.MustAmount("5000.00"),
			AvailableCredit: ap2.MustAmount("4139.42"),
			OutstandingDebt: ap2.MustAmount("860.58"),
			CreditScore:     750,
		},
		DefaultAddress: "home",
		ShippingAddresses: map[string]ap2.ContactAddress{
			"home":   {Recipient: "John Smith", AddressLine: []string{"123 Main St"}, City: "San Francisco", Region: "CA", PostalCode: str("94105"), Country: "US"},
			"office": {Recipient: "John Smith", Organization: "Acme Corp", AddressLine: []string{"500 Market St"}, City: "Oakland", Region: "CA", Country: "US"},
		},
		PaymentMethods: map[string]account.PaymentMethod{
			"soho_pay_in_full": {Type: account.MethodTypeSohoCredit, Alias: "SOHO Credit - Pay in Full", PlanID: "pay_in_full"},
			"soho_pay_in_4":    {Type: account.MethodTypeSohoCredit, Alias: pay4Alias, PlanID: "pay_in_4"},
		},
	})
}

func newService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	ledger := testLedger()
	opts = append([]Option{WithSigningKey([]byte(signingKey)), WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(ledger, token.NewStore(ledger), quote.NewEngine(ledger, quote.WithClock(func() time.Time { return fixedNow })), opts...)
}

// call runs one operation the way AgentHandler does and returns the task.
func call(t *testing.T, svc *Service, op string, build func(b *ap2.MessageBuilder)) (*ap2.Task, error) {
	t.Helper()
	b := ap2.NewMessageBuilder()
	build(b)
	msg, err := b.Build()
	require.NoError(t, err)
	rec := ap2.NewTaskRecorder(nil, "ctx_1")
	execErr := svc.Execute(context.Background(), op, msg, nil, rec)
	return rec.Task(), execErr
}

func artifact(t *testing.T, task *ap2.Task, key string, v any) {
	t.Helper()
	raw, ok := ap2.FindArtifactData(key, task.Artifacts)
	require.True(t, ok, "artifact %s missing", key)
	require.NoError(t, json.Unmarshal(raw, v))
}

func mandate(id, tokenValue string) ap2.PaymentMandate {
	resp := ap2.PaymentResponse{MethodName: ap2.MethodSohoCredit}
	_ = resp.SetDetail("token", ap2.TokenReference{Value: tokenValue})
	return ap2.PaymentMandate{Contents: ap2.PaymentMandateContents{
		PaymentMandateID: id,
		PaymentDetailsTotal: ap2.PaymentItem{
			Label:  "Total",
			Amount: ap2.CurrencyAmount{Currency: "USD", Value: ap2.MustAmount("48.50")},
		},
		PaymentResponse: resp,
		Timestamp:       fixedNow,
	}}
}

func createToken(t *testing.T, svc *Service) string {
	t.Helper()
	task, err := call(t, svc, OpCreatePaymentCredential, func(b *ap2.MessageBuilder) {
		b.AddData("user_email", userEmail).AddData("payment_method_alias", pay4Alias)
	})
	require.NoError(t, err)
	require.Equal(t, ap2.TaskStateCompleted, task.Status.State)
	var tok ap2.PaymentCredentialToken
	artifact(t, task, ap2.PaymentCredentialTokenDataKey, &tok)
	return tok.Value
}

func TestOperations(t *testing.T) {
	t.Parallel()

	ops := newService(t).Operations()
	assert.ElementsMatch(t, []string{
		OpGetShippingAddress, OpGetCreditStatus, OpGetBNPLQuote, OpRequestBiometricApproval,
		OpCreatePaymentCredential, OpPaymentReceipt, OpSearchPaymentMethods,
		OpGetPaymentCredential, OpBindPaymentMandate,
	}, ops)

	_, err := call(t, newService(t), "transfer_funds", func(b *ap2.MessageBuilder) { b.AddText("hi") })
	var apiErr *ap2.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ap2.UnknownOperation, apiErr.Code)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode())
}

func TestShippingAddress(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	tests := []struct {
		name     string
		key      string
		wantCity string
	}{
		{name: "default", wantCity: "San Francisco"},
		{name: "by key", key: "office", wantCity: "Oakland"},
		{name: "unknown key falls back", key: "vacation", wantCity: "San Francisco"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			task, err := call(t, svc, OpGetShippingAddress, func(b *ap2.MessageBuilder) {
				b.AddData("user_email", userEmail)
				if tc.key != "" {
					b.AddData("address_key", tc.key)
				}
			})
			require.NoError(t, err)
			assert.Equal(t, ap2.TaskStateCompleted, task.Status.State)
			var addr ap2.ContactAddress
			artifact(t, task, ap2.ContactAddressDataKey, &addr)
			assert.Equal(t, tc.wantCity, addr.City)
		})
	}

	t.Run("missing email", func(t *testing.T) {
		t.Parallel()
		_, err := call(t, svc, OpGetShippingAddress, func(b *ap2.MessageBuilder) { b.AddData("address_key", "home") })
		require.ErrorIs(t, err, ap2.ErrMissingField)
	})

	t.Run("unknown user", func(t *testing.T) {
		t.Parallel()
		_, err := call(t, svc, OpGetShippingAddress, func(b *ap2.MessageBuilder) { b.AddData("user_email", "ghost@example.com") })
		require.ErrorIs(t, err, ap2.ErrNotFound)
	})
}

func TestCreditStatus(t *testing.T) {
	t.Parallel()

	task, err := call(t, newService(t), OpGetCreditStatus, func(b *ap2.MessageBuilder) { b.AddData("user_email", userEmail) })
	require.NoError(t, err)

	var status CreditStatus
	artifact(t, task, CreditStatusKey, &status)
	assert.Equal(t, "user_123", status.UserID)
	assert.Equal(t, borrower, status.BorrowerAddress)
	assert.Equal(t, "4139.42", status.CreditProfile.AvailableCredit.StringFixed(2))
	assert.Equal(t, "1000.00", status.SpendingLimits.PerTransaction.StringFixed(2))
	assert.Equal(t, "active", status.Status)
}

func TestBNPLQuote(t *testing.T) {
	t.Parallel()

	svc := newService(t)

	task, err := call(t, svc, OpGetBNPLQuote, func(b *ap2.MessageBuilder) {
		b.AddData("user_email", userEmail).AddData("amount", 100).AddData("merchant_id", "acme")
	})
	require.NoError(t, err)
	var q quote.Quote
	artifact(t, task, BNPLQuoteKey, &q)
	assert.True(t, q.Approved())
	assert.Len(t, q.Options, 3)

	task, err = call(t, svc, OpGetBNPLQuote, func(b *ap2.MessageBuilder) {
		b.AddData("user_email", userEmail).AddData("amount", "5000.00")
	})
	require.NoError(t, err, "declined quotes are a normal outcome")
	var declined quote.Quote
	artifact(t, task, BNPLQuoteKey, &declined)
	assert.Equal(t, quote.StatusDeclined, declined.ValidationStatus)
	assert.Empty(t, declined.Options)

	_, err = call(t, svc, OpGetBNPLQuote, func(b *ap2.MessageBuilder) { b.AddData("user_email", userEmail) })
	var apiErr *ap2.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ap2.MissingField, apiErr.Code)
	assert.Equal(t, "amount", *apiErr.Param)

	_, err = call(t, svc, OpGetBNPLQuote, func(b *ap2.MessageBuilder) {
		b.AddData("user_email", userEmail).AddData("amount", "lots")
	})
	require.Error(t, err)
}

func TestBiometricApproval(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	task, err := call(t, svc, OpRequestBiometricApproval, func(b *ap2.MessageBuilder) {
		b.AddData("user_email", userEmail).
			AddData("amount", 48.5).
			AddData("merchant_id", "acme").
			AddData("payment_plan", "pay_in_4")
	})
	require.NoError(t, err)

	var approval ap2.BiometricApproval
	artifact(t, task, BiometricApprovalKey, &approval)
	assert.Equal(t, "authorized", approval.ApprovalStatus)
	att := approval.Attestation
	assert.Equal(t, "device_user_123", att.DeviceID)
	assert.True(t, att.Timestamp.Equal(fixedNow))
	assert.Equal(t, "2026-10-01", att.DeviceCertificate.ValidUntil.Format(time.DateOnly))

	want, err := signature.SignValue([]byte(signingKey), fixedNow, map[string]any{
		"user_id":      "user_123",
		"amount":       ap2.MustAmount("48.5"),
		"merchant":     "acme",
		"payment_plan": "pay_in_4",
		"device_id":    "device_user_123",
	})
	require.NoError(t, err)
	assert.Equal(t, want, att.Signature)

	for _, missing := range []string{"user_email", "amount", "merchant", "payment_plan"} {
		t.Run("missing "+missing, func(t *testing.T) {
			t.Parallel()
			inputs := map[string]any{"user_email": userEmail, "amount": 10, "merchant": "acme", "payment_plan": "pay_in_4"}
			delete(inputs, missing)
			_, err := call(t, svc, OpRequestBiometricApproval, func(b *ap2.MessageBuilder) {
				for k, v := range inputs {
					b.AddData(k, v)
				}
			})
			require.ErrorIs(t, err, ap2.ErrMissingField)
		})
	}
}

func TestCreateCredentialToken(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	task, err := call(t, svc, OpCreatePaymentCredential, func(b *ap2.MessageBuilder) {
		b.AddData("user_email", userEmail).AddData("payment_method_alias", "soho credit - pay in 4")
	})
	require.NoError(t, err)

	var tok ap2.PaymentCredentialToken
	artifact(t, task, ap2.PaymentCredentialTokenDataKey, &tok)
	assert.Equal(t, ap2.CredentialTokenSchemaVersion, tok.SchemaVersion)
	assert.Equal(t, CredentialTokenType, tok.Type)
	assert.Regexp(t, `^soho_tok_`, tok.Value)
	assert.Equal(t, borrower, tok.BorrowerAddress)
	require.NotNil(t, tok.PlanID)
	assert.Equal(t, "pay_in_4", *tok.PlanID)
	require.NoError(t, ap2.Validate(&tok))

	_, err = call(t, svc, OpCreatePaymentCredential, func(b *ap2.MessageBuilder) {
		b.AddData("user_email", userEmail).AddData("payment_method_alias", "Visa ending 4242")
	})
	require.ErrorIs(t, err, ap2.ErrNotFound)
}

func TestSearchPaymentMethods(t *testing.T) {
	t.Parallel()

	svc := newService(t)

	task, err := call(t, svc, OpSearchPaymentMethods, func(b *ap2.MessageBuilder) {
		b.AddData("user_email", userEmail).
			AddData(ap2.PaymentMethodDataDataKey, ap2.PaymentMethodData{SupportedMethods: "CARD"}).
			AddData(ap2.PaymentMethodDataDataKey, ap2.PaymentMethodData{SupportedMethods: "SOHO_CREDIT"})
	})
	require.NoError(t, err)
	var aliases []string
	artifact(t, task, PaymentMethodAliasesKey, &aliases)
	assert.Equal(t, []string{"SOHO Credit - Pay in 4", "SOHO Credit - Pay in Full"}, aliases)

	task, err = call(t, svc, OpSearchPaymentMethods, func(b *ap2.MessageBuilder) {
		b.AddData("user_email", userEmail).AddData(ap2.PaymentMethodDataDataKey, ap2.PaymentMethodData{SupportedMethods: "CARD"})
	})
	require.NoError(t, err)
	var none []string
	artifact(t, task, PaymentMethodAliasesKey, &none)
	assert.Empty(t, none)

	_, err = call(t, svc, OpSearchPaymentMethods, func(b *ap2.MessageBuilder) { b.AddData("user_email", userEmail) })
	require.ErrorIs(t, err, ap2.ErrMissingField)
}

func TestGetPaymentCredential(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	tok := createToken(t, svc)

	task, err := call(t, svc, OpGetPaymentCredential, func(b *ap2.MessageBuilder) {
		b.AddData(ap2.PaymentMandateDataKey, mandate("pm_1", tok))
	})
	require.NoError(t, err)
	var cred ap2.PaymentMethodCredential
	artifact(t, task, ap2.PaymentMethodCredentialKey, &cred)
	assert.Equal(t, ap2.PaymentMethodCredential{
		Type:             account.MethodTypeSohoCredit,
		Alias:            pay4Alias,
		PlanID:           "pay_in_4",
		Token:            tok,
		BorrowerAddress:  borrower,
		PaymentMandateID: "pm_1",
	}, cred)

	t.Run("same mandate again", func(t *testing.T) {
		_, err := call(t, svc, OpGetPaymentCredential, func(b *ap2.MessageBuilder) {
			b.AddData(ap2.PaymentMandateDataKey, mandate("pm_1", tok))
		})
		require.NoError(t, err)
	})

	t.Run("second mandate cannot hijack the token", func(t *testing.T) {
		_, err := call(t, svc, OpGetPaymentCredential, func(b *ap2.MessageBuilder) {
			b.AddData(ap2.PaymentMandateDataKey, mandate("pm_2", tok))
		})
		require.ErrorIs(t, err, ap2.ErrInvalidCredential)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := call(t, svc, OpGetPaymentCredential, func(b *ap2.MessageBuilder) {
			b.AddData(ap2.PaymentMandateDataKey, mandate("pm_3", "soho_tok_forged"))
		})
		require.ErrorIs(t, err, ap2.ErrInvalidCredential)
	})

	t.Run("missing mandate", func(t *testing.T) {
		_, err := call(t, svc, OpGetPaymentCredential, func(b *ap2.MessageBuilder) { b.AddData(ap2.RiskDataKey, "low") })
		require.ErrorIs(t, err, ap2.ErrMissingField)
	})
}

func TestBindPaymentMandate(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	tok := createToken(t, svc)

	task, err := call(t, svc, OpBindPaymentMandate, func(b *ap2.MessageBuilder) {
		b.AddData(ap2.PaymentMandateDataKey, mandate("pm_first", tok))
	})
	require.NoError(t, err)
	var binding MandateBinding
	artifact(t, task, PaymentMandateBindingKey, &binding)
	assert.Equal(t, MandateBinding{PaymentMandateID: "pm_first", Status: "bound"}, binding)

	_, err = call(t, svc, OpGetPaymentCredential, func(b *ap2.MessageBuilder) {
		b.AddData(ap2.PaymentMandateDataKey, mandate("pm_second", tok))
	})
	require.ErrorIs(t, err, ap2.ErrInvalidCredential)

	_, err = call(t, svc, OpBindPaymentMandate, func(b *ap2.MessageBuilder) {
		b.AddData(ap2.PaymentMandateDataKey, mandate("pm_x", "soho_tok_unknown"))
	})
	require.ErrorIs(t, err, ap2.ErrNotFound)
}

func receiptMessage(amount string) func(b *ap2.MessageBuilder) {
	return func(b *ap2.MessageBuilder) {
		b.AddData(ap2.PaymentReceiptDataKey, ap2.PaymentReceipt{
			PaymentMandateID: "pm_1",
			PaymentID:        "pay_1",
			Timestamp:        fixedNow,
			Amount:           ap2.CurrencyAmount{Currency: "USD", Value: ap2.MustAmount(amount)},
			PlanID:           "pay_in_4",
			Status:           ap2.PaymentStatusSuccess,
		})
	}
}

func TestPaymentReceipt(t *testing.T) {
	t.Parallel()

	t.Run("settles below ceiling", func(t *testing.T) {
		t.Parallel()
		settler := &settlerStub{}
		task, err := call(t, newService(t, WithSettler(settler)), OpPaymentReceipt, receiptMessage("99.99"))
		require.NoError(t, err)
		assert.Equal(t, ap2.TaskStateCompleted, task.Status.State)
		var res ap2.SettlementResult
		artifact(t, task, SettlementResultKey, &res)
		assert.Equal(t, "99990000", res.AmountMinor)
		assert.Equal(t, "pay_in_4", res.PlanID)
		assert.EqualValues(t, 1, settler.calls.Load())
	})

	for _, amount := range []string{"100.00", "100", "250.75"} {
		t.Run("refuses "+amount, func(t *testing.T) {
			t.Parallel()
			settler := &settlerStub{}
			task, err := call(t, newService(t, WithSettler(settler)), OpPaymentReceipt, receiptMessage(amount))
			require.NoError(t, err)
			assert.Equal(t, ap2.TaskStateCompleted, task.Status.State)
			var failure ap2.SettlementFailure
			artifact(t, task, SettlementErrorKey, &failure)
			assert.Equal(t, failureAmountCeiling, failure.Kind)
			assert.EqualValues(t, 0, settler.calls.Load())
		})
	}

	for _, amount := range []string{"0", "-50.00"} {
		t.Run("refuses non-positive "+amount, func(t *testing.T) {
			t.Parallel()
			settler := &settlerStub{}
			task, err := call(t, newService(t, WithSettler(settler)), OpPaymentReceipt, receiptMessage(amount))
			require.NoError(t, err)
			assert.Equal(t, ap2.TaskStateCompleted, task.Status.State)
			var failure ap2.SettlementFailure
			artifact(t, task, SettlementErrorKey, &failure)
			assert.Equal(t, failureInvalidAmount, failure.Kind)
			assert.Equal(t, ap2.SettlementFailed, failure.Code)
			assert.EqualValues(t, 0, settler.calls.Load())
		})
	}

	t.Run("ledger failure still completes", func(t *testing.T) {
		t.Parallel()
		settler := &settlerStub{pay: func(ap2.Amount, string) (*ap2.SettlementResult, error) {
			return nil, &settlement.Error{Kind: settlement.KindHTTPStatus, Op: "pay", StatusCode: http.StatusBadGateway}
		}}
		task, err := call(t, newService(t, WithSettler(settler)), OpPaymentReceipt, receiptMessage("10.00"))
		require.NoError(t, err)
		assert.Equal(t, ap2.TaskStateCompleted, task.Status.State)
		var failure ap2.SettlementFailure
		artifact(t, task, SettlementErrorKey, &failure)
		assert.Equal(t, "http_status", failure.Kind)
		assert.Equal(t, http.StatusBadGateway, failure.StatusCode)
		assert.Equal(t, ap2.SettlementFailed, failure.Code)
		require.ErrorIs(t, failure.Err(), ap2.ErrSettlement)
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		settler := &settlerStub{pay: func(ap2.Amount, string) (*ap2.SettlementResult, error) {
			return nil, &settlement.Error{Kind: settlement.KindTimeout, Op: "pay", Err: context.DeadlineExceeded}
		}}
		task, err := call(t, newService(t, WithSettler(settler)), OpPaymentReceipt, receiptMessage("10.00"))
		require.NoError(t, err)
		var failure ap2.SettlementFailure
		artifact(t, task, SettlementErrorKey, &failure)
		assert.Equal(t, "timeout", failure.Kind)
	})

	t.Run("other errors", func(t *testing.T) {
		t.Parallel()
		settler := &settlerStub{pay: func(ap2.Amount, string) (*ap2.SettlementResult, error) {
			return nil, errors.New("boom")
		}}
		task, err := call(t, newService(t, WithSettler(settler)), OpPaymentReceipt, receiptMessage("10.00"))
		require.NoError(t, err)
		var failure ap2.SettlementFailure
		artifact(t, task, SettlementErrorKey, &failure)
		assert.Equal(t, "unknown", failure.Kind)
	})

	t.Run("not configured", func(t *testing.T) {
		t.Parallel()
		task, err := call(t, newService(t), OpPaymentReceipt, receiptMessage("10.00"))
		require.NoError(t, err)
		var failure ap2.SettlementFailure
		artifact(t, task, SettlementErrorKey, &failure)
		assert.Equal(t, failureUnconfigured, failure.Kind)
	})

	t.Run("missing receipt", func(t *testing.T) {
		t.Parallel()
		_, err := call(t, newService(t), OpPaymentReceipt, func(b *ap2.MessageBuilder) { b.AddText("paid") })
		require.ErrorIs(t, err, ap2.ErrMissingField)
	})
}

func TestServiceOverHTTP(t *testing.T) {
	t.Parallel()

	handler := ap2.NewAgentHandler("/a2a/soho_credentials_provider", newService(t))
	srv := newTestServer(t, handler)
	client := ap2.NewClient(srv.URL + "/a2a/soho_credentials_provider")

	msg, err := ap2.NewMessageBuilder().AddData("user_email", userEmail).Build()
	require.NoError(t, err)
	task, err := client.SendMessage(context.Background(), OpGetCreditStatus, msg)
	require.NoError(t, err)
	assert.Equal(t, ap2.TaskStateCompleted, task.Status.State)

	msg, err = ap2.NewMessageBuilder().AddData("user_email", "ghost@example.com").Build()
	require.NoError(t, err)
	task, err = client.SendMessage(context.Background(), OpGetCreditStatus, msg)
	require.NoError(t, err)
	assert.Equal(t, ap2.TaskStateFailed, task.Status.State)
	assert.Contains(t, task.FailureReason(), "account not found")
}
