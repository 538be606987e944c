package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	openapi_types "github.com/oapi-codegen/runtime/types"

	"github.com/sohocredit/ap2"
	"github.com/sohocredit/ap2/account"
	"github.com/sohocredit/ap2/quote"
	"github.com/sohocredit/ap2/settlement"
	"github.com/sohocredit/ap2/signature"
)

// Artifact data keys emitted by the provider.
const (
	CreditStatusKey          = "credit_status"
	BNPLQuoteKey             = "bnpl_quote"
	BiometricApprovalKey     = "biometric_approval"
	PaymentMethodAliasesKey  = "payment_method_aliases"
	PaymentMandateBindingKey = "payment_mandate_binding"
	SettlementResultKey      = "settlement_result"
	SettlementErrorKey       = ap2.SettlementErrorDataKey
)

// CredentialTokenType is the type of every issued payment_credential_token.
const CredentialTokenType = "soho_credit"

// Settlement failure kinds raised before the ledger is called.
const (
	failureInvalidAmount = "invalid_amount"
	failureAmountCeiling = "amount_ceiling"
	failureUnconfigured  = "unconfigured"
)

type userRequest struct {
	UserEmail string `json:"user_email" validate:"required,email"`
}

type shippingAddressRequest struct {
	UserEmail  string `json:"user_email" validate:"required,email"`
	AddressKey string `json:"address_key"`
}

type quoteRequest struct {
	UserEmail  string      `json:"user_email" validate:"required,email"`
	Amount     *ap2.Amount `json:"amount" validate:"required,positive_amount"`
	MerchantID string      `json:"merchant_id"`
}

type biometricRequest struct {
	UserEmail   string      `json:"user_email" validate:"required,email"`
	Amount      *ap2.Amount `json:"amount" validate:"required,positive_amount"`
	Merchant    string      `json:"merchant" validate:"required"`
	MerchantID  string      `json:"merchant_id"`
	PaymentPlan string      `json:"payment_plan" validate:"required"`
}

type credentialTokenRequest struct {
	UserEmail          string `json:"user_email" validate:"required,email"`
	PaymentMethodAlias string `json:"payment_method_alias" validate:"required"`
}

// CreditStatus is the get_credit_status artifact.
type CreditStatus struct {
	UserID          string                `json:"user_id"`
	BorrowerAddress string                `json:"borrower_address"`
	CreditProfile   account.CreditProfile `json:"credit_profile"`
	SpendingLimits  quote.SpendingLimits  `json:"spending_limits"`
	Status          string                `json:"status"`
}

// MandateBinding acknowledges bind_payment_mandate.
type MandateBinding struct {
	PaymentMandateID string `json:"payment_mandate_id"`
	Status           string `json:"status"`
}

func (s *Service) handleShippingAddress(ctx context.Context, msg ap2.Message, sink ap2.ResponseSink) error {
	var req shippingAddressRequest
	if err := decodeRequest(msg, &req); err != nil {
		return err
	}
	acct, err := s.ledger.Account(ctx, req.UserEmail)
	if err != nil {
		return err
	}
	addr, label, ok := acct.ShippingAddress(req.AddressKey)
	if !ok {
		return ap2.NewNotFoundError(fmt.Sprintf("no shipping address on file for %s", req.UserEmail), ap2.WithOffendingParam("address_key"))
	}
	if req.AddressKey != "" && !strings.EqualFold(label, req.AddressKey) {
		s.cfg.logger.InfoContext(ctx, "unknown address key, using default",
			slog.String("address_key", req.AddressKey),
			slog.String("label", label),
		)
	}
	return respond(ctx, sink, ap2.ContactAddressDataKey, addr)
}

func (s *Service) handleCreditStatus(ctx context.Context, msg ap2.Message, sink ap2.ResponseSink) error {
	var req userRequest
	if err := decodeRequest(msg, &req); err != nil {
		return err
	}
	acct, err := s.ledger.Account(ctx, req.UserEmail)
	if err != nil {
		return err
	}
	return respond(ctx, sink, CreditStatusKey, CreditStatus{
		UserID:          acct.UserID,
		BorrowerAddress: acct.BorrowerAddress,
		CreditProfile:   acct.CreditProfile,
		SpendingLimits:  s.quotes.Limits(),
		Status:          "active",
	})
}

func (s *Service) handleBNPLQuote(ctx context.Context, msg ap2.Message, sink ap2.ResponseSink) error {
	var req quoteRequest
	if err := decodeRequest(msg, &req); err != nil {
		return err
	}
	q, err := s.quotes.Quote(ctx, req.UserEmail, *req.Amount)
	if err != nil {
		return err
	}
	return respond(ctx, sink, BNPLQuoteKey, q)
}

func (s *Service) handleBiometricApproval(ctx context.Context, msg ap2.Message, sink ap2.ResponseSink) error {
	var req biometricRequest
	if err := ap2.DecodeDataParts(msg.Parts, &req); err != nil {
		return err
	}
	if req.Merchant == "" {
		req.Merchant = req.MerchantID
	}
	if err := ap2.Validate(&req); err != nil {
		return err
	}
	acct, err := s.ledger.Account(ctx, req.UserEmail)
	if err != nil {
		return err
	}

	now := s.cfg.clock().UTC()
	deviceID := "device_" + acct.UserID
	sig, err := signature.SignValue(s.cfg.signingKey, now, map[string]any{
		"user_id":      acct.UserID,
		"amount":       req.Amount,
		"merchant":     req.Merchant,
		"payment_plan": req.PaymentPlan,
		"device_id":    deviceID,
	})
	if err != nil {
		return fmt.Errorf("sign attestation: %w", err)
	}
	return respond(ctx, sink, BiometricApprovalKey, ap2.BiometricApproval{
		ApprovalStatus: "authorized",
		Attestation: ap2.BiometricAttestation{
			Type:                 "device_biometric",
			AuthenticationMethod: "face_id",
			Signature:            sig,
			Timestamp:            now,
			DeviceID:             deviceID,
			DeviceCertificate: ap2.DeviceCertificate{
				Issuer:     "SOHO Device CA",
				Serial:     strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:16],
				ValidUntil: openapi_types.Date{Time: now.AddDate(1, 0, 0).Truncate(24 * time.Hour)},
			},
		},
	})
}

func (s *Service) handleCreateCredentialToken(ctx context.Context, msg ap2.Message, sink ap2.ResponseSink) error {
	var req credentialTokenRequest
	if err := decodeRequest(msg, &req); err != nil {
		return err
	}
	acct, method, err := account.PaymentMethodByAlias(ctx, s.ledger, req.UserEmail, req.PaymentMethodAlias)
	if err != nil {
		return err
	}
	value, err := s.tokens.CreateToken(ctx, req.UserEmail, req.PaymentMethodAlias)
	if err != nil {
		return err
	}
	planID := method.PlanID
	return respond(ctx, sink, ap2.PaymentCredentialTokenDataKey, ap2.PaymentCredentialToken{
		SchemaVersion:   ap2.CredentialTokenSchemaVersion,
		Type:            CredentialTokenType,
		Value:           value,
		BorrowerAddress: acct.BorrowerAddress,
		PlanID:          &planID,
	})
}

func (s *Service) handleSearchPaymentMethods(ctx context.Context, msg ap2.Message, sink ap2.ResponseSink) error {
	var req userRequest
	if err := decodeRequest(msg, &req); err != nil {
		return err
	}
	var methods []ap2.PaymentMethodData
	for _, data := range ap2.DataParts(msg.Parts) {
		raw, ok := data[ap2.PaymentMethodDataDataKey]
		if !ok {
			continue
		}
		var md ap2.PaymentMethodData
		if err := json.Unmarshal(raw, &md); err != nil {
			return ap2.NewInvalidRequestError(fmt.Sprintf("%s: %v", ap2.PaymentMethodDataDataKey, err), ap2.WithOffendingParam(ap2.PaymentMethodDataDataKey))
		}
		methods = append(methods, md)
	}
	if len(methods) == 0 {
		return ap2.NewMissingFieldError(ap2.PaymentMethodDataDataKey)
	}
	acct, err := s.ledger.Account(ctx, req.UserEmail)
	if err != nil {
		return err
	}

	aliases := []string{}
	for _, md := range methods {
		if strings.Contains(md.SupportedMethods, ap2.MethodSohoCredit) {
			for _, m := range acct.Methods() {
				aliases = append(aliases, m.Alias)
			}
			break
		}
	}
	return respond(ctx, sink, PaymentMethodAliasesKey, aliases)
}

func (s *Service) handleBindPaymentMandate(ctx context.Context, msg ap2.Message, sink ap2.ResponseSink) error {
	mandate, details, err := mandateFromMessage(msg)
	if err != nil {
		return err
	}
	id := mandate.Contents.PaymentMandateID
	if err := s.tokens.BindMandate(ctx, details.Token.Value, id); err != nil {
		return err
	}
	return respond(ctx, sink, PaymentMandateBindingKey, MandateBinding{PaymentMandateID: id, Status: "bound"})
}

func (s *Service) handleGetPaymentCredential(ctx context.Context, msg ap2.Message, sink ap2.ResponseSink) error {
	mandate, details, err := mandateFromMessage(msg)
	if err != nil {
		return err
	}
	id := mandate.Contents.PaymentMandateID
	tok := details.Token.Value
	if err := s.tokens.BindMandate(ctx, tok, id); err != nil {
		if errors.Is(err, ap2.ErrNotFound) {
			return ap2.NewInvalidCredentialError("unknown credential token", ap2.WithOffendingParam("token"))
		}
		return err
	}
	method, err := s.tokens.Verify(ctx, tok, id)
	if err != nil {
		return err
	}
	rec, err := s.tokens.Lookup(ctx, tok)
	if err != nil {
		return err
	}
	acct, err := s.ledger.Account(ctx, rec.Email)
	if err != nil {
		return err
	}
	return respond(ctx, sink, ap2.PaymentMethodCredentialKey, ap2.PaymentMethodCredential{
		Type:             method.Type,
		Alias:            method.Alias,
		PlanID:           method.PlanID,
		Token:            tok,
		BorrowerAddress:  acct.BorrowerAddress,
		PaymentMandateID: id,
	})
}

func (s *Service) handlePaymentReceipt(ctx context.Context, msg ap2.Message, sink ap2.ResponseSink) error {
	var receipt ap2.PaymentReceipt
	found, err := ap2.DecodeDataPart(ap2.PaymentReceiptDataKey, msg.Parts, &receipt)
	if err != nil {
		return err
	}
	if !found {
		return ap2.NewMissingFieldError(ap2.PaymentReceiptDataKey)
	}
	if err := ap2.Validate(&receipt); err != nil {
		return err
	}

	amount := receipt.Amount.Value
	logger := s.cfg.logger.With(
		slog.String("payment_mandate_id", receipt.PaymentMandateID),
		slog.String("amount", amount.String()),
	)
	if !amount.IsPositive() {
		logger.WarnContext(ctx, "settlement refused: amount not positive")
		return s.settlementFailure(ctx, sink, ap2.NewSettlementFailure(
			failureInvalidAmount,
			fmt.Sprintf("amount %s must be positive", amount.String()),
			0,
		))
	}
	if amount.GreaterThanOrEqual(s.cfg.ceiling.Decimal) {
		logger.WarnContext(ctx, "settlement refused: amount at or above ceiling", slog.String("ceiling", s.cfg.ceiling.String()))
		return s.settlementFailure(ctx, sink, ap2.NewSettlementFailure(
			failureAmountCeiling,
			fmt.Sprintf("amount %s must be below %s", amount.StringFixed(2), s.cfg.ceiling.StringFixed(2)),
			0,
		))
	}
	if s.cfg.settler == nil {
		return s.settlementFailure(ctx, sink, ap2.NewSettlementFailure(failureUnconfigured, "settlement is not configured", 0))
	}

	result, err := s.cfg.settler.Pay(ctx, amount, receipt.PlanID)
	if err != nil {
		logger.ErrorContext(ctx, "settlement failed", slog.Any("error", err))
		failure := ap2.NewSettlementFailure("unknown", err.Error(), 0)
		var sErr *settlement.Error
		if errors.As(err, &sErr) {
			failure.Kind = string(sErr.Kind)
			failure.StatusCode = sErr.StatusCode
		}
		return s.settlementFailure(ctx, sink, failure)
	}
	return respond(ctx, sink, SettlementResultKey, result)
}

// settlementFailure reports the failure as an artifact and still completes
// so the caller is never left waiting.
func (s *Service) settlementFailure(ctx context.Context, sink ap2.ResponseSink, failure ap2.SettlementFailure) error {
	return respond(ctx, sink, SettlementErrorKey, failure)
}

func mandateFromMessage(msg ap2.Message) (ap2.PaymentMandate, ap2.CreditTokenDetails, error) {
	var mandate ap2.PaymentMandate
	found, err := ap2.DecodeDataPart(ap2.PaymentMandateDataKey, msg.Parts, &mandate)
	if err != nil {
		return mandate, ap2.CreditTokenDetails{}, err
	}
	if !found {
		return mandate, ap2.CreditTokenDetails{}, ap2.NewMissingFieldError(ap2.PaymentMandateDataKey)
	}
	if err := ap2.Validate(&mandate); err != nil {
		return mandate, ap2.CreditTokenDetails{}, err
	}
	details, err := mandate.Contents.PaymentResponse.CreditTokenDetails()
	if err != nil {
		return mandate, details, ap2.NewInvalidRequestError(err.Error(), ap2.WithOffendingParam("payment_response.details"))
	}
	if details.Token.Value == "" {
		return mandate, details, ap2.NewMissingFieldError("payment_response.details.token.value")
	}
	return mandate, details, nil
}
