package ap2

import (
	"encoding/json"
	"fmt"
	"time"

	openapi_types "github.com/oapi-codegen/runtime/types"
)

// Well-known data-part keys.
const (
	PaymentMandateDataKey         = "ap2.mandates.PaymentMandate"
	PaymentReceiptDataKey         = "ap2.PaymentReceipt"
	ContactAddressDataKey         = "contact_picker.ContactAddress"
	PaymentMethodDataDataKey      = "payment_request.PaymentMethodData"
	PaymentCredentialTokenDataKey = "payment_credential_token"
	PaymentMethodCredentialKey    = "payment_method_credential"
	RiskDataKey                   = "risk_data"
	ChallengeResponseKey          = "challenge_response"
	ChallengeDataKey              = "challenge"
	SettlementErrorDataKey        = "settlement_error"
)

// Payment method names carried in PaymentResponse.MethodName.
const (
	MethodCard       = "CARD"
	MethodSohoCredit = "SOHO_CREDIT"
)

// CredentialTokenSchemaVersion is the only payment_credential_token shape
// this module emits or accepts.
const CredentialTokenSchemaVersion = "2"

// PaymentMandate is a signed, immutable authorization for one payment.
type PaymentMandate struct {
	Contents PaymentMandateContents `json:"payment_mandate_contents" validate:"required"`
	// Serialized BiometricAttestation or OTP approval.
	UserAuthorization *string `json:"user_authorization,omitempty"`
}

// PaymentMandateContents defines model for PaymentMandate.Contents.
type PaymentMandateContents struct {
	PaymentMandateID    string          `json:"payment_mandate_id" validate:"required"`
	PaymentDetailsID    string          `json:"payment_details_id,omitempty"`
	PaymentDetailsTotal PaymentItem     `json:"payment_details_total"`
	PaymentResponse     PaymentResponse `json:"payment_response" validate:"required"`
	MerchantAgent       string          `json:"merchant_agent,omitempty"`
	// Time formatted as an RFC 3339 string.
	Timestamp time.Time `json:"timestamp"`
}

// PaymentItem defines model for a payment request line or total.
type PaymentItem struct {
	Label        string         `json:"label,omitempty"`
	Amount       CurrencyAmount `json:"amount"`
	Pending      *bool          `json:"pending,omitempty"`
	RefundPeriod int            `json:"refund_period,omitempty"`
}

// PaymentResponse carries the chosen method and its method-specific details.
type PaymentResponse struct {
	RequestID       string                     `json:"request_id,omitempty"`
	MethodName      string                     `json:"method_name" validate:"required"`
	Details         map[string]json.RawMessage `json:"details,omitempty"`
	ShippingAddress *ContactAddress            `json:"shipping_address,omitempty"`
	ShippingOption  json.RawMessage            `json:"shipping_option,omitempty"`
	PayerName       *string                    `json:"payer_name,omitempty"`
	PayerEmail      *openapi_types.Email       `json:"payer_email,omitempty"`
	PayerPhone      *string                    `json:"payer_phone,omitempty"`
}

// TokenReference points at a credential token issued by a provider.
type TokenReference struct {
	Value       string `json:"value"`
	ProviderURL string `json:"provider_url,omitempty"`
}

// CreditTokenDetails is the details blob of token/credit style methods.
type CreditTokenDetails struct {
	Token              TokenReference  `json:"token"`
	AuthorizationToken string          `json:"authorization_token,omitempty"`
	BorrowerAddress    string          `json:"borrower_address,omitempty"`
	PaymentPlan        json.RawMessage `json:"payment_plan,omitempty"`
}

// CreditTokenDetails decodes the method details as a token reference.
func (r PaymentResponse) CreditTokenDetails() (CreditTokenDetails, error) {
	b, err := json.Marshal(r.Details)
	if err != nil {
		return CreditTokenDetails{}, err
	}
	var d CreditTokenDetails
	if err := json.Unmarshal(b, &d); err != nil {
		return CreditTokenDetails{}, fmt.Errorf("decode payment details: %w", err)
	}
	return d, nil
}

// SetDetail stores v under key in the method details.
func (r *PaymentResponse) SetDetail(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if r.Details == nil {
		r.Details = make(map[string]json.RawMessage, 1)
	}
	r.Details[key] = raw
	return nil
}

// ContactAddress corresponds to the contact picker address object.
type ContactAddress struct {
	Recipient         string   `json:"recipient"`
	Organization      string   `json:"organization"`
	AddressLine       []string `json:"address_line"`
	City              string   `json:"city"`
	Region            string   `json:"region"`
	PostalCode        *string  `json:"postal_code"`
	Country           string   `json:"country"`
	PhoneNumber       *string  `json:"phone_number"`
	DependentLocality *string  `json:"dependent_locality"`
	SortingCode       *string  `json:"sorting_code"`
}

// PaymentMethodData is a merchant-accepted payment method entry.
type PaymentMethodData struct {
	SupportedMethods string          `json:"supported_methods" validate:"required"`
	Data             json.RawMessage `json:"data,omitempty"`
}

// PaymentCredentialToken is the artifact emitted on token creation.
type PaymentCredentialToken struct {
	SchemaVersion   string  `json:"schema_version" validate:"required,eq=2"`
	Type            string  `json:"type" validate:"required"`
	Value           string  `json:"value" validate:"required"`
	BorrowerAddress string  `json:"borrower_address"`
	PlanID          *string `json:"plan_id"`
}

// ParsePaymentCredentialToken decodes a payment_credential_token artifact
// value. Any schema version other than CredentialTokenSchemaVersion is
// rejected as an invalid credential.
func ParsePaymentCredentialToken(raw json.RawMessage) (PaymentCredentialToken, error) {
	var tok PaymentCredentialToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return PaymentCredentialToken{}, NewInvalidRequestError(fmt.Sprintf("decode %s: %v", PaymentCredentialTokenDataKey, err), WithOffendingParam(PaymentCredentialTokenDataKey))
	}
	if tok.SchemaVersion != CredentialTokenSchemaVersion {
		return PaymentCredentialToken{}, NewInvalidCredentialError(fmt.Sprintf("unsupported credential token schema version %q", tok.SchemaVersion))
	}
	if err := Validate(tok); err != nil {
		return PaymentCredentialToken{}, err
	}
	return tok, nil
}

// PaymentMethodCredential is returned to a processor once a token verifies
// against its bound mandate.
type PaymentMethodCredential struct {
	Type             string `json:"type"`
	Alias            string `json:"alias"`
	PlanID           string `json:"plan_id"`
	Token            string `json:"token"`
	BorrowerAddress  string `json:"borrower_address"`
	PaymentMandateID string `json:"payment_mandate_id"`
}

// BiometricApproval wraps an attestation with the approval outcome.
type BiometricApproval struct {
	ApprovalStatus string               `json:"approval_status"`
	Attestation    BiometricAttestation `json:"attestation"`
}

// BiometricAttestation is produced once per approval request and attached
// verbatim to PaymentMandate.UserAuthorization.
type BiometricAttestation struct {
	Type                 string            `json:"type"`
	AuthenticationMethod string            `json:"authentication_method"`
	Signature            string            `json:"signature"`
	Timestamp            time.Time         `json:"timestamp"`
	DeviceID             string            `json:"device_id"`
	DeviceCertificate    DeviceCertificate `json:"device_certificate"`
}

// DeviceCertificate identifies the attesting device.
type DeviceCertificate struct {
	Issuer     string             `json:"issuer"`
	Serial     string             `json:"serial"`
	ValidUntil openapi_types.Date `json:"valid_until"`
}

// PaymentStatus defines model for PaymentReceipt.Status.
type PaymentStatus string

const (
	PaymentStatusSuccess PaymentStatus = "success"
	PaymentStatusFailure PaymentStatus = "failure"
)

// PaymentReceipt reports a completed payment back to the credentials provider.
type PaymentReceipt struct {
	PaymentMandateID string         `json:"payment_mandate_id" validate:"required"`
	PaymentID        string         `json:"payment_id"`
	Timestamp        time.Time      `json:"timestamp"`
	Amount           CurrencyAmount `json:"amount" validate:"required"`
	PlanID           string         `json:"plan_id,omitempty"`
	Status           PaymentStatus  `json:"payment_status"`
}

// SettlementResult is the artifact emitted after a successful ledger payment.
type SettlementResult struct {
	TransactionHash string `json:"transaction_hash"`
	TransactionID   string `json:"transaction_id"`
	BlockNumber     uint64 `json:"block_number"`
	GasUsed         uint64 `json:"gas_used"`
	AmountMinor     string `json:"amount_minor_units"`
	PlanID          string `json:"plan_id,omitempty"`
}

// SettlementFailure is the artifact emitted when settlement could not proceed.
type SettlementFailure struct {
	Code       ErrorCode `json:"code"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code,omitempty"`
}

// NewSettlementFailure builds a failure artifact carrying the settlement_failed code.
func NewSettlementFailure(kind, message string, statusCode int) SettlementFailure {
	return SettlementFailure{Code: SettlementFailed, Kind: kind, Message: message, StatusCode: statusCode}
}

// Err converts the artifact back into an error matching ErrSettlement.
func (f SettlementFailure) Err() error {
	msg := fmt.Sprintf("settlement %s: %s", f.Kind, f.Message)
	if f.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, f.StatusCode)
	}
	return NewSettlementError(msg)
}
