// Package processor completes payment mandates on the merchant side. A
// mandate moves through
//
//	awaiting_mandate -> awaiting_challenge -> awaiting_credential -> completed | failed
//
// where the challenge step applies only to challenge-based methods and
// suspends the task until the caller resubmits with a challenge response.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/sohocredit/ap2"
)

// OpInitiatePayment is the operation the processor serves.
const OpInitiatePayment = "initiate_payment"

// Provider operations the processor calls.
const (
	OpGetPaymentCredential = "get_payment_credential"
	OpPaymentReceipt       = "payment_receipt"
)

// Failure reasons surfaced to the caller.
const (
	ReasonMissingMandate      = "missing mandate"
	ReasonNoPaymentMethodData = "failed to find the payment method data"
)

// PaymentCredentialDetail is the details key the retrieved credential is
// attached under.
const PaymentCredentialDetail = "payment_credential"

// State is a step of mandate completion.
type State string

const (
	StateAwaitingMandate    State = "awaiting_mandate"
	StateAwaitingChallenge  State = "awaiting_challenge"
	StateAwaitingCredential State = "awaiting_credential"
	StateCompleted          State = "completed"
	StateFailed             State = "failed"
)

// Peer sends messages to the credentials provider. *ap2.Client satisfies it.
type Peer interface {
	SendMessage(ctx context.Context, operation string, msg ap2.Message) (*ap2.Task, error)
}

type config struct {
	logger           *slog.Logger
	verifier         ChallengeVerifier
	challengeMethods []string
	forwardReceipts  bool
	clock            func() time.Time
}

// Option configures a Processor.
type Option func(*config)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// WithChallengeVerifier replaces the default StaticChallenge.
func WithChallengeVerifier(v ChallengeVerifier) Option {
	return func(cfg *config) {
		cfg.verifier = v
	}
}

// WithChallengeMethods lists the payment methods that require a challenge.
// Defaults to CARD. Every other method skips the challenge.
func WithChallengeMethods(methods ...string) Option {
	return func(cfg *config) {
		cfg.challengeMethods = methods
	}
}

// WithReceiptForwarding sends a payment receipt to the provider after each
// completed mandate.
func WithReceiptForwarding(enabled bool) Option {
	return func(cfg *config) {
		cfg.forwardReceipts = enabled
	}
}

// WithClock sets the time source for receipts.
func WithClock(clock func() time.Time) Option {
	return func(cfg *config) {
		cfg.clock = clock
	}
}

// Processor is the payment processor agent. It implements [ap2.Executor].
type Processor struct {
	peer Peer
	cfg  config
}

// New returns a Processor that retrieves credentials from peer.
func New(peer Peer, opts ...Option) *Processor {
	cfg := config{
		challengeMethods: []string{ap2.MethodCard},
		clock:            time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.verifier == nil {
		cfg.verifier = StaticChallenge(DefaultChallengeCode)
	}
	return &Processor{peer: peer, cfg: cfg}
}

// Operations lists the operation names the processor answers.
func (p *Processor) Operations() []string {
	return []string{OpInitiatePayment}
}

// Execute runs one step of mandate completion.
func (p *Processor) Execute(ctx context.Context, operation string, msg ap2.Message, current *ap2.Task, sink ap2.ResponseSink) error {
	if operation != OpInitiatePayment {
		return ap2.NewHTTPError(http.StatusNotFound, ap2.InvalidRequest, ap2.UnknownOperation, fmt.Sprintf("unknown operation %q", operation))
	}
	c := &completion{
		p:       p,
		sink:    sink,
		msg:     msg,
		current: current,
		state:   StateAwaitingMandate,
		logger:  p.cfg.logger.With(slog.String("context_id", msg.ContextID)),
	}
	return c.run(ctx)
}

// completion is one attempt at completing a mandate.
type completion struct {
	p       *Processor
	sink    ap2.ResponseSink
	msg     ap2.Message
	current *ap2.Task
	state   State
	logger  *slog.Logger
	mandate ap2.PaymentMandate
}

func (c *completion) run(ctx context.Context) error {
	found, err := c.findMandate()
	if err != nil {
		return err
	}
	if !found {
		return c.fail(ctx, ReasonMissingMandate)
	}
	method := c.mandate.Contents.PaymentResponse.MethodName
	c.logger = c.logger.With(
		slog.String("payment_mandate_id", c.mandate.Contents.PaymentMandateID),
		slog.String("method", method),
	)

	if slices.Contains(c.p.cfg.challengeMethods, method) {
		c.transition(StateAwaitingChallenge)
		passed, err := c.challenge(ctx)
		if err != nil || !passed {
			return err
		}
	}

	c.transition(StateAwaitingCredential)
	credential, reason, err := c.retrieveCredential(ctx)
	if err != nil {
		return err
	}
	if reason != "" {
		return c.fail(ctx, reason)
	}
	return c.complete(ctx, credential)
}

// findMandate reads the mandate from the message. A task suspended on a
// challenge keeps the mandate it challenged: a resume may repeat that mandate
// or omit it, but never swap in another one.
func (c *completion) findMandate() (bool, error) {
	if pending, ok, err := c.pendingMandate(); err != nil || ok {
		if err != nil {
			return false, err
		}
		var incoming ap2.PaymentMandate
		found, err := ap2.DecodeDataPart(ap2.PaymentMandateDataKey, c.msg.Parts, &incoming)
		if err != nil {
			return false, err
		}
		if found && incoming.Contents.PaymentMandateID != pending.Contents.PaymentMandateID {
			return false, ap2.NewInvalidRequestError(
				fmt.Sprintf("payment mandate %s does not match the pending challenge", incoming.Contents.PaymentMandateID),
				ap2.WithOffendingParam(ap2.PaymentMandateDataKey),
			)
		}
		c.mandate = pending
		return true, c.validateMandate(nil)
	}
	found, err := ap2.DecodeDataPart(ap2.PaymentMandateDataKey, c.msg.Parts, &c.mandate)
	if err != nil || found {
		return found, c.validateMandate(err)
	}
	return false, nil
}

// pendingMandate returns the mandate stored in the challenge of a task
// awaiting input.
func (c *completion) pendingMandate() (ap2.PaymentMandate, bool, error) {
	var m ap2.PaymentMandate
	if c.current == nil || c.current.Status.State != ap2.TaskStateInputRequired || c.current.Status.Message == nil {
		return m, false, nil
	}
	found, err := ap2.DecodeDataPart(ap2.PaymentMandateDataKey, c.current.Status.Message.Parts, &m)
	return m, found, err
}

func (c *completion) validateMandate(err error) error {
	if err != nil {
		return err
	}
	return ap2.Validate(&c.mandate)
}

// challenge reports whether the caller passed the challenge. A false result
// with a nil error means the task was suspended for input.
func (c *completion) challenge(ctx context.Context) (bool, error) {
	if c.current == nil || c.current.Status.State != ap2.TaskStateInputRequired {
		return false, c.requireInput(ctx, "Please enter the verification code sent to your device.", 1)
	}
	attempt := previousAttempt(c.current) + 1

	raw, ok := ap2.FindDataPart(ap2.ChallengeResponseKey, c.msg.Parts)
	if !ok {
		return false, c.requireInput(ctx, "A verification code is required to continue.", attempt)
	}
	var response string
	if err := json.Unmarshal(raw, &response); err != nil {
		response = string(raw)
	}
	passed, err := c.p.cfg.verifier.Verify(ctx, c.mandate, response)
	if err != nil {
		return false, fmt.Errorf("verify challenge: %w", err)
	}
	if !passed {
		c.logger.InfoContext(ctx, "challenge response rejected", slog.Int("attempt", attempt))
		return false, c.requireInput(ctx, "That code was incorrect. Please try again.", attempt)
	}
	return true, nil
}

func (c *completion) requireInput(ctx context.Context, text string, attempt int) error {
	msg, err := ap2.NewMessageBuilder().
		SetRole(ap2.RoleAgent).
		AddText(text).
		AddData(ap2.ChallengeDataKey, Challenge{Type: "otp", DisplayText: text, Attempt: attempt}).
		AddData(ap2.PaymentMandateDataKey, c.mandate).
		Build()
	if err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "awaiting challenge response", slog.Int("attempt", attempt))
	return c.sink.RequireInput(ctx, &msg)
}

func previousAttempt(task *ap2.Task) int {
	if task.Status.Message == nil {
		return 0
	}
	var ch Challenge
	if ok, err := ap2.DecodeDataPart(ap2.ChallengeDataKey, task.Status.Message.Parts, &ch); !ok || err != nil {
		return 0
	}
	return ch.Attempt
}

// retrieveCredential asks the provider for the mandate's credential. A
// non-empty reason means the attempt failed and must be reported as such.
func (c *completion) retrieveCredential(ctx context.Context) (json.RawMessage, string, error) {
	b := ap2.NewMessageBuilder().
		SetContextID(c.msg.ContextID).
		AddData(ap2.PaymentMandateDataKey, c.mandate)
	if risk, ok := ap2.FindDataPart(ap2.RiskDataKey, c.msg.Parts); ok {
		b.AddData(ap2.RiskDataKey, risk)
	}
	req, err := b.Build()
	if err != nil {
		return nil, "", err
	}

	task, err := c.p.peer.SendMessage(ctx, OpGetPaymentCredential, req)
	if err != nil {
		c.logger.ErrorContext(ctx, "credential request failed", slog.Any("error", err))
		var apiErr *ap2.Error
		if errors.As(err, &apiErr) && errors.Is(err, ap2.ErrInvalidCredential) {
			return nil, apiErr.Message, nil
		}
		return nil, fmt.Sprintf("failed to retrieve the payment credential: %v", err), nil
	}
	if task == nil {
		return nil, ReasonNoPaymentMethodData, nil
	}
	if task.Status.State == ap2.TaskStateFailed {
		reason := task.FailureReason()
		if reason == "" {
			reason = "credentials provider rejected the request"
		}
		return nil, reason, nil
	}

	data, err := ap2.FirstDataPart(task.Artifacts)
	if errors.Is(err, ap2.ErrEmptyArtifact) {
		c.logger.WarnContext(ctx, "credentials provider returned no payment method data",
			slog.Int("artifacts", len(task.Artifacts)),
			slog.String("provider_task_id", task.ID),
		)
		return nil, ReasonNoPaymentMethodData, nil
	}
	if err != nil {
		return nil, "", err
	}
	if cred, ok := data[ap2.PaymentMethodCredentialKey]; ok {
		if emptyPayload(cred) {
			c.logger.WarnContext(ctx, "credentials provider returned an empty payment method credential",
				slog.String("provider_task_id", task.ID),
			)
			return nil, ReasonNoPaymentMethodData, nil
		}
		return cred, "", nil
	}
	whole, err := json.Marshal(data)
	if err != nil {
		return nil, "", err
	}
	return whole, "", nil
}

// emptyPayload reports whether raw is absent, null or an empty object.
func emptyPayload(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return true
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal(raw, &obj) == nil && len(obj) == 0
}

func (c *completion) complete(ctx context.Context, credential json.RawMessage) error {
	if err := c.mandate.Contents.PaymentResponse.SetDetail(PaymentCredentialDetail, credential); err != nil {
		return err
	}
	part, err := ap2.NewDataPart(ap2.PaymentMandateDataKey, c.mandate)
	if err != nil {
		return err
	}
	if err := c.sink.AddArtifact(ctx, part); err != nil {
		return err
	}
	if c.p.cfg.forwardReceipts {
		c.forwardReceipt(ctx, credential)
	}
	c.transition(StateCompleted)
	return c.sink.Complete(ctx, ap2.AgentMessage("Payment processed successfully."))
}

func (c *completion) forwardReceipt(ctx context.Context, credential json.RawMessage) {
	var cred ap2.PaymentMethodCredential
	if err := json.Unmarshal(credential, &cred); err != nil {
		c.logger.WarnContext(ctx, "forwarding receipt without plan", slog.Any("error", err))
	}
	receipt := ap2.PaymentReceipt{
		PaymentMandateID: c.mandate.Contents.PaymentMandateID,
		PaymentID:        uuid.NewString(),
		Timestamp:        c.p.cfg.clock().UTC(),
		Amount:           c.mandate.Contents.PaymentDetailsTotal.Amount,
		PlanID:           cred.PlanID,
		Status:           ap2.PaymentStatusSuccess,
	}
	msg, err := ap2.NewMessageBuilder().
		SetContextID(c.msg.ContextID).
		AddData(ap2.PaymentReceiptDataKey, receipt).
		Build()
	if err != nil {
		c.logger.WarnContext(ctx, "receipt forwarding failed", slog.Any("error", err))
		return
	}
	task, err := c.p.peer.SendMessage(ctx, OpPaymentReceipt, msg)
	if err != nil {
		c.logger.WarnContext(ctx, "receipt forwarding failed", slog.Any("error", err))
		return
	}
	if err := receiptOutcome(task); err != nil {
		if errors.Is(err, ap2.ErrSettlement) {
			c.logger.WarnContext(ctx, "receipt settlement failed", slog.String("payment_id", receipt.PaymentID), slog.Any("error", err))
		} else {
			c.logger.WarnContext(ctx, "receipt rejected", slog.String("payment_id", receipt.PaymentID), slog.Any("error", err))
		}
		return
	}
	c.logger.InfoContext(ctx, "receipt forwarded", slog.String("payment_id", receipt.PaymentID))
}

// receiptOutcome reports what the provider did with a forwarded receipt.
func receiptOutcome(task *ap2.Task) error {
	if task == nil {
		return nil
	}
	if task.Status.State == ap2.TaskStateFailed {
		reason := task.FailureReason()
		if reason == "" {
			reason = "credentials provider rejected the receipt"
		}
		return errors.New(reason)
	}
	raw, ok := ap2.FindArtifactData(ap2.SettlementErrorDataKey, task.Artifacts)
	if !ok {
		return nil
	}
	var failure ap2.SettlementFailure
	if err := json.Unmarshal(raw, &failure); err != nil {
		return fmt.Errorf("decode settlement failure: %w", err)
	}
	return failure.Err()
}

func (c *completion) fail(ctx context.Context, reason string) error {
	c.transition(StateFailed)
	c.logger.InfoContext(ctx, "mandate completion failed", slog.String("reason", reason))
	return c.sink.Fail(ctx, ap2.AgentMessage(reason))
}

func (c *completion) transition(next State) {
	c.logger.Debug("mandate state", slog.String("from", string(c.state)), slog.String("to", string(next)))
	c.state = next
}
