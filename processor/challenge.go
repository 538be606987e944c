package processor

import (
	"context"
	"crypto/subtle"

	"github.com/sohocredit/ap2"
)

// DefaultChallengeCode is the code StaticChallenge expects when none is
// configured.
const DefaultChallengeCode = "123"

// ChallengeVerifier checks a challenge response submitted for a mandate.
type ChallengeVerifier interface {
	Verify(ctx context.Context, mandate ap2.PaymentMandate, response string) (bool, error)
}

// ChallengeVerifierFunc lifts bare functions into [ChallengeVerifier].
type ChallengeVerifierFunc func(ctx context.Context, mandate ap2.PaymentMandate, response string) (bool, error)

// Verify delegates to the wrapped function.
func (f ChallengeVerifierFunc) Verify(ctx context.Context, mandate ap2.PaymentMandate, response string) (bool, error) {
	return f(ctx, mandate, response)
}

// StaticChallenge accepts a single fixed code.
type StaticChallenge string

// Verify compares response with the code in constant time.
func (c StaticChallenge) Verify(_ context.Context, _ ap2.PaymentMandate, response string) (bool, error) {
	return subtle.ConstantTimeCompare([]byte(c), []byte(response)) == 1, nil
}

// Challenge is the data part sent with a require-input signal.
type Challenge struct {
	Type        string `json:"type"`
	DisplayText string `json:"display_text"`
	Attempt     int    `json:"attempt"`
}
