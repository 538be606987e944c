// Package ap2 implements the agent-to-agent payment protocol spoken between a
// purchasing agent, a merchant payment processor and a credentials provider.
// It holds the wire models, the error taxonomy and the net/http transport;
// the components themselves live in subpackages.
//
// # Agents
//
// Wrap an [Executor] with [NewAgentHandler] to serve its operations at
// POST {prefix}/operations/{operation}. Each request carries a [Message] of
// keyed data parts and yields a [Task] that either completed with artifacts,
// failed with a single reason, or is waiting for input. Options such as
// [WithAuthenticator], [WithSignatureVerifier] and [WithRateLimit] guard the
// endpoint. [Client] is the calling side and signs request bodies with the
// same canonical JSON scheme the handler verifies.
//
// # Components
//
//   - account: read-mostly ledger of borrower profiles.
//   - token: single-bind credential tokens tying a payment method to a mandate.
//   - quote: installment (buy-now-pay-later) plan quoting.
//   - provider: the credentials provider's request handlers.
//   - settlement: client for the external on-chain settlement API.
//   - processor: the payment processor's mandate completion state machine.
package ap2
