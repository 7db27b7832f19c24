package external

import (
	stripe "github.com/stripe/stripe-go/v82"
)

// WebhookVerifier authenticates inbound processor webhook deliveries.
type WebhookVerifier interface {
	Verify(payload []byte, signatureHeader string, secret string) error
}

// ProcessorVerifier implements WebhookVerifier using stripe-go's payload
// validation, which checks the HMAC-SHA256 signature and the timestamp
// tolerance window.
type ProcessorVerifier struct{}

// Verify validates the raw webhook body against the signature header and
// signing secret.
func (v *ProcessorVerifier) Verify(payload []byte, signatureHeader string, secret string) error {
	return stripe.ValidatePayload(payload, signatureHeader, secret)
}

var _ WebhookVerifier = (*ProcessorVerifier)(nil)
