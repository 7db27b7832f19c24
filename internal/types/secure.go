package types

import "log/slog"

// redactedPlaceholder replaces secret values in logs and serialization.
const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString wraps credentials that flow through billing configuration:
// the processor API key, the webhook signing secret, and the database URL.
// It overrides String(), MarshalJSON(), and LogValue() so a config dump, an
// API response, or a structured log line can never carry the raw value.
//
// Unmask() reveals the plaintext and is called only at the point the secret
// is spent: setting the processor Authorization header, verifying a webhook
// signature, or parsing the pool DSN.
type SecretString string

// String returns a redacted placeholder instead of the raw value.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// LogValue keeps slog attributes redacted even when the secret is passed
// as a value rather than through the Stringer path.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redactedPlaceholder)
}

// IsSet reports whether a secret was configured at all, without exposing it.
func (s SecretString) IsSet() bool {
	return s != ""
}

// Unmask returns the raw plaintext value of the secret.
func (s SecretString) Unmask() string {
	return string(s)
}
