package driven

import "github.com/ericfisherdev/impactescrow/internal/domain/condition"

// SecretVault generates fulfillment secrets and protects them at rest.
// Implementations never log or persist plaintext.
type SecretVault interface {
	// GenerateSecret returns a fresh random fulfillment and its condition.
	GenerateSecret() (condition.Fulfillment, condition.Condition, error)

	// Encrypt seals a fulfillment into an opaque, versioned record.
	Encrypt(f condition.Fulfillment) (string, error)

	// Decrypt opens a record produced by Encrypt. Any failure is reported as
	// model.ErrDecryptionFailed and no partial data is returned.
	Decrypt(record string) (condition.Fulfillment, error)
}
