package custody

import "context"

// ICustodyService is the narrow view of a remote key custody service (a KMS)
// used by the signer. Private key material never leaves the service.
type ICustodyService interface {
	// GetPublicKey returns the DER encoded SubjectPublicKeyInfo for keyId.
	// An empty result means the service returned no key material.
	GetPublicKey(ctx context.Context, keyId string) ([]byte, error)

	// Sign requests a deterministic ECDSA secp256k1 signature over a 32 byte
	// digest and returns the DER encoded ECDSA-Sig-Value. An empty result means
	// the service returned no signature.
	Sign(ctx context.Context, keyId string, digest []byte) ([]byte, error)
}
