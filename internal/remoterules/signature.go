package remoterules

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrSignature wraps every ruleset signature failure.
var ErrSignature = errors.New("remoterules: signature verification failed")

// VerifySignature checks the detached ed25519 signature stored under the
// configured field. The signed payload is the canonical JSON of the ruleset
// without that field.
func VerifySignature(ruleset map[string]any, cfg SignatureSettings) error {
	if !cfg.Enabled {
		return nil
	}
	if algo := strings.ToLower(cfg.algo()); algo != algoEd25519 {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrSignature, cfg.Algo)
	}
	if strings.TrimSpace(cfg.PublicKeyBase64) == "" {
		return fmt.Errorf("%w: public key is not configured", ErrSignature)
	}
	pub, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cfg.PublicKeyBase64))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: invalid public key", ErrSignature)
	}

	field := cfg.field()
	raw, ok := ruleset[field].(string)
	if !ok || raw == "" {
		return fmt.Errorf("%w: missing %q field", ErrSignature, field)
	}
	sig, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: malformed signature", ErrSignature)
	}

	payload := make(map[string]any, len(ruleset))
	for k, v := range ruleset {
		if k != field {
			payload[k] = v
		}
	}
	msg, err := Canonicalize(payload)
	if err != nil {
		return fmt.Errorf("%w: canonicalize: %v", ErrSignature, err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		return fmt.Errorf("%w: signature mismatch", ErrSignature)
	}
	return nil
}
