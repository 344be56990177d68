package crypto

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/helm-pay/pkg/canonicalize"
)

// SignatureField is never part of the signed bytes.
const SignatureField = "signature"

// CanonicalPayload renders v in its signing form: RFC 8785 canonical JSON with
// the top-level "signature" member removed. Signer and verifier must both go
// through this function or signatures stop verifying.
func CanonicalPayload(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical payload: marshal failed: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical payload: decode failed: %w", err)
	}
	if obj, ok := generic.(map[string]any); ok {
		delete(obj, SignatureField)
	}

	return canonicalize.JCS(generic)
}
