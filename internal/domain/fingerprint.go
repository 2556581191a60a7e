package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

type callFingerprintInput struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// CallFingerprint derives the deterministic cache key material for one
// logical call: the tool's qualified name plus its arguments in a stable
// byte representation. encoding/json sorts map keys, so argument sets
// that differ only in construction order hash identically.
func CallFingerprint(qualifiedName string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	input := callFingerprintInput{
		Tool: qualifiedName,
		Args: args,
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal call fingerprint: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
