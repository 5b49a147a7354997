// Package pkce implements the RFC 7636 Proof Key for Code Exchange codes
// used by the authorization-code login flow, plus the opaque state blob
// that carries the verifier through the provider redirect.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/nghyane/antigravity-pool/internal/json"
)

// Codes pairs a code verifier with its S256 challenge.
type Codes struct {
	Verifier  string
	Challenge string
}

// Generate creates a fresh verifier/challenge pair.
func Generate() (*Codes, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate code verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	return &Codes{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}

type statePayload struct {
	Verifier  string `json:"verifier"`
	ProjectID string `json:"projectId"`
}

// EncodeState packs the verifier and an optional project ID into the OAuth
// state parameter, so the callback can complete the exchange statelessly.
func EncodeState(verifier, projectID string) (string, error) {
	raw, err := json.Marshal(statePayload{Verifier: verifier, ProjectID: projectID})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeState unpacks a state parameter produced by EncodeState.
func DecodeState(state string) (verifier, projectID string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return "", "", fmt.Errorf("decode state: %w", err)
	}
	var p statePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", "", fmt.Errorf("parse state: %w", err)
	}
	if p.Verifier == "" {
		return "", "", fmt.Errorf("state missing verifier")
	}
	return p.Verifier, p.ProjectID, nil
}
