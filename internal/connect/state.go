package connect

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
)

// AuthState is the context round-tripped through the provider's opaque
// state parameter. It is the only way the callback learns which tenant
// and staff member the exchange belongs to, so it must be unforgeable.
type AuthState struct {
	TenantID string `json:"tenant_id"`
	StaffID  string `json:"staff_id"`
}

// StateSigner signs and verifies AuthState values with HMAC-SHA256.
// The wire form is base64url(payload) + "." + base64url(mac).
type StateSigner struct {
	secret []byte
}

// NewStateSigner creates a signer from the server-held secret.
func NewStateSigner(secret []byte) *StateSigner {
	return &StateSigner{secret: secret}
}

// Sign serializes and signs the state for transport.
func (s *StateSigner) Sign(st AuthState) string {
	payload, err := json.Marshal(st)
	if err != nil {
		// AuthState is two strings; marshalling cannot fail.
		panic("marshalling auth state: " + err.Error())
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)

	return encoded + "." + s.mac(encoded)
}

// Verify checks the signature and decodes the state. Any missing,
// malformed, or tampered value yields ErrInvalidState.
func (s *StateSigner) Verify(raw string) (*AuthState, error) {
	encoded, sig, ok := strings.Cut(raw, ".")
	if !ok || encoded == "" || sig == "" {
		return nil, ErrInvalidState
	}

	if !hmac.Equal([]byte(s.mac(encoded)), []byte(sig)) {
		return nil, ErrInvalidState
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidState
	}

	st := &AuthState{}
	if err := json.Unmarshal(payload, st); err != nil {
		return nil, ErrInvalidState
	}

	if st.TenantID == "" || st.StaffID == "" {
		return nil, ErrInvalidState
	}

	return st, nil
}

func (s *StateSigner) mac(encoded string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(encoded))

	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
