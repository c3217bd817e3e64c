package payments

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// canonicalEvent fixes the field order of the signed payload. Metadata
// keys are emitted sorted by encoding/json.
type canonicalEvent struct {
	OrderID       string                 `json:"order_id"`
	Status        string                 `json:"status"`
	Amount        float64                `json:"amount"`
	TransactionID string                 `json:"transaction_id"`
	PaymentMethod string                 `json:"payment_method"`
	Metadata      map[string]interface{} `json:"metadata"`
}

// Canonical returns the bytes an event signature is computed over: compact
// JSON with the fields in canonicalEvent order, metadata keys sorted, and
// <, > and & left unescaped. Numbers use the shortest representation that
// parses back to the same float64, as encoding/json writes them: 10 rather
// than 10.0, 18.5, and exponent form only below 1e-6 or from 1e21 up.
// Providers must sign the same bytes.
func Canonical(e Event) ([]byte, error) {
	md := e.Metadata
	if md == nil {
		md = map[string]interface{}{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(canonicalEvent{
		OrderID:       string(e.OrderID),
		Status:        e.Status,
		Amount:        e.Amount,
		TransactionID: e.TransactionID,
		PaymentMethod: e.PaymentMethod,
		Metadata:      md,
	}); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Signer signs and verifies payment events with a shared secret.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the hex HMAC-SHA256 of the canonical event.
func (s *Signer) Sign(e Event) (string, error) {
	payload, err := Canonical(e)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks e.Signature, which may carry a "sha256=" prefix.
func (s *Signer) Verify(e Event) error {
	if len(s.secret) == 0 {
		return &AuthenticationError{Reason: "no webhook secret configured"}
	}
	sig := strings.TrimPrefix(strings.TrimSpace(e.Signature), "sha256=")
	if sig == "" {
		return &AuthenticationError{Reason: "missing signature"}
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return &AuthenticationError{Reason: "signature is not hex"}
	}
	payload, err := Canonical(e)
	if err != nil {
		return &AuthenticationError{Reason: "payload cannot be canonicalized"}
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return &AuthenticationError{Reason: "signature mismatch"}
	}
	return nil
}
