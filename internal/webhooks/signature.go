package webhooks

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// SecretPrefix marks generated webhook signing secrets.
const SecretPrefix = "whsec_"

// Canonicalize encodes v as JSON with object keys sorted at every depth, no HTML
// escaping and no trailing newline. Numbers keep their original textual form.
func Canonicalize(v any) ([]byte, error) {
	raw, err := encodeJSON(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	// maps encode with sorted keys, so a second pass through the generic form is canonical
	return encodeJSON(generic)
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign canonicalizes payload and returns the lowercase hex HMAC-SHA256 under secret.
func Sign(payload any, secret string) (string, error) {
	body, err := Canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	return SignBytes(body, secret), nil
}

// SignBytes returns lowercase hex of HMAC-SHA256 for use in headers
func SignBytes(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature of payload and compares it in constant time.
func Verify(payload any, signature, secret string) bool {
	body, err := Canonicalize(payload)
	if err != nil {
		return false
	}
	return VerifyBytes(body, signature, secret)
}

// VerifyBytes checks an HMAC-SHA256 signature over the raw body using the shared secret.
func VerifyBytes(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), provided)
}

// GenerateSecret returns a fresh signing secret. It is shown to the owner once.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return SecretPrefix + hex.EncodeToString(b), nil
}
