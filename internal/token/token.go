// Package token implements the QR attendance token and its fingerprint
// codec. The fingerprint is a plain SHA-256 content hash over the token's
// signed fields, not a keyed MAC: anyone who can read the three plaintext
// fields can recompute it. Integrity against accidental mutation is all it
// provides; presenting a copy of someone else's valid code is not prevented.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// TTL is the validity window communicated at issuance and enforced at
// validation time by re-deriving elapsed time from IssuedAt.
const TTL = 600 * time.Second

// ErrInvalidInput signals malformed token fields at the codec layer.
var ErrInvalidInput = errors.New("invalid token input")

// Token is the ephemeral attendance credential carried inside a QR code.
// Field names are the wire contract; clients round-trip the JSON verbatim.
type Token struct {
	StudentID   int    `json:"studentId"`
	SessionID   int    `json:"sessionId"`
	IssuedAt    string `json:"issuedAt"`
	Fingerprint string `json:"fingerprint"`
}

// Compute returns the lowercase hex SHA-256 fingerprint binding
// (studentID, sessionID, issuedAt). Deterministic; fails only on
// malformed input.
func Compute(studentID, sessionID int, issuedAt string) (string, error) {
	if studentID <= 0 || sessionID <= 0 {
		return "", fmt.Errorf("%w: ids must be positive", ErrInvalidInput)
	}
	if _, err := time.Parse(time.RFC3339, issuedAt); err != nil {
		return "", fmt.Errorf("%w: issuedAt not RFC3339: %v", ErrInvalidInput, err)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d:%s", studentID, sessionID, issuedAt)))
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the fingerprint and compares by exact string equality
// (case-sensitive hex). Returns ErrInvalidInput when the fields themselves
// are malformed.
func Verify(studentID, sessionID int, issuedAt, fingerprint string) (bool, error) {
	want, err := Compute(studentID, sessionID, issuedAt)
	if err != nil {
		return false, err
	}
	return want == fingerprint, nil
}
