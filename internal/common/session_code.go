package common

import (
	"crypto/rand"
	"fmt"
	"time"
)

const sessionCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewSessionCode returns a human-facing code of the form MRI-YYYYMMDD-XXXX.
func NewSessionCode(now time.Time) (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("session code entropy: %w", err)
	}
	suffix := make([]byte, len(b))
	for i, v := range b {
		suffix[i] = sessionCodeAlphabet[int(v)%len(sessionCodeAlphabet)]
	}
	return fmt.Sprintf("MRI-%s-%s", now.UTC().Format("20060102"), suffix), nil
}
