package identity

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"regexp"

	"github.com/hearth-chat/hearth/internal/crypto"
	"github.com/mr-tron/base58"
)

const (
	tokenEntropy  = 16
	tokenChecksum = 4
)

var tokenRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)

// NewSessionToken creates a player session token: base58(random + checksum),
// where the checksum is the first four bytes of sha256(random). The token is
// the value of the player session cookie and the handle the client later
// presents in an authenticate frame.
func NewSessionToken() (string, error) {
	random, err := crypto.RandomBytes(tokenEntropy)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(random)
	payload := make([]byte, 0, tokenEntropy+tokenChecksum)
	payload = append(payload, random...)
	payload = append(payload, hash[:tokenChecksum]...)
	return base58.Encode(payload), nil
}

// ValidateSessionToken reports whether token was produced by NewSessionToken.
// It catches truncated or hand-edited cookies before they reach storage.
func ValidateSessionToken(token string) error {
	if !tokenRegex.MatchString(token) {
		return fmt.Errorf("invalid session token format: %q", token)
	}
	decoded, err := base58.Decode(token)
	if err != nil {
		return fmt.Errorf("invalid base58 in session token: %w", err)
	}
	if len(decoded) != tokenEntropy+tokenChecksum {
		return fmt.Errorf("invalid session token length: expected %d, got %d", tokenEntropy+tokenChecksum, len(decoded))
	}
	hash := sha256.Sum256(decoded[:tokenEntropy])
	if !bytes.Equal(decoded[tokenEntropy:], hash[:tokenChecksum]) {
		return errors.New("session token checksum mismatch")
	}
	return nil
}
