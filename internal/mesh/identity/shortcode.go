package identity

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
)

// shortCodeAlphabet avoids 0/O and 1/I confusion.
const shortCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ23456789"

const shortCodeLen = 16

// ShortCode derives the 16-character human-readable code for a token:
// SHA-256 over the encoded token truncated to 12 bytes, rendered in the
// A-Z 2-9 alphabet and grouped XXXX-XXXX-XXXX-XXXX. Codes are lookup keys
// for a vend service, not tokens themselves.
func ShortCode(tok *InviteToken) (string, error) {
	b, err := common.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("short code: %w", err)
	}
	return ShortCodeFromBytes(b), nil
}

// ShortCodeFromBytes derives the code from already-encoded token bytes.
func ShortCodeFromBytes(tokenBytes []byte) string {
	sum := sha256.Sum256(tokenBytes)
	n := new(big.Int).SetBytes(sum[:12])
	base := big.NewInt(int64(len(shortCodeAlphabet)))
	digits := make([]byte, shortCodeLen)
	rem := new(big.Int)
	for i := shortCodeLen - 1; i >= 0; i-- {
		n.DivMod(n, base, rem)
		digits[i] = shortCodeAlphabet[rem.Int64()]
	}
	var sb strings.Builder
	for i, d := range digits {
		if i > 0 && i%4 == 0 {
			sb.WriteByte('-')
		}
		sb.WriteByte(d)
	}
	return sb.String()
}

// NormalizeShortCode canonicalizes user input: uppercase, dashes and
// whitespace stripped, then regrouped.
func NormalizeShortCode(s string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '-' || r == ' ':
			return -1
		default:
			return r
		}
	}, strings.ToUpper(strings.TrimSpace(s)))
	if len(cleaned) != shortCodeLen {
		return "", common.Ef(common.KindBadRequest, "short code", "want %d characters, got %d", shortCodeLen, len(cleaned))
	}
	for _, r := range cleaned {
		if !strings.ContainsRune(shortCodeAlphabet, r) {
			return "", common.Ef(common.KindBadRequest, "short code", "invalid character %q", r)
		}
	}
	var sb strings.Builder
	for i := 0; i < shortCodeLen; i += 4 {
		if i > 0 {
			sb.WriteByte('-')
		}
		sb.WriteString(cleaned[i : i+4])
	}
	return sb.String(), nil
}

// LooksLikeShortCode reports whether user input is plausibly a short code
// rather than a full base64 token.
func LooksLikeShortCode(s string) bool {
	_, err := NormalizeShortCode(s)
	return err == nil
}
