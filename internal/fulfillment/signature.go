package fulfillment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/joao-fontenele/orderflow-connect/internal/domain"
)

const SignatureHeader = "X-Signature"

// ShouldVerify reports whether a callback can be checked at all. The provider only
// signs callbacks for accounts with a configured secret; anything else is trusted.
func ShouldVerify(header, secret string) bool {
	return header != "" && secret != ""
}

// Verify checks a hex HMAC-SHA256 of the raw body.
func Verify(payload []byte, header, secret string) error {
	got, err := hex.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return fmt.Errorf("%w: malformed signature", domain.ErrInvalidSignature)
	}
	if !hmac.Equal(got, Sign(payload, secret)) {
		return fmt.Errorf("%w: signature mismatch", domain.ErrInvalidSignature)
	}
	return nil
}

func Sign(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}
