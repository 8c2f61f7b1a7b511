package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ValidateSignature checks the HMAC-SHA256 signature from
// X-Hub-Signature-256 against the request body using the shared secret.
// The header value carries a "sha256=" prefix.
func ValidateSignature(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}

	hexDigest, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(hexDigest))
}
