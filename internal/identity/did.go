package identity

import (
	"crypto/ed25519"
	"strings"
)

const didKeyPrefix = "did:key:"

// DIDForPublicKey derives the did:key identifier for an ed25519 public key:
// multicodec 0xed01 prefix, base58btc, leading "z" multibase marker.
func DIDForPublicKey(pub ed25519.PublicKey) string {
	prefixed := make([]byte, 0, len(pub)+2)
	prefixed = append(prefixed, 0xed, 0x01)
	prefixed = append(prefixed, pub...)
	return didKeyPrefix + "z" + base58Encode(prefixed)
}

// Canonical normalizes the two DID forms the gateway emits, "did:key:X" and
// the degenerate "didX", to the former. Unrecognized values pass through
// trimmed.
func Canonical(did string) string {
	trimmed := strings.TrimSpace(did)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, didKeyPrefix) {
		return trimmed
	}
	if strings.HasPrefix(trimmed, "did") && !strings.Contains(trimmed, ":") {
		return didKeyPrefix + trimmed[len("did"):]
	}
	return trimmed
}

// SameDID reports whether two DIDs refer to the same key after
// canonicalization. FormatMismatch additionally reports whether the raw
// strings differed, so callers can log the inconsistency once at the boundary.
func SameDID(a, b string) bool {
	ca, cb := Canonical(a), Canonical(b)
	if ca == "" || cb == "" {
		return false
	}
	return ca == cb
}

// FormatMismatch reports whether a and b name the same key but in different
// textual forms.
func FormatMismatch(a, b string) bool {
	return SameDID(a, b) && strings.TrimSpace(a) != strings.TrimSpace(b)
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func base58Encode(input []byte) string {
	if len(input) == 0 {
		return ""
	}
	zeros := 0
	for zeros < len(input) && input[zeros] == 0 {
		zeros++
	}
	digits := make([]byte, 0, len(input)*2)
	for _, b := range input[zeros:] {
		carry := int(b)
		for i := 0; i < len(digits); i++ {
			carry += int(digits[i]) << 8
			digits[i] = byte(carry % 58)
			carry /= 58
		}
		for carry > 0 {
			digits = append(digits, byte(carry%58))
			carry /= 58
		}
	}
	var builder strings.Builder
	builder.Grow(zeros + len(digits))
	for i := 0; i < zeros; i++ {
		builder.WriteByte('1')
	}
	for i := len(digits) - 1; i >= 0; i-- {
		builder.WriteByte(base58Alphabet[digits[i]])
	}
	return builder.String()
}
