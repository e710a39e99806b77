// Package idgen generates short hash-based ids for jot records.
package idgen

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// base36Alphabet is the character set for base36 encoding (0-9, a-z).
const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Well-known id prefixes. Entities use the workspace prefix from metadata;
// everything else uses a fixed kind prefix so ids stay recognizable in logs.
const (
	PrefixProject = "proj"
	PrefixEpic    = "epic"
	PrefixReview  = "rev"
	PrefixUser    = "u"
)

// EncodeBase36 converts a byte slice to a base36 string of the given length.
func EncodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)

	var result strings.Builder
	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	// Build the string in reverse
	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}
	for i := len(chars) - 1; i >= 0; i-- {
		result.WriteByte(chars[i])
	}

	str := result.String()
	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}
	// Keep least significant digits when over length
	if len(str) > length {
		str = str[len(str)-length:]
	}
	return str
}

// New creates a hash-based id of the form "prefix-xxxx" from the record
// content and creation time. The nonce disambiguates hash collisions: callers
// that hit an existing id retry with nonce+1.
func New(prefix, content string, timestamp time.Time, length, nonce int) string {
	seed := fmt.Sprintf("%s|%d|%d", content, timestamp.UnixNano(), nonce)
	hash := sha256.Sum256([]byte(seed))

	// Bytes of entropy needed for the desired base36 width
	var numBytes int
	switch length {
	case 3:
		numBytes = 2
	case 4:
		numBytes = 3
	case 5, 6:
		numBytes = 4
	case 7, 8:
		numBytes = 5
	default:
		numBytes = 3
	}

	return fmt.Sprintf("%s-%s", prefix, EncodeBase36(hash[:numBytes], length))
}

// AdaptiveLength picks an id width that keeps collision retries rare for the
// current record count.
func AdaptiveLength(count int) int {
	switch {
	case count < 1000:
		return 4
	case count < 30000:
		return 5
	case count < 500000:
		return 6
	default:
		return 7
	}
}
