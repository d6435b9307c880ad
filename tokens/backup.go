package tokens

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// backupAlphabet omits characters that are easy to misread.
const backupAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const backupCodeLen = 10

// GenerateBackupCodes returns n one-time recovery codes formatted XXXXX-XXXXX.
func GenerateBackupCodes(n int) ([]string, error) {
	if n <= 0 {
		return nil, errors.New("tokens: backup code count must be positive")
	}
	codes := make([]string, n)
	buf := make([]byte, backupCodeLen)
	for i := range codes {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("tokens: read random: %w", err)
		}
		var b strings.Builder
		for j, c := range buf {
			if j == backupCodeLen/2 {
				b.WriteByte('-')
			}
			b.WriteByte(backupAlphabet[int(c)%len(backupAlphabet)])
		}
		codes[i] = b.String()
	}
	return codes, nil
}

func normalizeBackupCode(code string) string {
	code = strings.ToUpper(code)
	return strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' {
			return -1
		}
		return r
	}, code)
}

// HashBackupCode returns a salted bcrypt hash of code.
func HashBackupCode(code string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(normalizeBackupCode(code)), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("tokens: hash backup code: %w", err)
	}
	return string(h), nil
}

// VerifyBackupCode reports whether code matches hash. Formatting differences
// (case, dashes, spaces) are ignored.
func VerifyBackupCode(hash, code string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(normalizeBackupCode(code))) == nil
}
