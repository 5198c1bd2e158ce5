package flows

import (
	"net/mail"
	"strings"
)

const maxEmailLen = 254

// ValidEmail reports whether email, already normalized, is a bare address
// with a local part and a domain.
func ValidEmail(email string) bool {
	if email == "" || len(email) > maxEmailLen {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return false
	}
	at := strings.LastIndexByte(email, '@')
	return at > 0 && at < len(email)-1
}
