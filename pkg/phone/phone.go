package phone

import "strings"

// DefaultSuffix is the network domain appended to bare phone numbers.
const DefaultSuffix = "@c.us"

// Normalize converts an operator-supplied destination into the network's
// address format: digits only, domain suffix appended when absent.
// Addresses that already carry a suffix are passed through untouched so
// group addresses keep their own domain.
func Normalize(address string) string {
	if strings.ContainsRune(address, '@') {
		return address
	}
	var b strings.Builder
	for _, r := range address {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String() + DefaultSuffix
}

// IsValid reports whether a normalized address has a non-empty local part.
func IsValid(address string) bool {
	i := strings.IndexByte(address, '@')
	return i > 0
}
