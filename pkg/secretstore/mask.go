package secretstore

import "strings"

// Mask renders a display-safe version of value, never the value itself.
// Rules are ported from encrypt_credential/mask_credential/mask_api_key in
// original_source/.../encryption_service.py:
//   - api keys: first 8 and last 4 characters, "****" if too short to split
//   - usernames: first two characters, asterisks for the rest
//   - passwords and TOTP secrets: a fixed-width run of asterisks, no length leak
func Mask(value string, kind Kind) string {
	if value == "" {
		return ""
	}

	switch kind {
	case KindAPIKey:
		if len(value) > 12 {
			return value[:8] + "..." + value[len(value)-4:]
		}
		return "****"
	case KindUsername:
		if len(value) > 4 {
			return value[:2] + strings.Repeat("*", len(value)-2)
		}
		return strings.Repeat("*", len(value))
	default:
		return "********"
	}
}
