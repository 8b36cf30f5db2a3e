package logging

// visiblePrefix is how much of a token survives masking
const visiblePrefix = 8

// MaskToken returns a log-safe form of a bearer token.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= visiblePrefix {
		return "***"
	}
	return token[:visiblePrefix] + "..."
}
