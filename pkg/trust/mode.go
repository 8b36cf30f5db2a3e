package trust

import "strings"

// Mode is the TLS trust policy of an outbound client
type Mode int

const (
	// ModeStandard trusts the platform certificate store.
	ModeStandard Mode = iota
	// ModeInsecureSkipVerify accepts any server certificate.
	ModeInsecureSkipVerify
	// ModeCustomCA trusts the platform store and an operator-supplied CA.
	ModeCustomCA
)

// String returns the mode name used in logs and metrics
func (m Mode) String() string {
	switch m {
	case ModeInsecureSkipVerify:
		return "insecure"
	case ModeCustomCA:
		return "custom_ca"
	default:
		return "standard"
	}
}

// SelectMode resolves the effective mode. Skipping verification wins over a
// configured CA, which wins over the platform default.
func SelectMode(insecureSkipVerify bool, caPEM string) Mode {
	switch {
	case insecureSkipVerify:
		return ModeInsecureSkipVerify
	case strings.TrimSpace(caPEM) != "":
		return ModeCustomCA
	default:
		return ModeStandard
	}
}
