package threat

import (
	"fmt"
	"net/netip"
)

// SentinelAddress is reported by the detector when it could not attribute a source.
const SentinelAddress = "0.0.0.0"

// ValidationError explains why a record was dropped.
type ValidationError struct {
	FlowID string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("record %q: %s: %q", e.FlowID, e.Reason, e.Value)
}

// ValidateAddress accepts only plain IPv4 dotted quads other than the sentinel.
// Octets with leading zeros are rejected: inet_aton based tools read them as
// octal, so "010.0.0.5" would reach a different host than the feed meant.
func ValidateAddress(s string) error {
	if s == SentinelAddress {
		return &ValidationError{Value: s, Reason: "sentinel address"}
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return &ValidationError{Value: s, Reason: "not an IPv4 dotted quad"}
	}
	if !addr.Is4() {
		return &ValidationError{Value: s, Reason: "not an IPv4 address"}
	}
	return nil
}
