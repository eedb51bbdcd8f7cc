package utils

import (
	"net"
	"strings"
)

// ValidateIP checks that the value parses as an IPv4 or IPv6 address.
func ValidateIP(ip string) error {
	if strings.TrimSpace(ip) == "" {
		return ErrEmptyIP
	}
	if net.ParseIP(ip) == nil {
		return ErrInvalidIP
	}
	return nil
}

// ValidateUserID checks that a caller-supplied user identifier is non-empty.
// Existence is the identity collaborator's concern, not ours.
func ValidateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrEmptyUserID
	}
	return nil
}
