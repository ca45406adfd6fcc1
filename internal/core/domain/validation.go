package domain

import (
	"net"
	"regexp"
	"strings"
)

// Validation Helpers

var macRegex = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}([0-9A-Fa-f]{2})$`)

// IsValidMAC checks if the string is a valid MAC address.
func IsValidMAC(mac string) bool {
	return macRegex.MatchString(mac)
}

// NormalizeMAC lowercases a MAC and converts dash separators to colons.
func NormalizeMAC(mac string) string {
	return strings.ToLower(strings.ReplaceAll(mac, "-", ":"))
}

// IsValidIPv4 checks if the string is a parseable IPv4 address.
func IsValidIPv4(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.To4() != nil
}

// IsValidPort checks if the port is in the usable TCP/UDP range.
func IsValidPort(port int) bool {
	return port > 0 && port <= 65535
}
