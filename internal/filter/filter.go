// Package filter provides helpers for applying wildcard rules to hostnames.
package filter

import (
	"strings"

	"github.com/IGLOU-EU/go-wildcard"
)

// MatchWildcards checks if host matches any of the specified wildcards.  The
// check is case-insensitive and ignores the trailing dot of an FQDN.
func MatchWildcards(host string, wildcards []string) (ok bool) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, w := range wildcards {
		if wildcard.MatchSimple(strings.ToLower(w), host) {
			return true
		}
	}

	return false
}
