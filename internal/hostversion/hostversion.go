// Package hostversion implements the gateway-side host version
// compatibility check used during session discovery: a discovered
// host is usable if its reported version exactly matches the
// gateway's expected version, or is at least the minimum compatible
// version.
package hostversion

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Current is the version mthost reports in its Info response.
const Current = "1.4.0"

// MinCompatible is the oldest mthost version a gateway will still
// register instead of killing during discovery.
const MinCompatible = "1.2.0"

// Compatible reports whether a host advertising the given version
// string should be accepted by a gateway expecting `expected`: either
// an exact match, or at least minCompatible under semver ordering.
func Compatible(reported, expected, minCompatible string) (bool, error) {
	if reported == expected {
		return true, nil
	}

	reportedVer, err := semver.NewVersion(reported)
	if err != nil {
		return false, fmt.Errorf("hostversion: parse reported version %q: %w", reported, err)
	}
	minVer, err := semver.NewVersion(minCompatible)
	if err != nil {
		return false, fmt.Errorf("hostversion: parse min-compatible version %q: %w", minCompatible, err)
	}

	return reportedVer.Compare(minVer) >= 0, nil
}
