// Package version tracks the wire-protocol version this build of
// eventcore speaks, so a node can refuse to accept topology updates from a
// peer too old to honor the current subscription wire format.
package version

import "github.com/hashicorp/go-version"

// ProtocolVersion is the subscription wire-protocol version this build
// publishes alongside every topology entry.
var ProtocolVersion = mustParse("1.0.0")

// MinimumSupportedVersion is the oldest peer protocol version this build
// will still accept topology updates from.
var MinimumSupportedVersion = mustParse("1.0.0")

func mustParse(s string) *version.Version {
	v, err := version.NewVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Compatible reports whether remote (a peer's advertised protocol
// version string) is new enough to interoperate with this build. An
// unparseable remote string is treated as incompatible rather than
// erroring, since a malformed version is itself a sign of an incompatible
// peer.
func Compatible(remote string) bool {
	v, err := version.NewVersion(remote)
	if err != nil {
		return false
	}
	return v.GreaterThanOrEqual(MinimumSupportedVersion)
}
