// Package version provides build-time version information.
//
// Variables are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/rickgao/sitestream/internal/version.Version=1.0.0 \
//	                   -X github.com/rickgao/sitestream/internal/version.Commit=$(git rev-parse --short HEAD)"
package version

// Build-time variables (set via ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Product is the name sent in the User-Agent header.
const Product = "sitestream"

// String returns a formatted version string.
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}

// UserAgent returns the User-Agent value for outgoing stream requests,
// e.g. "sitestream/1.0.0 (a1b2c3d)".
func UserAgent() string {
	if Commit == "" || Commit == "unknown" {
		return Product + "/" + Version
	}
	return Product + "/" + Version + " (" + Commit + ")"
}
