// Command sitestreamctl talks to a running sitestream admin server.
//
// Usage:
//
//	sitestreamctl [-addr URL] <command> [flags] [args]
//
// Commands:
//
//	health        Show pool health
//	runners       List runners (-unhealthy for unhealthy only)
//	subs          List managed subscription IDs
//	add ID...     Add subscription IDs (-idle to not start them)
//	consolidate   Merge underfull runners
package main

import (
	"os"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
