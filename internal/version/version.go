// Package version holds the dmrpatch release version.
package version

// Version is set at release time.
var Version = "0.3.0"
