// Package version contains the version of the program.
package version

// VersionString is the version that we'll print to the output and send in the
// User-Agent header.  It is set at build time with -ldflags.
var VersionString = "undefined"
