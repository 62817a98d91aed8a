// Package buildinfo carries build-time metadata injected with -ldflags.
package buildinfo

import "runtime/debug"

// UnknownValue is reported for metadata the build did not set.
const UnknownValue = "unknown"

// Context holds the version and build date of the binary.
type Context struct {
	Version   string
	BuildDate string
}

// GetVersion returns the version, falling back to the module version
// recorded by go install.
func (c *Context) GetVersion() string {
	if c != nil && c.Version != "" {
		return c.Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return UnknownValue
}

// GetBuildDate returns the build date.
func (c *Context) GetBuildDate() string {
	if c == nil || c.BuildDate == "" {
		return UnknownValue
	}
	return c.BuildDate
}

// Release names the build for error telemetry.
func (c *Context) Release() string {
	return "meetrec@" + c.GetVersion()
}
