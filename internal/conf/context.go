package conf

import (
	"github.com/spf13/viper"

	"github.com/tphakala/meetrec/internal/buildinfo"
)

// Context carries what every command needs: the viper instance flags bind
// to, the loaded settings and the build information.
type Context struct {
	Viper    *viper.Viper
	Settings *Settings
	Build    *buildinfo.Context

	// ConfigFile is the file requested with --config, empty for the search
	// path.
	ConfigFile string
}

// NewContext returns a Context with a fresh viper instance. Settings stay
// nil until Load.
func NewContext(build *buildinfo.Context) *Context {
	return &Context{
		Viper: viper.New(),
		Build: build,
	}
}

// Load reads the settings with every flag bound so far taking precedence.
func (c *Context) Load() error {
	settings, err := Load(c.Viper, c.ConfigFile)
	if err != nil {
		return err
	}
	c.Settings = settings
	return nil
}

// ConfigFileUsed names the file the settings came from, empty when only
// defaults and environment applied.
func (c *Context) ConfigFileUsed() string {
	return c.Viper.ConfigFileUsed()
}
