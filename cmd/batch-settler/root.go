package main

import (
	"fmt"
	"strings"

	"github.com/arkade-os/batch-settler/internal/config"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

// EnvReplacer replaces `-` to `_`.
// This is used to map flag like `--my-param` to environment variables like `MY_PARAM`.
var envReplacer = strings.NewReplacer("-", "_")

func init() {
	viper.SetEnvPrefix("SETTLER")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(envReplacer)
}

// loadConfigFile fills the flags left unset on the command line with the
// values of the given config file.
func loadConfigFile(c *cli.Context) error {
	path := c.String(configFileFlag.Name)
	if path == "" {
		return nil
	}

	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %s", err)
	}

	for _, flag := range config.Flags {
		name := flag.Names()[0]
		if c.IsSet(name) || !viper.IsSet(name) {
			continue
		}
		if err := c.Set(name, viper.GetString(name)); err != nil {
			return fmt.Errorf("invalid value for %s in config file: %s", name, err)
		}
	}
	return nil
}
