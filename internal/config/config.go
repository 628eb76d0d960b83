// Package config loads CLI/bridge-wide settings (device path, cache size,
// format-on-first-use) from flags and environment variables, the way a
// standalone process configures itself where a hosted kernel would instead
// bake these in at build time. No config file is read.
package config

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the settings shared by cmd/easyfs's subcommands and the
// fuseadapter bridge.
type Config struct {
	// Device is the path to the backing image file.
	Device string
	// CacheLimit is the number of resident sectors the block cache keeps.
	CacheLimit int
	// FormatOnMissing creates and formats Device if it does not exist yet,
	// instead of failing with "no such file".
	FormatOnMissing bool
	// TotalBlocks and InodeBitmapBlocks size a freshly formatted image;
	// ignored when opening an existing one.
	TotalBlocks       uint32
	InodeBitmapBlocks uint32
}

// Defaults returns a Config populated with the values this module ships
// with out of the box.
func Defaults() Config {
	return Config{
		CacheLimit:        16,
		FormatOnMissing:   false,
		TotalBlocks:       8192,
		InodeBitmapBlocks: 1,
	}
}

// BindFlags registers the shared flags on fs and binds them through Viper,
// so EASYFS_-prefixed environment variables override the defaults and a
// flag given on the command line overrides both.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.String("device", "", "path to the EasyFS image file")
	fs.Int("cache-limit", 16, "resident sectors kept by the block cache")
	fs.Bool("format-on-missing", false, "format a new image if device does not exist")
	fs.Uint32("total-blocks", 8192, "total blocks for a freshly formatted image")
	fs.Uint32("inode-bitmap-blocks", 1, "inode bitmap blocks for a freshly formatted image")

	v.SetEnvPrefix("easyfs")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(fs)
}

// Load reads bound flag/env values from v into a Config.
func Load(v *viper.Viper) Config {
	return Config{
		Device:            v.GetString("device"),
		CacheLimit:        v.GetInt("cache-limit"),
		FormatOnMissing:   v.GetBool("format-on-missing"),
		TotalBlocks:       v.GetUint32("total-blocks"),
		InodeBitmapBlocks: v.GetUint32("inode-bitmap-blocks"),
	}
}
