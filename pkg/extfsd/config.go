package extfsd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/extfsd/extfsd/pkg/elog"
)

const (
	configFileName = "config"
	configFileType = "toml"

	// DefaultSyncInterval is the fallback periodic-sync period when
	// neither a config file nor a flag sets one, chosen to sit well
	// above the minimum 5s floor.
	DefaultSyncInterval = 10 * time.Second
)

// Config carries extfsd's tunables, loaded from an optional config
// file and then overridden by whatever the CLI layer sets on top,
// mirroring vconvert's initConfig/viper pairing.
type Config struct {
	SyncInterval time.Duration

	// ForceReadOnlyOnUnknownROCompat is loaded from the config file but
	// not consulted: ext2.Mount always mounts a superblock with an
	// unrecognized read-only-compat feature bit read-only, whatever
	// this field says.
	ForceReadOnlyOnUnknownROCompat bool

	UIDRemap map[uint32]uint32
	GIDRemap map[uint32]uint32
}

// DefaultConfig returns the config used when no file and no flags
// override anything.
func DefaultConfig() Config {
	return Config{
		SyncInterval:                   DefaultSyncInterval,
		ForceReadOnlyOnUnknownROCompat: false,
		UIDRemap:                       map[uint32]uint32{},
		GIDRemap:                       map[uint32]uint32{},
	}
}

// LoadConfig reads an optional config file, falling back to defaults
// the way vconvert.initConfig does: an explicit path wins, otherwise
// $XDG_CONFIG_HOME/extfs (or ~/.config/extfs) is searched, and a
// missing file is not an error.
func LoadConfig(cfgFile string, log elog.View) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType(configFileType)
	v.SetDefault("sync_interval", DefaultSyncInterval.String())
	v.SetDefault("force_read_only_on_unknown_ro_compat", false)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(configFileName)
		v.AddConfigPath(configDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Debugf("no config file found, using defaults")
			return cfg, nil
		}
		return cfg, fmt.Errorf("extfsd: reading config: %w", err)
	}
	log.Debugf("using config file: %s", v.ConfigFileUsed())

	if s := v.GetString("sync_interval"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return cfg, fmt.Errorf("extfsd: invalid sync_interval %q: %w", s, err)
		}
		cfg.SyncInterval = d
	}
	cfg.ForceReadOnlyOnUnknownROCompat = v.GetBool("force_read_only_on_unknown_ro_compat")

	uidRemap, err := remapTable(v, "uid_remap")
	if err != nil {
		return cfg, err
	}
	gidRemap, err := remapTable(v, "gid_remap")
	if err != nil {
		return cfg, err
	}
	cfg.UIDRemap = uidRemap
	cfg.GIDRemap = gidRemap

	return cfg, nil
}

// remapTable reads a table of string("1000")->int(1001) entries under
// key into a uint32 remap map; an absent key yields an empty map
// rather than an error, since the remap is entirely optional.
func remapTable(v *viper.Viper, key string) (map[uint32]uint32, error) {
	raw := v.GetStringMap(key)
	out := make(map[uint32]uint32, len(raw))
	for from, toVal := range raw {
		var fromID uint32
		if _, err := fmt.Sscanf(from, "%d", &fromID); err != nil {
			return nil, fmt.Errorf("extfsd: invalid %s key %q: %w", key, from, err)
		}
		to, ok := toVal.(int)
		if !ok {
			if to64, ok64 := toVal.(int64); ok64 {
				to = int(to64)
			} else {
				return nil, fmt.Errorf("extfsd: invalid %s value for %q", key, from)
			}
		}
		out[fromID] = uint32(to)
	}
	return out, nil
}

// configDir resolves $XDG_CONFIG_HOME/extfs, falling back to
// ~/.config/extfs the way the XDG base directory spec prescribes when
// the environment variable is unset.
func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "extfs")
	}
	home, err := homedir.Dir()
	if err != nil {
		return ".config/extfs"
	}
	return filepath.Join(home, ".config", "extfs")
}
