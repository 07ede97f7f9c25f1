package main

import (
	"github.com/horgh/config"
	"github.com/pkg/errors"
)

// Config holds the server's tunables. Every field has a usable default;
// a config file, if named on the command line, may override any subset
// of them (spec leaves no mandatory config beyond the listen port,
// which Args can supply directly).
type Config struct {
	Port       uint16
	ServerName string
	MOTD       string
}

func defaultConfig() Config {
	return Config{
		Port:       8080,
		ServerName: "catboxd",
		MOTD:       "",
	}
}

// loadConfig starts from defaultConfig and applies any keys present in
// the file at path, leaving unmentioned fields at their default. This
// is deliberately looser than config.GetConfig/PopulateStruct, which
// require every struct field to appear in the file; here the file is
// an additive override, not a full description (SPEC_FULL.md §1).
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	raw, err := config.ReadStringMap(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}

	if v, ok := raw["port"]; ok {
		port, err := parsePort(v)
		if err != nil {
			return cfg, errors.Wrapf(err, "config key port")
		}
		cfg.Port = port
	}
	if v, ok := raw["servername"]; ok {
		cfg.ServerName = v
	}
	if v, ok := raw["motd"]; ok {
		cfg.MOTD = v
	}

	return cfg, nil
}
