/*
Package config loads event bus settings from YAML or JSON.

# Overview

Config wraps a nested map[string]any and provides typed accessors that
return a default when a key is missing or has the wrong type. Keys are
dotted paths into nested sections:

	cfg, _ := config.FromYAML([]byte(`
	store:
	  driver: postgres
	  dsn: postgres://bus@localhost/bus
	reconcile:
	  interval: 5s
	`))

	cfg.String("store.driver", "sqlite")          // "postgres"
	cfg.Duration("reconcile.interval", time.Second) // 5s
	cfg.Sub("store").String("dsn", "")              // "postgres://bus@localhost/bus"

A literal key containing dots is found before the path is walked, so flat
maps such as {"store.driver": "mysql"} work too.

# Settings

Load converts a Config into Settings, the typed configuration every
component of the bus is built from, with defaults applied:

	settings, err := config.Load(cfg)
	if err != nil {
	    return err
	}

Validate reports the first invalid value; Load calls it.

# File Loading

FromFile detects the format by extension (.yaml, .yml, .json) and
expands environment references first:

	store:
	  dsn: postgres://bus:${BUS_DB_PASSWORD}@db/bus

FromEnv loads the file named by EVENTBUS_CONFIG, or returns an empty
Config when the variable is unset.

# Thread Safety

Config is safe for concurrent read access. The underlying map is not
modified after creation.
*/
package config
