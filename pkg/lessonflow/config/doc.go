/*
Package config loads service settings from YAML or JSON files and the
environment.

# Overview

Config wraps a decoded document and offers typed accessors that fall back
to a default on missing keys or type mismatches. Keys may be dotted paths
into nested sections:

	cfg, err := config.FromFile("lessonflow.yaml")
	attempts := cfg.Int("retry.max_attempts", 3)
	cooldown := cfg.Duration("breaker.cooldown", time.Minute)

# Settings

Settings is the typed view the rest of the module consumes. Load applies,
in order, the built-in defaults, the optional file, and LESSONFLOW_*
environment overrides:

	settings, err := config.Load(os.Getenv("LESSONFLOW_CONFIG"))

Durations accept Go duration strings ("90s") or bare numbers of seconds.

# Thread Safety

Config and Settings are values. They are safe for concurrent reads as long
as the source map is not modified after creation.
*/
package config
