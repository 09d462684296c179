package config

import (
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "ISOHARNESS"

// Config holds the configuration for the harness. Only the backend settings
// matter to the core; everything else tunes the command-line surface.
type Config struct {
	Backend    string        `toml:"backend" env:"BACKEND" default:"memory" description:"Transactional engine (memory, mysql, postgres)"`
	DSN        string        `toml:"dsn" env:"DSN" default:"" description:"Connection string of an external backend"`
	BlockProbe time.Duration `toml:"block_probe" env:"BLOCK_PROBE" default:"250ms" description:"How long a backend statement may run before it is reported as blocked"`
	Format     string        `toml:"format" env:"FORMAT" default:"text" description:"Trace output format (text, table)"`
	Verbosity  int           `toml:"verbosity" env:"VERBOSITY" default:"0" description:"Log verbosity"`
	Repeat     int           `toml:"repeat" env:"REPEAT" default:"1" description:"Run each scenario this many times in parallel and check the traces match"`
}

// Load builds a Config from struct-tag defaults, then the TOML file at path
// (if non-empty), then environment variables named <prefix>_<ENV>. The result
// is not validated: callers apply their flag overrides first and then call
// Validate.
func Load(prefix, path string) (*Config, error) {
	cfg := &Config{}
	if err := loadDefaults(cfg); err != nil {
		return nil, errors.Wrap(err, "loading defaults")
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "loading config file %s", path)
		}
	}
	if err := loadEnv(prefix, cfg); err != nil {
		return nil, errors.Wrap(err, "loading env vars")
	}
	return cfg, nil
}

// Validate checks field values that the type system cannot.
func (c *Config) Validate() error {
	switch c.Backend {
	case "memory":
	case "mysql", "postgres", "postgresql", "pg":
		if c.DSN == "" {
			return errors.Newf("backend %s requires a dsn", c.Backend)
		}
	default:
		return errors.Newf("unknown backend %q", c.Backend)
	}
	switch c.Format {
	case "text", "table":
	default:
		return errors.Newf("unknown format %q", c.Format)
	}
	if c.Repeat < 1 {
		return errors.Newf("repeat must be at least 1, got %d", c.Repeat)
	}
	if c.Repeat > 1 && c.Backend != "memory" {
		return errors.Newf("backend %s shares one table between runs and cannot repeat", c.Backend)
	}
	return nil
}

// Fields lists the name, env key and description of every field, in
// declaration order. The CLI uses it to define flags.
func Fields() []Field {
	t := reflect.TypeOf(Config{})
	fields := make([]Field, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		fields = append(fields, Field{
			Name:        f.Name,
			Flag:        kebabCase(f.Tag.Get("env")),
			Env:         f.Tag.Get("env"),
			Description: f.Tag.Get("description"),
		})
	}
	return fields
}

// Field describes one configuration field.
type Field struct {
	Name        string
	Flag        string
	Env         string
	Description string
}

// loadDefaults loads default values from struct tags.
func loadDefaults(cfg *Config) error {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if defaultVal := field.Tag.Get("default"); defaultVal != "" {
			if err := setField(v.Field(i), defaultVal); err != nil {
				return errors.Wrapf(err, "setting default for %s", field.Name)
			}
		}
	}
	return nil
}

// loadEnv loads configuration from environment variables.
func loadEnv(prefix string, cfg *Config) error {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if envKey := field.Tag.Get("env"); envKey != "" {
			if val := os.Getenv(prefix + "_" + envKey); val != "" {
				if err := setField(v.Field(i), val); err != nil {
					return errors.Wrapf(err, "setting env var for %s", field.Name)
				}
			}
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// setField sets a value on a struct field.
func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int:
		i, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(i))
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return errors.Newf("unsupported type: %s", field.Kind())
	}
	return nil
}

// kebabCase converts a string to kebab-case.
// Example: "BLOCK_PROBE" -> "block-probe"
func kebabCase(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", "-"))
}
