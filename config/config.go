// Package config implements the process-wide read-only configuration
// registry of the SDK: a layered INI source (embedded defaults, then
// user files, then environment variables) plus the route table used by
// the request layer.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/ini.v1"
)

var logger = loggo.GetLogger("sdk.entrepot.config")

//go:embed default.ini
var defaultINI []byte

// envPrefix is the prefix of environment overrides. A key k of a
// section s can be overridden with GPF_<S>__<K> (upper-cased, dashes
// turned into underscores).
const envPrefix = "GPF_"

// Config is the resolved configuration. It is read-only once loaded.
type Config struct {
	file   *ini.File
	routes map[string]Route
}

// Load resolves the configuration: embedded defaults first, then each
// given file in order (missing files are skipped, like the original
// layered reader), then environment variables.
func Load(paths ...string) (*Config, error) {
	sources := []interface{}{}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			logger.Debugf("fichier de configuration %q absent, ignoré", p)
			continue
		}
		sources = append(sources, p)
	}
	file, err := ini.Load(defaultINI, sources...)
	if err != nil {
		return nil, errors.Annotate(err, "lecture de la configuration")
	}
	applyEnvOverrides(file)
	cfg := &Config{file: file}
	if cfg.routes, err = parseRoutes(file); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

func applyEnvOverrides(file *ini.File) {
	for _, section := range file.Sections() {
		for _, key := range section.Keys() {
			name := envPrefix + envName(section.Name()) + "__" + envName(key.Name())
			if v, ok := os.LookupEnv(name); ok {
				key.SetValue(v)
			}
		}
	}
}

func envName(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, "-", "_"))
}

// Str returns the value of the given key.
func (c *Config) Str(section, key string) (string, error) {
	s, err := c.file.GetSection(section)
	if err != nil || !s.HasKey(key) {
		return "", errors.NotFoundf("paramètre de configuration [%s] %s", section, key)
	}
	return s.Key(key).String(), nil
}

// StrDefault returns the value of the given key, or fallback when the
// key is absent.
func (c *Config) StrDefault(section, key, fallback string) string {
	v, err := c.Str(section, key)
	if err != nil {
		return fallback
	}
	return v
}

// Int returns the value of the given key converted to an int.
func (c *Config) Int(section, key string) (int, error) {
	v, err := c.Str(section, key)
	if err != nil {
		return 0, errors.Trace(err)
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, errors.NotValidf("paramètre de configuration [%s] %s : entier non reconnu (%q)", section, key, v)
	}
	return i, nil
}

// IntDefault returns the value of the given key converted to an int,
// or fallback when the key is absent or unparsable.
func (c *Config) IntDefault(section, key string, fallback int) int {
	i, err := c.Int(section, key)
	if err != nil {
		return fallback
	}
	return i
}

// Float returns the value of the given key converted to a float64.
func (c *Config) Float(section, key string) (float64, error) {
	v, err := c.Str(section, key)
	if err != nil {
		return 0, errors.Trace(err)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, errors.NotValidf("paramètre de configuration [%s] %s : nombre flottant non reconnu (%q)", section, key, v)
	}
	return f, nil
}

// Bool returns the value of the given key converted to a bool.
func (c *Config) Bool(section, key string) (bool, error) {
	v, err := c.Str(section, key)
	if err != nil {
		return false, errors.Trace(err)
	}
	b, err := strconv.ParseBool(strings.TrimSpace(strings.ToLower(v)))
	if err != nil {
		return false, errors.NotValidf("paramètre de configuration [%s] %s : booléen non reconnu (%q)", section, key, v)
	}
	return b, nil
}

// BoolDefault returns the value of the given key converted to a bool,
// or fallback when the key is absent or unparsable.
func (c *Config) BoolDefault(section, key string, fallback bool) bool {
	b, err := c.Bool(section, key)
	if err != nil {
		return fallback
	}
	return b
}

// Sections lists the section names of the resolved configuration, the
// ini default section excluded.
func (c *Config) Sections() []string {
	var names []string
	for _, s := range c.file.Sections() {
		if s.Name() == ini.DefaultSection {
			continue
		}
		names = append(names, s.Name())
	}
	return names
}

// Keys lists the key names of the given section.
func (c *Config) Keys(section string) []string {
	s, err := c.file.GetSection(section)
	if err != nil {
		return nil
	}
	return s.KeyStrings()
}

// Dump writes the resolved configuration as INI text.
func (c *Config) Dump() string {
	var b strings.Builder
	for _, name := range c.Sections() {
		fmt.Fprintf(&b, "[%s]\n", name)
		for _, key := range c.file.Section(name).Keys() {
			fmt.Fprintf(&b, "%s = %s\n", key.Name(), key.Value())
		}
		b.WriteString("\n")
	}
	return b.String()
}

var current *Config

// Setup loads the configuration from the given files and installs it as
// the process-wide instance.
func Setup(paths ...string) (*Config, error) {
	cfg, err := Load(paths...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	current = cfg
	return cfg, nil
}

// Instance returns the process-wide configuration installed by Setup.
func Instance() (*Config, error) {
	if current == nil {
		return nil, errors.Errorf("configuration non initialisée : appelez config.Setup d'abord")
	}
	return current, nil
}

// Reset drops the process-wide instance. Tests use it between cases.
func Reset() {
	current = nil
}
