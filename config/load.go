package config

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"
)

// Error is a startup-fatal configuration problem.
type Error struct {
	Message string
}

func (e *Error) Error() string { return "configuration: " + e.Message }

func errorf(format string, args ...interface{}) error {
	return &Error{Message: xerrors.Errorf(format, args...).Error()}
}

const envPrefix = "hypershell"

// SystemPath is the machine-wide configuration file.
func SystemPath() string { return "/etc/hypershell.toml" }

// UserPath is the per-user configuration file.
func UserPath() string {
	home, err := homedir.Dir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".hypershell", "config.toml")
}

// LocalPath is the per-directory configuration file.
func LocalPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return filepath.Join(cwd, ".hypershell", "config.toml")
}

// LibDir holds run-time state: the default task database and captured
// task output files.
func LibDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return ".hypershell"
	}
	return filepath.Join(home, ".hypershell", "lib")
}

// Load builds the effective configuration: defaults, then the system,
// user, and local files, then HYPERSHELL_-prefixed environment variables.
// Command-line flags are applied by the caller on top of the result.
func Load() (*Config, error) {
	cfg := Default()
	for _, path := range []string{SystemPath(), UserPath(), LocalPath()} {
		if path == "" {
			continue
		}
		if err := mergeFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, errorf("environment: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.Database.Provider {
	case "sqlite", "postgres":
	default:
		return errorf("unsupported database.provider %q", cfg.Database.Provider)
	}
	switch cfg.Autoscale.Policy {
	case "fixed", "dynamic":
	default:
		return errorf("unsupported autoscale.policy %q", cfg.Autoscale.Policy)
	}
	if cfg.Server.Queuesize < 1 {
		return errorf("server.queuesize must be at least 1")
	}
	if cfg.Server.Bundlesize < 1 {
		return errorf("server.bundlesize must be at least 1")
	}
	return nil
}

func mergeFile(cfg *Config, path string) error {
	raw, err := readRaw(path)
	if err != nil || raw == nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(raw); err != nil {
		return errorf("re-encode %s: %w", path, err)
	}
	if err := toml.Unmarshal(buf.Bytes(), cfg); err != nil {
		return errorf("parse %s: %w", path, err)
	}
	return nil
}

// ReadRawFile loads one configuration file as a nested map with _env and
// _eval keys resolved, the form merged over the typed defaults.
func ReadRawFile(path string) (map[string]interface{}, error) {
	return readRaw(path)
}

// readRaw loads a file as a nested map with _env/_eval keys expanded in
// place. A missing file yields a nil map and no error.
func readRaw(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errorf("read %s: %w", path, err)
	}
	var raw map[string]interface{}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, errorf("parse %s: %w", path, err)
	}
	if err := expandSpecial(raw); err != nil {
		return nil, errorf("%s: %w", path, err)
	}
	return raw, nil
}

// expandSpecial resolves keys ending in _env or _eval by reading the named
// environment variable or running the value through /bin/sh. The suffixed
// key is replaced with the base key it shadows.
func expandSpecial(raw map[string]interface{}) error {
	for key, value := range raw {
		if sub, ok := value.(map[string]interface{}); ok {
			if err := expandSpecial(sub); err != nil {
				return err
			}
			continue
		}
		var base, resolved string
		switch {
		case strings.HasSuffix(key, "_env"):
			name, ok := value.(string)
			if !ok {
				return xerrors.Errorf("%s must name an environment variable", key)
			}
			base = strings.TrimSuffix(key, "_env")
			resolved = os.Getenv(name)
		case strings.HasSuffix(key, "_eval"):
			script, ok := value.(string)
			if !ok {
				return xerrors.Errorf("%s must be a shell command", key)
			}
			out, err := exec.Command("/bin/sh", "-c", script).Output()
			if err != nil {
				return xerrors.Errorf("eval %s: %w", key, err)
			}
			base = strings.TrimSuffix(key, "_eval")
			resolved = strings.TrimSpace(string(out))
		default:
			continue
		}
		delete(raw, key)
		raw[base] = resolved
	}
	return nil
}

// Which reports the layer providing the effective value for a dotted key:
// one of "default", "system", "user", "local", or "env".
func Which(key string) (string, error) {
	layer := "default"
	for name, path := range map[string]string{
		"system": SystemPath(),
		"user":   UserPath(),
		"local":  LocalPath(),
	} {
		raw, err := readRaw(path)
		if err != nil {
			return "", err
		}
		if raw != nil && lookupRaw(raw, key) != nil {
			if rank(name) > rank(layer) {
				layer = name
			}
		}
	}
	envName := strings.ToUpper(envPrefix + "_" + strings.ReplaceAll(key, ".", "_"))
	if _, ok := os.LookupEnv(envName); ok {
		layer = "env"
	}
	return layer, nil
}

func rank(layer string) int {
	order := map[string]int{"default": 0, "system": 1, "user": 2, "local": 3, "env": 4}
	return order[layer]
}

func lookupRaw(raw map[string]interface{}, key string) interface{} {
	parts := strings.Split(key, ".")
	var current interface{} = raw
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

// Get reads the effective value of a dotted key from a loaded Config via
// its raw layered view.
func Get(cfg *Config, key string) (interface{}, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, errorf("encode config: %w", err)
	}
	var raw map[string]interface{}
	if err := toml.Unmarshal(buf.Bytes(), &raw); err != nil {
		return nil, errorf("decode config: %w", err)
	}
	value := lookupRaw(lowerKeys(raw), strings.ToLower(key))
	if value == nil {
		return nil, errorf("no such option %q", key)
	}
	return value, nil
}

func lowerKeys(raw map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(raw))
	for key, value := range raw {
		if sub, ok := value.(map[string]interface{}); ok {
			value = lowerKeys(sub)
		}
		out[strings.ToLower(key)] = value
	}
	return out
}

// Set writes a dotted key into the configuration file at path, creating
// the file and intermediate tables as needed.
func Set(path string, key string, value interface{}) error {
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}
	parts := strings.Split(key, ".")
	current := raw
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errorf("create config directory: %w", err)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(raw); err != nil {
		return errorf("encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errorf("write %s: %w", path, err)
	}
	return nil
}

// Keys lists the recognized dotted option names, for `config get` listings.
func Keys(cfg *Config) []string {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil
	}
	var raw map[string]interface{}
	if err := toml.Unmarshal(buf.Bytes(), &raw); err != nil {
		return nil
	}
	var keys []string
	collectKeys(lowerKeys(raw), "", &keys)
	sort.Strings(keys)
	return keys
}

func collectKeys(raw map[string]interface{}, prefix string, out *[]string) {
	for key, value := range raw {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if sub, ok := value.(map[string]interface{}); ok {
			collectKeys(sub, full, out)
			continue
		}
		*out = append(*out, full)
	}
}
