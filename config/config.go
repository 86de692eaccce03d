// Package config loads engine configuration from YAML, layering an
// optional user file over built-in defaults.  String values in the
// file may reference environment variables as $VAR or ${VAR};
// references to undefined variables are left untouched.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/units"
	"github.com/pbnjay/memory"
	"github.com/princesaroj111/kestrel-lang/logger"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the
// default user configuration path.
const EnvConfigPath = "KESTREL_CONFIG"

type Config struct {
	Logger logger.Config `yaml:"logger"`
	Cache  Cache         `yaml:"cache"`
	Schema Schema        `yaml:"schema"`
}

// Cache selects and sizes the session cache store.
type Cache struct {
	// Store is "memory" or "redis".
	Store string `yaml:"store"`
	Redis Redis  `yaml:"redis"`
	// Budget caps the total bytes of result tables a single trigger may
	// materialize.  Zero selects the built-in default, an eighth of
	// physical memory.
	Budget Bytes `yaml:"materialization_budget"`
}

// Redis holds the connection settings used when Cache.Store is "redis".
type Redis struct {
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	KeyPrefix  string        `yaml:"key_prefix"`
	Expiration time.Duration `yaml:"expiration"`
}

// Schema names additional dialect maps and relation catalogs to load
// into the registry after the embedded defaults.  Relative paths are
// resolved against the configuration file's directory.
type Schema struct {
	Dialects  []string `yaml:"dialects"`
	Relations []string `yaml:"relations"`
}

func Default() Config {
	return Config{
		Logger: logger.Config{Path: "stderr"},
		Cache:  Cache{Store: "memory"},
	}
}

// Load reads the configuration at path, or with an empty path the file
// named by $KESTREL_CONFIG, or failing that ~/.config/kestrel/kestrel.yaml.
// A missing implicit file yields the defaults; a missing explicit path
// is an error.
func Load(path string) (Config, error) {
	conf := Default()
	explicit := path != ""
	if !explicit {
		path = defaultPath()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return conf, nil
		}
		return conf, err
	}
	if err := yaml.Unmarshal([]byte(expandEnv(string(b))), &conf); err != nil {
		return conf, fmt.Errorf("%s: %w", path, err)
	}
	conf.Schema.resolve(filepath.Dir(path))
	if err := conf.Validate(); err != nil {
		return conf, fmt.Errorf("%s: %w", path, err)
	}
	return conf, nil
}

func defaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "kestrel", "kestrel.yaml")
}

func (c Config) Validate() error {
	switch c.Cache.Store {
	case "", "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache store %q needs an address", c.Cache.Store)
		}
	default:
		return fmt.Errorf("unknown cache store %q", c.Cache.Store)
	}
	if c.Cache.Budget < 0 {
		return fmt.Errorf("materialization budget cannot be negative")
	}
	return nil
}

// MaterializationBudget resolves the configured budget, falling back to
// an eighth of physical memory when unset.
func (c Cache) MaterializationBudget() int64 {
	if c.Budget > 0 {
		return int64(c.Budget)
	}
	if total := memory.TotalMemory(); total > 0 {
		return int64(total / 8)
	}
	return int64(units.GiB)
}

func (s *Schema) resolve(dir string) {
	for _, paths := range [][]string{s.Dialects, s.Relations} {
		for i, p := range paths {
			if p != "" && !filepath.IsAbs(p) {
				paths[i] = filepath.Join(dir, p)
			}
		}
	}
}

// expandEnv substitutes $VAR and ${VAR} from the environment, keeping
// the reference verbatim when the variable is undefined so that unset
// placeholders fail loudly downstream instead of silently emptying out.
func expandEnv(s string) string {
	return os.Expand(s, func(name string) string {
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if name == "$" {
			return "$"
		}
		return "${" + name + "}"
	})
}
