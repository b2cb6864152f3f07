// Package config loads forge settings from config files, .env files and the
// environment.
//
// Precedence, highest first: FORGE_* environment variables (including the
// legacy FORGE_REGISTRY_* names), the config file, built-in defaults. The
// config file is the one given explicitly, else ./.forge/config.yaml, else
// ~/.forge/config.yaml. A .env file in the working directory is loaded
// before the environment is read; it never overrides variables that are
// already set.
//
// Example config file:
//
//	local_path: ./.forge
//	log_level: debug
//	cache:
//	  backend: redis
//	  manifest_ttl: 600
//	  redis:
//	    addr: localhost:6379
//	registries:
//	  - name: main
//	    url: https://registry.example.com/forge
//	    priority: 10
//	    token_env: FORGE_MAIN_TOKEN
package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/matzehuels/forge/pkg/errors"
)

// Cache backends.
const (
	BackendFile   = "file"
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNone   = "none"
)

// Backends lists the accepted cache backends.
var Backends = []string{BackendFile, BackendMemory, BackendRedis, BackendNone}

// Defaults.
const (
	DefaultLocalPath   = ".forge"
	DefaultGlobalDir   = ".forge"
	DefaultLockfile    = "forge.lock"
	DefaultConcurrency = 8
	DefaultLogLevel    = "info"
	DefaultManifestTTL = 3600
	DefaultArtifactTTL = 7 * 24 * 3600
	DefaultServeAddr   = "127.0.0.1:8080"
	EnvPrefix          = "FORGE"
	configName         = "config.yaml"
)

// Config is the complete forge configuration.
type Config struct {
	LocalPath   string     `mapstructure:"local_path"`
	GlobalPath  string     `mapstructure:"global_path"`
	Lockfile    string     `mapstructure:"lockfile"`
	Concurrency int        `mapstructure:"concurrency"`
	LogLevel    string     `mapstructure:"log_level"`
	Cache       Cache      `mapstructure:"cache"`
	Registries  []Registry `mapstructure:"registries"`
	S3          S3         `mapstructure:"s3"`
	Serve       Serve      `mapstructure:"serve"`

	// File is the config file that was read, empty if none.
	File string `mapstructure:"-"`
}

// Cache configures the manifest and artifact cache.
type Cache struct {
	Enabled bool   `mapstructure:"enabled"`
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	// TTLs in seconds; 0 selects the default.
	ManifestTTLSeconds int   `mapstructure:"manifest_ttl"`
	ArtifactTTLSeconds int   `mapstructure:"artifact_ttl"`
	Redis              Redis `mapstructure:"redis"`
}

// ManifestTTL returns the manifest TTL.
func (c Cache) ManifestTTL() time.Duration {
	return time.Duration(c.ManifestTTLSeconds) * time.Second
}

// ArtifactTTL returns the artifact TTL.
func (c Cache) ArtifactTTL() time.Duration {
	return time.Duration(c.ArtifactTTLSeconds) * time.Second
}

// Redis configures the redis cache backend.
type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// Registry is one remote tier.
type Registry struct {
	Name     string `mapstructure:"name"`
	URL      string `mapstructure:"url"`
	Priority int    `mapstructure:"priority"`
	Token    string `mapstructure:"token"`
	TokenEnv string `mapstructure:"token_env"`
}

// S3 holds credentials for s3:// registries.
type S3 struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// Serve configures "forge serve".
type Serve struct {
	Addr string `mapstructure:"addr"`
}

// Options controls where [Load] looks.
type Options struct {
	// File is an explicit config file; it must exist.
	File string
	// Dir is the project directory; defaults to the working directory.
	Dir string
	// Home is the user's home directory; defaults to os.UserHomeDir.
	Home string
}

// Load reads the configuration.
func Load(opts Options) (*Config, error) {
	dir, home, err := opts.dirs()
	if err != nil {
		return nil, err
	}
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(errors.ErrCodeConfig, err, "load .env")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	file, err := findConfigFile(opts.File, dir, home)
	if err != nil {
		return nil, err
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(errors.ErrCodeConfig, err, "read config %s", file)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfig, err, "decode config")
	}
	cfg.File = file
	if url := os.Getenv("FORGE_REGISTRY_REMOTE_URL"); url != "" && !slices.ContainsFunc(cfg.Registries, func(r Registry) bool { return r.URL == url }) {
		cfg.Registries = append(cfg.Registries, Registry{Name: "remote", URL: url})
	}
	cfg.normalize(dir, home)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing is configured.
func Default(dir, home string) *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.normalize(dir, home)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("local_path", DefaultLocalPath)
	v.SetDefault("global_path", filepath.Join("~", DefaultGlobalDir))
	v.SetDefault("lockfile", DefaultLockfile)
	v.SetDefault("concurrency", DefaultConcurrency)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.backend", BackendFile)
	v.SetDefault("cache.dir", "")
	v.SetDefault("cache.manifest_ttl", DefaultManifestTTL)
	v.SetDefault("cache.artifact_ttl", DefaultArtifactTTL)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.prefix", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.region", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.use_ssl", true)
	v.SetDefault("serve.addr", DefaultServeAddr)
}

// bindLegacyEnv maps the older variable names. The current name wins when
// both are set.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("local_path", "FORGE_LOCAL_PATH", "FORGE_REGISTRY_LOCAL_PATH")
	_ = v.BindEnv("global_path", "FORGE_GLOBAL_PATH", "FORGE_REGISTRY_GLOBAL_PATH")
	_ = v.BindEnv("cache.enabled", "FORGE_CACHE_ENABLED")
	_ = v.BindEnv("s3.access_key", "FORGE_S3_ACCESS_KEY", "AWS_ACCESS_KEY_ID")
	_ = v.BindEnv("s3.secret_key", "FORGE_S3_SECRET_KEY", "AWS_SECRET_ACCESS_KEY")
	_ = v.BindEnv("s3.region", "FORGE_S3_REGION", "AWS_REGION")
}

func findConfigFile(explicit, dir, home string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", errors.Wrap(errors.ErrCodeConfig, err, "config file %s", explicit)
		}
		return explicit, nil
	}
	for _, candidate := range []string{
		filepath.Join(dir, DefaultLocalPath, configName),
		filepath.Join(home, DefaultGlobalDir, configName),
	} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

func (o Options) dirs() (dir, home string, err error) {
	dir, home = o.Dir, o.Home
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return "", "", errors.Wrap(errors.ErrCodeConfig, err, "working directory")
		}
	}
	if home == "" {
		if home, err = os.UserHomeDir(); err != nil {
			return "", "", errors.Wrap(errors.ErrCodeConfig, err, "home directory")
		}
	}
	return dir, home, nil
}

// normalize expands "~" and makes paths absolute.
func (c *Config) normalize(dir, home string) {
	abs := func(p string) string {
		switch {
		case p == "~":
			return home
		case strings.HasPrefix(p, "~/"):
			return filepath.Join(home, p[2:])
		case p == "" || filepath.IsAbs(p):
			return p
		}
		return filepath.Join(dir, p)
	}
	c.LocalPath = abs(c.LocalPath)
	c.GlobalPath = abs(c.GlobalPath)
	c.Lockfile = abs(c.Lockfile)
	c.Cache.Dir = abs(c.Cache.Dir)
	if c.Cache.Dir == "" {
		c.Cache.Dir = filepath.Join(c.GlobalPath, "cache")
	}
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	if !c.Cache.Enabled {
		c.Cache.Backend = BackendNone
	}
	for i := range c.Registries {
		c.Registries[i].Name = strings.TrimSpace(c.Registries[i].Name)
		c.Registries[i].URL = strings.TrimRight(strings.TrimSpace(c.Registries[i].URL), "/")
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return errors.New(errors.ErrCodeConfig, "concurrency must be positive, got %d", c.Concurrency)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(errors.ErrCodeConfig, err, "log_level %q", c.LogLevel)
	}
	if !slices.Contains(Backends, c.Cache.Backend) {
		return errors.New(errors.ErrCodeConfig, "unknown cache backend %q (want %s)", c.Cache.Backend, strings.Join(Backends, ", "))
	}
	if c.Cache.ManifestTTLSeconds < 0 || c.Cache.ArtifactTTLSeconds < 0 {
		return errors.New(errors.ErrCodeConfig, "cache TTLs must not be negative")
	}

	seen := map[string]bool{}
	for i, r := range c.Registries {
		if r.Name == "" {
			return errors.New(errors.ErrCodeConfig, "registry %d has no name", i)
		}
		if err := errors.ValidateName(r.Name); err != nil {
			return errors.Wrap(errors.ErrCodeConfig, err, "registry %q", r.Name)
		}
		if seen[r.Name] {
			return errors.New(errors.ErrCodeConfig, "registry %q is configured twice", r.Name)
		}
		seen[r.Name] = true
		if err := errors.ValidateRegistryURL(r.URL); err != nil {
			return errors.Wrap(errors.ErrCodeConfig, err, "registry %q", r.Name)
		}
	}
	return nil
}

// Level returns the parsed log level.
func (c *Config) Level() log.Level {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}
