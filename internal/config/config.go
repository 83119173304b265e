// Package config loads the runtime configuration: the repository settings
// from YAML through viper, and the mapping rules from CUE.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/meshsync/internal/ir"
)

// EnvPrefix prefixes environment overrides: MESHSYNC_TARGET_URL overrides
// target.url.
const EnvPrefix = "MESHSYNC"

// Config keys.
const (
	KeyTargetURL        = "target.url"
	KeyTargetUsername   = "target.username"
	KeyTargetPassword   = "target.password"
	KeyTargetTimeout    = "target.timeout"
	KeyTargetDebug      = "target.debug"
	KeyTargetRetries    = "target.retries"
	KeyTargetFake       = "target.fake"
	KeyInstantPublish   = "instant_publish"
	KeyProjectPerTenant = "project_per_tenant"
	KeyProject          = "project"
	KeyVersion          = "version"
	KeyLanguages        = "languages"
	KeyPermProperty     = "permission.property"
	KeyPermDefaultRole  = "permission.default_role"
	KeyPermAdminRole    = "permission.admin_role"
	KeyElasticsearch    = "elasticsearch"
	KeyRules            = "rules"
	KeySource           = "source"
	KeyStore            = "store"
	KeyLockDir          = "lock_dir"
	KeyMaxAttempts      = "max_attempts"
	KeyWorkers          = "workers"
	KeyTenants          = "tenants"
	KeyProperties       = "properties"
)

// Defaults.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultRetries     = 3
	DefaultMaxAttempts = 5
	DefaultWorkers     = 4
	DefaultStore       = "meshsync.db"
	DefaultAdminRole   = "admin"
)

// Target holds the connection settings of the target repository.
type Target struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
	Debug    bool
	Retries  int
	// Fake serves an in-memory repository instead of connecting to URL.
	Fake bool
}

// Config is the loaded configuration.
type Config struct {
	Repository ir.RepositoryConfig
	Target     Target

	// Paths are resolved against the config file's directory.
	RulesPath  string
	SourcePath string
	StorePath  string
	LockDir    string

	Properties map[string]string
}

// Error reports an invalid configuration value.
type Error struct {
	Key     string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Message)
}

// IsError reports whether err is a configuration error.
func IsError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyTargetTimeout, DefaultTimeout)
	v.SetDefault(KeyTargetRetries, DefaultRetries)
	v.SetDefault(KeyProjectPerTenant, true)
	v.SetDefault(KeyPermAdminRole, DefaultAdminRole)
	v.SetDefault(KeyStore, DefaultStore)
	v.SetDefault(KeyMaxAttempts, DefaultMaxAttempts)
	v.SetDefault(KeyWorkers, DefaultWorkers)
}

// Load reads the configuration file at path. With an empty path it looks
// for meshsync.yaml in the working directory and tolerates its absence.
// Environment variables override file values. Mapping rules are loaded
// when a rules path is configured. The result is not validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("meshsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	base := ""
	if used := v.ConfigFileUsed(); used != "" {
		base = filepath.Dir(used)
	}
	cfg, err := fromViper(v, base)
	if err != nil {
		return nil, err
	}

	if cfg.RulesPath != "" {
		rules, err := LoadRules(cfg.RulesPath)
		if err != nil {
			return nil, err
		}
		cfg.Repository.Rules = rules
	}
	return cfg, nil
}

func fromViper(v *viper.Viper, base string) (*Config, error) {
	cfg := &Config{
		Target: Target{
			Timeout: v.GetDuration(KeyTargetTimeout),
			Debug:   v.GetBool(KeyTargetDebug),
			Retries: v.GetInt(KeyTargetRetries),
			Fake:    v.GetBool(KeyTargetFake),
		},
		RulesPath:  resolvePath(base, v.GetString(KeyRules)),
		SourcePath: resolvePath(base, v.GetString(KeySource)),
		StorePath:  resolvePath(base, v.GetString(KeyStore)),
		LockDir:    resolvePath(base, v.GetString(KeyLockDir)),
		Properties: v.GetStringMapString(KeyProperties),
	}

	var err error
	if cfg.Target.URL, err = substitute(KeyTargetURL, v.GetString(KeyTargetURL), cfg.Properties); err != nil {
		return nil, err
	}
	if cfg.Target.Username, err = substitute(KeyTargetUsername, v.GetString(KeyTargetUsername), cfg.Properties); err != nil {
		return nil, err
	}
	if cfg.Target.Password, err = substitute(KeyTargetPassword, v.GetString(KeyTargetPassword), cfg.Properties); err != nil {
		return nil, err
	}

	var tenants []struct {
		ID      string `mapstructure:"id"`
		Project string `mapstructure:"project"`
	}
	if err := v.UnmarshalKey(KeyTenants, &tenants); err != nil {
		return nil, &Error{Key: KeyTenants, Message: err.Error()}
	}

	repo := ir.RepositoryConfig{
		TargetURL:        cfg.Target.URL,
		Username:         cfg.Target.Username,
		Password:         cfg.Target.Password,
		InstantPublish:   v.GetBool(KeyInstantPublish),
		ProjectPerTenant: v.GetBool(KeyProjectPerTenant),
		Project:          v.GetString(KeyProject),
		Version:          v.GetString(KeyVersion),
		Languages:        v.GetStringSlice(KeyLanguages),
		Permission: ir.PermissionConfig{
			Property:    v.GetString(KeyPermProperty),
			DefaultRole: v.GetString(KeyPermDefaultRole),
			AdminRole:   v.GetString(KeyPermAdminRole),
		},
		MaxAttempts: v.GetInt(KeyMaxAttempts),
		Workers:     v.GetInt(KeyWorkers),
	}
	if es := v.GetStringMap(KeyElasticsearch); len(es) > 0 {
		repo.Elasticsearch = es
	}
	for _, t := range tenants {
		repo.Tenants = append(repo.Tenants, ir.TenantConfig{ID: t.ID, Project: t.Project})
	}
	cfg.Repository = repo
	return cfg, nil
}

func resolvePath(base, p string) string {
	if p == "" || base == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

var propertyRef = regexp.MustCompile(`\$\{([^}]*)\}`)

// substitute resolves ${name} references from properties, then from the
// environment.
func substitute(key, value string, properties map[string]string) (string, error) {
	var missing []string
	out := propertyRef.ReplaceAllStringFunc(value, func(ref string) string {
		name := strings.TrimSpace(ref[2 : len(ref)-1])
		// viper lowercases map keys.
		if v, ok := properties[strings.ToLower(name)]; ok {
			return v
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		missing = append(missing, name)
		return ref
	})
	if len(missing) > 0 {
		return "", &Error{Key: key, Message: fmt.Sprintf("unresolved property %s", strings.Join(missing, ", "))}
	}
	return out, nil
}

var versionLabel = regexp.MustCompile(`^[A-Za-z0-9._-]*$`)

// Validate checks the configuration and reports every problem found.
func Validate(cfg *Config) error {
	var errs []error
	if cfg.Target.URL == "" && !cfg.Target.Fake {
		errs = append(errs, &Error{Key: KeyTargetURL, Message: "is required unless target.fake is set"})
	}
	if !versionLabel.MatchString(cfg.Repository.Version) {
		errs = append(errs, &Error{Key: KeyVersion, Message: fmt.Sprintf("label %q may only contain letters, digits, '.', '_' and '-'", cfg.Repository.Version)})
	}
	if cfg.Repository.MaxAttempts < 1 {
		errs = append(errs, &Error{Key: KeyMaxAttempts, Message: "must be at least 1"})
	}
	if cfg.Repository.Workers < 1 {
		errs = append(errs, &Error{Key: KeyWorkers, Message: "must be at least 1"})
	}
	if !cfg.Repository.ProjectPerTenant && cfg.Repository.Project == "" {
		errs = append(errs, &Error{Key: KeyProject, Message: "is required when project_per_tenant is false"})
	}
	if cfg.Target.Timeout <= 0 {
		errs = append(errs, &Error{Key: KeyTargetTimeout, Message: "must be positive"})
	}
	return errors.Join(errs...)
}
