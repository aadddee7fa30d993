package cachezone

import (
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"

	cachekey "github.com/always-cache/cachezone/pkg/cache-key"
)

// FileConfig is the YAML configuration of the cachezone command.
// Durations use time.ParseDuration syntax, sizes use parseBytes syntax.
type FileConfig struct {
	Listen        string `yaml:"listen"`
	Admin         string `yaml:"admin"`
	Origin        string `yaml:"origin"`
	OriginHost    string `yaml:"originHost"`
	OriginTimeout string `yaml:"originTimeout"`

	Zone struct {
		MaxSize    string `yaml:"maxSize"`
		Inactive   string `yaml:"inactive"`
		SweepEvery string `yaml:"sweepEvery"`
		// Store is one of memory, sqlite or leveldb.
		Store string `yaml:"store"`
		Path  string `yaml:"path"`
		// HotItems puts an in-memory LRU of that many records in front of a disk store.
		HotItems int `yaml:"hotItems"`
	} `yaml:"zone"`

	// CacheValid maps status classes ("200", "2xx", "any") to freshness lifetimes.
	CacheValid    map[string]string `yaml:"cacheValid"`
	StaleIfError  *bool             `yaml:"staleIfError"`
	StaleStatuses []int             `yaml:"staleStatuses"`

	Bypass struct {
		Headers []string `yaml:"headers"`
		Cookies []string `yaml:"cookies"`
		Query   []string `yaml:"query"`
	} `yaml:"bypass"`

	Key struct {
		FullQuery *bool    `yaml:"fullQuery"`
		Query     []string `yaml:"query"`
		Headers   []string `yaml:"headers"`
	} `yaml:"key"`

	// compiled
	originURL     url.URL
	maxSizeBytes  int64
	inactive      time.Duration
	sweepEvery    time.Duration
	originTimeout time.Duration
	policy        Policy
}

// DefaultFileConfig returns the configuration used when no file is given.
func DefaultFileConfig() FileConfig {
	var cfg FileConfig
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads and compiles the YAML file at path.
func LoadConfig(path string) (FileConfig, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Compile(); err != nil {
		return FileConfig{}, err
	}
	return cfg, nil
}

// ReadConfig reads the YAML file at path and fills in defaults,
// leaving Compile to the caller.
func ReadConfig(path string) (FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, errors.Wrapf(err, errors.CodeInvalidConfig, "could not read config %s", path)
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return FileConfig{}, errors.Wrapf(err, errors.CodeInvalidConfig, "could not parse config %s", path)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *FileConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.OriginTimeout == "" {
		c.OriginTimeout = "60s"
	}
	if c.Zone.MaxSize == "" {
		c.Zone.MaxSize = "10g"
	}
	if c.Zone.Inactive == "" {
		c.Zone.Inactive = "60m"
	}
	if c.Zone.SweepEvery == "" {
		c.Zone.SweepEvery = "10s"
	}
	if c.Zone.Store == "" {
		c.Zone.Store = "memory"
	}
	if len(c.CacheValid) == 0 {
		c.CacheValid = map[string]string{"200": "10s", "any": "10s"}
	}
	if c.StaleIfError == nil {
		enabled := true
		c.StaleIfError = &enabled
	}
	if c.StaleStatuses == nil {
		c.StaleStatuses = []int{
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		}
	}
	if c.Key.FullQuery == nil {
		enabled := true
		c.Key.FullQuery = &enabled
	}
}

// Compile validates the configuration and derives the typed values.
// Call it again after changing fields.
func (c *FileConfig) Compile() error {
	if c.Origin == "" {
		return errors.New(errors.CodeInvalidConfig, "origin is required")
	}
	origin, err := url.Parse(strings.TrimRight(c.Origin, "/"))
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "origin")
	}
	if origin.Scheme == "" || origin.Host == "" {
		return errors.Newf(errors.CodeInvalidConfig, "origin must be an absolute URL, got %q", c.Origin)
	}
	c.originURL = *origin

	if c.maxSizeBytes, err = parseBytes(c.Zone.MaxSize); err != nil {
		return errors.WithContext(err, "field", "zone.maxSize")
	}
	if c.inactive, err = parseDuration("zone.inactive", c.Zone.Inactive); err != nil {
		return err
	}
	if c.sweepEvery, err = parseDuration("zone.sweepEvery", c.Zone.SweepEvery); err != nil {
		return err
	}
	if c.originTimeout, err = parseDuration("originTimeout", c.OriginTimeout); err != nil {
		return err
	}
	switch c.Zone.Store {
	case "memory", "sqlite", "leveldb":
	default:
		return errors.Newf(errors.CodeInvalidConfig, "zone.store must be memory, sqlite or leveldb, got %q", c.Zone.Store)
	}

	durations := make(map[StatusClass]time.Duration, len(c.CacheValid))
	for class, value := range c.CacheValid {
		if err := validateStatusClass(class); err != nil {
			return err
		}
		d, err := parseDuration("cacheValid."+class, value)
		if err != nil {
			return err
		}
		durations[StatusClass(strings.ToLower(class))] = d
	}

	c.policy = Policy{
		CacheableStatusDurations: durations,
		Bypass: BypassCondition{
			Headers: c.Bypass.Headers,
			Cookies: c.Bypass.Cookies,
			Query:   c.Bypass.Query,
		},
		KeyDimensions: cachekey.Dimensions{
			FullQuery: c.Key.FullQuery != nil && *c.Key.FullQuery,
			Query:     c.Key.Query,
			Headers:   c.Key.Headers,
		},
		StaleIfError:  c.StaleIfError != nil && *c.StaleIfError,
		StaleStatuses: c.StaleStatuses,
		OriginTimeout: c.originTimeout,
	}
	return nil
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.WithContext(errors.Wrapf(err, errors.CodeInvalidConfig, "%s: invalid duration", field), "field", field)
	}
	return d, nil
}

func validateStatusClass(class string) error {
	class = strings.ToLower(class)
	if class == string(ClassAny) {
		return nil
	}
	if len(class) == 3 && strings.HasSuffix(class, "xx") && class[0] >= '1' && class[0] <= '5' {
		return nil
	}
	if code, err := strconv.Atoi(class); err == nil && code >= 100 && code <= 599 {
		return nil
	}
	return errors.Newf(errors.CodeInvalidConfig, "invalid status class %q", class)
}

func (c FileConfig) OriginURL() url.URL {
	return c.originURL
}

func (c FileConfig) Policy() Policy {
	return c.policy
}

func (c FileConfig) MaxSizeBytes() int64 {
	return c.maxSizeBytes
}

func (c FileConfig) InactiveTimeout() time.Duration {
	return c.inactive
}

func (c FileConfig) SweepInterval() time.Duration {
	return c.sweepEvery
}
