package pdq

import (
	"context"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// Defaults used when no configuration is stored.
const (
	DefaultSendingApplication = "gnuhealth"
	DefaultSendingFacility    = "gnuhealth"
	DefaultCharacterSet       = "UNICODE UTF-8"
	DefaultLanguage           = "EN"
	DefaultCountry            = "ITA"
)

// Configuration is an immutable snapshot of the supplier settings, taken once
// at the start of each request.
type Configuration struct {
	Enabled             bool     `json:"enabled"`
	SendingApplication  string   `json:"sending_application"`
	SendingFacility     string   `json:"sending_facility"`
	CharacterSet        string   `json:"character_set"`
	Language            string   `json:"language"`
	Country             string   `json:"country"`
	AllowedApplications []string `json:"allowed_applications"`
	FilterByAllowedApp  bool     `json:"filter_by_allowed_app"`
}

// DefaultConfiguration returns the settings of a supplier that has never
// been configured: disabled, no allow-list.
func DefaultConfiguration() Configuration {
	return Configuration{
		SendingApplication: DefaultSendingApplication,
		SendingFacility:    DefaultSendingFacility,
		CharacterSet:       DefaultCharacterSet,
		Language:           DefaultLanguage,
		Country:            DefaultCountry,
	}
}

// AllowsApplication reports whether app may query the supplier. Without the
// filter every application is allowed.
func (c Configuration) AllowsApplication(app string) bool {
	if !c.FilterByAllowedApp {
		return true
	}
	for _, a := range c.AllowedApplications {
		if strings.TrimSpace(a) == app {
			return true
		}
	}
	return false
}

func (c Configuration) withDefaults() Configuration {
	d := DefaultConfiguration()
	if c.SendingApplication == "" {
		c.SendingApplication = d.SendingApplication
	}
	if c.SendingFacility == "" {
		c.SendingFacility = d.SendingFacility
	}
	if c.CharacterSet == "" {
		c.CharacterSet = d.CharacterSet
	}
	if c.Language == "" {
		c.Language = d.Language
	}
	if c.Country == "" {
		c.Country = d.Country
	}
	return c
}

// StaticConfigStore always returns the same snapshot.
type StaticConfigStore struct {
	cfg Configuration
}

func NewStaticConfigStore(cfg Configuration) *StaticConfigStore {
	cfg.AllowedApplications = append([]string(nil), cfg.AllowedApplications...)
	return &StaticConfigStore{cfg: cfg.withDefaults()}
}

func (s *StaticConfigStore) Load(_ context.Context) (Configuration, error) {
	cfg := s.cfg
	cfg.AllowedApplications = append([]string(nil), s.cfg.AllowedApplications...)
	return cfg, nil
}

const configCacheKey = "pdq_configuration"

// CachedConfigStore keeps the last snapshot of another store for ttl. A zero
// ttl reloads on every request.
type CachedConfigStore struct {
	next  ConfigStore
	ttl   time.Duration
	cache *cache.Cache
}

func NewCachedConfigStore(next ConfigStore, ttl time.Duration) *CachedConfigStore {
	s := &CachedConfigStore{next: next, ttl: ttl}
	if ttl > 0 {
		s.cache = cache.New(ttl, 2*ttl)
	}
	return s
}

func (s *CachedConfigStore) Load(ctx context.Context) (Configuration, error) {
	if s.cache == nil {
		return s.next.Load(ctx)
	}
	if o, found := s.cache.Get(configCacheKey); found {
		return o.(Configuration), nil
	}
	cfg, err := s.next.Load(ctx)
	if err != nil {
		return cfg, err
	}
	s.cache.Set(configCacheKey, cfg, cache.DefaultExpiration)
	return cfg, nil
}

// Invalidate drops the cached snapshot.
func (s *CachedConfigStore) Invalidate() {
	if s.cache != nil {
		s.cache.Delete(configCacheKey)
	}
}
