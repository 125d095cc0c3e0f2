package idp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/authflow/internal/models"
)

// Provider is one mock upstream identity provider and the single client
// registered with it.
type Provider struct {
	Name         string          `yaml:"-"`
	DisplayName  string          `yaml:"display_name"`
	ClientID     string          `yaml:"client_id"`
	ClientSecret string          `yaml:"client_secret"`
	RedirectURIs []string        `yaml:"redirect_uris"`
	Scopes       []string        `yaml:"scopes"`
	Profile      models.UserInfo `yaml:"profile"`
}

// AllowsRedirect reports whether redirectURI is registered for the
// provider's client. Registered bare loopback origins such as
// "http://localhost" match any port and path.
func (p Provider) AllowsRedirect(redirectURI string) bool {
	return validateRedirectURI(p.RedirectURIs, redirectURI)
}

type registryFile struct {
	Providers map[string]Provider `yaml:"providers"`
}

// DefaultProviders returns the four built-in providers. Each accepts the
// backend callback (confidential client) and the standalone single page
// app callback (public client using PKCE).
func DefaultProviders() map[string]Provider {
	names := []string{"google", "microsoft", "strava", "company"}
	out := make(map[string]Provider, len(names))

	for _, name := range names {
		scopes := []string{"openid", "profile", "email"}
		if name == "strava" {
			scopes = []string{"read", "activity:read"}
		}

		out[name] = Provider{
			Name:         name,
			ClientID:     "fake-" + name + "-client-id",
			ClientSecret: "fake-" + name + "-client-secret",
			RedirectURIs: []string{
				"http://localhost:3001/api/auth/callback/" + name,
				"http://localhost:3003/callback",
			},
			Scopes: scopes,
			Profile: models.UserInfo{
				ID:       name + "-123",
				Email:    name + ".user@example.com",
				Name:     displayName(name) + " User",
				Provider: name,
			},
		}
	}

	return finalize(out)
}

// displayName builds a fresh Caser per call; Casers are stateful and not
// safe to share across goroutines.
func displayName(name string) string {
	return cases.Title(language.English).String(name)
}

// finalize fills derived fields and checks every entry is usable.
func finalize(providers map[string]Provider) map[string]Provider {
	for name, p := range providers {
		p.Name = name
		if p.DisplayName == "" {
			p.DisplayName = displayName(name)
		}

		if p.Profile.Provider == "" {
			p.Profile.Provider = name
		}

		providers[name] = p
	}

	return providers
}

func validate(providers map[string]Provider) error {
	if len(providers) == 0 {
		return errors.New("no providers defined")
	}

	for _, name := range slices.Sorted(maps.Keys(providers)) {
		p := providers[name]

		switch {
		case p.ClientID == "":
			return fmt.Errorf("provider %q: client_id is required", name)
		case len(p.RedirectURIs) == 0:
			return fmt.Errorf("provider %q: at least one redirect_uri is required", name)
		case p.Profile.ID == "":
			return fmt.Errorf("provider %q: profile.id is required", name)
		}
	}

	return nil
}

// LoadProviders parses a YAML registry file.
func LoadProviders(path string) (map[string]Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading provider registry: %w", err)
	}

	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing provider registry %s: %w", path, err)
	}

	if err := validate(f.Providers); err != nil {
		return nil, fmt.Errorf("provider registry %s: %w", path, err)
	}

	return finalize(f.Providers), nil
}

// Registry holds the active provider set. Reads are lock-free; a reload
// swaps the whole set at once.
type Registry struct {
	providers atomic.Pointer[map[string]Provider]
}

// NewRegistry returns a registry serving providers.
func NewRegistry(providers map[string]Provider) *Registry {
	r := &Registry{}
	r.Replace(providers)

	return r
}

// Replace swaps in a new provider set.
func (r *Registry) Replace(providers map[string]Provider) {
	cp := maps.Clone(providers)
	r.providers.Store(&cp)
}

// Lookup returns the named provider.
func (r *Registry) Lookup(name string) (Provider, bool) {
	p, ok := (*r.providers.Load())[name]
	return p, ok
}

// Names returns the provider names in sorted order.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(*r.providers.Load()))
}

// reloadDebounce coalesces the burst of events editors produce on save.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads the registry from path whenever the file changes, until
// ctx is cancelled. The parent directory is watched so that editors
// replacing the file by rename are picked up. A file that fails to parse
// leaves the previous set in place.
func (r *Registry) Watch(ctx context.Context, path string, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving registry path: %w", err)
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching registry dir: %w", err)
	}

	logger.Info("provider registry watcher started", slog.String("path", abs))

	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != abs {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				debounce = time.After(reloadDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("fsnotify errors channel closed unexpectedly")
			}

			logger.Warn("registry watcher error", slog.String("error", err.Error()))

		case <-debounce:
			debounce = nil

			providers, err := LoadProviders(abs)
			if err != nil {
				logger.Warn("provider registry reload failed, keeping previous set", slog.String("error", err.Error()))
				continue
			}

			r.Replace(providers)
			logger.Info("provider registry reloaded", slog.Int("providers", len(providers)))
		}
	}
}
