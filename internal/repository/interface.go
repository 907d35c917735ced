// Package repository resolves repository slugs (owner/name) to
// authenticated clone URLs via the hosting platform's API. The repo cache
// is the only consumer: it asks once per bare-clone fetch.
package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/scanfleet/scanfleet/internal/config"
)

// Provider abstracts one Git hosting platform.
type Provider interface {
	// Name identifies the provider (e.g. "github", "gitlab").
	Name() string

	// CloneURL returns the HTTPS clone URL for owner/name, verifying the
	// repository exists and is visible to the configured credential.
	CloneURL(ctx context.Context, owner, name string) (string, error)

	// AuthToken returns the credential used for git clone.
	AuthToken() string
}

// Resolver picks a provider per slug and caches resolutions. Satisfies
// repocache.CloneURLResolver.
type Resolver struct {
	providers []Provider

	mu    sync.Mutex
	cache map[string][2]string // slug → {url, token}
}

// NewResolver builds a Resolver from the configured credentials. GitHub
// providers are always tried before GitLab.
func NewResolver(cfg config.GitConfig) (*Resolver, error) {
	var providers []Provider
	for _, g := range cfg.GitHub {
		if g.Token == "" {
			continue
		}
		p, err := NewGitHub(g)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	for _, g := range cfg.GitLab {
		if g.Token == "" {
			continue
		}
		p, err := NewGitLab(g)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		// No credentials: public GitHub URLs still work unauthenticated.
		providers = append(providers, anonymousGitHub{})
	}
	return &Resolver{providers: providers, cache: map[string][2]string{}}, nil
}

// Resolve returns the clone URL and token for slug, asking each provider
// in order until one knows the repository.
func (r *Resolver) Resolve(ctx context.Context, slug string) (string, string, error) {
	r.mu.Lock()
	if hit, ok := r.cache[slug]; ok {
		r.mu.Unlock()
		return hit[0], hit[1], nil
	}
	r.mu.Unlock()

	owner, name, err := splitSlug(slug)
	if err != nil {
		return "", "", err
	}

	var lastErr error
	for _, p := range r.providers {
		url, err := p.CloneURL(ctx, owner, name)
		if err != nil {
			lastErr = err
			continue
		}
		r.mu.Lock()
		r.cache[slug] = [2]string{url, p.AuthToken()}
		r.mu.Unlock()
		return url, p.AuthToken(), nil
	}
	return "", "", fmt.Errorf("no provider resolved %s: %w", slug, lastErr)
}

// splitSlug parses "owner/name" (GitLab subgroups keep the full namespace
// as owner).
func splitSlug(slug string) (owner, name string, err error) {
	slug = strings.TrimSuffix(strings.TrimSpace(slug), ".git")
	idx := strings.LastIndex(slug, "/")
	if idx <= 0 || idx == len(slug)-1 {
		return "", "", fmt.Errorf("invalid repository slug %q (want owner/name)", slug)
	}
	return slug[:idx], slug[idx+1:], nil
}

// anonymousGitHub assumes public github.com repositories when no
// credential is configured.
type anonymousGitHub struct{}

func (anonymousGitHub) Name() string { return "github-anonymous" }

func (anonymousGitHub) CloneURL(_ context.Context, owner, name string) (string, error) {
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, name), nil
}

func (anonymousGitHub) AuthToken() string { return "" }
