package repository

import (
	"context"
	"fmt"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/scanfleet/scanfleet/internal/config"
)

// GitLabProvider resolves repositories on GitLab (cloud and self-hosted).
type GitLabProvider struct {
	client *gitlab.Client
	token  string
	host   string
}

// NewGitLab creates a GitLabProvider from the given configuration.
func NewGitLab(cfg config.GitLabConfig) (*GitLabProvider, error) {
	opts := []gitlab.ClientOptionFunc{}
	if cfg.Host != "" && cfg.Host != "gitlab.com" {
		base := fmt.Sprintf("https://%s/api/v4/", cfg.Host)
		opts = append(opts, gitlab.WithBaseURL(base))
	}

	client, err := gitlab.NewClient(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GitLab client: %w", err)
	}

	return &GitLabProvider{client: client, token: cfg.Token, host: cfg.Host}, nil
}

func (g *GitLabProvider) Name() string      { return "gitlab" }
func (g *GitLabProvider) AuthToken() string { return g.token }

// CloneURL verifies the project via the API and returns its HTTPS URL.
// owner may carry subgroups (group/subgroup).
func (g *GitLabProvider) CloneURL(ctx context.Context, owner, name string) (string, error) {
	nameWithNS := owner + "/" + name
	proj, _, err := g.client.Projects.GetProject(nameWithNS, nil, gitlab.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("getting GitLab project %s: %w", nameWithNS, err)
	}
	if proj.HTTPURLToRepo == "" {
		return "", fmt.Errorf("GitLab project %s has no clone URL", nameWithNS)
	}
	return proj.HTTPURLToRepo, nil
}
