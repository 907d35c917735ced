package repository

import (
	"context"
	"testing"

	"github.com/scanfleet/scanfleet/internal/config"
)

func TestSplitSlug(t *testing.T) {
	cases := []struct {
		in          string
		owner, name string
		wantErr     bool
	}{
		{"acme/lib", "acme", "lib", false},
		{"acme/lib.git", "acme", "lib", false},
		{"group/subgroup/project", "group/subgroup", "project", false},
		{"justaname", "", "", true},
		{"trailing/", "", "", true},
	}
	for _, tc := range cases {
		owner, name, err := splitSlug(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if owner != tc.owner || name != tc.name {
			t.Fatalf("%q → %s / %s, want %s / %s", tc.in, owner, name, tc.owner, tc.name)
		}
	}
}

func TestResolverFallsBackToAnonymousGitHub(t *testing.T) {
	r, err := NewResolver(config.GitConfig{})
	if err != nil {
		t.Fatal(err)
	}
	url, token, err := r.Resolve(context.Background(), "acme/lib")
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://github.com/acme/lib.git" || token != "" {
		t.Fatalf("url=%q token=%q", url, token)
	}

	// Second resolve hits the cache (same answer either way).
	url2, _, err := r.Resolve(context.Background(), "acme/lib")
	if err != nil || url2 != url {
		t.Fatalf("cached resolve: %q %v", url2, err)
	}
}
