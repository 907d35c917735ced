package repocache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

type staticResolver struct{ path string }

func (r staticResolver) Resolve(context.Context, string) (string, string, error) {
	return r.path, "", nil
}

// initRepo creates a repository with two commits and returns their shas.
func initRepo(t *testing.T) (dir, first, second string) {
	t.Helper()
	dir = t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	wt, _ := repo.Worktree()

	commit := func(name, content string) string {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := wt.Add(name); err != nil {
			t.Fatal(err)
		}
		hash, err := wt.Commit("add "+name, &gogit.CommitOptions{
			Author: &object.Signature{Name: "t", Email: "t@example.com", When: time.Now()},
		})
		if err != nil {
			t.Fatal(err)
		}
		return hash.String()
	}

	first = commit("a.txt", "one\n")
	second = commit("b.txt", "two\n")
	return dir, first, second
}

func TestCheckoutConcurrentCommitsOfSameRepo(t *testing.T) {
	repoDir, first, second := initRepo(t)
	cache, err := New(t.TempDir(), staticResolver{path: repoDir})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	co1, err := cache.CheckoutCommit(ctx, "acme/lib", first, "w1")
	if err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	defer cache.Release(co1)
	co2, err := cache.CheckoutCommit(ctx, "acme/lib", second, "w2")
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}
	defer cache.Release(co2)

	if co1.Path == co2.Path {
		t.Fatal("checkouts must land in distinct working copies")
	}

	// The first commit has only a.txt; the second has both files.
	if _, err := os.Stat(filepath.Join(co1.Path, "b.txt")); !os.IsNotExist(err) {
		t.Fatalf("first checkout should not contain b.txt: %v", err)
	}
	if _, err := os.Stat(filepath.Join(co2.Path, "b.txt")); err != nil {
		t.Fatalf("second checkout missing b.txt: %v", err)
	}
}

func TestCheckoutMissingCommit(t *testing.T) {
	repoDir, _, _ := initRepo(t)
	cache, err := New(t.TempDir(), staticResolver{path: repoDir})
	if err != nil {
		t.Fatal(err)
	}

	_, err = cache.CheckoutCommit(context.Background(), "acme/lib",
		strings.Repeat("0123", 10), "w1")
	if !errors.Is(err, ErrCommitMissing) {
		t.Fatalf("expected ErrCommitMissing, got %v", err)
	}
}

func TestReleaseRemovesWorkingCopy(t *testing.T) {
	repoDir, first, _ := initRepo(t)
	cache, err := New(t.TempDir(), staticResolver{path: repoDir})
	if err != nil {
		t.Fatal(err)
	}

	co, err := cache.CheckoutCommit(context.Background(), "acme/lib", first, "w1")
	if err != nil {
		t.Fatal(err)
	}
	cache.Release(co)
	if _, err := os.Stat(co.Path); !os.IsNotExist(err) {
		t.Fatalf("working copy survived release: %v", err)
	}
}
