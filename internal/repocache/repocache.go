// Package repocache maintains one bare clone per repository slug plus
// ephemeral working copies for the commits being scanned. Bare clone
// updates are serialized per slug with a file lock so concurrent
// dispatchers (and concurrent processes) never corrupt a fetch; checkouts
// of different commits proceed in parallel, each into its own directory.
package repocache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	gogit "github.com/go-git/go-git/v5"
	gogitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/gofrs/flock"
)

// ErrCommitMissing marks a commit that does not exist in the repository
// even after a fresh fetch. Non-retryable.
var ErrCommitMissing = errors.New("repocache: commit not found in repository")

// ErrRepoUnreachable marks a repository that cannot be cloned or fetched.
var ErrRepoUnreachable = errors.New("repocache: repository unreachable")

// Checkout is one materialized working copy.
type Checkout struct {
	Path      string
	Slug      string
	CommitSHA string
}

// CloneURLResolver turns a repository slug (owner/name) into an
// authenticated clone URL plus token.
type CloneURLResolver interface {
	Resolve(ctx context.Context, slug string) (url, token string, err error)
}

// Cache manages bare clones and working copies under a workdir root.
type Cache struct {
	root     string
	resolver CloneURLResolver
}

// New creates a Cache rooted at workdir.
func New(workdir string, resolver CloneURLResolver) (*Cache, error) {
	for _, sub := range []string{"bare", "work", "locks"} {
		if err := os.MkdirAll(filepath.Join(workdir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}
	return &Cache{root: workdir, resolver: resolver}, nil
}

func (c *Cache) barePath(slug string) string {
	return filepath.Join(c.root, "bare", sanitize(slug)+".git")
}

func (c *Cache) lockPath(slug string) string {
	return filepath.Join(c.root, "locks", sanitize(slug)+".lock")
}

// Ensure fetches or creates the bare clone for slug and returns its path.
// Writers are serialized by a per-slug file lock.
func (c *Cache) Ensure(ctx context.Context, slug string) (string, error) {
	lock := flock.New(c.lockPath(slug))
	locked, err := lock.TryLockContext(ctx, 200*time.Millisecond)
	if err != nil {
		return "", fmt.Errorf("locking bare clone for %s: %w", slug, err)
	}
	if !locked {
		return "", fmt.Errorf("locking bare clone for %s: not acquired", slug)
	}
	defer lock.Unlock()

	barePath := c.barePath(slug)
	url, token, err := c.resolver.Resolve(ctx, slug)
	if err != nil {
		return "", fmt.Errorf("resolving clone URL for %s: %w", slug, err)
	}
	auth := authFor(url, token)

	if _, statErr := os.Stat(barePath); os.IsNotExist(statErr) {
		slog.Info("Cloning repository", "slug", slug, "dest", barePath)
		_, err = gogit.PlainCloneContext(ctx, barePath, true, &gogit.CloneOptions{
			URL:  url,
			Auth: auth,
		})
		if err != nil {
			os.RemoveAll(barePath)
			return "", fmt.Errorf("%w: cloning %s: %v", ErrRepoUnreachable, slug, err)
		}
		return barePath, nil
	}

	repo, err := gogit.PlainOpen(barePath)
	if err != nil {
		return "", fmt.Errorf("opening bare clone for %s: %w", slug, err)
	}
	slog.Debug("Fetching repository updates", "slug", slug)
	err = repo.FetchContext(ctx, &gogit.FetchOptions{
		Auth:     auth,
		RefSpecs: []gogitcfg.RefSpec{"+refs/heads/*:refs/heads/*"},
		Force:    true,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		if errors.Is(err, transport.ErrAuthenticationRequired) || errors.Is(err, transport.ErrRepositoryNotFound) {
			return "", fmt.Errorf("%w: fetching %s: %v", ErrRepoUnreachable, slug, err)
		}
		return "", fmt.Errorf("fetching %s: %w", slug, err)
	}
	return barePath, nil
}

// CheckoutCommit materializes commitSHA into a working copy owned by
// dispatcherID. The directory name carries (slug, commit, dispatcher) so
// concurrent checkouts never collide.
func (c *Cache) CheckoutCommit(ctx context.Context, slug, commitSHA, dispatcherID string) (*Checkout, error) {
	barePath, err := c.Ensure(ctx, slug)
	if err != nil {
		return nil, err
	}

	bare, err := gogit.PlainOpen(barePath)
	if err != nil {
		return nil, fmt.Errorf("opening bare clone for %s: %w", slug, err)
	}

	hash := plumbing.NewHash(commitSHA)
	if _, err := bare.CommitObject(hash); err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s@%s", ErrCommitMissing, slug, commitSHA)
		}
		return nil, fmt.Errorf("resolving commit %s: %w", commitSHA, err)
	}

	short := commitSHA
	if len(short) > 12 {
		short = short[:12]
	}
	workPath := filepath.Join(c.root, "work", fmt.Sprintf("%s-%s-%s", sanitize(slug), short, dispatcherID))
	if err := os.RemoveAll(workPath); err != nil {
		return nil, fmt.Errorf("clearing stale working copy: %w", err)
	}

	// Clone locally from the bare repository, then detach at the commit.
	work, err := gogit.PlainCloneContext(ctx, workPath, false, &gogit.CloneOptions{
		URL:        barePath,
		NoCheckout: true,
	})
	if err != nil {
		os.RemoveAll(workPath)
		return nil, fmt.Errorf("creating working copy for %s: %w", slug, err)
	}

	wt, err := work.Worktree()
	if err != nil {
		os.RemoveAll(workPath)
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		os.RemoveAll(workPath)
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s@%s", ErrCommitMissing, slug, commitSHA)
		}
		return nil, fmt.Errorf("checking out %s: %w", commitSHA, err)
	}

	return &Checkout{Path: workPath, Slug: slug, CommitSHA: commitSHA}, nil
}

// Release removes a working copy. Bare clones persist for the process
// lifetime; GC handles them separately.
func (c *Cache) Release(co *Checkout) {
	if co == nil {
		return
	}
	if err := os.RemoveAll(co.Path); err != nil {
		slog.Warn("Failed to remove working copy", "path", co.Path, "error", err)
	}
}

// GC removes bare clones when free disk under the cache root drops below
// thresholdMB. Clones are removed in directory-name order until free space
// recovers; access time is not considered.
func (c *Cache) GC(thresholdMB int) error {
	if thresholdMB <= 0 {
		return nil
	}
	freeMB, err := freeDiskMB(c.root)
	if err != nil {
		return err
	}
	if freeMB >= uint64(thresholdMB) {
		return nil
	}

	bareRoot := filepath.Join(c.root, "bare")
	entries, err := os.ReadDir(bareRoot)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if freeMB >= uint64(thresholdMB) {
			break
		}
		path := filepath.Join(bareRoot, e.Name())
		slog.Info("Evicting bare clone for disk space", "path", path, "free_mb", freeMB)
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("Failed to evict bare clone", "path", path, "error", err)
			continue
		}
		freeMB, err = freeDiskMB(c.root)
		if err != nil {
			return err
		}
	}
	return nil
}

func freeDiskMB(path string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return st.Bavail * uint64(st.Bsize) / (1024 * 1024), nil
}

func authFor(url, token string) transport.AuthMethod {
	if token == "" {
		return nil
	}
	_ = url
	return &githttp.BasicAuth{Username: "scanfleet", Password: token}
}

func sanitize(slug string) string {
	return strings.NewReplacer("/", "__", ":", "_").Replace(slug)
}
