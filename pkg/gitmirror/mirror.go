package gitmirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	goGit "github.com/go-git/go-git/v5"
	goGitConfig "github.com/go-git/go-git/v5/config"
	goGitPlumbing "github.com/go-git/go-git/v5/plumbing"
	goGitObject "github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	goGitHTTP "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"
)

// Auth holds credentials for repository access. For GitHub and similar
// services use a personal access token, not a password.
type Auth struct {
	Username string
	Token    string
}

// TransientError marks a repository operation failure that the next poll
// cycle is expected to retry (network, auth, remote unavailable).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient git error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Mirror wraps one local working copy of the configuration repository.
// Fetch and tree reads are serialized so a mirror can be shared between
// environment loops, though one mirror per environment is the recommended
// setup.
type Mirror struct {
	url    string
	branch string
	path   string
	auth   *Auth
	log    *zap.SugaredLogger

	mu   sync.Mutex
	repo *goGit.Repository
}

// NewMirror opens the working copy at path, cloning it from url first if it
// does not exist yet.
func NewMirror(auth *Auth, url, branch, path string, log *zap.SugaredLogger) (*Mirror, error) {
	if url == "" {
		return nil, fmt.Errorf("git URL cannot be empty")
	}
	if branch == "" {
		return nil, fmt.Errorf("git branch cannot be empty")
	}

	m := &Mirror{
		url:    url,
		branch: branch,
		path:   path,
		auth:   auth,
		log:    log,
	}

	repo, err := goGit.PlainOpen(path)
	if errors.Is(err, goGit.ErrRepositoryNotExists) {
		repo, err = m.clone()
	}
	if err != nil {
		return nil, err
	}
	m.repo = repo
	return m, nil
}

func (m *Mirror) clone() (*goGit.Repository, error) {
	if err := os.MkdirAll(m.path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create mirror directory: %w", err)
	}

	cloneOptions := &goGit.CloneOptions{
		URL:           m.url,
		ReferenceName: goGitPlumbing.NewBranchReferenceName(m.branch),
		SingleBranch:  true,
	}
	if method := m.authMethod(); method != nil {
		cloneOptions.Auth = method
	}

	m.log.Infow("Cloning configuration repository", "url", m.url, "branch", m.branch, "path", m.path)
	repo, err := goGit.PlainClone(m.path, false, cloneOptions)
	if err != nil {
		return nil, &TransientError{Op: "clone", Err: err}
	}
	return repo, nil
}

func (m *Mirror) authMethod() transport.AuthMethod {
	if m.auth == nil || m.auth.Username == "" || m.auth.Token == "" {
		return nil
	}
	return &goGitHTTP.BasicAuth{
		Username: m.auth.Username,
		Password: m.auth.Token,
	}
}

// Fetch updates remote refs and returns the head commit of the watched
// branch. Repositories without an "origin" remote (local fixtures) resolve
// the local branch head instead.
func (m *Mirror) Fetch(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.repo.Remote(goGit.DefaultRemoteName)
	if errors.Is(err, goGit.ErrRemoteNotFound) {
		ref, err := m.repo.Reference(goGitPlumbing.NewBranchReferenceName(m.branch), true)
		if err != nil {
			return "", &TransientError{Op: "resolve", Err: err}
		}
		return ref.Hash().String(), nil
	}
	if err != nil {
		return "", &TransientError{Op: "remote", Err: err}
	}

	fetchOptions := &goGit.FetchOptions{
		RefSpecs: []goGitConfig.RefSpec{"refs/heads/*:refs/remotes/origin/*"},
	}
	if method := m.authMethod(); method != nil {
		fetchOptions.Auth = method
	}

	err = m.repo.FetchContext(ctx, fetchOptions)
	if err != nil && !errors.Is(err, goGit.NoErrAlreadyUpToDate) {
		return "", &TransientError{Op: "fetch", Err: err}
	}

	remoteRef := goGitPlumbing.NewRemoteReferenceName(goGit.DefaultRemoteName, m.branch)
	ref, err := m.repo.Reference(remoteRef, true)
	if err != nil {
		return "", &TransientError{Op: "resolve", Err: err}
	}
	return ref.Hash().String(), nil
}

// Diff returns the repository paths changed between the two commits. An
// empty from commit yields every path present at to, which covers the very
// first reconciliation of a fresh environment.
func (m *Mirror) Diff(from, to string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	toTree, err := m.commitTree(to)
	if err != nil {
		return nil, err
	}

	if from == "" {
		var paths []string
		err = toTree.Files().ForEach(func(f *goGitObject.File) error {
			paths = append(paths, f.Name)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk tree of %s: %w", to, err)
		}
		return paths, nil
	}

	fromTree, err := m.commitTree(from)
	if err != nil {
		return nil, err
	}

	changes, err := goGitObject.DiffTree(fromTree, toTree)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s..%s: %w", from, to, err)
	}

	seen := make(map[string]struct{})
	var paths []string
	for _, change := range changes {
		for _, name := range []string{change.From.Name, change.To.Name} {
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			paths = append(paths, name)
		}
	}
	return paths, nil
}

// ReadTree returns every file under pathPrefix at the given commit, keyed by
// repository path.
func (m *Mirror) ReadTree(commit, pathPrefix string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tree, err := m.commitTree(commit)
	if err != nil {
		return nil, err
	}

	prefix := strings.TrimSuffix(pathPrefix, "/") + "/"
	files := make(map[string][]byte)
	err = tree.Files().ForEach(func(f *goGitObject.File) error {
		if !strings.HasPrefix(f.Name, prefix) {
			return nil
		}
		contents, err := f.Contents()
		if err != nil {
			return fmt.Errorf("failed to read %s at %s: %w", f.Name, commit, err)
		}
		files[f.Name] = []byte(contents)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (m *Mirror) commitTree(commit string) (*goGitObject.Tree, error) {
	commitObj, err := m.repo.CommitObject(goGitPlumbing.NewHash(commit))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve commit %s: %w", commit, err)
	}
	tree, err := commitObj.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read tree of %s: %w", commit, err)
	}
	return tree, nil
}
