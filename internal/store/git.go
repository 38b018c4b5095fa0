package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"go.uber.org/zap"
)

const remoteName = "origin"

// GitConfig configures the go-git backend.
type GitConfig struct {
	// Path of the bare repository on disk. Empty keeps it in memory.
	Path string
	// RemoteURL, when set, is fetched before reads and pushed after writes.
	RemoteURL   string
	Username    string
	Password    string
	AuthorName  string
	AuthorEmail string
	BaseRef     string
}

// Validate checks the Git configuration.
func (c *GitConfig) Validate() error {
	if c.BaseRef == "" {
		return errors.New("git base ref cannot be empty")
	}
	if c.AuthorName == "" || c.AuthorEmail == "" {
		return errors.New("git author name and email are required")
	}
	if c.Username != "" && c.RemoteURL == "" {
		return errors.New("git credentials set without a remote url")
	}
	return nil
}

// GitStore keeps lock branches in a bare repository managed by go-git.
type GitStore struct {
	config *GitConfig
	logger *zap.Logger
	repo   *git.Repository
	auth   transport.AuthMethod

	// mu serialises ref updates made by this process.
	mu sync.Mutex
	// now and beforePush are replaced in tests.
	now        func() time.Time
	beforePush func(plumbing.ReferenceName)
}

// NewGitStore opens or initialises the repository, syncing it from the
// remote when one is configured. A local repository without the base ref
// gets an empty root commit on it.
func NewGitStore(ctx context.Context, cfg *GitConfig, logger *zap.Logger) (*GitStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid git configuration: %w", err)
	}

	var fs billy.Filesystem
	if cfg.Path == "" {
		fs = memfs.New()
	} else {
		fs = osfs.New(cfg.Path)
	}
	storer := filesystem.NewStorage(fs, cache.NewObjectLRUDefault())

	repo, err := git.Open(storer, nil)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.Init(storer, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}

	s := &GitStore{
		config: cfg,
		logger: logger,
		repo:   repo,
		now:    time.Now,
	}

	if cfg.RemoteURL != "" {
		if cfg.Username != "" {
			s.auth = &githttp.BasicAuth{Username: cfg.Username, Password: cfg.Password}
		}
		_, err := repo.CreateRemote(&gitconfig.RemoteConfig{Name: remoteName, URLs: []string{cfg.RemoteURL}})
		if err != nil && !errors.Is(err, git.ErrRemoteExists) {
			return nil, fmt.Errorf("failed to configure remote: %w", err)
		}
		if err := s.fetch(ctx); err != nil {
			return nil, err
		}
	} else if err := s.ensureBaseRef(); err != nil {
		return nil, err
	}

	logger.Info("Using Git lock store",
		zap.String("path", cfg.Path),
		zap.String("remote", cfg.RemoteURL),
		zap.String("base_ref", cfg.BaseRef),
	)
	return s, nil
}

func (s *GitStore) ensureBaseRef() error {
	name := plumbing.NewBranchReferenceName(s.config.BaseRef)
	if _, err := s.repo.Reference(name, true); err == nil {
		return nil
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return fmt.Errorf("failed to read base ref: %w", err)
	}

	treeHash, err := s.storeTree(nil)
	if err != nil {
		return err
	}
	commitHash, err := s.storeCommit(treeHash, nil, "initial commit")
	if err != nil {
		return err
	}
	return s.repo.Storer.SetReference(plumbing.NewHashReference(name, commitHash))
}

// fetch mirrors the remote branches into the local heads. Branches deleted
// on the remote are removed locally, which is how released locks disappear.
func (s *GitStore) fetch(ctx context.Context) error {
	if s.config.RemoteURL == "" {
		return nil
	}

	err := s.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitconfig.RefSpec{"+refs/heads/*:refs/heads/*"},
		Auth:       s.auth,
		Force:      true,
		Prune:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) && !errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return fmt.Errorf("failed to fetch from %s: %w", s.config.RemoteURL, err)
	}
	return nil
}

func (s *GitStore) push(ctx context.Context, name plumbing.ReferenceName) error {
	if s.config.RemoteURL == "" {
		return nil
	}
	if s.beforePush != nil {
		s.beforePush(name)
	}

	err := s.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(name.String() + ":" + name.String())},
		Auth:       s.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to push %s: %w", name.Short(), err)
	}
	return nil
}

func (s *GitStore) reference(branch string) (*plumbing.Reference, error) {
	ref, err := s.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, notFound("branch "+branch, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read branch %s: %w", branch, err)
	}
	return ref, nil
}

// BranchExists reports whether refs/heads/<branch> exists.
func (s *GitStore) BranchExists(ctx context.Context, branch string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fetch(ctx); err != nil {
		return false, err
	}
	if _, err := s.reference(branch); err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// EnsureBranch points a new branch at the head of baseRef.
func (s *GitStore) EnsureBranch(ctx context.Context, branch, baseRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fetch(ctx); err != nil {
		return false, err
	}
	if _, err := s.reference(branch); err == nil {
		return false, nil
	} else if !IsNotFound(err) {
		return false, err
	}

	base, err := s.reference(baseRef)
	if err != nil {
		return false, err
	}

	name := plumbing.NewBranchReferenceName(branch)
	if err := s.repo.Storer.SetReference(plumbing.NewHashReference(name, base.Hash())); err != nil {
		return false, fmt.Errorf("failed to create branch %s: %w", branch, err)
	}

	if err := s.push(ctx, name); err != nil {
		// Someone else may have pushed the branch first.
		s.rollback(ctx, name)
		if _, rerr := s.reference(branch); rerr == nil {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *GitStore) headTree(branch string) (*plumbing.Reference, *object.Commit, *object.Tree, error) {
	ref, err := s.reference(branch)
	if err != nil {
		return nil, nil, nil, err
	}
	commit, err := s.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to read commit on %s: %w", branch, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to read tree on %s: %w", branch, err)
	}
	return ref, commit, tree, nil
}

// ReadFile returns path from the head commit of branch.
func (s *GitStore) ReadFile(ctx context.Context, branch, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fetch(ctx); err != nil {
		return nil, err
	}
	_, _, tree, err := s.headTree(branch)
	if err != nil {
		return nil, err
	}

	file, err := tree.File(path)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, notFound(fmt.Sprintf("file %s on branch %s", path, branch), err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s on branch %s: %w", path, branch, err)
	}

	content, err := file.Contents()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s on branch %s: %w", path, branch, err)
	}
	return []byte(content), nil
}

// WriteFile commits content at path on top of branch. Only top level paths
// are supported.
func (s *GitStore) WriteFile(ctx context.Context, branch, path string, content []byte, message string) error {
	if path == "" || strings.Contains(path, "/") {
		return fmt.Errorf("unsupported file path %q", path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fetch(ctx); err != nil {
		return err
	}
	ref, parent, tree, err := s.headTree(branch)
	if err != nil {
		return err
	}

	blobHash, err := s.storeBlob(content)
	if err != nil {
		return err
	}

	entries := make([]object.TreeEntry, 0, len(tree.Entries)+1)
	for _, e := range tree.Entries {
		if e.Name != path {
			entries = append(entries, e)
		}
	}
	entries = append(entries, object.TreeEntry{Name: path, Mode: filemode.Regular, Hash: blobHash})

	treeHash, err := s.storeTree(entries)
	if err != nil {
		return err
	}
	commitHash, err := s.storeCommit(treeHash, []plumbing.Hash{parent.Hash}, message)
	if err != nil {
		return err
	}

	next := plumbing.NewHashReference(ref.Name(), commitHash)
	if err := s.repo.Storer.CheckAndSetReference(next, ref); err != nil {
		return fmt.Errorf("failed to update branch %s: %w", branch, err)
	}

	if err := s.push(ctx, ref.Name()); err != nil {
		s.rollback(ctx, ref.Name())
		return err
	}

	s.logger.Debug("Committed file",
		zap.String("branch", branch),
		zap.String("path", path),
		zap.String("commit", commitHash.String()),
	)
	return nil
}

// rollback drops a local ref the remote refused and resyncs it from the
// remote, so a branch deleted there is not restored.
func (s *GitStore) rollback(ctx context.Context, name plumbing.ReferenceName) {
	_ = s.repo.Storer.RemoveReference(name)
	if err := s.fetch(ctx); err != nil {
		s.logger.Warn("Failed to resync after rejected push",
			zap.String("ref", name.Short()),
			zap.Error(err),
		)
	}
}

func (s *GitStore) storeBlob(content []byte) (plumbing.Hash, error) {
	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return s.repo.Storer.SetEncodedObject(obj)
}

func (s *GitStore) storeTree(entries []object.TreeEntry) (plumbing.Hash, error) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	obj := s.repo.Storer.NewEncodedObject()
	if err := (&object.Tree{Entries: entries}).Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to encode tree: %w", err)
	}
	return s.repo.Storer.SetEncodedObject(obj)
}

func (s *GitStore) storeCommit(tree plumbing.Hash, parents []plumbing.Hash, message string) (plumbing.Hash, error) {
	sig := object.Signature{
		Name:  s.config.AuthorName,
		Email: s.config.AuthorEmail,
		When:  s.now(),
	}
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     tree,
		ParentHashes: parents,
	}

	obj := s.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to encode commit: %w", err)
	}
	return s.repo.Storer.SetEncodedObject(obj)
}

// DefaultRef returns the configured base ref.
func (s *GitStore) DefaultRef(context.Context) (string, error) {
	return s.config.BaseRef, nil
}

// Ping lists the remote refs, or checks the base ref of a local repository.
func (s *GitStore) Ping(ctx context.Context) error {
	if s.config.RemoteURL == "" {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.reference(s.config.BaseRef)
		return err
	}

	remote, err := s.repo.Remote(remoteName)
	if err != nil {
		return err
	}
	if _, err := remote.ListContext(ctx, &git.ListOptions{Auth: s.auth}); err != nil {
		return fmt.Errorf("failed to reach %s: %w", s.config.RemoteURL, err)
	}
	return nil
}

// Close is a no-op.
func (s *GitStore) Close(context.Context) error {
	return nil
}
