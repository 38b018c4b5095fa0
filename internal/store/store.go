package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is wrapped by every backend when a branch or file does not
// exist. It is the only store error the lock coordinator recovers from.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err signals a missing branch or file.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// notFound wraps a backend specific "missing" error so that it matches
// ErrNotFound while keeping the original message.
func notFound(what string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %w", what, ErrNotFound, cause)
}

// Store is a versioned object store made of branches holding files. Lock
// records are kept as files on dedicated lock branches.
type Store interface {
	// BranchExists reports whether branch exists. A missing branch is not
	// an error.
	BranchExists(ctx context.Context, branch string) (bool, error)

	// EnsureBranch creates branch at the head of baseRef if it does not
	// exist yet, and reports whether it was created.
	EnsureBranch(ctx context.Context, branch, baseRef string) (bool, error)

	// ReadFile returns the content of path on branch. The error matches
	// ErrNotFound when the branch or the file does not exist. A nil slice
	// with a nil error means the file exists but has no content.
	ReadFile(ctx context.Context, branch, path string) ([]byte, error)

	// WriteFile creates or replaces path on branch in a single commit.
	WriteFile(ctx context.Context, branch, path string, content []byte, message string) error

	// DefaultRef returns the repository's baseline branch, used as the base
	// of new lock branches.
	DefaultRef(ctx context.Context) (string, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close(ctx context.Context) error
}
