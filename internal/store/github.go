package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/go-github/v66/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/marcusmccarty/branch-deploy/internal/model"
)

// GitHubConfig configures the GitHub REST backend.
type GitHubConfig struct {
	Token         string
	Owner         string
	Repo          string
	APIURL        string
	MaxRetries    uint
	RetryInterval time.Duration
}

// Validate checks the GitHub configuration.
func (c *GitHubConfig) Validate() error {
	if c.Owner == "" {
		return errors.New("github owner cannot be empty")
	}
	if c.Repo == "" {
		return errors.New("github repo cannot be empty")
	}
	if c.APIURL != "" {
		if _, err := url.Parse(c.APIURL); err != nil {
			return fmt.Errorf("invalid github api url %q: %w", c.APIURL, err)
		}
	}
	return nil
}

// GitHubStore keeps lock branches in a GitHub repository and posts comments
// on its issues and pull requests.
type GitHubStore struct {
	config *GitHubConfig
	logger *zap.Logger
	client *github.Client
}

// NewGitHubStore creates a GitHub backed store. An empty token gives an
// unauthenticated client.
func NewGitHubStore(ctx context.Context, cfg *GitHubConfig, logger *zap.Logger) (*GitHubStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid github configuration: %w", err)
	}

	var httpClient *http.Client
	if cfg.Token != "" {
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	}
	client := github.NewClient(httpClient)

	if cfg.APIURL != "" {
		base, err := url.Parse(strings.TrimSuffix(cfg.APIURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid github api url: %w", err)
		}
		client.BaseURL = base
	}

	logger.Info("Using GitHub lock store",
		zap.String("repository", cfg.Owner+"/"+cfg.Repo),
		zap.String("api_url", client.BaseURL.String()),
	)

	return &GitHubStore{
		config: cfg,
		logger: logger,
		client: client,
	}, nil
}

// retryable reports whether a GitHub error is worth another attempt.
func retryable(err error) bool {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	return errors.As(err, &rateErr) || errors.As(err, &abuseErr)
}

// call runs op, retrying rate limited requests with exponential backoff.
func call[T any](ctx context.Context, s *GitHubStore, name string, op func() (T, *github.Response, error)) (T, *github.Response, error) {
	var resp *github.Response

	b := backoff.NewExponentialBackOff()
	if s.config.RetryInterval > 0 {
		b.InitialInterval = s.config.RetryInterval
	}

	result, err := backoff.Retry(ctx, func() (T, error) {
		v, r, err := op()
		resp = r
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		if err != nil {
			s.logger.Warn("GitHub rate limit hit, retrying", zap.String("operation", name), zap.Error(err))
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.config.MaxRetries+1))

	return result, resp, err
}

func statusCode(resp *github.Response, err error) int {
	if resp != nil && resp.Response != nil {
		return resp.StatusCode
	}
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return errResp.Response.StatusCode
	}
	return 0
}

// refExists reports whether CreateRef failed because the ref is already
// there. GitHub answers 422 for invalid names and SHAs as well.
func refExists(resp *github.Response, err error) bool {
	if statusCode(resp, err) != http.StatusUnprocessableEntity {
		return false
	}
	var errResp *github.ErrorResponse
	return errors.As(err, &errResp) &&
		strings.Contains(strings.ToLower(errResp.Message), "reference already exists")
}

// BranchExists looks the branch up with the branches API.
func (s *GitHubStore) BranchExists(ctx context.Context, branch string) (bool, error) {
	_, resp, err := call(ctx, s, "get_branch", func() (*github.Branch, *github.Response, error) {
		return s.client.Repositories.GetBranch(ctx, s.config.Owner, s.config.Repo, branch, 1)
	})
	if statusCode(resp, err) == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get branch %s: %w", branch, err)
	}
	return true, nil
}

// EnsureBranch creates refs/heads/<branch> at the head of baseRef. A branch
// that already exists is left alone.
func (s *GitHubStore) EnsureBranch(ctx context.Context, branch, baseRef string) (bool, error) {
	base, resp, err := call(ctx, s, "get_ref", func() (*github.Reference, *github.Response, error) {
		return s.client.Git.GetRef(ctx, s.config.Owner, s.config.Repo, "heads/"+baseRef)
	})
	if err != nil {
		if statusCode(resp, err) == http.StatusNotFound {
			return false, notFound("base ref "+baseRef, err)
		}
		return false, fmt.Errorf("failed to get base ref %s: %w", baseRef, err)
	}

	ref := &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: github.String(base.GetObject().GetSHA())},
	}
	_, resp, err = call(ctx, s, "create_ref", func() (*github.Reference, *github.Response, error) {
		return s.client.Git.CreateRef(ctx, s.config.Owner, s.config.Repo, ref)
	})
	if err != nil {
		if refExists(resp, err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create branch %s: %w", branch, err)
	}

	s.logger.Debug("Created branch",
		zap.String("branch", branch),
		zap.String("base_ref", baseRef),
		zap.String("sha", base.GetObject().GetSHA()),
	)
	return true, nil
}

func (s *GitHubStore) getContents(ctx context.Context, branch, path string) (*github.RepositoryContent, error) {
	file, resp, err := call(ctx, s, "get_contents", func() (*github.RepositoryContent, *github.Response, error) {
		file, _, resp, err := s.client.Repositories.GetContents(ctx, s.config.Owner, s.config.Repo, path,
			&github.RepositoryContentGetOptions{Ref: branch})
		return file, resp, err
	})
	if err != nil {
		if statusCode(resp, err) == http.StatusNotFound {
			return nil, notFound(fmt.Sprintf("file %s on branch %s", path, branch), err)
		}
		return nil, fmt.Errorf("failed to get %s on branch %s: %w", path, branch, err)
	}
	if file == nil {
		return nil, fmt.Errorf("%s on branch %s is not a file", path, branch)
	}
	return file, nil
}

// ReadFile returns the decoded file content. A file reported with null
// content gives nil, nil.
func (s *GitHubStore) ReadFile(ctx context.Context, branch, path string) ([]byte, error) {
	file, err := s.getContents(ctx, branch, path)
	if err != nil {
		return nil, err
	}
	if file.Content == nil {
		return nil, nil
	}

	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s on branch %s: %w", path, branch, err)
	}
	return []byte(content), nil
}

// WriteFile creates path on branch, or updates it when it already exists.
func (s *GitHubStore) WriteFile(ctx context.Context, branch, path string, content []byte, message string) error {
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: content,
		Branch:  github.String(branch),
	}

	existing, err := s.getContents(ctx, branch, path)
	switch {
	case err == nil:
		opts.SHA = existing.SHA
	case !IsNotFound(err):
		return err
	}

	_, _, err = call(ctx, s, "put_contents", func() (*github.RepositoryContentResponse, *github.Response, error) {
		if opts.SHA != nil {
			return s.client.Repositories.UpdateFile(ctx, s.config.Owner, s.config.Repo, path, opts)
		}
		return s.client.Repositories.CreateFile(ctx, s.config.Owner, s.config.Repo, path, opts)
	})
	if err != nil {
		return fmt.Errorf("failed to write %s on branch %s: %w", path, branch, err)
	}
	return nil
}

// DefaultRef returns the repository's default branch.
func (s *GitHubStore) DefaultRef(ctx context.Context) (string, error) {
	repo, _, err := call(ctx, s, "get_repository", func() (*github.Repository, *github.Response, error) {
		return s.client.Repositories.Get(ctx, s.config.Owner, s.config.Repo)
	})
	if err != nil {
		return "", fmt.Errorf("failed to get repository: %w", err)
	}
	if repo.GetDefaultBranch() == "" {
		return "", errors.New("repository has no default branch")
	}
	return repo.GetDefaultBranch(), nil
}

// PostComment adds a comment to the issue or pull request in rc. The
// repository in rc wins over the configured one when set.
func (s *GitHubStore) PostComment(ctx context.Context, rc model.RequestContext, body string) error {
	owner, repo := s.config.Owner, s.config.Repo
	if rc.Owner != "" && rc.Repo != "" {
		owner, repo = rc.Owner, rc.Repo
	}
	if rc.IssueNumber <= 0 {
		return errors.New("cannot comment without an issue number")
	}

	_, _, err := call(ctx, s, "create_comment", func() (*github.IssueComment, *github.Response, error) {
		return s.client.Issues.CreateComment(ctx, owner, repo, rc.IssueNumber, &github.IssueComment{Body: github.String(body)})
	})
	if err != nil {
		return fmt.Errorf("failed to comment on %s/%s#%d: %w", owner, repo, rc.IssueNumber, err)
	}
	return nil
}

// Ping fetches the repository.
func (s *GitHubStore) Ping(ctx context.Context) error {
	_, _, err := s.client.Repositories.Get(ctx, s.config.Owner, s.config.Repo)
	if err != nil {
		return fmt.Errorf("failed to reach github: %w", err)
	}
	return nil
}

// Close is a no-op; the HTTP client holds no resources that need releasing.
func (s *GitHubStore) Close(context.Context) error {
	return nil
}
