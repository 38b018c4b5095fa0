// Package coordinator decides whether a deployment lock can be claimed and
// persists the claim.
//
// A request is checked against the global lock first, which takes
// precedence over every environment lock, then against the lock of its own
// scope. Each Acquire call is a sequential unit; exclusion between callers
// relies on the store's create-if-absent branch semantics.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/marcusmccarty/branch-deploy/internal/lockfile"
	"github.com/marcusmccarty/branch-deploy/internal/lockkey"
	"github.com/marcusmccarty/branch-deploy/internal/model"
	"github.com/marcusmccarty/branch-deploy/internal/notify"
	"github.com/marcusmccarty/branch-deploy/internal/store"
)

var (
	// ErrMissingActor is returned when a request does not name its actor.
	ErrMissingActor = errors.New("an actor is required")

	// ErrMissingRef is returned when a claim does not name the ref being
	// deployed.
	ErrMissingRef = errors.New("a ref is required to claim a lock")
)

// Request describes a lock acquisition or query.
type Request struct {
	// Actor is the user asking for the lock.
	Actor string
	// Ref is the ref being deployed; it is stored as the record's branch.
	Ref string
	// Sticky is the sticky flag for a claim. nil makes the request a
	// details-only query.
	Sticky *bool
	// Environment is the environment to lock. Ignored when Global is set.
	Environment string
	// Global requests the global lock.
	Global bool
	// DetailsOnly reports the current lock without claiming it.
	DetailsOnly bool
	// Reason is stored with the lock. nil means none was given.
	Reason *string
	// Context identifies the conversation the request came from.
	Context model.RequestContext
}

// Coordinator runs the lock acquisition protocol against a Store.
type Coordinator struct {
	store    store.Store
	notifier notify.Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used to stamp new records.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the logger diagnostics are written to.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// New creates a Coordinator. A nil notifier disables comments.
func New(s store.Store, notifier notify.Notifier, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    s,
		notifier: notifier,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire claims or queries the lock described by req. Store failures other
// than a missing branch or file, and undecodable lock files, are returned as
// errors; nothing is written after a failed read.
func (c *Coordinator) Acquire(ctx context.Context, req Request) (*Result, error) {
	if req.Actor == "" {
		return nil, ErrMissingActor
	}
	details := req.DetailsOnly || req.Sticky == nil
	if !details && req.Ref == "" {
		return nil, ErrMissingRef
	}

	env := req.Environment
	if env == "" {
		env = "null"
	}
	c.logger.Debug("detected lock env: " + env)
	c.logger.Debug("detected lock global: " + strconv.FormatBool(req.Global))

	scope, key, err := lockkey.Resolve(req.Global, req.Environment)
	if err != nil {
		return nil, fmt.Errorf("lock: resolve scope: %w", err)
	}
	c.logger.Debug("constructed lock branch: " + key.String())

	if req.Reason != nil {
		c.logger.Debug("reason: " + *req.Reason)
	}

	global := lockkey.Global()
	record, err := c.readRecord(ctx, global.Key())
	if err != nil {
		return nil, err
	}
	if record != nil {
		return c.existing(ctx, req, details, global, record), nil
	}

	if !scope.IsGlobal() {
		record, err = c.readRecord(ctx, key)
		if err != nil {
			return nil, err
		}
		if record != nil {
			return c.existing(ctx, req, details, scope, record), nil
		}
	}

	if details {
		return &Result{
			Outcome: NoActiveLock,
			Scope:   scope,
			Key:     key,
			Message: fmt.Sprintf("no active deployment lock for %s", scope),
		}, nil
	}
	return c.claim(ctx, req, scope)
}

// readRecord returns the lock record on key, or nil if there is none.
func (c *Coordinator) readRecord(ctx context.Context, key lockkey.Key) (*model.LockRecord, error) {
	exists, err := c.store.BranchExists(ctx, key.String())
	if err != nil {
		return nil, fmt.Errorf("lock: check branch %s: %w", key, err)
	}
	if !exists {
		return nil, nil
	}

	data, err := c.store.ReadFile(ctx, key.String(), lockfile.Path)
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock: read lock file %s: %w", key, err)
	}

	record, err := lockfile.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("lock: decode lock file %s: %w", key, err)
	}
	return record, nil
}

// existing decides the outcome when scope already has a lock record.
func (c *Coordinator) existing(ctx context.Context, req Request, details bool, scope lockkey.Scope, record *model.LockRecord) *Result {
	result := &Result{
		Scope:  scope,
		Key:    scope.Key(),
		Record: record,
	}

	switch {
	case details:
		result.Outcome = Found
		result.Message = fmt.Sprintf("the deployment lock for %s is currently claimed by __%s__", scope, record.CreatedBy)

	case record.OwnedBy(req.Actor):
		c.logger.Info(req.Actor + " is the owner of the lock")
		result.Outcome = Owner
		result.Message = req.Actor + " is the owner of the lock"

	default:
		comment := notify.DeniedComment(req.Actor, record, scope)
		c.logger.Info("deployment lock denied",
			zap.String("actor", req.Actor),
			zap.String("owner", record.CreatedBy),
			zap.String("lock_branch", scope.Key().String()),
		)
		c.notify(ctx, req.Context, comment)

		result.Outcome = Denied
		result.Bypass = true
		result.Message = comment
	}
	return result
}

func (c *Coordinator) claim(ctx context.Context, req Request, scope lockkey.Scope) (*Result, error) {
	key := scope.Key()

	baseRef, err := c.store.DefaultRef(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock: get default ref: %w", err)
	}

	created, err := c.store.EnsureBranch(ctx, key.String(), baseRef)
	if err != nil {
		return nil, fmt.Errorf("lock: create branch %s: %w", key, err)
	}
	if created {
		c.logger.Info("Created lock branch: " + key.String())
	}

	record := &model.LockRecord{
		Reason:      req.Reason,
		Branch:      req.Ref,
		CreatedAt:   c.now().UTC().Truncate(time.Millisecond),
		CreatedBy:   req.Actor,
		Sticky:      *req.Sticky,
		Environment: scope.EnvironmentName(),
		Global:      scope.IsGlobal(),
	}
	if req.Context.Owner != "" && req.Context.Repo != "" {
		record.Link = req.Context.Link()
	}

	data, err := lockfile.Encode(record)
	if err != nil {
		return nil, fmt.Errorf("lock: encode lock file %s: %w", key, err)
	}
	if err := c.store.WriteFile(ctx, key.String(), lockfile.Path, data, lockfile.CommitMessage); err != nil {
		return nil, fmt.Errorf("lock: write lock file %s: %w", key, err)
	}

	c.logger.Info("global lock: " + strconv.FormatBool(scope.IsGlobal()))
	c.logger.Info("deployment lock obtained")
	if record.Sticky {
		c.logger.Info("deployment lock is sticky")
	}

	c.notify(ctx, req.Context, notify.ClaimedComment(record, scope))

	return &Result{
		Outcome: Claimed,
		Scope:   scope,
		Key:     key,
		Record:  record,
		Message: "deployment lock obtained",
	}, nil
}

// notify posts a comment; failures are logged and otherwise ignored.
func (c *Coordinator) notify(ctx context.Context, rc model.RequestContext, body string) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.PostComment(ctx, rc, body); err != nil {
		c.logger.Warn("Failed to post lock comment", zap.Error(err))
	}
}
