package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sethvargo/go-githubactions"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marcusmccarty/branch-deploy/internal/command"
	"github.com/marcusmccarty/branch-deploy/internal/config"
	"github.com/marcusmccarty/branch-deploy/internal/coordinator"
	"github.com/marcusmccarty/branch-deploy/internal/handlers"
	"github.com/marcusmccarty/branch-deploy/internal/logger"
	"github.com/marcusmccarty/branch-deploy/internal/model"
	"github.com/marcusmccarty/branch-deploy/internal/server"
)

// errLockDenied fails the step when another actor holds the lock.
var errLockDenied = errors.New("deployment lock denied")

type lockOptions struct {
	actor       string
	ref         string
	environment string
	global      bool
	sticky      bool
	details     bool
	reason      string
	reasonSet   bool
	comment     string
}

var lockOpts lockOptions

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Claim or inspect a deployment lock from a workflow step",
	Long: `Claims the deployment lock for an environment, or the global lock, on
behalf of the actor that triggered the workflow. The outcome is written to the
step outputs; a denied claim fails the step and saves the bypass state.

The request is taken either from flags or from a chat comment given with
--comment, which is parsed like ".lock staging --reason hotfix".`,
	SilenceUsage: true,
	RunE:         runLock,
}

func init() {
	flags := lockCmd.Flags()
	flags.StringVar(&lockOpts.actor, "actor", "", "Actor claiming the lock (defaults to GITHUB_ACTOR)")
	flags.StringVar(&lockOpts.ref, "ref", "", "Ref being deployed (defaults to the workflow ref)")
	flags.StringVar(&lockOpts.environment, "environment", "", "Environment to lock (defaults to --default-environment)")
	flags.BoolVar(&lockOpts.global, "global", false, "Claim the global lock")
	flags.BoolVar(&lockOpts.sticky, "sticky", true, "Keep the lock after the deployment finishes")
	flags.BoolVar(&lockOpts.details, "details", false, "Report the current lock without claiming it")
	flags.StringVar(&lockOpts.reason, "reason", "", "Reason stored with the lock")
	flags.StringVar(&lockOpts.comment, "comment", "", "Chat comment holding a lock command")
}

func runLock(cmd *cobra.Command, args []string) error {
	lockOpts.reasonSet = cmd.Flags().Changed("reason")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	action := githubactions.New()
	gh, err := action.Context()
	if err != nil {
		return fmt.Errorf("failed to read workflow context: %w", err)
	}

	req, err := lockOpts.request(cfg, gh)
	if errors.Is(err, command.ErrNotLockCommand) {
		action.Infof("Comment is not a lock command")
		action.SetOutput("outcome", "ignored")
		return nil
	}
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	backend, err := server.OpenBackend(ctx, cfg, log, nil)
	if err != nil {
		return fmt.Errorf("failed to open %s lock store: %w", cfg.Backend, err)
	}
	defer backend.Store.Close(context.Background())

	c := coordinator.New(backend.Store, backend.Notifier, coordinator.WithLogger(log))
	return acquireLock(ctx, action, c, req, log)
}

// request builds the coordinator request from the comment, if one was
// given, or from the flags. Missing actor and ref come from the workflow.
func (o *lockOptions) request(cfg *config.Config, gh *githubactions.GitHubContext) (coordinator.Request, error) {
	actor := strings.TrimSpace(o.actor)
	if actor == "" {
		actor = gh.Actor
	}
	ref := strings.TrimSpace(o.ref)
	if ref == "" {
		ref = workflowRef(gh)
	}
	rc := requestContext(gh, cfg.Lock.ServerURL)

	if o.comment != "" {
		parsed, err := cfg.Lock.Parser().Parse(o.comment)
		if err != nil {
			return coordinator.Request{}, err
		}
		return parsed.Coordinator(actor, ref, rc), nil
	}

	req := coordinator.Request{
		Actor:       actor,
		Ref:         ref,
		Environment: strings.TrimSpace(o.environment),
		Global:      o.global,
		DetailsOnly: o.details,
		Context:     rc,
	}
	if !req.Global && req.Environment == "" {
		req.Environment = cfg.Lock.DefaultEnvironment
	}
	if !o.details {
		sticky := o.sticky
		req.Sticky = &sticky
	}
	if o.reasonSet {
		reason := o.reason
		req.Reason = &reason
	}
	return req, nil
}

// acquireLock runs the request and reports the result as step outputs.
func acquireLock(ctx context.Context, action *githubactions.Action, acquirer handlers.Acquirer, req coordinator.Request, log *zap.Logger) error {
	result, err := acquirer.Acquire(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	action.SetOutput("outcome", result.Outcome.String())
	action.SetOutput("lock_key", result.Key.String())
	action.SetOutput("global", strconv.FormatBool(result.Scope.IsGlobal()))
	action.SetOutput("bypass", strconv.FormatBool(result.Bypass))
	if result.Record != nil {
		action.SetOutput("lock_owner", result.Record.CreatedBy)
		action.SetOutput("lock_branch", result.Record.Branch)
	}

	log.Info("Lock request finished",
		zap.String("actor", req.Actor),
		zap.String("lock_key", result.Key.String()),
		zap.Stringer("outcome", result.Outcome),
	)

	if result.Outcome == coordinator.Denied {
		action.SaveState("bypass", "true")
		action.Errorf("%s", result.Message)
		return errLockDenied
	}

	action.Infof("%s", result.Message)
	return nil
}

// workflowRef returns the branch the workflow runs for. Pull request events
// carry it in the head ref.
func workflowRef(gh *githubactions.GitHubContext) string {
	if gh.HeadRef != "" {
		return gh.HeadRef
	}
	return strings.TrimPrefix(gh.Ref, "refs/heads/")
}

// requestContext identifies the comment that triggered the workflow, if any.
func requestContext(gh *githubactions.GitHubContext, serverURL string) model.RequestContext {
	rc := model.RequestContext{ServerURL: serverURL}
	if gh.ServerURL != "" {
		rc.ServerURL = gh.ServerURL
	}
	rc.Owner, rc.Repo = gh.Repo()

	rc.IssueNumber = int(eventNumber(gh.Event, "issue", "number"))
	if rc.IssueNumber == 0 {
		rc.IssueNumber = int(eventNumber(gh.Event, "pull_request", "number"))
	}
	rc.CommentID = eventNumber(gh.Event, "comment", "id")
	return rc
}

// eventNumber reads a numeric field of an object in the event payload.
func eventNumber(event map[string]any, object, field string) int64 {
	obj, ok := event[object].(map[string]any)
	if !ok {
		return 0
	}
	if n, ok := obj[field].(float64); ok {
		return int64(n)
	}
	return 0
}
