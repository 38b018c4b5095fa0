package model

import (
	"fmt"
	"strings"
	"time"
)

// DefaultServerURL is used to build lock links when a request does not carry
// its own server URL.
const DefaultServerURL = "https://github.com"

// LockRecord is the content of a lock file stored on a lock branch.
// A record is written once by a successful claim and replaced wholesale by
// the next one; it is never edited in place.
type LockRecord struct {
	// Reason is the optional free-text reason given with the claim.
	// nil means no reason was given, which is stored as JSON null.
	Reason *string `json:"reason"`

	// Branch is the ref of the work that requested the lock.
	Branch string `json:"branch"`

	// CreatedAt is when the lock was claimed.
	CreatedAt time.Time `json:"created_at"`

	// CreatedBy is the actor that owns the lock.
	CreatedBy string `json:"created_by"`

	// Sticky locks survive the completion of the deployment that claimed them.
	Sticky bool `json:"sticky"`

	// Link points back at the comment that requested the lock.
	Link string `json:"link"`

	// Environment is the environment the lock was claimed for; empty for
	// global locks and for records written by older clients.
	Environment string `json:"environment,omitempty"`

	// Global is set when the record holds the global lock.
	Global bool `json:"global,omitempty"`
}

// ReasonText returns the reason, or an empty string if none was given.
func (r *LockRecord) ReasonText() string {
	if r == nil || r.Reason == nil {
		return ""
	}
	return *r.Reason
}

// OwnedBy reports whether actor created this lock.
func (r *LockRecord) OwnedBy(actor string) bool {
	return r != nil && r.CreatedBy == actor
}

// RequestContext identifies the chat request a lock operation was triggered by.
type RequestContext struct {
	// ServerURL is the base URL of the forge, e.g. https://github.com.
	ServerURL string `json:"server_url,omitempty"`

	// Owner and Repo name the repository the request was made in.
	Owner string `json:"owner"`
	Repo  string `json:"repo"`

	// IssueNumber is the pull request (or issue) the comment was left on.
	IssueNumber int `json:"issue_number"`

	// CommentID is the id of the comment holding the command.
	CommentID int64 `json:"comment_id"`

	// RequestID identifies the request for status reporting; it is the
	// reaction or comment id the original command was acknowledged with.
	RequestID int64 `json:"request_id,omitempty"`
}

// Link returns the URL of the comment that made the request.
func (c RequestContext) Link() string {
	server := strings.TrimSuffix(c.ServerURL, "/")
	if server == "" {
		server = DefaultServerURL
	}
	return fmt.Sprintf("%s/%s/%s/pull/%d#issuecomment-%d", server, c.Owner, c.Repo, c.IssueNumber, c.CommentID)
}

// LockRequest is the body of a POST /v1/lock request.
type LockRequest struct {
	// Actor is the user asking for the lock.
	Actor string `json:"actor"`

	// Ref is the branch the deployment is made from.
	Ref string `json:"ref"`

	// Environment is the environment to lock. Defaults to the configured
	// default environment when empty.
	Environment string `json:"environment,omitempty"`

	// Global requests the global lock instead of an environment lock.
	Global bool `json:"global,omitempty"`

	// Sticky marks the lock as sticky. A nil value turns the request into a
	// details-only query.
	Sticky *bool `json:"sticky"`

	// Reason is the optional reason stored with the lock.
	Reason *string `json:"reason,omitempty"`

	// DetailsOnly asks for the current lock without claiming it.
	DetailsOnly bool `json:"details_only,omitempty"`

	// Context identifies the chat request.
	Context RequestContext `json:"context"`
}

// CommandRequest is the body of a POST /v1/command request; the comment body
// is parsed the same way the chat integration parses it.
type CommandRequest struct {
	Body    string         `json:"body"`
	Actor   string         `json:"actor"`
	Ref     string         `json:"ref"`
	Context RequestContext `json:"context"`
}

// LockResponse is returned by the lock endpoints.
type LockResponse struct {
	// Status is the outcome of the operation:
	//   - "claimed", "denied", "owner", "found", "no_active_lock" for lock
	//     operations
	//   - "error" for failed requests
	Status string `json:"status"`

	// Message provides additional context about the operation result.
	Message string `json:"message,omitempty"`

	// LockKey is the lock branch the request resolved to.
	LockKey string `json:"lock_key,omitempty"`

	// Bypass is set when the caller was denied and later deployment steps
	// must be skipped.
	Bypass bool `json:"bypass,omitempty"`

	// Lock contains the current (or newly created) lock record.
	Lock *LockRecord `json:"lock,omitempty"`
}
