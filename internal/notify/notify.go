// Package notify reports lock outcomes back to the conversation that asked
// for them.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcusmccarty/branch-deploy/internal/lockkey"
	"github.com/marcusmccarty/branch-deploy/internal/model"
)

// Notifier posts a comment on the pull request a lock request came from.
// Failures are reported to the caller but never change a lock outcome.
type Notifier interface {
	PostComment(ctx context.Context, rc model.RequestContext, body string) error
}

// LogNotifier writes comments to the log for backends that have nowhere to
// post them.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// PostComment logs the comment body.
func (n *LogNotifier) PostComment(_ context.Context, rc model.RequestContext, body string) error {
	n.logger.Info("Lock status comment",
		zap.String("repository", rc.Owner+"/"+rc.Repo),
		zap.Int("issue_number", rc.IssueNumber),
		zap.Int64("request_id", rc.RequestID),
		zap.String("body", body),
	)
	return nil
}

// DenialMessage is the one line summary of a denied claim.
func DenialMessage(actor, owner string) string {
	return fmt.Sprintf("Sorry __%s__, the deployment lock is currently claimed by __%s__", actor, owner)
}

// DeniedComment renders the comment posted when a claim is refused because
// someone else holds the lock of scope.
func DeniedComment(actor string, record *model.LockRecord, scope lockkey.Scope) string {
	var b strings.Builder
	b.WriteString("### ⚠️ Cannot claim deployment lock\n\n")
	b.WriteString(DenialMessage(actor, record.CreatedBy))
	b.WriteString("\n\n")
	writeDetails(&b, record, scope)
	return b.String()
}

// ClaimedComment renders the comment posted after a successful claim.
func ClaimedComment(record *model.LockRecord, scope lockkey.Scope) string {
	var b strings.Builder
	b.WriteString("### 🔒 Deployment Lock Claimed\n\n")

	global, env := scope.IsGlobal(), scope.EnvironmentName()
	switch {
	case global && record.Sticky:
		fmt.Fprintf(&b, "__%s__, you have successfully claimed the global deployment lock. It will persist until it is removed with `.unlock --global`.\n\n", record.CreatedBy)
	case global:
		fmt.Fprintf(&b, "__%s__, you have successfully claimed the global deployment lock for the duration of this deployment.\n\n", record.CreatedBy)
	case record.Sticky:
		fmt.Fprintf(&b, "__%s__, you have successfully claimed the deployment lock for `%s`. It will persist until it is removed with `.unlock %s`.\n\n", record.CreatedBy, env, env)
	default:
		fmt.Fprintf(&b, "__%s__, you have successfully claimed the deployment lock for `%s` for the duration of this deployment.\n\n", record.CreatedBy, env)
	}

	writeDetails(&b, record, scope)
	return b.String()
}

// writeDetails takes the scope from the resolved lock, since records written
// by older clients carry no environment.
func writeDetails(b *strings.Builder, record *model.LockRecord, scope lockkey.Scope) {
	scopeText := "global"
	if !scope.IsGlobal() {
		scopeText = "`" + scope.EnvironmentName() + "`"
	}
	reason := record.ReasonText()
	if reason == "" {
		reason = "none"
	}

	b.WriteString("<details><summary>Lock Details 🔒</summary>\n\n")
	b.WriteString("| Field | Value |\n| --- | --- |\n")
	fmt.Fprintf(b, "| Scope | %s |\n", scopeText)
	fmt.Fprintf(b, "| Reason | %s |\n", reason)
	fmt.Fprintf(b, "| Branch | `%s` |\n", record.Branch)
	fmt.Fprintf(b, "| Created By | __%s__ |\n", record.CreatedBy)
	fmt.Fprintf(b, "| Created At | %s |\n", record.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(b, "| Sticky | %t |\n", record.Sticky)
	if record.Link != "" {
		fmt.Fprintf(b, "| Link | [request](%s) |\n", record.Link)
	}
	b.WriteString("\n</details>\n")
}
