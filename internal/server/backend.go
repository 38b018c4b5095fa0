package server

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/marcusmccarty/branch-deploy/internal/config"
	"github.com/marcusmccarty/branch-deploy/internal/model"
	"github.com/marcusmccarty/branch-deploy/internal/notify"
	"github.com/marcusmccarty/branch-deploy/internal/store"
)

// Backend is an opened lock store together with the notifier lock status
// comments go to.
type Backend struct {
	Name     string
	Store    store.Store
	Notifier notify.Notifier

	// Cluster is set for clustered backends.
	Cluster store.ClusterStatter
	// Quorum and SingleNode describe the cluster for its health check.
	Quorum     int
	SingleNode bool
}

// OpenBackend opens the store selected by cfg.Backend. With non-nil metrics
// every store call is recorded under the backend label.
//
// The GitHub backend also posts lock comments; the others log them.
func OpenBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *store.Metrics) (*Backend, error) {
	b := &Backend{Name: cfg.Backend}

	switch cfg.Backend {
	case config.BackendGitHub:
		gh, err := store.NewGitHubStore(ctx, &cfg.GitHub, logger)
		if err != nil {
			return nil, err
		}
		b.Store = gh
		b.Notifier = gh

	case config.BackendGit:
		g, err := store.NewGitStore(ctx, &cfg.Git, logger)
		if err != nil {
			return nil, err
		}
		b.Store = g
		b.Notifier = notify.NewLogNotifier(logger)

	case config.BackendOlric:
		if cfg.Olric == nil {
			return nil, fmt.Errorf("olric backend selected without olric configuration")
		}
		o, err := store.NewOlricStore(ctx, cfg.Olric, logger)
		if err != nil {
			return nil, err
		}
		b.Store = o
		b.Notifier = notify.NewLogNotifier(logger)
		b.Cluster = o
		b.Quorum = cfg.Olric.MemberCountQuorum
		b.SingleNode = cfg.Olric.IsSingleNode()

	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Backend)
	}

	if m != nil {
		b.Store = store.NewInstrumented(b.Store, b.Name, m)
	}
	return b, nil
}

// countingNotifier counts failed comment posts.
type countingNotifier struct {
	next     notify.Notifier
	failures prometheus.Counter
}

func (n *countingNotifier) PostComment(ctx context.Context, rc model.RequestContext, body string) error {
	err := n.next.PostComment(ctx, rc, body)
	if err != nil {
		n.failures.Inc()
	}
	return err
}
