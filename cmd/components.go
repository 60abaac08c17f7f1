package cmd

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/forumcrawl/internal/browser"
	"github.com/xkilldash9x/forumcrawl/internal/browser/stealth"
	"github.com/xkilldash9x/forumcrawl/internal/config"
	"github.com/xkilldash9x/forumcrawl/internal/refresh"
	"github.com/xkilldash9x/forumcrawl/internal/session"
	"github.com/xkilldash9x/forumcrawl/internal/snapshot"
	"github.com/xkilldash9x/forumcrawl/internal/store"
)

// newLauncher is swapped in tests to avoid starting Chrome.
var newLauncher = func(cfg config.BrowserConfig, logger *zap.Logger) session.Launcher {
	return session.BrowserLauncher(browser.NewLauncher(cfg, logger))
}

// buildSession wires the orchestrator from configuration. The returned
// cleanup releases the snapshot backend and must run after the orchestrator
// is closed.
func buildSession(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*session.Orchestrator, func(), error) {
	st, cleanup, err := newSnapshotStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	var refresher refresh.Refresher
	if cfg.Refresher().Enabled {
		client, err := refresh.New(cfg.Refresher(), stealth.FromConfig(cfg.Browser()), logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to create credential refresher: %w", err)
		}
		refresher = client
	}

	orch := session.New(cfg, newLauncher(cfg.Browser(), logger), st, refresher, logger)
	return orch, cleanup, nil
}

func newSnapshotStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (snapshot.Store, func(), error) {
	sess := cfg.Session()
	switch sess.Backend {
	case config.BackendPostgres:
		st, cleanup, err := store.Connect(ctx, cfg.Database().URL, sess.SnapshotName, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open snapshot database: %w", err)
		}
		return st, cleanup, nil
	default:
		st := snapshot.NewFileStore(sess.SnapshotPath, logger)
		logger.Debug("Using file snapshot store.", zap.String("path", st.Path()))
		return st, func() {}, nil
	}
}

// explain adds operator guidance to the errors that need a human.
func explain(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrLoginTimeout):
		return fmt.Errorf("login needs a human: run 'forumcrawl login --headful' and complete it in the browser window: %w", err)
	case session.Blocked(err):
		return fmt.Errorf("the site is actively blocking this session; wait, or change network, before retrying: %w", err)
	}
	return err
}
