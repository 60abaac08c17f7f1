package session

import (
	"context"

	"github.com/xkilldash9x/forumcrawl/internal/browser"
	"github.com/xkilldash9x/forumcrawl/internal/snapshot"
)

// Page is the browser surface the orchestrator drives. *browser.Session
// implements it.
type Page interface {
	Navigate(ctx context.Context, url string) (*browser.Response, error)
	Content(ctx context.Context) (string, error)
	Location(ctx context.Context) (string, error)
	Status() int
	StorageState(ctx context.Context) (*snapshot.Snapshot, error)
	ApplyState(ctx context.Context, snap *snapshot.Snapshot, fallbackURL string) error
	Close(ctx context.Context) error
}

var _ Page = (*browser.Session)(nil)

// Launcher opens a Page.
type Launcher interface {
	Launch(ctx context.Context) (Page, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) (Page, error)

func (f LauncherFunc) Launch(ctx context.Context) (Page, error) { return f(ctx) }

// BrowserLauncher adapts a browser.Launcher.
func BrowserLauncher(l *browser.Launcher) Launcher {
	return LauncherFunc(func(ctx context.Context) (Page, error) {
		s, err := l.Launch(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}
