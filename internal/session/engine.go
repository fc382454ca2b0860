package session

import "context"

// Page drives one browser tab. Implementations pace their inputs like a
// human operator: typing lands character by character and actions carry
// randomized delays.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Text(ctx context.Context, selector string) (string, error)
	Texts(ctx context.Context, selector string) ([]string, error)
	Exists(ctx context.Context, selector string) (bool, error)

	SetCookies(ctx context.Context, cookies []Cookie) error
	Cookies(ctx context.Context) ([]Cookie, error)
	LocalStorage(ctx context.Context) (map[string]string, error)
	SetLocalStorage(ctx context.Context, items map[string]string) error
	UserAgent(ctx context.Context) (string, error)
	SetUserAgent(ctx context.Context, ua string) error

	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Engine is one running browser instance.
type Engine interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Launcher starts browser engines. The local launcher execs a headless Chrome
// on the host, the docker launcher runs a headless-shell container per
// account, and the remote launcher attaches to an existing DevTools endpoint.
type Launcher interface {
	Launch(ctx context.Context, platformID string) (Engine, error)
}
