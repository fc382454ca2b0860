package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
)

// Humanized pacing bounds. Typing lands one character at a time and every
// page action is preceded by a short randomized pause so the input cadence
// does not look scripted.
const (
	typeDelayMin   = 60 * time.Millisecond
	typeDelayMax   = 180 * time.Millisecond
	actionDelayMin = 250 * time.Millisecond
	actionDelayMax = 900 * time.Millisecond
)

func humanPause(min, max time.Duration) time.Duration {
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// ChromeEngine wraps a chromedp allocator, local or remote.
type ChromeEngine struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

// LocalLauncher execs a headless Chrome on the host.
type LocalLauncher struct{}

func (LocalLauncher) Launch(ctx context.Context, platformID string) (Engine, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1366, 768),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &ChromeEngine{allocCtx: allocCtx, allocCancel: cancel}, nil
}

// RemoteLauncher attaches to a running browser's DevTools websocket.
type RemoteLauncher struct {
	WSURL string
}

func (l RemoteLauncher) Launch(ctx context.Context, platformID string) (Engine, error) {
	if l.WSURL == "" {
		return nil, fmt.Errorf("session: remote launcher requires a devtools websocket url")
	}
	allocCtx, cancel := chromedp.NewRemoteAllocator(context.Background(), l.WSURL)
	return &ChromeEngine{allocCtx: allocCtx, allocCancel: cancel}, nil
}

// NewPage opens a fresh browser context (an isolated tab).
func (e *ChromeEngine) NewPage(ctx context.Context) (Page, error) {
	pageCtx, cancel := chromedp.NewContext(e.allocCtx)
	// Force the browser process up front so failures surface here rather
	// than on the first navigation.
	if err := chromedp.Run(pageCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("session: start browser: %w", err)
	}
	return &chromePage{ctx: pageCtx, cancel: cancel}, nil
}

// Close tears down the allocator and every page opened from it.
func (e *ChromeEngine) Close() error {
	e.allocCancel()
	return nil
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx := p.ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(p.ctx, deadline)
		defer cancel()
	}
	return chromedp.Run(runCtx, actions...)
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	time.Sleep(humanPause(actionDelayMin, actionDelayMax))
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	time.Sleep(humanPause(actionDelayMin, actionDelayMax))
	return p.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

// Type clicks the field and sends the text one character at a time with a
// randomized inter-key delay.
func (p *chromePage) Type(ctx context.Context, selector, text string) error {
	if err := p.run(ctx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return err
	}
	for _, r := range text {
		time.Sleep(humanPause(typeDelayMin, typeDelayMax))
		if err := p.run(ctx, chromedp.SendKeys(selector, string(r), chromedp.ByQuery)); err != nil {
			return err
		}
	}
	return nil
}

func (p *chromePage) Text(ctx context.Context, selector string) (string, error) {
	var out string
	if err := p.run(ctx, chromedp.Text(selector, &out, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return out, nil
}

// Texts returns the text content of every node matching the selector.
func (p *chromePage) Texts(ctx context.Context, selector string) ([]string, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return nil, err
	}
	var out []string
	js := fmt.Sprintf("Array.from(document.querySelectorAll(%s)).map(n => n.textContent)", sel)
	if err := p.run(ctx, chromedp.Evaluate(js, &out)); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *chromePage) Exists(ctx context.Context, selector string) (bool, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return false, err
	}
	var found bool
	if err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf("document.querySelector(%s) !== null", sel), &found)); err != nil {
		return false, err
	}
	return found, nil
}

func (p *chromePage) SetCookies(ctx context.Context, cookies []Cookie) error {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		cp := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if !c.Expires.IsZero() {
			exp := cdp.TimeSinceEpoch(c.Expires)
			cp.Expires = &exp
		}
		switch c.SameSite {
		case "Strict":
			cp.SameSite = network.CookieSameSiteStrict
		case "Lax":
			cp.SameSite = network.CookieSameSiteLax
		case "None":
			cp.SameSite = network.CookieSameSiteNone
		}
		params = append(params, cp)
	}
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return storage.SetCookies(params).Do(ctx)
	}))
}

func (p *chromePage) Cookies(ctx context.Context) ([]Cookie, error) {
	var raw []*network.Cookie
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		ck := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		}
		if c.Expires > 0 {
			ck.Expires = time.Unix(int64(c.Expires), 0).UTC()
		}
		cookies = append(cookies, ck)
	}
	return cookies, nil
}

func (p *chromePage) LocalStorage(ctx context.Context) (map[string]string, error) {
	items := map[string]string{}
	if err := p.run(ctx, chromedp.Evaluate("Object.fromEntries(Object.entries(localStorage))", &items)); err != nil {
		return nil, err
	}
	return items, nil
}

func (p *chromePage) SetLocalStorage(ctx context.Context, items map[string]string) error {
	for k, v := range items {
		key, _ := json.Marshal(k)
		val, _ := json.Marshal(v)
		if err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf("localStorage.setItem(%s, %s)", key, val), nil)); err != nil {
			return err
		}
	}
	return nil
}

func (p *chromePage) UserAgent(ctx context.Context) (string, error) {
	var ua string
	if err := p.run(ctx, chromedp.Evaluate("navigator.userAgent", &ua)); err != nil {
		return "", err
	}
	return ua, nil
}

func (p *chromePage) SetUserAgent(ctx context.Context, ua string) error {
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return emulation.SetUserAgentOverride(ua).Do(ctx)
	}))
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *chromePage) Close() error {
	p.cancel()
	return nil
}
