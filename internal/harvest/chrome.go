package harvest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
)

// ChromeOptions configures the Chrome process.
type ChromeOptions struct {
	ExecPath string
	Headless bool
}

// ChromeBrowser launches headless Chrome through chromedp. Each Open starts
// a fresh browser process that lives until the session is closed.
type ChromeBrowser struct {
	opts ChromeOptions
}

// NewChromeBrowser creates a ChromeBrowser.
func NewChromeBrowser(opts ChromeOptions) *ChromeBrowser {
	return &ChromeBrowser{opts: opts}
}

// Open launches Chrome and applies the session options to a new tab.
func (b *ChromeBrowser) Open(ctx context.Context, so SessionOptions) (Session, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", b.opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.WindowSize(1920, 1080),
	)
	if so.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(so.UserAgent))
	}
	if b.opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(b.opts.ExecPath))
	}

	// The browser outlives the Open call; it is torn down by Close.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &chromeSession{
		ctx: tabCtx,
		cancel: func() {
			tabCancel()
			allocCancel()
		},
	}

	// The first Run allocates the browser and binds its lifetime to the
	// context it runs on, so it must run on the tab context itself.
	stop := context.AfterFunc(ctx, s.cancel)
	err := chromedp.Run(tabCtx, emulation.SetScriptExecutionDisabled(!so.ScriptingEnabled))
	if !stop() || err != nil {
		s.cancel()
		if err == nil {
			err = ctx.Err()
		}
		return nil, eris.Wrap(err, "chrome: start browser")
	}
	return s, nil
}

type chromeSession struct {
	ctx       context.Context
	cancel    func()
	closeOnce sync.Once
}

// run executes actions on the tab, aborting when the caller's ctx ends.
func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (s *chromeSession) Navigate(ctx context.Context, url string, idleTimeout time.Duration) error {
	navCtx, cancel := context.WithTimeout(s.ctx, idleTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var (
		mu     sync.Mutex
		idle   = make(map[cdp.LoaderID]bool)
		notify = make(chan struct{}, 1)
	)
	chromedp.ListenTarget(navCtx, func(ev any) {
		e, ok := ev.(*page.EventLifecycleEvent)
		if !ok || e.Name != "networkIdle" {
			return
		}
		mu.Lock()
		idle[e.LoaderID] = true
		mu.Unlock()
		select {
		case notify <- struct{}{}:
		default:
		}
	})

	var loaderID cdp.LoaderID
	err := chromedp.Run(navCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
			return err
		}
		_, id, errText, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errText != "" {
			return eris.Errorf("page load error: %s", errText)
		}
		loaderID = id
		return nil
	}))
	if err != nil {
		return eris.Wrapf(err, "chrome: navigate %s", url)
	}

	for {
		mu.Lock()
		done := idle[loaderID]
		mu.Unlock()
		if done {
			return nil
		}
		select {
		case <-notify:
		case <-navCtx.Done():
			return eris.Wrapf(navCtx.Err(), "chrome: wait for network idle on %s", url)
		}
	}
}

func (s *chromeSession) CountMatching(ctx context.Context, selector string) (int, error) {
	sel, err := jsString(selector)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.run(ctx, chromedp.Evaluate("document.querySelectorAll("+sel+").length", &n)); err != nil {
		return 0, eris.Wrapf(err, "chrome: count %s", selector)
	}
	return n, nil
}

func (s *chromeSession) ScrollBy(ctx context.Context, viewports float64) error {
	js := fmt.Sprintf("window.scrollBy(0, window.innerHeight * %g)", viewports)
	if err := s.run(ctx, chromedp.Evaluate(js, nil)); err != nil {
		return eris.Wrap(err, "chrome: scroll")
	}
	return nil
}

// extractScript collects the text of each row's cells. Missing cells become
// empty strings so the row's position is preserved.
const extractScript = `(function(sel) {
	const text = (root, q) => { const el = root.querySelector(q); return el ? el.textContent.trim() : ""; };
	return Array.from(document.querySelectorAll(sel.row)).map(row => {
		const link = row.querySelector(sel.link);
		return {
			name: text(row, sel.name),
			link: link ? (link.getAttribute("href") || "") : "",
			current_players: text(row, sel.current_players),
			peak_today: text(row, sel.peak_today),
		};
	});
})(%s)`

func (s *chromeSession) ExtractAll(ctx context.Context, sel Selectors) ([]RawRow, error) {
	arg, err := json.Marshal(map[string]string{
		"row":             sel.Row,
		"link":            sel.Link,
		"name":            sel.Name,
		"current_players": sel.CurrentPlayers,
		"peak_today":      sel.PeakToday,
	})
	if err != nil {
		return nil, eris.Wrap(err, "chrome: encode selectors")
	}

	var rows []RawRow
	if err := s.run(ctx, chromedp.Evaluate(fmt.Sprintf(extractScript, arg), &rows)); err != nil {
		return nil, eris.Wrap(err, "chrome: extract rows")
	}
	return rows, nil
}

// Close shuts the browser down gracefully, then releases the allocator.
func (s *chromeSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = chromedp.Cancel(s.ctx)
		s.cancel()
	})
	if err != nil {
		return eris.Wrap(err, "chrome: close browser")
	}
	return nil
}

func jsString(v string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "chrome: encode selector")
	}
	return string(b), nil
}
