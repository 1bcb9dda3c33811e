package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/autoreap/autoreap/internal/browser/dom"
	"github.com/autoreap/autoreap/internal/config"
	"github.com/autoreap/autoreap/internal/events"
	"github.com/autoreap/autoreap/internal/interrupt"
	"github.com/autoreap/autoreap/internal/wizard"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Test Doubles --

type fakeBrowser struct {
	mu       sync.Mutex
	page     dom.Page
	attached dom.Page
	openOK   bool
	attachOK bool
	tabErr   error
	calls    []string
}

func (b *fakeBrowser) record(call string) {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	b.mu.Unlock()
}

func (b *fakeBrowser) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBrowser) EnsureOpen(context.Context) bool {
	b.record("ensure_open")
	return b.openOK
}

func (b *fakeBrowser) connect(call string) bool {
	b.record(call)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.attachOK {
		return false
	}
	b.page = b.attached
	return true
}

func (b *fakeBrowser) Attach(context.Context) bool   { return b.connect("attach") }
func (b *fakeBrowser) Reattach(context.Context) bool { return b.connect("reattach") }

func (b *fakeBrowser) Page() dom.Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.page
}

func (b *fakeBrowser) EnsureTargetTab(context.Context) error {
	b.record("target_tab")
	return b.tabErr
}

func (b *fakeBrowser) RestoreWorkTabs(context.Context) error {
	b.record("restore_tabs")
	return nil
}

func (b *fakeBrowser) ForceReturnHome(context.Context) error {
	b.record("home")
	return nil
}

func (b *fakeBrowser) BringToFront(context.Context) { b.record("front") }

func (b *fakeBrowser) Close() {
	b.record("close")
	b.mu.Lock()
	b.page = nil
	b.mu.Unlock()
}

// stopOnQuery calls stop the first time a query containing trigger runs.
type stopOnQuery struct {
	dom.Page
	trigger string
	once    sync.Once
	stop    func()
}

func (p *stopOnQuery) FindAll(ctx context.Context, xpath string) ([]dom.Element, error) {
	if strings.Contains(xpath, p.trigger) {
		p.once.Do(p.stop)
	}
	return p.Page.FindAll(ctx, xpath)
}

// deadSession fails every query the way chromedp does once the browser closed.
type deadSession struct{ dom.Page }

func (deadSession) FindAll(_ context.Context, xpath string) ([]dom.Element, error) {
	return nil, fmt.Errorf("evaluating %s: %w", xpath, chromedp.ErrChannelClosed)
}

// recorder captures hub traffic.
type recorder struct {
	mu      sync.Mutex
	stages  []events.Stage
	errs    []events.ErrorKind
	details []string
	waiting chan struct{}
	once    sync.Once
}

func newRecorder() *recorder {
	return &recorder{waiting: make(chan struct{})}
}

func (r *recorder) listener() events.Listener {
	return events.Funcs{
		Log: func(msg string, _ events.Tag) {
			if strings.HasPrefix(msg, "Faça login") {
				r.once.Do(func() { close(r.waiting) })
			}
		},
		Stage: func(s events.Stage) {
			r.mu.Lock()
			r.stages = append(r.stages, s)
			r.mu.Unlock()
		},
		Error: func(kind events.ErrorKind, detail string) {
			r.mu.Lock()
			r.errs = append(r.errs, kind)
			r.details = append(r.details, detail)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) Stages() []events.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Stage(nil), r.stages...)
}

func (r *recorder) Errors() []events.ErrorKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.ErrorKind(nil), r.errs...)
}

// -- Test Helpers --

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	t := &cfg.TimeoutsCfg
	t.PollInterval = time.Millisecond
	t.ClickFallback = 20 * time.Millisecond
	t.ListOpen = 20 * time.Millisecond
	t.SearchSettle = time.Millisecond
	t.ComboRetryPause = time.Millisecond
	t.BasicMarker = 50 * time.Millisecond
	t.ActivityMarker = 50 * time.Millisecond
	t.Accordion = 50 * time.Millisecond
	t.ClosedHeader = 50 * time.Millisecond
	t.ProductionHeader = 50 * time.Millisecond
	t.OptionVisible = 50 * time.Millisecond
	t.RowAdded = 50 * time.Millisecond
	t.Acceptance = 50 * time.Millisecond
	t.Advance = 50 * time.Millisecond
	t.AdvanceSettle = time.Millisecond
	t.Generator = 2 * time.Second
	t.SearchAttempts = 2
	t.SearchInterval = time.Millisecond
	cfg.DeclarationCfg.SelectedMonths = []string{"Janeiro", "Abril"}
	return cfg
}

func loadYear(t *testing.T) *dom.HTMLPage {
	t.Helper()
	f, err := os.Open("testdata/year.html")
	require.NoError(t, err)
	defer f.Close()
	page, err := dom.NewHTMLPage(f)
	require.NoError(t, err)
	return page
}

func setup(t *testing.T, b *fakeBrowser, cfg *config.Config) (*Controller, *recorder) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	hub := events.NewHub()
	rec := newRecorder()
	hub.Subscribe(rec.listener())
	logger := zap.New(zapcore.NewTee(
		zaptest.NewLogger(t).Core(),
		events.NewCore(zapcore.InfoLevel, hub),
	))
	c := New(cfg, b, WithLogger(logger), WithHub(hub))
	t.Cleanup(c.Close)
	return c, rec
}

func confirmed(context.Context) error { return nil }

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the controller")
	}
}

// -- StartBrowser --

func TestStartBrowser(t *testing.T) {
	ctx := context.Background()

	t.Run("connects and opens the declaration tab", func(t *testing.T) {
		page := loadYear(t)
		b := &fakeBrowser{openOK: true, attachOK: true, attached: page}
		c, _ := setup(t, b, nil)

		require.NoError(t, c.StartBrowser(ctx, confirmed))
		assert.Equal(t, []string{"ensure_open", "attach", "target_tab"}, b.Calls())
		assert.Same(t, page, c.Page())
	})

	t.Run("tab failure is not fatal", func(t *testing.T) {
		b := &fakeBrowser{openOK: true, attachOK: true, attached: loadYear(t), tabErr: errors.New("no tab")}
		c, _ := setup(t, b, nil)

		assert.NoError(t, c.StartBrowser(ctx, confirmed))
	})

	t.Run("launch failure", func(t *testing.T) {
		b := &fakeBrowser{}
		c, rec := setup(t, b, nil)

		err := c.StartBrowser(ctx, confirmed)
		assert.ErrorIs(t, err, ErrBrowserLaunch)
		assert.Equal(t, []string{"ensure_open"}, b.Calls())
		assert.Equal(t, []events.ErrorKind{events.KindSession}, rec.Errors())
	})

	t.Run("attach failure", func(t *testing.T) {
		b := &fakeBrowser{openOK: true}
		c, _ := setup(t, b, nil)

		assert.ErrorIs(t, c.StartBrowser(ctx, confirmed), ErrNotConnected)
		assert.Nil(t, c.Page())
	})

	t.Run("waits for the login confirmation", func(t *testing.T) {
		b := &fakeBrowser{openOK: true, attachOK: true, attached: loadYear(t)}
		c, rec := setup(t, b, nil)

		done := make(chan error, 1)
		_, err := c.StartBrowserAsync(nil, func(err error) { done <- err })
		require.NoError(t, err)

		waitFor(t, rec.waiting)
		assert.Equal(t, []string{"ensure_open"}, b.Calls(), "nothing attaches before the operator logs in")
		c.ConfirmLogin()

		require.NoError(t, <-done)
		assert.Equal(t, []string{"ensure_open", "attach", "target_tab"}, b.Calls())
	})

	t.Run("stop while waiting for login", func(t *testing.T) {
		b := &fakeBrowser{openOK: true, attachOK: true, attached: loadYear(t)}
		c, rec := setup(t, b, nil)

		done := make(chan error, 1)
		_, err := c.StartBrowserAsync(nil, func(err error) { done <- err })
		require.NoError(t, err)

		waitFor(t, rec.waiting)
		c.Stop()

		assert.ErrorIs(t, <-done, interrupt.ErrInterrupted)
		assert.Nil(t, c.Page())
	})
}

// -- Search --

func TestSearch(t *testing.T) {
	ctx := context.Background()

	t.Run("reconnects when no driver is attached", func(t *testing.T) {
		b := &fakeBrowser{attachOK: true, attached: loadYear(t)}
		c, _ := setup(t, b, nil)

		found, err := c.Search(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"reattach"}, b.Calls())
		require.Len(t, found, 3)
		assert.Equal(t, wizard.Declaration{Index: 1, Year: "2024"}, found[1])
	})

	t.Run("force new returns to the declaration tab", func(t *testing.T) {
		page := loadYear(t)
		b := &fakeBrowser{page: page}
		c, _ := setup(t, b, nil)

		_, err := c.Search(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"target_tab"}, b.Calls())
	})

	t.Run("reconnect failure", func(t *testing.T) {
		b := &fakeBrowser{}
		c, rec := setup(t, b, nil)

		_, err := c.Search(ctx, false)
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.Equal(t, []events.ErrorKind{events.KindSession}, rec.Errors())
	})

	t.Run("missing table is structural", func(t *testing.T) {
		page, err := dom.NewHTMLPage(strings.NewReader("<html><body></body></html>"))
		require.NoError(t, err)
		b := &fakeBrowser{page: page}
		c, rec := setup(t, b, nil)

		_, err = c.Search(ctx, false)
		assert.ErrorIs(t, err, wizard.ErrStructural)
		assert.Equal(t, []events.ErrorKind{events.KindStructural}, rec.Errors())
	})

	t.Run("async", func(t *testing.T) {
		b := &fakeBrowser{page: loadYear(t)}
		c, _ := setup(t, b, nil)

		done := make(chan []wizard.Declaration, 1)
		id, err := c.SearchAsync(false, func(found []wizard.Declaration, err error) {
			assert.NoError(t, err)
			done <- found
		})
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.Len(t, <-done, 3)
	})
}

// -- RunYear --

func TestRunYear(t *testing.T) {
	ctx := context.Background()

	t.Run("completes", func(t *testing.T) {
		page := loadYear(t)
		b := &fakeBrowser{page: page}
		c, rec := setup(t, b, nil)

		res := c.RunYear(ctx, 1, "2024")
		require.NoError(t, res.Err)
		assert.Equal(t, OutcomeCompleted, res.Outcome)
		assert.True(t, res.Complete())
		assert.NotEmpty(t, res.RunID)
		assert.Equal(t, []string{"Janeiro"}, res.Report.ClosedSeason)
		assert.Equal(t, []string{"Abril"}, res.Report.Production)

		assert.Equal(t, []string{"front"}, b.Calls())
		assert.Equal(t, "//*[@id='declaracoes']/div[1]/table[1]/tbody[1]/tr[2]/td[3]/button[1]", page.Clicks()[0])
		assert.Equal(t, []events.Stage{
			events.StageBasicData,
			events.StageActivityDetails,
			events.StageMonthlyEntries,
			events.StageAcceptance,
			events.StageDone,
		}, rec.Stages())
		assert.Empty(t, rec.Errors())
	})

	t.Run("failed months are reported without the done notification", func(t *testing.T) {
		cfg := testConfig()
		cfg.DeclarationCfg.SelectedMonths = []string{"Maio"}
		c, rec := setup(t, &fakeBrowser{page: loadYear(t)}, cfg)

		res := c.RunYear(ctx, 1, "2024")
		require.NoError(t, res.Err)
		assert.Equal(t, OutcomeCompleted, res.Outcome)
		assert.False(t, res.Complete())
		assert.Equal(t, []string{"Maio"}, res.Report.FailedMonths())
		assert.NotContains(t, rec.Stages(), events.StageDone)
	})

	t.Run("not connected", func(t *testing.T) {
		c, rec := setup(t, &fakeBrowser{}, nil)

		res := c.RunYear(ctx, 1, "2024")
		assert.Equal(t, OutcomeFailed, res.Outcome)
		assert.ErrorIs(t, res.Err, ErrNotConnected)
		assert.Equal(t, []events.ErrorKind{events.KindSession}, rec.Errors())
	})

	t.Run("table changed", func(t *testing.T) {
		page := loadYear(t)
		c, _ := setup(t, &fakeBrowser{page: page}, nil)

		res := c.RunYear(ctx, 9, "2024")
		assert.Equal(t, OutcomeFailed, res.Outcome)
		assert.ErrorIs(t, res.Err, wizard.ErrTableChanged)
		assert.Zero(t, page.Mutations())
	})

	t.Run("stop during the run", func(t *testing.T) {
		page := loadYear(t)
		b := &fakeBrowser{}
		c, rec := setup(t, b, nil)
		b.page = &stopOnQuery{Page: page, trigger: "@name='uf'", stop: c.Stop}

		res := c.RunYear(ctx, 1, "2024")
		assert.Equal(t, OutcomeStopped, res.Outcome)
		assert.ErrorIs(t, res.Err, interrupt.ErrInterrupted)
		assert.Equal(t, []events.ErrorKind{events.KindCancelled}, rec.Errors())
		assert.Nil(t, c.Page(), "stop detaches the driver")
		assert.NotContains(t, rec.Stages(), events.StageDone)
	})

	t.Run("closed browser is a session failure", func(t *testing.T) {
		c, rec := setup(t, &fakeBrowser{page: deadSession{loadYear(t)}}, nil)

		res := c.RunYear(ctx, 1, "2024")
		assert.Equal(t, OutcomeFailed, res.Outcome)
		assert.ErrorIs(t, res.Err, chromedp.ErrChannelClosed)
		assert.Equal(t, []events.ErrorKind{events.KindSession}, rec.Errors())
	})

	t.Run("one command at a time", func(t *testing.T) {
		b := &fakeBrowser{openOK: true, attachOK: true, attached: loadYear(t)}
		c, rec := setup(t, b, nil)

		done := make(chan error, 1)
		_, err := c.StartBrowserAsync(nil, func(err error) { done <- err })
		require.NoError(t, err)
		waitFor(t, rec.waiting)

		res := c.RunYear(ctx, 1, "2024")
		assert.ErrorIs(t, res.Err, ErrBusy)
		_, err = c.SearchAsync(false, nil)
		assert.ErrorIs(t, err, ErrBusy)

		c.ConfirmLogin()
		require.NoError(t, <-done)
		c.Wait()

		_, err = c.Search(ctx, false)
		assert.NoError(t, err)
	})

	t.Run("async result", func(t *testing.T) {
		c, _ := setup(t, &fakeBrowser{page: loadYear(t)}, nil)

		done := make(chan Result, 1)
		id, err := c.RunYearAsync(1, "2024", func(r Result) { done <- r })
		require.NoError(t, err)
		res := <-done
		assert.Equal(t, id, res.RunID)
		assert.Equal(t, OutcomeCompleted, res.Outcome)
	})
}

// -- Tabs and Stop --

func TestTabsAndStop(t *testing.T) {
	ctx := context.Background()

	t.Run("open tabs needs a driver", func(t *testing.T) {
		b := &fakeBrowser{}
		c, _ := setup(t, b, nil)
		assert.ErrorIs(t, c.OpenTabs(ctx), ErrNotConnected)

		b.page = loadYear(t)
		require.NoError(t, c.OpenTabs(ctx))
		assert.Equal(t, []string{"restore_tabs"}, b.Calls())
	})

	t.Run("return home reconnects first", func(t *testing.T) {
		b := &fakeBrowser{attachOK: true, attached: loadYear(t)}
		c, _ := setup(t, b, nil)

		require.NoError(t, c.ForceReturnHome(ctx))
		assert.Equal(t, []string{"reattach", "home"}, b.Calls())
	})

	t.Run("return home without a browser", func(t *testing.T) {
		c, _ := setup(t, &fakeBrowser{}, nil)
		assert.ErrorIs(t, c.ForceReturnHome(ctx), ErrNotConnected)
	})

	t.Run("stop while idle", func(t *testing.T) {
		b := &fakeBrowser{}
		c, _ := setup(t, b, nil)

		assert.NotPanics(t, c.Stop)
		assert.Empty(t, b.Calls(), "nothing to close")
	})

	t.Run("closed controller refuses commands", func(t *testing.T) {
		c, _ := setup(t, &fakeBrowser{page: loadYear(t)}, nil)
		c.Close()

		_, err := c.Search(ctx, false)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "completed", OutcomeCompleted.String())
	assert.Equal(t, "stopped", OutcomeStopped.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
}
