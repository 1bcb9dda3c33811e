// Package controller runs the operator's commands against the browser: start
// and connect, list pending declarations, fill one year, stop. One command
// runs at a time and each gets its own stop token.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/autoreap/autoreap/internal/browser/dom"
	"github.com/autoreap/autoreap/internal/browser/session"
	"github.com/autoreap/autoreap/internal/config"
	"github.com/autoreap/autoreap/internal/events"
	"github.com/autoreap/autoreap/internal/interrupt"
	"github.com/autoreap/autoreap/internal/observability"
	"github.com/autoreap/autoreap/internal/wizard"
)

var (
	// ErrBusy is returned when a command is already running.
	ErrBusy = errors.New("another command is running")
	// ErrNotConnected is returned when no browser tab is attached.
	ErrNotConnected = errors.New("browser not connected")
	// ErrBrowserLaunch is returned when the browser could not be started.
	ErrBrowserLaunch = errors.New("browser could not be started")
	// ErrClosed is returned once the controller is closed.
	ErrClosed = errors.New("controller closed")
)

// Outcome is how a year run ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeStopped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeStopped:
		return "stopped"
	default:
		return "failed"
	}
}

// Result reports one year run.
type Result struct {
	RunID   string
	Year    string
	Outcome Outcome
	Report  wizard.MonthReport
	Err     error
}

// Complete reports a run that reached acceptance with every month filled.
func (r Result) Complete() bool {
	return r.Outcome == OutcomeCompleted && len(r.Report.Failed) == 0
}

// LoginFunc blocks until the operator confirms being logged in.
type LoginFunc func(ctx context.Context) error

// Controller serializes commands against one browser.
type Controller struct {
	cfg     config.Interface
	browser Browser
	hub     *events.Hub
	logger  *zap.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tok    *interrupt.Token
	login  chan struct{}
	closed bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithHub sets the hub stage and error notifications go to.
func WithHub(h *events.Hub) Option {
	return func(c *Controller) { c.hub = h }
}

// New creates a controller over browser.
func New(cfg config.Interface, browser Browser, opts ...Option) *Controller {
	c := &Controller{
		cfg:     cfg,
		browser: browser,
		hub:     events.NewHub(),
		logger:  observability.GetLogger(),
		sem:     semaphore.NewWeighted(1),
		login:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("controller")
	c.base, c.cancel = context.WithCancel(context.Background())
	return c
}

// Hub returns the notification hub.
func (c *Controller) Hub() *events.Hub { return c.hub }

// -- Run bookkeeping --

// acquire claims the single command slot.
func (c *Controller) acquire() (func(), error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !c.sem.TryAcquire(1) {
		c.logger.Warn("Processo já em execução.")
		return nil, ErrBusy
	}
	return func() { c.sem.Release(1) }, nil
}

// begin arms a fresh stop token derived from parent for one command.
func (c *Controller) begin(parent context.Context) (context.Context, *interrupt.Token) {
	tok := interrupt.New(parent)
	c.mu.Lock()
	c.tok = tok
	c.mu.Unlock()
	return tok.Context(), tok
}

// spawn runs fn on a worker goroutine once the command slot is claimed.
func (c *Controller) spawn(name string, fn func(ctx context.Context, runID string)) (string, error) {
	release, err := c.acquire()
	if err != nil {
		return "", err
	}
	runID := uuid.NewString()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer release()
		c.logger.Debug("Command started.", zap.String("command", name), zap.String("run_id", runID))
		fn(c.base, runID)
	}()
	return runID, nil
}

// Wait blocks until every spawned command has returned.
func (c *Controller) Wait() { c.wg.Wait() }

// Close stops the running command and waits for the worker. The browser is
// left open.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	tok := c.tok
	c.mu.Unlock()
	if tok != nil {
		tok.Set()
	}
	c.cancel()
	c.wg.Wait()
}

// -- Login --

// ConfirmLogin releases a pending AwaitLogin. Extra confirmations are dropped.
func (c *Controller) ConfirmLogin() {
	select {
	case c.login <- struct{}{}:
	default:
	}
}

// AwaitLogin waits for ConfirmLogin, a stop or ctx.
func (c *Controller) AwaitLogin(ctx context.Context) error {
	c.logger.Warn("Faça login no navegador e confirme para continuar.", observability.Tag(events.TagWarning))
	select {
	case <-c.login:
		return nil
	case <-ctx.Done():
		return interrupt.ErrInterrupted
	}
}

func (c *Controller) drainLogin() {
	select {
	case <-c.login:
	default:
	}
}

// -- Commands --

// StartBrowser opens the browser if needed, waits for the operator to log
// in, attaches and moves to the declaration tab.
func (c *Controller) StartBrowser(ctx context.Context, confirm LoginFunc) error {
	release, err := c.acquire()
	if err != nil {
		return err
	}
	defer release()
	return c.startBrowser(ctx, confirm)
}

// StartBrowserAsync is StartBrowser on the worker goroutine. done may be nil.
func (c *Controller) StartBrowserAsync(confirm LoginFunc, done func(error)) (string, error) {
	return c.spawn("start_browser", func(ctx context.Context, _ string) {
		err := c.startBrowser(ctx, confirm)
		if done != nil {
			done(err)
		}
	})
}

func (c *Controller) startBrowser(parent context.Context, confirm LoginFunc) error {
	ctx, tok := c.begin(parent)
	c.drainLogin()
	if confirm == nil {
		confirm = c.AwaitLogin
	}
	c.logger.Info("INICIANDO SISTEMA...", observability.Tag(events.TagDestak))

	if !c.browser.EnsureOpen(ctx) {
		if err := tok.Check(); err != nil {
			return err
		}
		c.logger.Error("Falha crítica ao abrir navegador.")
		c.hub.OnError(events.KindSession, "Falha crítica ao abrir navegador.")
		return ErrBrowserLaunch
	}

	if err := confirm(ctx); err != nil {
		return tok.Translate(err)
	}
	if err := tok.Check(); err != nil {
		return err
	}
	c.logger.Info("Login confirmado. Conectando ao navegador...", observability.Tag(events.TagInfo))

	if !c.browser.Attach(ctx) {
		if err := tok.Check(); err != nil {
			return err
		}
		c.logger.Error("Falha ao conectar ao navegador.")
		c.hub.OnError(events.KindSession, "Falha ao conectar ao navegador.")
		return ErrNotConnected
	}
	c.logger.Info("Navegador Conectado.", observability.Tag(events.TagSuccess))

	if err := c.browser.EnsureTargetTab(ctx); err != nil {
		if err = tok.Translate(err); interrupt.IsInterrupted(err) {
			return err
		}
		c.logger.Warn("Não foi possível abrir a aba do PesqBrasil.", zap.Error(err))
	}
	return nil
}

// Search lists pending and sent declarations. forceNew first moves the
// driver back to the declaration tab.
func (c *Controller) Search(ctx context.Context, forceNew bool) ([]wizard.Declaration, error) {
	release, err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return c.search(ctx, forceNew)
}

// SearchAsync is Search on the worker goroutine. done may be nil.
func (c *Controller) SearchAsync(forceNew bool, done func([]wizard.Declaration, error)) (string, error) {
	return c.spawn("search", func(ctx context.Context, _ string) {
		found, err := c.search(ctx, forceNew)
		if done != nil {
			done(found, err)
		}
	})
}

func (c *Controller) search(parent context.Context, forceNew bool) ([]wizard.Declaration, error) {
	ctx, tok := c.begin(parent)

	if c.browser.Page() == nil {
		c.logger.Info("Reconectando driver para busca...")
		if !c.browser.Reattach(ctx) {
			if err := tok.Check(); err != nil {
				return nil, err
			}
			c.hub.OnError(events.KindSession, "Falha ao reconectar navegador.")
			return nil, ErrNotConnected
		}
	}
	if forceNew {
		if err := c.browser.EnsureTargetTab(ctx); err != nil {
			if err = tok.Translate(err); interrupt.IsInterrupted(err) {
				return nil, err
			}
			c.logger.Warn("Não foi possível voltar à aba do PesqBrasil.", zap.Error(err))
		}
	}
	page := c.browser.Page()
	if page == nil {
		return nil, ErrNotConnected
	}

	t := c.cfg.Timeouts()
	found, err := wizard.ScanPending(ctx, page, tok, wizard.ScanOptions{
		Attempts: t.SearchAttempts,
		Interval: t.SearchInterval,
		Logger:   c.logger,
	})
	if err != nil {
		if err = tok.Translate(err); !interrupt.IsInterrupted(err) {
			c.logger.Error("Erro na varredura.", zap.Error(err))
			c.hub.OnError(kindOf(err), err.Error())
		}
		return nil, err
	}
	return found, nil
}

// RunYear fills the declaration at row index of the pending table for the
// configured months.
func (c *Controller) RunYear(ctx context.Context, index int, year string) Result {
	release, err := c.acquire()
	if err != nil {
		return Result{Year: year, Outcome: OutcomeFailed, Err: err}
	}
	defer release()
	return c.runYear(ctx, uuid.NewString(), index, year)
}

// RunYearAsync is RunYear on the worker goroutine. done may be nil.
func (c *Controller) RunYearAsync(index int, year string, done func(Result)) (string, error) {
	return c.spawn("run_year", func(ctx context.Context, runID string) {
		res := c.runYear(ctx, runID, index, year)
		if done != nil {
			done(res)
		}
	})
}

func (c *Controller) runYear(parent context.Context, runID string, index int, year string) Result {
	ctx, tok := c.begin(parent)
	res := Result{RunID: runID, Year: year}

	decl := c.cfg.Declaration()
	selected := decl.SelectedMonths
	if selected == nil {
		selected = append([]string(nil), config.Months...)
	}
	logger := c.logger.With(zap.String("run_id", runID))
	logger.Info(fmt.Sprintf("Iniciando %s | Meses: %d selecionados", year, len(selected)), observability.Tag(events.TagDestak))

	page := c.browser.Page()
	if page == nil {
		return c.fail(logger, res, fmt.Errorf("%w: Navegador não conectado", ErrNotConnected))
	}
	c.browser.BringToFront(ctx)

	if err := wizard.OpenDeclaration(ctx, page, tok, index); err != nil {
		if errors.Is(err, wizard.ErrTableChanged) {
			logger.Error("Tabela mudou.")
		}
		return c.finish(logger, tok, res, err)
	}

	w := wizard.New(page, decl, c.cfg.Timeouts(), tok,
		wizard.WithLogger(logger),
		wizard.WithListener(c.hub))
	res.Report, res.Err = w.Run(ctx, selected)
	return c.finish(logger, tok, res, res.Err)
}

func (c *Controller) finish(logger *zap.Logger, tok *interrupt.Token, res Result, err error) Result {
	if err == nil {
		res.Outcome = OutcomeCompleted
		if failed := res.Report.FailedMonths(); len(failed) > 0 {
			logger.Warn(fmt.Sprintf("Fim %s com meses pendentes: %v. Rode novamente apenas esses meses.", res.Year, failed),
				observability.Tag(events.TagWarning))
			return res
		}
		logger.Info(fmt.Sprintf("Fim %s.", res.Year), observability.Tag(events.TagSuccess))
		logger.Info(fmt.Sprintf("Preenchimento de %s CONCLUÍDO! Revise e clique em Enviar.", res.Year),
			observability.Tag(events.TagSuccess))
		c.hub.OnStageDone(events.StageDone)
		return res
	}

	err = tok.Translate(err)
	res.Err = err
	if interrupt.IsInterrupted(err) {
		res.Outcome = OutcomeStopped
		logger.Warn("Parada Solicitada.")
		c.hub.OnError(events.KindCancelled, "INTERRUPTED")
		return res
	}
	return c.fail(logger, res, err)
}

func (c *Controller) fail(logger *zap.Logger, res Result, err error) Result {
	res.Outcome = OutcomeFailed
	res.Err = err
	logger.Error("Erro execução.", zap.Error(err))
	c.hub.OnError(kindOf(err), err.Error())
	return res
}

// Stop interrupts the running command, halts any page load and detaches the
// driver. The browser window stays open.
func (c *Controller) Stop() {
	c.mu.Lock()
	tok := c.tok
	c.mu.Unlock()
	if tok != nil {
		tok.Set()
	}
	c.logger.Error(">>> PARANDO... <<<", observability.Tag(events.TagError))

	if c.browser.Page() != nil {
		c.browser.Close()
		c.logger.Info("Conexão com o navegador encerrada.", observability.Tag(events.TagWarning))
	}
}

// OpenTabs reopens the missing work tabs.
func (c *Controller) OpenTabs(ctx context.Context) error {
	if c.browser.Page() == nil {
		return ErrNotConnected
	}
	return c.browser.RestoreWorkTabs(ctx)
}

// ForceReturnHome reloads the declaration home page, reconnecting first if a
// stop dropped the driver.
func (c *Controller) ForceReturnHome(ctx context.Context) error {
	if c.browser.Page() == nil && !c.browser.Reattach(ctx) {
		return ErrNotConnected
	}
	return c.browser.ForceReturnHome(ctx)
}

// Page returns the connected tab, or nil.
func (c *Controller) Page() dom.Page { return c.browser.Page() }

// lostBrowser reports a driver whose tab or browser went away while the stop
// token was not set: chromedp cancels the tab context when its target dies.
func lostBrowser(err error) bool {
	return session.IsDisconnected(err) || errors.Is(err, context.Canceled)
}

func kindOf(err error) events.ErrorKind {
	switch {
	case interrupt.IsInterrupted(err):
		return events.KindCancelled
	case errors.Is(err, wizard.ErrStructural):
		return events.KindStructural
	case errors.Is(err, dom.ErrTimeout):
		return events.KindTimeout
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrBrowserLaunch), lostBrowser(err):
		return events.KindSession
	default:
		return events.KindTransient
	}
}
