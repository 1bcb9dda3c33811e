// Package wizard drives the four-step declaration form: basic data, activity
// details, monthly entries and acceptance.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/autoreap/autoreap/internal/browser/dom"
	"github.com/autoreap/autoreap/internal/config"
	"github.com/autoreap/autoreap/internal/events"
	"github.com/autoreap/autoreap/internal/interrupt"
	"github.com/autoreap/autoreap/internal/observability"
	"github.com/autoreap/autoreap/internal/production"
)

var (
	// ErrStructural is returned when a container the step cannot work without
	// never appears.
	ErrStructural = errors.New("required form container missing")
	// ErrStalled is returned by Run when the "next" button could not be clicked.
	ErrStalled = errors.New("wizard did not advance")
)

const (
	basicMarkerName   = "uf"
	activityMarker    = "//h4[contains(text(), 'Atividade pesqueira')]"
	advanceXPath      = "//button[contains(., 'Avançar') or @data-action='avancar']"
	acceptanceName    = "concordaComDeclaracaoResponsabilidade"
	laborRelationName = "prestacaoServico"
)

// TimingsFrom maps the configured waits onto the interactor's timings.
func TimingsFrom(t config.TimeoutConfig) dom.Timings {
	return dom.Timings{
		Poll:           t.PollInterval,
		ClickFallback:  t.ClickFallback,
		ListOpen:       t.ListOpen,
		SearchSettle:   t.SearchSettle,
		RetryPause:     t.ComboRetryPause,
		ChoiceListOpen: t.OptionVisible,
	}
}

// Wizard fills one declaration. Stage handlers can be called on their own;
// Run chains them with Advance. Every handler checks the stop token first and
// never swallows interrupt.ErrInterrupted.
type Wizard struct {
	in       *dom.Interactor
	page     dom.Page
	gen      *production.Generator
	decl     config.DeclarationConfig
	timeouts config.TimeoutConfig
	tok      *interrupt.Token
	logger   *zap.Logger
	listener events.Listener

	mu    sync.Mutex
	stage events.Stage
}

// Option configures a Wizard.
type Option func(*Wizard)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Wizard) { w.logger = l }
}

// WithListener sets the listener notified when a stage completes.
func WithListener(l events.Listener) Option {
	return func(w *Wizard) { w.listener = l }
}

// WithGenerator replaces the production generator built from the declaration.
func WithGenerator(g *production.Generator) Option {
	return func(w *Wizard) { w.gen = g }
}

// New creates a wizard working on page with a snapshot of the declaration settings.
func New(page dom.Page, decl config.DeclarationConfig, timeouts config.TimeoutConfig, tok *interrupt.Token, opts ...Option) *Wizard {
	w := &Wizard{
		page:     page,
		decl:     decl,
		timeouts: timeouts,
		tok:      tok,
		logger:   observability.GetLogger(),
		listener: events.Funcs{},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("wizard")
	w.in = dom.NewInteractor(page, tok, w.logger, TimingsFrom(timeouts))
	if w.gen == nil {
		w.gen = production.NewGenerator(decl, tok,
			production.WithTimeout(timeouts.Generator),
			production.WithLogger(w.logger))
	}
	return w
}

// Stage returns the step the wizard is on.
func (w *Wizard) Stage() events.Stage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stage
}

func (w *Wizard) setStage(s events.Stage) {
	w.mu.Lock()
	if s > w.stage {
		w.stage = s
	}
	w.mu.Unlock()
}

func (w *Wizard) check(ctx context.Context) error {
	if err := w.tok.Check(); err != nil {
		return err
	}
	return w.tok.Translate(ctx.Err())
}

// bestEffort logs err at lvl and drops it, unless it is an interruption.
func (w *Wizard) bestEffort(err error, lvl zapcore.Level, msg string) error {
	if err == nil {
		return nil
	}
	if err = w.tok.Translate(err); interrupt.IsInterrupted(err) {
		return err
	}
	if ce := w.logger.Check(lvl, msg); ce != nil {
		ce.Write(zap.Error(err))
	}
	return nil
}

// release drops the page handles gathered by a stage or month. Elements are
// always looked up again afterwards.
func (w *Wizard) release(ctx context.Context) {
	if err := dom.ReleaseHandles(ctx, w.page); err != nil {
		w.logger.Debug("Releasing page handles failed.", zap.Error(err))
	}
}

func (w *Wizard) banner(title string) {
	w.logger.Info(">>> "+title+" <<<", observability.Tag(events.TagDestak))
}

// selectNamed picks value in the br-select around input[name=name].
func (w *Wizard) selectNamed(ctx context.Context, name, value string, searchable bool) error {
	input, err := dom.First(ctx, w.page, "//*[@name="+dom.Literal(name)+"]")
	if err != nil {
		return err
	}
	sel, err := dom.First(ctx, input, "./ancestor::div[contains(@class, 'br-select')]")
	if err != nil {
		return err
	}
	return w.in.SelectInCombo(ctx, sel, value, searchable)
}

// -- Stages --

// BasicData fills residency state, municipality, category and work mode. The
// page may come pre-filled, so every failure is only a warning.
func (w *Wizard) BasicData(ctx context.Context) error {
	w.banner("Etapa 1: Dados Básicos")
	defer w.release(ctx)
	if err := w.check(ctx); err != nil {
		return err
	}
	err := w.basicData(ctx)
	if err = w.bestEffort(err, zapcore.WarnLevel, "Aviso Etapa 1."); err != nil {
		return err
	}
	w.listener.OnStageDone(events.StageBasicData)
	return nil
}

func (w *Wizard) basicData(ctx context.Context) error {
	if _, err := w.in.WaitFor(ctx, nil, "//*[@name="+dom.Literal(basicMarkerName)+"]", w.timeouts.BasicMarker, false); err != nil {
		return err
	}
	fields := []struct {
		name, value string
		searchable  bool
	}{
		{"uf", w.decl.ResidencyState, false},
		{"municipio", w.decl.EffectiveMunicipality(), true},
		{"categoria", w.decl.Category, false},
		{"embarcado", w.decl.WorkMode, false},
	}
	for _, f := range fields {
		err := w.selectNamed(ctx, f.name, f.value, f.searchable)
		if err = w.bestEffort(err, zapcore.WarnLevel, fmt.Sprintf("Campo %s não preenchido.", f.name)); err != nil {
			return err
		}
	}
	w.logger.Info("Etapa 1 preenchida.")
	return nil
}

// ActivityDetails fills the labor relation (when present), trading state,
// target groups and buyers. Failures are logged as errors; the caller decides
// whether to advance.
func (w *Wizard) ActivityDetails(ctx context.Context) error {
	w.banner("Etapa 2: Atividade")
	defer w.release(ctx)
	if err := w.check(ctx); err != nil {
		return err
	}
	err := w.activityDetails(ctx)
	if err = w.bestEffort(err, zapcore.ErrorLevel, "Erro Etapa 2."); err != nil {
		return err
	}
	w.listener.OnStageDone(events.StageActivityDetails)
	return nil
}

func (w *Wizard) activityDetails(ctx context.Context) error {
	if _, err := w.in.WaitFor(ctx, nil, activityMarker, w.timeouts.ActivityMarker, false); err != nil {
		return err
	}
	err := w.selectNamed(ctx, laborRelationName, w.decl.LaborRelation, false)
	if errors.Is(err, dom.ErrNotFound) {
		w.logger.Debug("No labor relation field on this page.")
	} else if err = w.bestEffort(err, zapcore.DebugLevel, "Labor relation not selected."); err != nil {
		return err
	}

	err = w.in.EnsureSingleChoice(ctx, "estadosComercializacao", w.decl.TradingState)
	if err = w.bestEffort(err, zapcore.ErrorLevel, "Estado de comercialização não selecionado."); err != nil {
		return err
	}
	err = w.in.EnsureCheckboxGroup(ctx, "gruposAlvo", w.decl.TargetGroups)
	if err = w.bestEffort(err, zapcore.ErrorLevel, "Grupos-alvo não conferidos."); err != nil {
		return err
	}
	err = w.in.EnsureCheckboxGroup(ctx, "compradoresPescado", w.decl.Buyers)
	if err = w.bestEffort(err, zapcore.ErrorLevel, "Compradores não conferidos."); err != nil {
		return err
	}
	w.logger.Info("Etapa 2 preenchida.")
	return nil
}

// Acceptance ticks the responsibility term. Success is reported as a tagged
// log line and a stage notification; nothing here blocks on the operator.
func (w *Wizard) Acceptance(ctx context.Context) error {
	w.banner("Etapa 4: Aceite")
	defer w.release(ctx)
	if err := w.check(ctx); err != nil {
		return err
	}
	err := w.acceptance(ctx)
	if err = w.bestEffort(err, zapcore.ErrorLevel, "Erro Etapa 4."); err != nil {
		return err
	}
	w.setStage(events.StageDone)
	w.listener.OnStageDone(events.StageAcceptance)
	return nil
}

func (w *Wizard) acceptance(ctx context.Context) error {
	w.logger.Info("Procurando checkbox de responsabilidade...")
	box, err := w.in.WaitFor(ctx, nil, "//*[@name="+dom.Literal(acceptanceName)+"]", w.timeouts.Acceptance, false)
	if err != nil {
		return err
	}
	if container, cerr := dom.First(ctx, box, "./ancestor::div[contains(@class, 'br-checkbox')]"); cerr == nil {
		_ = container.ScrollIntoView(ctx)
	}
	checked, err := box.Checked(ctx)
	if err != nil {
		return err
	}
	if checked {
		return nil
	}
	if err := w.in.RobustClick(ctx, box, w.timeouts.ClickFallback); err != nil {
		return err
	}
	w.logger.Info("Termo aceito!", observability.Tag(events.TagSuccess))
	return nil
}

// Advance clicks the wizard's "next" button. It reports false when the button
// never became clickable; the only error is interruption.
func (w *Wizard) Advance(ctx context.Context) (bool, error) {
	if err := w.check(ctx); err != nil {
		return false, err
	}
	defer w.release(ctx)
	w.logger.Info("Tentando clicar em Avançar...", observability.Tag(events.TagInfo))

	err := w.advance(ctx)
	if err != nil {
		if err = w.tok.Translate(err); interrupt.IsInterrupted(err) {
			return false, err
		}
		w.logger.Error("Falha ao clicar em avançar.", zap.Error(err))
		return false, nil
	}
	w.logger.Info("Botão avançar clicado. Aguardando transição.")

	w.mu.Lock()
	if w.stage < events.StageAcceptance {
		w.stage++
	}
	w.mu.Unlock()
	return true, nil
}

func (w *Wizard) advance(ctx context.Context) error {
	btn, err := w.in.WaitFor(ctx, nil, advanceXPath, w.timeouts.Advance, true)
	if err != nil {
		return err
	}
	_ = btn.ScrollIntoView(ctx)
	if err := w.tok.Wait(w.timeouts.AdvanceSettle / 10); err != nil {
		return err
	}
	if err := w.in.RobustClick(ctx, btn, w.timeouts.ClickFallback); err != nil {
		return err
	}
	return w.tok.Wait(w.timeouts.AdvanceSettle)
}

// Run fills the whole declaration for the selected months, advancing between
// steps. It stops at the first step it cannot advance past.
func (w *Wizard) Run(ctx context.Context, selected []string) (MonthReport, error) {
	var report MonthReport

	if err := w.BasicData(ctx); err != nil {
		return report, err
	}
	if err := w.mustAdvance(ctx, events.StageBasicData); err != nil {
		return report, err
	}

	if err := w.ActivityDetails(ctx); err != nil {
		return report, err
	}
	if err := w.mustAdvance(ctx, events.StageActivityDetails); err != nil {
		return report, err
	}

	report, err := w.MonthlyEntries(ctx, selected)
	if err != nil {
		return report, err
	}
	if err := w.mustAdvance(ctx, events.StageMonthlyEntries); err != nil {
		return report, err
	}

	return report, w.Acceptance(ctx)
}

func (w *Wizard) mustAdvance(ctx context.Context, from events.Stage) error {
	ok, err := w.Advance(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w after %s", ErrStalled, from)
	}
	return nil
}
