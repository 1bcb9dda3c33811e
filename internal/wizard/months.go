package wizard

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/autoreap/autoreap/internal/browser/dom"
	"github.com/autoreap/autoreap/internal/config"
	"github.com/autoreap/autoreap/internal/events"
	"github.com/autoreap/autoreap/internal/interrupt"
	"github.com/autoreap/autoreap/internal/observability"
	"github.com/autoreap/autoreap/internal/production"
)

var accordionXPath = "//*[" + dom.HasClass("br-accordion") + "]"

const (
	approvedIcon     = "accordion-icon-approved"
	noFishingText    = "Não houve pesca"
	noActivityLabel  = "//label[normalize-space()='Não']"
	yesActivityLabel = "//label[normalize-space()='Sim']"
	closedReasonSpan = "//span[contains(text(), 'Período regulamentado de defeso')]"
	workedDaysInput  = "//label[contains(text(), 'dias trabalhados')]/ancestor::div[contains(@class, 'br-input')]//input"
	areaTableXPath   = "//table[caption[contains(text(), 'Área de realização')]]"
	resultsXPath     = "//div[contains(@class, 'br-table') and .//div[contains(text(), 'Resultado anual')]]"
	addRowXPath      = ".//button[contains(., 'Adicionar nova') or .//i[contains(@class, 'fa-plus')]]"
)

func monthHeaderXPath(month string) string {
	return "//button[contains(@class, 'br-accordion-header') and .//*[contains(text(), " + dom.Literal(month) + ")]]"
}

// MonthFailure records a production month that could not be filled.
type MonthFailure struct {
	Month string
	Err   error
}

// MonthReport summarizes the monthly step.
type MonthReport struct {
	// ClosedSeason and Production are the months handled, in processing order.
	ClosedSeason []string
	Production   []string
	// Skipped are selected months found in neither reference list.
	Skipped []string
	Failed  []MonthFailure
	// Fallbacks are months whose generated totals may miss the target.
	Fallbacks []string
	// DefaultLists is set when the configured month lists were missing.
	DefaultLists bool
}

// FailedMonths lists the months to re-run.
func (r MonthReport) FailedMonths() []string {
	out := make([]string, len(r.Failed))
	for i, f := range r.Failed {
		out[i] = f.Month
	}
	return out
}

// PartitionMonths intersects selected with each reference list, keeping the
// reference order. Selected months in neither list come back as skipped, in
// calendar order.
func PartitionMonths(selected, closedRef, productionRef []string) (closed, prod, skipped []string) {
	want := make(map[string]bool, len(selected))
	for _, m := range selected {
		want[m] = true
	}
	known := make(map[string]bool, len(closedRef)+len(productionRef))
	for _, m := range closedRef {
		known[m] = true
		if want[m] {
			closed = append(closed, m)
		}
	}
	for _, m := range productionRef {
		known[m] = true
		if want[m] {
			prod = append(prod, m)
		}
	}

	seen := make(map[string]bool)
	for _, m := range append(append([]string(nil), config.Months...), selected...) {
		if want[m] && !known[m] && !seen[m] {
			skipped = append(skipped, m)
			seen[m] = true
		}
	}
	return closed, prod, skipped
}

// MonthlyEntries fills the monthly accordion: closed-season months first, then
// production months. A missing accordion fails the step with ErrStructural.
// Production month failures are logged and reported, and never stop the batch.
func (w *Wizard) MonthlyEntries(ctx context.Context, selected []string) (MonthReport, error) {
	var report MonthReport
	w.banner("Iniciando Etapa 3: Meses")
	if err := w.check(ctx); err != nil {
		return report, err
	}

	if _, err := w.in.WaitFor(ctx, nil, accordionXPath, w.timeouts.Accordion, false); err != nil {
		if interrupt.IsInterrupted(err) {
			return report, err
		}
		w.logger.Error("ERRO CRÍTICO NA ETAPA 3: acordeão de meses não encontrado.", zap.Error(err))
		return report, fmt.Errorf("%w: monthly accordion: %v", ErrStructural, err)
	}

	closedRef, prodRef, fellBack := w.decl.MonthPlan()
	if fellBack {
		w.logger.Warn("Configuração de meses ausente. Usando padrão.")
	}
	report.DefaultLists = fellBack

	w.logger.Info(fmt.Sprintf("Meses selecionados pelo usuário: %d", len(selected)), observability.Tag(events.TagInfo))
	closed, prod, skipped := PartitionMonths(selected, closedRef, prodRef)
	report.Skipped = skipped
	for _, m := range skipped {
		w.logger.Warn(fmt.Sprintf("Mês %s não está em nenhuma lista de referência; ignorado.", m))
	}

	w.logger.Info(fmt.Sprintf("Defesos a preencher: %v", closed))
	for _, m := range closed {
		err := w.closedSeasonMonth(ctx, m)
		w.release(ctx)
		if err != nil {
			return report, err
		}
		report.ClosedSeason = append(report.ClosedSeason, m)
	}

	w.logger.Info(fmt.Sprintf("Produção a preencher: %v", prod))
	for _, m := range prod {
		batch, err := w.productionMonth(ctx, m)
		w.release(ctx)
		if err != nil {
			if err = w.tok.Translate(err); interrupt.IsInterrupted(err) {
				return report, err
			}
			w.logger.Error(fmt.Sprintf("Erro crítico no mês %s.", m), zap.Error(err))
			report.Failed = append(report.Failed, MonthFailure{Month: m, Err: err})
			continue
		}
		report.Production = append(report.Production, m)
		if batch.Fallback {
			report.Fallbacks = append(report.Fallbacks, m)
		}
	}

	w.listener.OnStageDone(events.StageMonthlyEntries)
	return report, nil
}

// closedSeasonMonth answers "no activity" for month with the closed season as
// the reason. Everything here is best-effort.
func (w *Wizard) closedSeasonMonth(ctx context.Context, month string) error {
	if err := w.check(ctx); err != nil {
		return err
	}
	w.logger.Info("Processando Defeso: " + month)
	return w.bestEffort(w.closedSeason(ctx, month), zapcore.DebugLevel, "Closed-season month not filled.")
}

func (w *Wizard) closedSeason(ctx context.Context, month string) error {
	header, err := w.in.WaitFor(ctx, nil, monthHeaderXPath(month), w.timeouts.ClosedHeader, false)
	if err != nil {
		return err
	}
	_ = header.ScrollIntoView(ctx)

	inner, _ := header.InnerHTML(ctx)
	text, _ := header.Text(ctx)
	if strings.Contains(inner, approvedIcon) || strings.Contains(text, noFishingText) {
		w.logger.Info(fmt.Sprintf("Mês %s já parece estar preenchido ou fechado.", month))
		return nil
	}
	if err := w.expand(ctx, header); err != nil {
		return err
	}

	no, err := w.in.WaitFor(ctx, nil, noActivityLabel, w.timeouts.OptionVisible, true)
	if err == nil {
		err = w.in.RobustClick(ctx, no, w.timeouts.ClickFallback)
	}
	if err == nil {
		w.logger.Info("Marcado 'Não' houve atividade.")
	} else if err = w.bestEffort(err, zapcore.DebugLevel, "'Não' option not set."); err != nil {
		return err
	}

	reason, err := w.in.WaitFor(ctx, nil, closedReasonSpan, w.timeouts.OptionVisible, true)
	if err != nil {
		return err
	}
	if box, berr := dom.First(ctx, reason, "./ancestor::div[contains(@class, 'br-checkbox')][1]//input"); berr == nil {
		if checked, _ := box.Checked(ctx); checked {
			return nil
		}
	}
	if err := w.in.RobustClick(ctx, reason, w.timeouts.ClickFallback); err != nil {
		return err
	}
	w.logger.Info("Marcado motivo 'Defeso'.")
	return nil
}

// expand opens a month section unless it is already open.
func (w *Wizard) expand(ctx context.Context, header dom.Element) error {
	if state, _ := header.Attr(ctx, "aria-expanded"); state == "true" {
		return nil
	}
	return w.in.RobustClick(ctx, header, w.timeouts.ClickFallback)
}

// productionMonth declares activity for month: worked days, fishing area,
// methods, then one results row per generated species.
func (w *Wizard) productionMonth(ctx context.Context, month string) (production.Batch, error) {
	if err := w.check(ctx); err != nil {
		return production.Batch{}, err
	}
	w.logger.Info("Iniciando Produção: "+month, observability.Tag(events.TagInfo))

	batch, err := w.gen.Generate(ctx, month)
	if err != nil {
		return batch, err
	}

	header, err := w.in.WaitFor(ctx, nil, monthHeaderXPath(month), w.timeouts.ProductionHeader, false)
	if err != nil {
		return batch, fmt.Errorf("month header: %w", err)
	}
	_ = header.ScrollIntoView(ctx)
	if err := w.expand(ctx, header); err != nil {
		return batch, fmt.Errorf("month header: %w", err)
	}

	yes, err := w.in.WaitFor(ctx, nil, yesActivityLabel, w.timeouts.OptionVisible, true)
	if err != nil {
		return batch, fmt.Errorf("'Sim' option: %w", err)
	}
	if err := w.in.RobustClick(ctx, yes, w.timeouts.ClickFallback); err != nil {
		return batch, fmt.Errorf("'Sim' option: %w", err)
	}

	days := fmt.Sprint(w.gen.WorkedDays())
	w.logger.Info("Dias trabalhados: " + days)
	daysInput, err := w.in.WaitFor(ctx, nil, workedDaysInput, w.timeouts.OptionVisible, true)
	if err != nil {
		return batch, fmt.Errorf("worked days: %w", err)
	}
	if err := w.in.TypeInto(ctx, daysInput, days); err != nil {
		return batch, err
	}

	if err := w.fishingArea(ctx); err != nil {
		return batch, err
	}
	if err := w.fillResults(ctx, batch.Rows); err != nil {
		return batch, err
	}

	w.logger.Info(fmt.Sprintf("Mês %s finalizado com sucesso.", month), observability.Tag(events.TagSuccess))
	return batch, nil
}

// fishingArea fills the first row of the fishing area table of the open month.
func (w *Wizard) fishingArea(ctx context.Context) error {
	table, err := w.in.WaitFor(ctx, nil, areaTableXPath, w.timeouts.OptionVisible, true)
	if err != nil {
		return fmt.Errorf("%w: fishing area table: %v", ErrStructural, err)
	}
	row, err := dom.First(ctx, table, ".//tbody/tr[1]")
	if err != nil {
		return fmt.Errorf("%w: fishing area row: %v", ErrStructural, err)
	}
	cols, err := row.FindAll(ctx, "./td")
	if err != nil {
		return err
	}
	if len(cols) < 5 {
		return fmt.Errorf("%w: fishing area row has %d cells, want 5", ErrStructural, len(cols))
	}

	combos := []struct {
		field, value string
		searchable   bool
	}{
		{"local de pesca", w.decl.FishingLocationType, false},
		{"UF de pesca", w.decl.FishingState, false},
		{"município de pesca", w.decl.EffectiveMunicipality(), true},
	}
	for i, c := range combos {
		err := w.in.SelectInCombo(ctx, cols[i], c.value, c.searchable)
		if err = w.bestEffort(err, zapcore.ErrorLevel, "Campo "+c.field+" não selecionado."); err != nil {
			return err
		}
	}
	name, err := dom.First(ctx, cols[3], ".//input")
	if err == nil {
		err = w.in.TypeInto(ctx, name, w.decl.FishingLocationName)
	}
	if err = w.bestEffort(err, zapcore.ErrorLevel, "Nome do local de pesca não preenchido."); err != nil {
		return err
	}
	err = w.fishingMethods(ctx, cols[4])
	if err = w.bestEffort(err, zapcore.ErrorLevel, "Métodos de pesca não marcados."); err != nil {
		return err
	}

	if caption, cerr := dom.First(ctx, table, ".//caption"); cerr == nil {
		// Clicking the caption closes the methods list.
		if err := w.bestEffort(caption.NativeClick(ctx), zapcore.DebugLevel, "Caption click failed."); err != nil {
			return err
		}
	}
	return nil
}

// fishingMethods checks every configured method in the multi-select of cell.
// Methods already checked are left alone; others are not unchecked.
func (w *Wizard) fishingMethods(ctx context.Context, cell dom.Element) error {
	input, err := dom.First(ctx, cell, ".//input")
	if err != nil {
		return err
	}
	if err := w.in.RobustClick(ctx, input, w.timeouts.ClickFallback); err != nil {
		return err
	}
	list, err := dom.First(ctx, cell, ".//div[contains(@class, 'br-select')]//div[contains(@class, 'br-list')]")
	if err != nil {
		return err
	}
	options, err := list.FindAll(ctx, ".//label")
	if err != nil {
		return err
	}

	wanted := make(map[string]bool, len(w.decl.FishingMethods))
	for _, m := range w.decl.FishingMethods {
		wanted[dom.Normalize(m)] = true
	}
	for _, opt := range options {
		if err := w.check(ctx); err != nil {
			return err
		}
		raw, err := opt.Text(ctx)
		if err != nil || !wanted[dom.Normalize(raw)] {
			continue
		}
		box, err := dom.First(ctx, opt, "./preceding-sibling::input")
		if err != nil {
			continue
		}
		if checked, _ := box.Checked(ctx); checked {
			continue
		}
		if err := w.in.RobustClick(ctx, opt, w.timeouts.ClickFallback); err != nil {
			return err
		}
	}
	return nil
}

// fillResults writes one row per record into the results table of the open
// month, adding rows as needed.
func (w *Wizard) fillResults(ctx context.Context, rows []production.Row) error {
	if err := w.check(ctx); err != nil {
		return err
	}
	w.logger.Info(fmt.Sprintf("Preenchendo %d espécies na tabela...", len(rows)))

	table, err := w.in.WaitFor(ctx, nil, resultsXPath, w.timeouts.OptionVisible, true)
	if err != nil {
		return fmt.Errorf("%w: results table: %v", ErrStructural, err)
	}
	add, err := dom.First(ctx, table, addRowXPath)
	if err != nil {
		return fmt.Errorf("%w: add row button: %v", ErrStructural, err)
	}

	for i, r := range rows {
		if err := w.check(ctx); err != nil {
			return err
		}
		lines, err := table.FindAll(ctx, ".//tbody/tr")
		if err != nil {
			return err
		}
		if i >= len(lines) {
			if err := w.addRow(ctx, table, add, i); err != nil {
				return err
			}
			if lines, err = table.FindAll(ctx, ".//tbody/tr"); err != nil {
				return err
			}
		}
		if i >= len(lines) {
			return fmt.Errorf("results row %d did not appear", i+1)
		}

		w.logger.Info(fmt.Sprintf("Preenchendo linha %d: %s | %skg | R$%s", i+1, r.Species, r.Quantity, r.Price))
		if err := w.fillResultRow(ctx, lines[i], r); err != nil {
			return fmt.Errorf("results row %d: %w", i+1, err)
		}
	}
	return nil
}

func (w *Wizard) addRow(ctx context.Context, table, add dom.Element, i int) error {
	_ = add.ScrollIntoView(ctx)
	err := w.in.RobustClick(ctx, add, w.timeouts.ClickFallback)
	if err == nil {
		_, err = w.in.WaitFor(ctx, table, fmt.Sprintf(".//tbody/tr[%d]", i+1), w.timeouts.RowAdded, false)
	}
	if err == nil {
		return nil
	}
	if err = w.tok.Translate(err); interrupt.IsInterrupted(err) {
		return err
	}
	w.logger.Debug("Add row did not settle; retrying with a script click.", zap.Error(err))
	if err := add.ScriptClick(ctx); err != nil {
		return w.tok.Translate(err)
	}
	return w.tok.Wait(w.timeouts.SearchSettle)
}

func (w *Wizard) fillResultRow(ctx context.Context, line dom.Element, r production.Row) error {
	cols, err := line.FindAll(ctx, "./td")
	if err != nil {
		return err
	}
	if len(cols) < 4 {
		return fmt.Errorf("%w: results row has %d cells, want 4", ErrStructural, len(cols))
	}
	err = w.in.SelectInCombo(ctx, cols[0], r.Species, true)
	if err = w.bestEffort(err, zapcore.ErrorLevel, "Espécie "+r.Species+" não selecionada."); err != nil {
		return err
	}
	err = w.in.SelectInCombo(ctx, cols[1], r.Unit, false)
	if err = w.bestEffort(err, zapcore.ErrorLevel, "Unidade não selecionada."); err != nil {
		return err
	}
	for _, f := range []struct {
		field string
		cell  dom.Element
		value string
	}{{"quantidade", cols[2], r.Quantity}, {"preço", cols[3], r.Price}} {
		input, err := dom.First(ctx, f.cell, ".//input")
		if err == nil {
			err = w.in.TypeInto(ctx, input, f.value)
		}
		if err = w.bestEffort(err, zapcore.ErrorLevel, "Campo "+f.field+" não preenchido."); err != nil {
			return err
		}
	}
	return nil
}
