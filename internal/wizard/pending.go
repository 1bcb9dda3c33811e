package wizard

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/autoreap/autoreap/internal/browser/dom"
	"github.com/autoreap/autoreap/internal/events"
	"github.com/autoreap/autoreap/internal/interrupt"
	"github.com/autoreap/autoreap/internal/observability"
)

const (
	declarationRows = "//table/tbody/tr"
	editButton      = ".//button[contains(@class, 'br-button') and @aria-label='editar']"
	statusCell      = ".//td[contains(@class, 'status')]"
	// UnknownYear labels rows without a recognizable year.
	UnknownYear = "Desconhecido"
)

var (
	// ErrTableChanged is returned when the row to open is no longer there.
	ErrTableChanged = errors.New("declarations table changed")

	yearPattern = regexp.MustCompile(`^20\d{2}`)
)

// Declaration is one annual declaration listed on the home page.
type Declaration struct {
	Index int    `json:"index"`
	Year  string `json:"year"`
	Sent  bool   `json:"sent"`
}

// ScanOptions bounds the wait for the declarations table.
type ScanOptions struct {
	Attempts int
	Interval time.Duration
	Logger   *zap.Logger
}

// ScanPending lists the declarations that are pending ("Pendente",
// "Rascunho") or already sent. Index is the row position used by
// OpenDeclaration. The table is polled because the home page renders late.
func ScanPending(ctx context.Context, page dom.Page, tok *interrupt.Token, opts ScanOptions) ([]Declaration, error) {
	logger := opts.Logger
	if logger == nil {
		logger = observability.GetLogger()
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	logger.Info("Iniciando varredura de pendências...", observability.Tag(events.TagInfo))
	defer func() { _ = dom.ReleaseHandles(ctx, page) }()

	var rows []dom.Element
	for i := 0; i < opts.Attempts; i++ {
		if err := tok.Check(); err != nil {
			return nil, err
		}
		found, err := page.FindAll(ctx, declarationRows)
		if err = tok.Translate(err); interrupt.IsInterrupted(err) {
			return nil, err
		}
		if err == nil && len(found) > 0 {
			rows = found
			break
		}
		if i < opts.Attempts-1 {
			if err := tok.Wait(opts.Interval); err != nil {
				return nil, err
			}
		}
	}
	if len(rows) == 0 {
		logger.Warn(fmt.Sprintf("Tabela não encontrada após %d tentativas.", opts.Attempts))
		return nil, fmt.Errorf("%w: declarations table", ErrStructural)
	}

	var out []Declaration
	for idx, row := range rows {
		if err := tok.Check(); err != nil {
			return nil, err
		}
		d, ok, err := classify(ctx, row)
		if err = tok.Translate(err); interrupt.IsInterrupted(err) {
			return nil, err
		}
		if err != nil {
			logger.Debug("Skipping unreadable row.", zap.Int("index", idx), zap.Error(err))
			continue
		}
		if ok {
			d.Index = idx
			out = append(out, d)
		}
	}

	if len(out) > 0 {
		logger.Info("Lista Atualizada com Sucesso!", observability.Tag(events.TagSuccess))
	} else {
		logger.Info("Nenhuma pendência encontrada.")
	}
	return out, nil
}

func classify(ctx context.Context, row dom.Element) (Declaration, bool, error) {
	var d Declaration
	text, err := row.Text(ctx)
	if err != nil {
		return d, false, err
	}
	status := ""
	if cell, cerr := dom.First(ctx, row, statusCell); cerr == nil {
		status, _ = cell.Text(ctx)
	}

	d.Sent = strings.Contains(text, "Enviado") || strings.Contains(status, "Enviado")
	pending := strings.Contains(text, "Pendente") || strings.Contains(text, "Rascunho")
	if !pending && !d.Sent {
		return d, false, nil
	}

	d.Year = UnknownYear
	cells, err := row.FindAll(ctx, ".//td")
	if err != nil {
		return d, false, err
	}
	for _, c := range cells {
		t, err := c.Text(ctx)
		if err != nil {
			continue
		}
		if t = strings.TrimSpace(t); yearPattern.MatchString(t) {
			d.Year = t
			break
		}
	}
	return d, true, nil
}

// OpenDeclaration clicks the edit button of the row at index.
func OpenDeclaration(ctx context.Context, page dom.Page, tok *interrupt.Token, index int) error {
	if err := tok.Check(); err != nil {
		return err
	}
	defer func() { _ = dom.ReleaseHandles(ctx, page) }()
	rows, err := page.FindAll(ctx, declarationRows)
	if err != nil {
		return tok.Translate(err)
	}
	if index < 0 || index >= len(rows) {
		return fmt.Errorf("%w: row %d of %d", ErrTableChanged, index, len(rows))
	}
	btn, err := dom.First(ctx, rows[index], editButton)
	if err != nil {
		return fmt.Errorf("%w: row %d has no edit button", ErrTableChanged, index)
	}
	_ = btn.ScrollIntoView(ctx)
	if err := btn.NativeClick(ctx); err != nil {
		if err = tok.Translate(err); interrupt.IsInterrupted(err) {
			return err
		}
		return tok.Translate(btn.ScriptClick(ctx))
	}
	return nil
}
