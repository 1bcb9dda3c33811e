// browser/dom/interactor.go
package dom

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/autoreap/autoreap/internal/events"
	"github.com/autoreap/autoreap/internal/interrupt"
	"github.com/autoreap/autoreap/internal/observability"
)

// maxComboAttempts bounds SelectInCombo.
const maxComboAttempts = 3

// Timings are the bounded waits used by the interactor.
type Timings struct {
	Poll          time.Duration
	ClickFallback time.Duration
	ListOpen      time.Duration
	SearchSettle  time.Duration
	RetryPause    time.Duration
	// ChoiceListOpen is the wait for a single-choice checklist to appear.
	ChoiceListOpen time.Duration
}

// DefaultTimings mirrors the waits the declaration form needs in practice.
func DefaultTimings() Timings {
	return Timings{
		Poll:           100 * time.Millisecond,
		ClickFallback:  2 * time.Second,
		ListOpen:       2 * time.Second,
		SearchSettle:   500 * time.Millisecond,
		RetryPause:     500 * time.Millisecond,
		ChoiceListOpen: time.Second,
	}
}

// -- Structs and Types --

// Interactor drives the design-system widgets (br-select, br-checkbox, br-list)
// of the declaration form. Every exported method checks the stop token before
// touching the page. The ctx passed in should derive from the token's context.
type Interactor struct {
	page    Page
	tok     *interrupt.Token
	logger  *zap.Logger
	timings Timings
}

// NewInteractor creates an interactor bound to one page and one run.
func NewInteractor(page Page, tok *interrupt.Token, logger *zap.Logger, timings Timings) *Interactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timings.Poll <= 0 {
		timings.Poll = DefaultTimings().Poll
	}
	return &Interactor{
		page:    page,
		tok:     tok,
		logger:  logger.Named("interactor"),
		timings: timings,
	}
}

// Page returns the page the interactor works on.
func (in *Interactor) Page() Page { return in.page }

// check returns ErrInterrupted when a stop was requested or ctx is done.
func (in *Interactor) check(ctx context.Context) error {
	if err := in.tok.Check(); err != nil {
		return err
	}
	return in.tok.Translate(ctx.Err())
}

func (in *Interactor) pause(ctx context.Context, d time.Duration) error {
	if err := in.check(ctx); err != nil {
		return err
	}
	return in.tok.Wait(d)
}

// -- Waiting --

// WaitFor polls root for xpath until an element appears (and is displayed, when
// visible is set) or timeout expires. A nil root searches the page.
func (in *Interactor) WaitFor(ctx context.Context, root Finder, xpath string, timeout time.Duration, visible bool) (Element, error) {
	if root == nil {
		root = in.page
	}
	return in.waitUntil(ctx, timeout, xpath, func() (Element, bool, error) {
		els, err := root.FindAll(ctx, xpath)
		if err != nil {
			return nil, false, err
		}
		for _, el := range els {
			if !visible {
				return el, true, nil
			}
			if shown, derr := el.Displayed(ctx); derr == nil && shown {
				return el, true, nil
			}
		}
		return nil, false, nil
	})
}

// waitUntil runs cond at the poll rate until it reports done. Lookup errors count
// as "not yet" since the page may be mid-render.
func (in *Interactor) waitUntil(ctx context.Context, timeout time.Duration, what string, cond func() (Element, bool, error)) (Element, error) {
	if err := in.check(ctx); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	limiter := rate.NewLimiter(rate.Every(in.timings.Poll), 1)
	var lastErr error
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil, in.tok.Translate(err)
		}
		if err := in.check(ctx); err != nil {
			return nil, err
		}
		el, done, err := cond()
		if err != nil {
			if interrupt.IsInterrupted(in.tok.Translate(err)) {
				return nil, interrupt.ErrInterrupted
			}
			lastErr = err
		}
		if done {
			return el, nil
		}
		if !time.Now().Before(deadline) {
			if lastErr != nil {
				return nil, fmt.Errorf("%w after %s: %s (last error: %v)", ErrTimeout, timeout, what, lastErr)
			}
			return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, what)
		}
	}
}

// -- Clicking and Typing --

// RobustClick tries a script click first, then waits up to timeout for the
// element to be displayed and clicks natively. It fails only if both paths fail.
func (in *Interactor) RobustClick(ctx context.Context, el Element, timeout time.Duration) error {
	if err := in.check(ctx); err != nil {
		return err
	}
	scriptErr := el.ScriptClick(ctx)
	if scriptErr == nil {
		return nil
	}
	if err := in.tok.Translate(scriptErr); interrupt.IsInterrupted(err) {
		return err
	}

	in.logger.Debug("Script click failed; falling back to native click.", zap.Error(scriptErr))
	_, err := in.waitUntil(ctx, timeout, "clickable element", func() (Element, bool, error) {
		shown, derr := el.Displayed(ctx)
		return el, shown, derr
	})
	if err != nil {
		if interrupt.IsInterrupted(err) {
			return err
		}
		return fmt.Errorf("click failed (script: %v): %w", scriptErr, err)
	}
	if err := el.NativeClick(ctx); err != nil {
		return in.tok.Translate(fmt.Errorf("click failed (script: %v): native: %w", scriptErr, err))
	}
	return nil
}

// TypeInto replaces the content of an input: scroll, best-effort clear and focus,
// then select-all, delete, type and tab out. clear() alone is not reliable on the
// form's masked inputs.
func (in *Interactor) TypeInto(ctx context.Context, el Element, text string) error {
	if err := in.check(ctx); err != nil {
		return err
	}
	in.logger.Info(fmt.Sprintf("Digitando '%s'...", text))

	err := in.typeInto(ctx, el, text)
	if err != nil {
		err = in.tok.Translate(err)
		if !interrupt.IsInterrupted(err) {
			in.logger.Error(fmt.Sprintf("Erro ao digitar '%s'", text), zap.Error(err))
		}
		return fmt.Errorf("typing %q: %w", text, err)
	}
	return nil
}

func (in *Interactor) typeInto(ctx context.Context, el Element, text string) error {
	if err := el.ScrollIntoView(ctx); err != nil {
		return err
	}
	_ = el.Clear(ctx)
	_ = el.ScriptClick(ctx)

	if err := el.Press(ctx, KeySelectAll); err != nil {
		return err
	}
	if err := el.Press(ctx, KeyDelete); err != nil {
		return err
	}
	if err := el.Type(ctx, text); err != nil {
		return err
	}
	return el.Press(ctx, KeyTab)
}

// -- Widget Reconciliation --

// SelectInCombo picks value in the br-select reachable from container, retrying
// up to three times. An exact normalized match wins; for searchable combos the
// first option containing the value is accepted as a fallback.
func (in *Interactor) SelectInCombo(ctx context.Context, container Element, value string, searchable bool) error {
	if err := in.check(ctx); err != nil {
		return err
	}
	in.logger.Debug(fmt.Sprintf("Selecionando no combo: '%s'", value))

	var lastErr error
	for attempt := 1; attempt <= maxComboAttempts; attempt++ {
		if err := in.check(ctx); err != nil {
			return err
		}
		err := in.trySelect(ctx, container, value, searchable)
		if err == nil {
			return nil
		}
		err = in.tok.Translate(err)
		if interrupt.IsInterrupted(err) {
			return err
		}
		lastErr = err
		in.logger.Debug("Combo attempt failed.", zap.Int("attempt", attempt), zap.Error(err))

		if errors.Is(err, ErrNoMatch) {
			// Close the dropdown so the next attempt starts clean.
			_ = in.page.ClickBody(ctx)
			continue
		}
		if err := in.pause(ctx, in.timings.RetryPause); err != nil {
			return err
		}
	}

	in.logger.Error(fmt.Sprintf("FALHA ao selecionar combo: %s", value), observability.Tag(events.TagError))
	return fmt.Errorf("selecting %q: %w", value, lastErr)
}

func (in *Interactor) trySelect(ctx context.Context, container Element, value string, searchable bool) error {
	want := Normalize(value)

	brSelect, err := First(ctx, container, ".//div[contains(@class, 'br-select')]")
	if err != nil {
		brSelect, err = First(ctx, container, "./ancestor-or-self::div[contains(@class, 'br-select')]")
		if err != nil {
			return err
		}
	}
	_ = brSelect.ScrollIntoView(ctx)

	input, err := First(ctx, brSelect, ".//input")
	if err != nil {
		return err
	}
	list, err := First(ctx, brSelect, ".//*["+HasClass("br-list")+"]")
	if err != nil {
		return err
	}

	if shown, _ := list.Displayed(ctx); !shown {
		if btn, berr := First(ctx, brSelect, ".//button[contains(@class, 'br-button')]"); berr == nil {
			err = btn.ScriptClick(ctx)
		} else {
			err = input.ScriptClick(ctx)
		}
		if err != nil {
			return err
		}
		// The list may open late or not report visibility; proceed either way.
		_, werr := in.waitUntil(ctx, in.timings.ListOpen, "open list", func() (Element, bool, error) {
			shown, derr := list.Displayed(ctx)
			return list, shown, derr
		})
		if interrupt.IsInterrupted(werr) {
			return werr
		}
	}

	if searchable {
		_ = input.Clear(ctx)
		if err := input.Type(ctx, value); err != nil {
			return err
		}
		if err := in.pause(ctx, in.timings.SearchSettle); err != nil {
			return err
		}
	}

	options, err := list.FindAll(ctx, ".//label")
	if err != nil {
		return err
	}

	var candidate Element
	var candidateText string
	for _, opt := range options {
		if err := in.check(ctx); err != nil {
			return err
		}
		raw, terr := opt.Text(ctx)
		if terr != nil {
			// Stale option; the list re-rendered under us.
			continue
		}
		text := Normalize(raw)
		if text == want {
			_ = opt.ScrollIntoView(ctx)
			if err := in.RobustClick(ctx, opt, in.timings.ClickFallback); err != nil {
				return err
			}
			in.logger.Info(fmt.Sprintf("Selecionado: %s", value), observability.Tag(events.TagSuccess))
			return nil
		}
		if searchable && candidate == nil && want != "" && strings.Contains(text, want) {
			candidate, candidateText = opt, strings.TrimSpace(raw)
		}
	}

	if candidate != nil {
		in.logger.Info(fmt.Sprintf("Selecionado (Parcial): %s", candidateText), observability.Tag(events.TagWarning))
		_ = candidate.ScrollIntoView(ctx)
		return in.RobustClick(ctx, candidate, in.timings.ClickFallback)
	}
	return fmt.Errorf("%w for %q among %d options", ErrNoMatch, value, len(options))
}

// EnsureSingleChoice drives the checklist behind input[name=fieldName] so that
// exactly the item labelled value is checked. "Selecionar todos" is ignored.
func (in *Interactor) EnsureSingleChoice(ctx context.Context, fieldName, value string) error {
	if err := in.check(ctx); err != nil {
		return err
	}
	in.logger.Debug(fmt.Sprintf("Seleção única: %s", value))

	input, err := First(ctx, in.page, "//input[@name="+Literal(fieldName)+"]")
	if err != nil {
		return err
	}
	_ = input.ScrollIntoView(ctx)

	if btn, berr := First(ctx, input, "./following-sibling::button"); berr == nil {
		err = btn.ScriptClick(ctx)
	} else {
		err = input.ScriptClick(ctx)
	}
	if err != nil {
		return in.tok.Translate(err)
	}

	const listXPath = "./ancestor::div[contains(@class, 'br-select')]//div[contains(@class, 'br-list')]"
	list, err := in.WaitFor(ctx, input, listXPath, in.timings.ChoiceListOpen, true)
	if err != nil {
		if interrupt.IsInterrupted(err) {
			return err
		}
		// Some renders keep the list hidden until hovered; work on it anyway.
		if list, err = First(ctx, input, listXPath); err != nil {
			return err
		}
	}

	items, err := list.FindAll(ctx, ".//*["+HasClass("br-item")+"]")
	if err != nil {
		return in.tok.Translate(err)
	}
	want := Normalize(value)
	for _, item := range items {
		if err := in.check(ctx); err != nil {
			return err
		}
		label, err := First(ctx, item, ".//label")
		if err != nil {
			continue
		}
		raw, err := label.Text(ctx)
		if err != nil {
			return in.tok.Translate(err)
		}
		text := Normalize(raw)
		if text == "" || strings.Contains(text, "selecionar todos") {
			continue
		}
		box, err := First(ctx, item, ".//input")
		if err != nil {
			return err
		}
		checked, err := box.Checked(ctx)
		if err != nil {
			return in.tok.Translate(err)
		}
		if (text == want) != checked {
			if err := in.RobustClick(ctx, label, in.timings.ClickFallback); err != nil {
				return err
			}
		}
	}

	_ = in.page.ClickBody(ctx)
	return nil
}

// EnsureCheckboxGroup reconciles every br-checkbox of the group: items whose text
// contains any of values get checked, all others get unchecked.
func (in *Interactor) EnsureCheckboxGroup(ctx context.Context, groupName string, values []string) error {
	if err := in.check(ctx); err != nil {
		return err
	}
	in.logger.Debug(fmt.Sprintf("Processando checkboxes: %v", values))

	targets := make([]string, 0, len(values))
	for _, v := range values {
		if n := Normalize(v); n != "" {
			targets = append(targets, n)
		}
	}

	items, err := in.page.FindAll(ctx, "//input[@name="+Literal(groupName)+"]/ancestor::div[contains(@class, 'br-checkbox')]")
	if err != nil {
		return in.tok.Translate(err)
	}
	for _, item := range items {
		if err := in.check(ctx); err != nil {
			return err
		}
		raw, err := item.Text(ctx)
		if err != nil {
			return in.tok.Translate(err)
		}
		text := Normalize(raw)
		box, err := First(ctx, item, ".//input")
		if err != nil {
			return err
		}
		checked, err := box.Checked(ctx)
		if err != nil {
			return in.tok.Translate(err)
		}
		if matchesAny(text, targets) == checked {
			continue
		}
		_ = box.ScrollIntoView(ctx)
		if err := box.ScriptClick(ctx); err != nil {
			return in.tok.Translate(err)
		}
	}
	return nil
}

func matchesAny(text string, targets []string) bool {
	for _, t := range targets {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}
