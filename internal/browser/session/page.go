// internal/browser/session/page.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/autoreap/autoreap/internal/browser/dom"
)

// objectGroupPrefix names the groups holding the remote objects the adapter
// creates. The current group is released and replaced by ReleaseHandles.
const objectGroupPrefix = "autoreap-"

// staleMarker is thrown by element functions when the node left the document.
const staleMarker = "autoreap: stale element"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Page implements dom.Page over a CDP tab. Elements are remote object handles.
type Page struct {
	ctx    context.Context
	logger *zap.Logger
	gen    atomic.Int64
}

func newPage(tabCtx context.Context, logger *zap.Logger) *Page {
	return &Page{ctx: tabCtx, logger: logger.Named("page")}
}

func (p *Page) group() string {
	return objectGroupPrefix + strconv.FormatInt(p.gen.Load(), 10)
}

// ReleaseHandles frees every element handed out so far. Later lookups go to a
// fresh object group.
func (p *Page) ReleaseHandles(ctx context.Context) error {
	old := p.group()
	p.gen.Add(1)
	return p.run(ctx, runtime.ReleaseObjectGroup(old))
}

// run executes actions on the tab, bounded by the caller's ctx.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(p.ctx, ctx)
	defer cancel()
	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// FindAll evaluates xpath against the document.
func (p *Page) FindAll(ctx context.Context, xpath string) ([]dom.Element, error) {
	expr := fmt.Sprintf("(function(root){%s})(document)", snapshotScript(xpath))
	var ids []runtime.RemoteObjectID
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		res, exc, err := runtime.Evaluate(expr).WithObjectGroup(p.group()).WithSilent(true).Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exceptionError(exc)
		}
		ids, err = arrayItems(ctx, res)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("evaluating %s: %w", xpath, err)
	}
	return p.wrap(ids), nil
}

// ClickBody dispatches a click on the document body, closing open dropdowns.
func (p *Page) ClickBody(ctx context.Context) error {
	var ok bool
	return p.run(ctx, chromedp.Evaluate(`(function(){ if (!document.body) return false; document.body.click(); return true; })()`, &ok))
}

// stop halts any in-flight load and releases the current object group.
func (p *Page) stop() {
	ctx, cancel := context.WithTimeout(Detach(p.ctx), 2*time.Second)
	defer cancel()
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, _ = runtime.Evaluate("window.stop()").Do(ctx)
		return runtime.ReleaseObjectGroup(p.group()).Do(ctx)
	}))
	if err != nil {
		p.logger.Debug("Page stop failed.", zap.Error(err))
	}
}

func (p *Page) wrap(ids []runtime.RemoteObjectID) []dom.Element {
	els := make([]dom.Element, len(ids))
	for i, id := range ids {
		els[i] = &element{page: p, id: id}
	}
	return els
}

// snapshotScript returns a function body that collects the nodes matched by
// xpath from root into an array.
func snapshotScript(xpath string) string {
	q, _ := json.MarshalToString(xpath)
	return fmt.Sprintf(`var r = document.evaluate(%s, root, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
var out = [];
for (var i = 0; i < r.snapshotLength; i++) { out.push(r.snapshotItem(i)); }
return out;`, q)
}

// arrayItems resolves the elements of a remote array in index order and
// releases the array itself.
func arrayItems(ctx context.Context, arr *runtime.RemoteObject) ([]runtime.RemoteObjectID, error) {
	if arr == nil || arr.ObjectID == "" {
		return nil, nil
	}
	defer func() { _ = runtime.ReleaseObject(arr.ObjectID).Do(ctx) }()

	props, _, _, exc, err := runtime.GetProperties(arr.ObjectID).WithOwnProperties(true).Do(ctx)
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, exceptionError(exc)
	}

	type indexed struct {
		i  int
		id runtime.RemoteObjectID
	}
	var items []indexed
	for _, prop := range props {
		i, err := strconv.Atoi(prop.Name)
		if err != nil || prop.Value == nil || prop.Value.ObjectID == "" {
			continue
		}
		items = append(items, indexed{i, prop.Value.ObjectID})
	}
	sort.Slice(items, func(a, b int) bool { return items[a].i < items[b].i })

	ids := make([]runtime.RemoteObjectID, len(items))
	for k, it := range items {
		ids[k] = it.id
	}
	return ids, nil
}

func exceptionError(exc *runtime.ExceptionDetails) error {
	desc := exc.Text
	if exc.Exception != nil && exc.Exception.Description != "" {
		desc = exc.Exception.Description
	}
	if strings.Contains(desc, staleMarker) {
		return dom.ErrStale
	}
	return fmt.Errorf("script exception: %s", desc)
}

// isGoneObject reports CDP errors for handles invalidated by navigation.
func isGoneObject(err error) bool {
	var cdpErr *cdproto.Error
	return errors.As(err, &cdpErr) && strings.Contains(cdpErr.Message, "find object")
}

// -- Element --

type element struct {
	page *Page
	id   runtime.RemoteObjectID
}

var _ dom.Element = (*element)(nil)

// call runs fn with this bound to the element and decodes its return value into out.
func (e *element) call(ctx context.Context, fn string, out interface{}) error {
	src := "function(){ if (!this.isConnected) { throw new Error(" + strconv.Quote(staleMarker) + "); }\n" + fn + "\n}"
	err := e.page.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		res, exc, err := runtime.CallFunctionOn(src).
			WithObjectID(e.id).
			WithReturnByValue(true).
			WithSilent(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exceptionError(exc)
		}
		if out == nil || res == nil || len(res.Value) == 0 {
			return nil
		}
		return json.Unmarshal([]byte(res.Value), out)
	}))
	if isGoneObject(err) {
		return dom.ErrStale
	}
	return err
}

func (e *element) FindAll(ctx context.Context, xpath string) ([]dom.Element, error) {
	src := "function(){ var root = this;\n" + snapshotScript(xpath) + "\n}"
	var ids []runtime.RemoteObjectID
	err := e.page.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		res, exc, err := runtime.CallFunctionOn(src).
			WithObjectID(e.id).
			WithObjectGroup(e.page.group()).
			WithSilent(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exceptionError(exc)
		}
		ids, err = arrayItems(ctx, res)
		return err
	}))
	if isGoneObject(err) {
		return nil, dom.ErrStale
	}
	if err != nil {
		return nil, fmt.Errorf("evaluating %s: %w", xpath, err)
	}
	return e.page.wrap(ids), nil
}

func (e *element) Text(ctx context.Context) (s string, err error) {
	err = e.call(ctx, `return this.textContent || "";`, &s)
	return s, err
}

func (e *element) Attr(ctx context.Context, name string) (s string, err error) {
	q, _ := json.MarshalToString(name)
	err = e.call(ctx, fmt.Sprintf(`var v = this.getAttribute(%s); return v === null ? "" : v;`, q), &s)
	return s, err
}

func (e *element) InnerHTML(ctx context.Context) (s string, err error) {
	err = e.call(ctx, `return this.innerHTML || "";`, &s)
	return s, err
}

func (e *element) Checked(ctx context.Context) (b bool, err error) {
	err = e.call(ctx, `return !!this.checked;`, &b)
	return b, err
}

func (e *element) Displayed(ctx context.Context) (b bool, err error) {
	err = e.call(ctx, `var s = window.getComputedStyle(this);
if (s.display === "none" || s.visibility === "hidden") { return false; }
var r = this.getBoundingClientRect();
return r.width > 0 && r.height > 0;`, &b)
	return b, err
}

func (e *element) ScriptClick(ctx context.Context) error {
	return e.call(ctx, `this.click();`, nil)
}

func (e *element) ScrollIntoView(ctx context.Context) error {
	return e.call(ctx, `this.scrollIntoView({block: "center", inline: "nearest"});`, nil)
}

func (e *element) NativeClick(ctx context.Context) error {
	var pt struct {
		X, Y    float64
		Visible bool
	}
	err := e.call(ctx, `this.scrollIntoView({block: "center", inline: "nearest"});
var r = this.getBoundingClientRect();
return {X: r.left + r.width / 2, Y: r.top + r.height / 2, Visible: r.width > 0 && r.height > 0};`, &pt)
	if err != nil {
		return err
	}
	if !pt.Visible {
		return fmt.Errorf("%w: element has no layout box", dom.ErrNotInteractable)
	}
	return e.page.run(ctx, chromedp.MouseClickXY(pt.X, pt.Y))
}

func (e *element) Clear(ctx context.Context) error {
	return e.call(ctx, `if (!("value" in this)) { return; }
this.value = "";
this.dispatchEvent(new Event("input", {bubbles: true}));
this.dispatchEvent(new Event("change", {bubbles: true}));`, nil)
}

func (e *element) focus(ctx context.Context) error {
	return e.call(ctx, `this.focus();`, nil)
}

func (e *element) Press(ctx context.Context, key dom.Key) error {
	var action chromedp.Action
	switch key {
	case dom.KeySelectAll:
		action = chromedp.KeyEvent("a", chromedp.KeyModifiers(input.ModifierCtrl))
	case dom.KeyDelete:
		action = chromedp.KeyEvent(kb.Delete)
	case dom.KeyTab:
		action = chromedp.KeyEvent(kb.Tab)
	default:
		return fmt.Errorf("unsupported key %s", key)
	}
	if err := e.focus(ctx); err != nil {
		return err
	}
	return e.page.run(ctx, action)
}

func (e *element) Type(ctx context.Context, text string) error {
	if err := e.focus(ctx); err != nil {
		return err
	}
	return e.page.run(ctx, chromedp.KeyEvent(text))
}
