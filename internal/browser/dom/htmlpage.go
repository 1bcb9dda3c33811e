// browser/dom/htmlpage.go
package dom

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

var (
	// ErrStale is returned by handles whose node was removed from the document.
	ErrStale = errors.New("stale element reference")
	// ErrNotInteractable is returned by native actions on hidden or non-editable nodes.
	ErrNotInteractable = errors.New("element not interactable")
)

// HTMLPage is an offline Page over a parsed HTML snapshot of the form. It mimics
// the design-system widgets well enough to rehearse a run without a browser:
// labels toggle their inputs, radios are exclusive, br-select lists open and
// close, option labels set the select's value, accordion headers show their
// panel, and the "+" button of a br-table appends a copy of the last row.
type HTMLPage struct {
	mu        sync.Mutex
	doc       *html.Node
	mutations int
	clicks    []string
	selection *html.Node
}

// NewHTMLPage parses r into an offline page.
func NewHTMLPage(r io.Reader) (*HTMLPage, error) {
	doc, err := htmlquery.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing page: %w", err)
	}
	return &HTMLPage{doc: doc}, nil
}

// Mutations counts state changes (checked, value, list visibility, rows) so far.
func (p *HTMLPage) Mutations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mutations
}

// Clicks returns the path of every clicked node, in order.
func (p *HTMLPage) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

// Render writes the current document.
func (p *HTMLPage) Render(w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return html.Render(w, p.doc)
}

func (p *HTMLPage) FindAll(ctx context.Context, xpath string) ([]Element, error) {
	return p.query(ctx, p.doc, xpath)
}

func (p *HTMLPage) ClickBody(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicks = append(p.clicks, "/html[1]/body[1]")
	for _, sel := range htmlquery.Find(p.doc, "//div[contains(@class, 'br-select')]") {
		if list := firstByClass(sel, "br-list"); list != nil && !hasAttr(list, "hidden") {
			setAttr(list, "hidden", "")
			p.mutations++
		}
	}
	return nil
}

func (p *HTMLPage) query(ctx context.Context, n *html.Node, expr string) ([]Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.attached(n) {
		return nil, ErrStale
	}
	if isAbsolute(expr) {
		// htmlquery roots absolute paths at the context node; the browser roots them at the document.
		n = p.doc
	}
	nodes, err := htmlquery.QueryAll(n, expr)
	if err != nil {
		return nil, fmt.Errorf("invalid xpath %q: %w", expr, err)
	}
	out := make([]Element, 0, len(nodes))
	for _, nd := range nodes {
		out = append(out, &htmlElement{page: p, node: nd})
	}
	return out, nil
}

func (p *HTMLPage) attached(n *html.Node) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur == p.doc {
			return true
		}
	}
	return false
}

// -- Widget simulation --

func (p *HTMLPage) click(n *html.Node) {
	p.clicks = append(p.clicks, nodePath(n))

	if isInput(n, "checkbox", "radio") {
		p.activate(n)
		return
	}
	if lbl := closest(n, "label"); lbl != nil {
		p.clickLabel(lbl)
		return
	}
	if n.Data == "button" && hasClass(n, "br-accordion-header") {
		p.toggleSection(n)
		return
	}
	if sel := closestClass(n, "br-select"); sel != nil && closestClass(n, "br-list") == nil && (n.Data == "button" || n.Data == "input") {
		if list := firstByClass(sel, "br-list"); list != nil {
			if hasAttr(list, "hidden") {
				removeAttr(list, "hidden")
			} else {
				setAttr(list, "hidden", "")
			}
			p.mutations++
		}
		return
	}
	if n.Data == "button" && htmlquery.FindOne(n, ".//i[contains(@class, 'fa-plus')]") != nil {
		if table := closestClass(n, "br-table"); table != nil {
			p.appendRow(table)
		}
	}
}

// toggleSection expands or collapses an accordion header and the panel named
// by its aria-controls. Expanding one section collapses its siblings.
func (p *HTMLPage) toggleSection(header *html.Node) {
	expand := getAttr(header, "aria-expanded") != "true"
	if expand {
		if acc := closestClass(header, "br-accordion"); acc != nil {
			for _, other := range htmlquery.Find(acc, ".//button[contains(@class, 'br-accordion-header')]") {
				if other != header && getAttr(other, "aria-expanded") == "true" {
					p.setExpanded(other, false)
				}
			}
		}
	}
	p.setExpanded(header, expand)
}

func (p *HTMLPage) setExpanded(header *html.Node, expand bool) {
	setAttr(header, "aria-expanded", fmt.Sprint(expand))
	p.mutations++
	id := getAttr(header, "aria-controls")
	if id == "" {
		return
	}
	panel := htmlquery.FindOne(p.doc, "//*[@id="+Literal(id)+"]")
	if panel == nil {
		return
	}
	if expand {
		removeAttr(panel, "hidden")
	} else {
		setAttr(panel, "hidden", "")
	}
}

func (p *HTMLPage) clickLabel(lbl *html.Node) {
	inp := labelTarget(lbl)
	if inp != nil {
		p.activate(inp)
		if !isInput(inp, "radio") {
			return
		}
	}
	if list := closestClass(lbl, "br-list"); list != nil {
		if sel := closestClass(list, "br-select"); sel != nil {
			p.choose(sel, list, lbl)
		}
	}
}

func (p *HTMLPage) activate(inp *html.Node) {
	switch strings.ToLower(getAttr(inp, "type")) {
	case "checkbox":
		if hasAttr(inp, "checked") {
			removeAttr(inp, "checked")
		} else {
			setAttr(inp, "checked", "")
		}
		p.mutations++
	case "radio":
		if hasAttr(inp, "checked") {
			return
		}
		name := getAttr(inp, "name")
		if name != "" {
			for _, other := range htmlquery.Find(p.doc, "//input[@type='radio' and @name="+Literal(name)+"]") {
				removeAttr(other, "checked")
			}
		}
		setAttr(inp, "checked", "")
		p.mutations++
	}
}

func (p *HTMLPage) choose(sel, list, lbl *html.Node) {
	text := strings.TrimSpace(htmlquery.InnerText(lbl))
	if main := selectInput(sel); main != nil && getAttr(main, "value") != text {
		setAttr(main, "value", text)
		p.mutations++
	}
	if !hasAttr(list, "hidden") {
		setAttr(list, "hidden", "")
		p.mutations++
	}
}

func (p *HTMLPage) appendRow(table *html.Node) {
	body := htmlquery.FindOne(table, ".//tbody")
	if body == nil {
		return
	}
	var last *html.Node
	for c := body.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "tr" {
			last = c
		}
	}
	if last == nil {
		return
	}
	row := cloneNode(last)
	for _, in := range htmlquery.Find(row, ".//input") {
		removeAttr(in, "value")
		removeAttr(in, "checked")
	}
	for _, list := range htmlquery.Find(row, ".//div[contains(@class, 'br-list')]") {
		setAttr(list, "hidden", "")
	}
	body.AppendChild(row)
	p.mutations++
}

// -- Element handle --

type htmlElement struct {
	page *HTMLPage
	node *html.Node
}

func (e *htmlElement) FindAll(ctx context.Context, xpath string) ([]Element, error) {
	return e.page.query(ctx, e.node, xpath)
}

// do runs fn under the page lock after checking ctx and staleness.
func (e *htmlElement) do(ctx context.Context, fn func(n *html.Node) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	if !e.page.attached(e.node) {
		return fmt.Errorf("%w: %s", ErrStale, nodePath(e.node))
	}
	return fn(e.node)
}

func (e *htmlElement) Text(ctx context.Context) (s string, err error) {
	err = e.do(ctx, func(n *html.Node) error {
		s = htmlquery.InnerText(n)
		return nil
	})
	return s, err
}

func (e *htmlElement) Attr(ctx context.Context, name string) (s string, err error) {
	err = e.do(ctx, func(n *html.Node) error {
		s = getAttr(n, name)
		return nil
	})
	return s, err
}

func (e *htmlElement) InnerHTML(ctx context.Context) (s string, err error) {
	err = e.do(ctx, func(n *html.Node) error {
		var buf bytes.Buffer
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if rerr := html.Render(&buf, c); rerr != nil {
				return rerr
			}
		}
		s = buf.String()
		return nil
	})
	return s, err
}

func (e *htmlElement) Checked(ctx context.Context) (b bool, err error) {
	err = e.do(ctx, func(n *html.Node) error {
		b = hasAttr(n, "checked")
		return nil
	})
	return b, err
}

func (e *htmlElement) Displayed(ctx context.Context) (b bool, err error) {
	err = e.do(ctx, func(n *html.Node) error {
		b = displayed(n)
		return nil
	})
	return b, err
}

func (e *htmlElement) ScriptClick(ctx context.Context) error {
	return e.do(ctx, func(n *html.Node) error {
		e.page.click(n)
		return nil
	})
}

func (e *htmlElement) NativeClick(ctx context.Context) error {
	return e.do(ctx, func(n *html.Node) error {
		if !displayed(n) {
			return fmt.Errorf("%w: %s is hidden", ErrNotInteractable, nodePath(n))
		}
		e.page.click(n)
		return nil
	})
}

func (e *htmlElement) ScrollIntoView(ctx context.Context) error {
	return e.do(ctx, func(*html.Node) error { return nil })
}

func (e *htmlElement) Clear(ctx context.Context) error {
	return e.do(ctx, func(n *html.Node) error {
		if !editable(n) {
			return fmt.Errorf("%w: %s is not editable", ErrNotInteractable, nodePath(n))
		}
		e.page.setValue(n, "")
		return nil
	})
}

func (e *htmlElement) Press(ctx context.Context, key Key) error {
	return e.do(ctx, func(n *html.Node) error {
		switch key {
		case KeySelectAll:
			e.page.selection = n
		case KeyDelete:
			if e.page.selection == n {
				e.page.setValue(n, "")
				e.page.selection = nil
			}
		case KeyTab:
			e.page.selection = nil
		default:
			return fmt.Errorf("unsupported key %v", key)
		}
		return nil
	})
}

func (e *htmlElement) Type(ctx context.Context, text string) error {
	return e.do(ctx, func(n *html.Node) error {
		if !editable(n) {
			return fmt.Errorf("%w: %s is not editable", ErrNotInteractable, nodePath(n))
		}
		value := getAttr(n, "value") + text
		if e.page.selection == n {
			value = text
			e.page.selection = nil
		}
		e.page.setValue(n, value)
		return nil
	})
}

func (p *HTMLPage) setValue(n *html.Node, v string) {
	if getAttr(n, "value") == v {
		return
	}
	setAttr(n, "value", v)
	p.mutations++
}

// -- Node helpers --

func displayed(n *html.Node) bool {
	if isInput(n, "hidden") {
		return false
	}
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Type != html.ElementNode {
			continue
		}
		if hasAttr(cur, "hidden") {
			return false
		}
		style := strings.ReplaceAll(strings.ToLower(getAttr(cur, "style")), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return false
		}
	}
	return true
}

func editable(n *html.Node) bool {
	return (n.Data == "input" && !isInput(n, "checkbox", "radio", "hidden")) || n.Data == "textarea"
}

func isInput(n *html.Node, types ...string) bool {
	if n.Type != html.ElementNode || n.Data != "input" {
		return false
	}
	t := strings.ToLower(getAttr(n, "type"))
	for _, want := range types {
		if t == want {
			return true
		}
	}
	return false
}

// labelTarget finds the input a label controls: by "for", nested, or adjacent.
func labelTarget(lbl *html.Node) *html.Node {
	if id := getAttr(lbl, "for"); id != "" {
		if n := htmlquery.FindOne(docRoot(lbl), "//input[@id="+Literal(id)+"]"); n != nil {
			return n
		}
	}
	if n := htmlquery.FindOne(lbl, ".//input"); n != nil {
		return n
	}
	if n := htmlquery.FindOne(lbl, "./preceding-sibling::input[1]"); n != nil {
		return n
	}
	return htmlquery.FindOne(lbl, "./following-sibling::input[1]")
}

// selectInput is the br-select's own text input, outside its option list.
func selectInput(sel *html.Node) *html.Node {
	for _, in := range htmlquery.Find(sel, ".//input") {
		if closestClass(in, "br-list") == nil {
			return in
		}
	}
	return nil
}

func isAbsolute(expr string) bool {
	return strings.HasPrefix(strings.TrimLeft(strings.TrimSpace(expr), "("), "/")
}

func docRoot(n *html.Node) *html.Node {
	for n.Parent != nil {
		n = n.Parent
	}
	return n
}

func closest(n *html.Node, tag string) *html.Node {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Type == html.ElementNode && cur.Data == tag {
			return cur
		}
	}
	return nil
}

func closestClass(n *html.Node, class string) *html.Node {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Type == html.ElementNode && hasClass(cur, class) {
			return cur
		}
	}
	return nil
}

func firstByClass(n *html.Node, class string) *html.Node {
	return htmlquery.FindOne(n, ".//*["+HasClass(class)+"]")
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(getAttr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != key {
			out = append(out, a)
		}
	}
	n.Attr = out
}

func cloneNode(n *html.Node) *html.Node {
	c := &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
		Attr:      append([]html.Attribute(nil), n.Attr...),
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		c.AppendChild(cloneNode(child))
	}
	return c
}

// nodePath builds a positional XPath for n, anchored at the nearest id.
func nodePath(n *html.Node) string {
	var path []string
	for cur := n; cur != nil && cur.Type != html.DocumentNode; cur = cur.Parent {
		if cur.Type != html.ElementNode {
			continue
		}
		if id := getAttr(cur, "id"); id != "" {
			path = append(path, "//*[@id="+Literal(id)+"]")
			break
		}
		index := 1
		for prev := cur.PrevSibling; prev != nil; prev = prev.PrevSibling {
			if prev.Type == html.ElementNode && prev.Data == cur.Data {
				index++
			}
		}
		path = append(path, fmt.Sprintf("%s[%d]", cur.Data, index))
	}
	if len(path) == 0 {
		return "/"
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	xpath := strings.Join(path, "/")
	if !strings.HasPrefix(xpath, "//") {
		xpath = "/" + xpath
	}
	return xpath
}
