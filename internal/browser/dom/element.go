// browser/dom/element.go
package dom

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when an XPath lookup matches nothing.
	ErrNotFound = errors.New("element not found")
	// ErrTimeout is returned when a bounded wait expires before its condition holds.
	ErrTimeout = errors.New("timed out waiting for element")
	// ErrNoMatch is returned when a widget offers no option matching the wanted value.
	ErrNoMatch = errors.New("no matching option")
)

// Key is a synthetic key press understood by Element.Press.
type Key int

const (
	KeySelectAll Key = iota // Ctrl+A
	KeyDelete
	KeyTab
)

func (k Key) String() string {
	switch k {
	case KeySelectAll:
		return "select-all"
	case KeyDelete:
		return "delete"
	case KeyTab:
		return "tab"
	default:
		return "unknown"
	}
}

// Finder runs XPath queries relative to a node. Absolute expressions ("//...")
// search the whole document.
type Finder interface {
	FindAll(ctx context.Context, xpath string) ([]Element, error)
}

// Element is a live handle on one DOM node. Handles may go stale when the page
// re-renders; every method then returns an error.
type Element interface {
	Finder
	// Text returns the node's textContent.
	Text(ctx context.Context) (string, error)
	// Attr returns the attribute value, or "" when absent.
	Attr(ctx context.Context, name string) (string, error)
	InnerHTML(ctx context.Context) (string, error)
	// Checked reports the live checked property of an input.
	Checked(ctx context.Context) (bool, error)
	Displayed(ctx context.Context) (bool, error)
	// ScriptClick dispatches a click from script, ignoring overlays and visibility.
	ScriptClick(ctx context.Context) error
	// NativeClick performs a pointer click at the element's position.
	NativeClick(ctx context.Context) error
	ScrollIntoView(ctx context.Context) error
	Clear(ctx context.Context) error
	Press(ctx context.Context, key Key) error
	Type(ctx context.Context, text string) error
}

// Page is the document the wizard works on.
type Page interface {
	Finder
	// ClickBody clicks the document body, which closes any open dropdown.
	ClickBody(ctx context.Context) error
}

// Releaser is implemented by pages whose elements pin remote resources.
// ReleaseHandles invalidates every element obtained so far.
type Releaser interface {
	ReleaseHandles(ctx context.Context) error
}

// ReleaseHandles frees p's element handles when p holds any.
func ReleaseHandles(ctx context.Context, p Page) error {
	if r, ok := p.(Releaser); ok {
		return r.ReleaseHandles(ctx)
	}
	return nil
}

// First returns the first element matching xpath under f.
func First(ctx context.Context, f Finder, xpath string) (Element, error) {
	els, err := f.FindAll(ctx, xpath)
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, xpath)
	}
	return els[0], nil
}

// Literal quotes s as an XPath string literal, using concat() when s holds both quote kinds.
func Literal(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		if p != "" {
			quoted = append(quoted, "'"+p+"'")
		}
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}

// HasClass is an XPath predicate matching a whole class token.
func HasClass(class string) string {
	return fmt.Sprintf("contains(concat(' ', normalize-space(@class), ' '), ' %s ')", class)
}
