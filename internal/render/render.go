// Package render turns component trees into HTML.
//
// Rendering is a pure function of the node, the mode and the externally
// supplied selection flags: the same input always produces byte-identical
// HTML. In edit mode each node is wrapped with the attributes the builder
// canvas needs and the output carries per-node handlers that forward
// interaction events to the caller's callbacks. The renderer keeps no state
// between calls.
package render

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/rs/zerolog"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/livetemplate/pagecraft"
)

// Mode selects between shopper-facing and builder output.
type Mode int

const (
	Preview Mode = iota
	Edit
)

func (m Mode) String() string {
	if m == Edit {
		return "edit"
	}
	return "preview"
}

// Flags carries the builder's selection state into an edit-mode render.
type Flags struct {
	SelectedID string
	HoveredID  string
}

// IsSelected reports whether id is the selected node.
func (f Flags) IsSelected(id string) bool { return id != "" && f.SelectedID == id }

// IsHovered reports whether id is the hovered node.
func (f Flags) IsHovered(id string) bool { return id != "" && f.HoveredID == id }

// Callbacks receive interaction events from edit-mode output. Nil fields
// are ignored.
type Callbacks struct {
	OnSelect     func(id string)
	OnHoverEnter func(id string)
	OnHoverLeave func(id string)
}

// NodeHandlers are the event hooks bound to one rendered node.
type NodeHandlers struct {
	Select     func()
	HoverEnter func()
	HoverLeave func()
}

// Output is the result of a render.
type Output struct {
	HTML template.HTML
	// Handlers maps node id to its bound hooks. Only set in edit mode.
	Handlers map[string]NodeHandlers
}

// Dispatch invokes the handler named by a data-events entry on the node.
// It reports false when the node or event is unknown.
func (o *Output) Dispatch(nodeID, event string) bool {
	if o == nil {
		return false
	}
	h, ok := o.Handlers[nodeID]
	if !ok {
		return false
	}
	switch event {
	case EventSelect:
		h.Select()
	case EventHoverEnter:
		h.HoverEnter()
	case EventHoverLeave:
		h.HoverLeave()
	default:
		return false
	}
	return true
}

// Event names advertised in data-events.
const (
	EventSelect     = "select"
	EventHoverEnter = "hover-enter"
	EventHoverLeave = "hover-leave"
)

// UnknownKindObserver is notified when a node of an unregistered kind is
// rendered as a placeholder.
type UnknownKindObserver interface {
	UnknownKind(kind string)
}

// Renderer renders component trees. The zero value is not usable; call New.
type Renderer struct {
	logger   zerolog.Logger
	observer UnknownKindObserver
	md       goldmark.Markdown
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithLogger sets the logger used for unknown-kind warnings.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Renderer) { r.logger = l }
}

// WithObserver sets the unknown-kind observer, usually the metrics sink.
func WithObserver(o UnknownKindObserver) Option {
	return func(r *Renderer) { r.observer = o }
}

// New creates a Renderer.
func New(opts ...Option) *Renderer {
	r := &Renderer{
		logger: zerolog.Nop(),
		// Raw HTML in markdown is escaped and dangerous link schemes are
		// dropped because goldmark's unsafe mode stays off.
		md: goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render renders a single node and its subtree.
func (r *Renderer) Render(node pagecraft.ComponentNode, mode Mode, flags Flags, cb Callbacks) (*Output, error) {
	rc := r.newCall(mode, flags, cb)
	if err := rc.node(node); err != nil {
		return nil, err
	}
	return rc.output(), nil
}

// RenderDocument renders every root node in order. An empty document
// renders the empty-state placeholder for the mode.
func (r *Renderer) RenderDocument(doc *pagecraft.PageDocument, mode Mode, flags Flags, cb Callbacks) (*Output, error) {
	rc := r.newCall(mode, flags, cb)
	if doc.IsEmpty() {
		rc.emptyState()
		return rc.output(), nil
	}
	for _, n := range doc.Components {
		if err := rc.node(n); err != nil {
			return nil, err
		}
	}
	return rc.output(), nil
}

// call holds the state of one render invocation.
type call struct {
	r        *Renderer
	mode     Mode
	flags    Flags
	cb       Callbacks
	buf      strings.Builder
	handlers map[string]NodeHandlers
}

func (r *Renderer) newCall(mode Mode, flags Flags, cb Callbacks) *call {
	rc := &call{r: r, mode: mode, flags: flags, cb: cb}
	if mode == Edit {
		rc.handlers = make(map[string]NodeHandlers)
	}
	return rc
}

func (c *call) output() *Output {
	return &Output{HTML: template.HTML(c.buf.String()), Handlers: c.handlers}
}

func (c *call) node(n pagecraft.ComponentNode) error {
	if c.mode == Edit {
		c.openEditWrapper(n)
		c.handlers[n.ID] = c.bind(n.ID)
	}
	if err := c.kind(n); err != nil {
		return err
	}
	if c.mode == Edit {
		c.buf.WriteString(`</div>`)
	}
	return nil
}

func (c *call) children(n pagecraft.ComponentNode) error {
	for _, child := range n.Children {
		if err := c.node(child); err != nil {
			return err
		}
	}
	return nil
}

func (c *call) openEditWrapper(n pagecraft.ComponentNode) {
	class := "pc-node"
	if c.flags.IsSelected(n.ID) {
		class += " pc-selected"
	}
	if c.flags.IsHovered(n.ID) {
		class += " pc-hovered"
	}
	fmt.Fprintf(&c.buf, `<div class="%s" data-node-id="%s" data-kind="%s" data-events="%s %s %s"`,
		class, esc(n.ID), esc(string(n.Kind)), EventSelect, EventHoverEnter, EventHoverLeave)
	if n.Kind.IsContainer() {
		c.buf.WriteString(` data-drop="inside"`)
	}
	c.buf.WriteString(`>`)
}

func (c *call) bind(id string) NodeHandlers {
	cb := c.cb
	return NodeHandlers{
		Select: func() {
			if cb.OnSelect != nil {
				cb.OnSelect(id)
			}
		},
		HoverEnter: func() {
			if cb.OnHoverEnter != nil {
				cb.OnHoverEnter(id)
			}
		},
		HoverLeave: func() {
			if cb.OnHoverLeave != nil {
				cb.OnHoverLeave(id)
			}
		},
	}
}

func (c *call) emptyState() {
	if c.mode == Edit {
		c.buf.WriteString(`<div class="pc-empty" data-drop="root"><p>This page is empty. Add a component to start building.</p></div>`)
		return
	}
	c.buf.WriteString(`<div class="pc-empty"><p>Nothing here yet.</p></div>`)
}

func (c *call) markdown(src string) (string, error) {
	var out bytes.Buffer
	if err := c.r.md.Convert([]byte(src), &out); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return out.String(), nil
}

func esc(s string) string {
	return template.HTMLEscapeString(s)
}
