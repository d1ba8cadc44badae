// Package builder holds the editing session behind the builder canvas.
//
// A Controller owns one page document plus the transient editor state around
// it: selection, hover, the drag in progress and undo/redo history. The
// document changes only through Commands; every accepted command pushes the
// previous document on the undo stack. Saves are single in-flight, and a
// version conflict locks saving until the page is reloaded.
package builder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/livetemplate/pagecraft"
	"github.com/livetemplate/pagecraft/internal/render"
	"github.com/livetemplate/pagecraft/internal/store"
)

var (
	// ErrSaveInProgress rejects edits and a second save while a save is
	// outstanding.
	ErrSaveInProgress = errors.New("save in progress")
	// ErrNotDragging is returned by DropOn and DragOver outside a drag.
	ErrNotDragging = errors.New("no drag in progress")
	// ErrNoSaver is returned by Save on a controller without a Saver.
	ErrNoSaver = errors.New("session has no save target")
)

// State is the interaction state of the session.
type State int

const (
	StateIdle State = iota
	StateSelected
	StateDragging
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSelected:
		return "selected"
	case StateDragging:
		return "dragging"
	default:
		return "unknown"
	}
}

// Position says where a dragged node lands relative to the drop target.
type Position string

const (
	PositionBefore Position = "before"
	PositionAfter  Position = "after"
	PositionInside Position = "inside"
)

// DragState describes a drag in progress. TargetID and Position follow the
// pointer and are empty until the first DragOver.
type DragState struct {
	SourceID string   `json:"sourceId"`
	TargetID string   `json:"targetId,omitempty"`
	Position Position `json:"position,omitempty"`
}

// Saver persists a document and returns its new version. *pages.Service
// satisfies it.
type Saver interface {
	SavePage(ctx context.Context, doc *pagecraft.PageDocument) (pagecraft.Version, error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the session logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithMaxDepth rejects edits that nest deeper than n. Zero disables the cap.
func WithMaxDepth(n int) Option {
	return func(c *Controller) { c.maxDepth = n }
}

// WithHistoryLimit bounds the undo stack. Older entries are dropped.
func WithHistoryLimit(n int) Option {
	return func(c *Controller) { c.historyLimit = n }
}

// Controller is one editing session. It is safe for concurrent use.
type Controller struct {
	saver        Saver
	log          zerolog.Logger
	maxDepth     int
	historyLimit int

	mu         sync.Mutex
	doc        *pagecraft.PageDocument
	selectedID string
	hoveredID  string
	drag       *DragState
	undo       []*pagecraft.PageDocument
	redo       []*pagecraft.PageDocument
	// known holds every id seen in this session, so removed ids are never
	// handed out again.
	known    map[string]struct{}
	saving   bool
	conflict error
	dirty    bool
}

// New starts a session on a copy of doc. A nil doc starts an empty page.
func New(doc *pagecraft.PageDocument, saver Saver, opts ...Option) *Controller {
	if doc == nil {
		doc = pagecraft.NewDocument("")
	}
	c := &Controller{
		saver:        saver,
		historyLimit: 100,
		doc:          doc.Clone(),
		known:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.remember(c.doc)
	return c
}

// State returns the current interaction state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() State {
	switch {
	case c.drag != nil:
		return StateDragging
	case c.selectedID != "":
		return StateSelected
	default:
		return StateIdle
	}
}

// Document returns a copy of the current document.
func (c *Controller) Document() *pagecraft.PageDocument {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Clone()
}

// Select makes id the selected node and ends any drag.
func (c *Controller) Select(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !pagecraft.Contains(c.doc, id) {
		return &pagecraft.OperationError{Op: "select", Code: pagecraft.CodeNodeNotFound, NodeID: id}
	}
	c.selectedID = id
	c.drag = nil
	return nil
}

// ClearSelection returns to Idle.
func (c *Controller) ClearSelection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selectedID = ""
	c.drag = nil
}

// HoverEnter marks id as hovered. Hover events for nodes that no longer
// exist are ignored.
func (c *Controller) HoverEnter(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pagecraft.Contains(c.doc, id) {
		c.hoveredID = id
	}
}

// HoverLeave clears the hover if id is the hovered node.
func (c *Controller) HoverLeave(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hoveredID == id {
		c.hoveredID = ""
	}
}

// BeginDrag starts dragging id.
func (c *Controller) BeginDrag(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !pagecraft.Contains(c.doc, id) {
		return &pagecraft.OperationError{Op: "begin-drag", Code: pagecraft.CodeNodeNotFound, NodeID: id}
	}
	c.drag = &DragState{SourceID: id}
	return nil
}

// DragOver records the current drop target.
func (c *Controller) DragOver(targetID string, pos Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drag == nil {
		return ErrNotDragging
	}
	c.drag.TargetID = targetID
	c.drag.Position = pos
	return nil
}

// CancelDrag abandons the drag, returning to the state before BeginDrag.
func (c *Controller) CancelDrag() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drag = nil
}

// DropOn moves the dragged node relative to targetID and returns to Idle.
// A rejected move keeps the drag so another target can be tried. An empty
// targetID with PositionInside drops at the end of the document root.
func (c *Controller) DropOn(targetID string, pos Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drag == nil {
		return ErrNotDragging
	}
	if c.saving {
		return ErrSaveInProgress
	}

	sourceID := c.drag.SourceID
	cmd, noop, err := c.dropCommand(sourceID, targetID, pos)
	if err != nil {
		return err
	}
	if !noop {
		if err := c.executeLocked(cmd); err != nil {
			return err
		}
	}
	c.drag = nil
	c.selectedID = ""
	return nil
}

// dropCommand translates a drop into a MoveCommand. Indexes are computed
// against the sibling list with the dragged node already removed.
func (c *Controller) dropCommand(sourceID, targetID string, pos Position) (MoveCommand, bool, error) {
	const op = "drop"
	if !pagecraft.Contains(c.doc, sourceID) {
		return MoveCommand{}, false, &pagecraft.OperationError{Op: op, Code: pagecraft.CodeNodeNotFound, NodeID: sourceID}
	}

	switch pos {
	case PositionInside:
		var children []pagecraft.ComponentNode
		if targetID == "" {
			children = c.doc.Components
		} else {
			target, ok := pagecraft.Find(c.doc, targetID)
			if !ok {
				return MoveCommand{}, false, &pagecraft.OperationError{Op: op, Code: pagecraft.CodeNodeNotFound, NodeID: targetID}
			}
			children = target.Children
		}
		index := len(children)
		for _, ch := range children {
			if ch.ID == sourceID {
				index--
				break
			}
		}
		return MoveCommand{NodeID: sourceID, ParentID: targetID, Index: index}, false, nil

	case PositionBefore, PositionAfter:
		if targetID == sourceID {
			return MoveCommand{}, true, nil
		}
		parentID, index, ok := pagecraft.ParentOf(c.doc, targetID)
		if !ok {
			return MoveCommand{}, false, &pagecraft.OperationError{Op: op, Code: pagecraft.CodeNodeNotFound, NodeID: targetID}
		}
		if srcParent, srcIndex, _ := pagecraft.ParentOf(c.doc, sourceID); srcParent == parentID && srcIndex < index {
			index--
		}
		if pos == PositionAfter {
			index++
		}
		return MoveCommand{NodeID: sourceID, ParentID: parentID, Index: index}, false, nil
	}

	return MoveCommand{}, false, &pagecraft.OperationError{Op: op, Code: pagecraft.CodeInvalidNode, NodeID: sourceID, Reason: fmt.Sprintf("unknown drop position %q", pos)}
}

// Execute applies cmd. On success the previous document goes on the undo
// stack and the redo stack is cleared; on failure nothing changes and the
// model error is returned.
func (c *Controller) Execute(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saving {
		return ErrSaveInProgress
	}
	return c.executeLocked(cmd)
}

func (c *Controller) executeLocked(cmd Command) error {
	if ins, ok := cmd.(InsertCommand); ok {
		if err := c.checkRetired(ins.Node); err != nil {
			return err
		}
	}

	next, err := cmd.Apply(c.doc)
	if err != nil {
		c.log.Debug().Err(err).Str("command", cmd.Name()).Msg("command rejected")
		return err
	}
	if c.maxDepth > 0 {
		if err := pagecraft.ValidateWith(next, pagecraft.ValidateOptions{MaxDepth: c.maxDepth}); err != nil {
			return &pagecraft.OperationError{Op: cmd.Name(), Code: pagecraft.CodeOf(err), NodeID: cmd.Target(), Err: err}
		}
	}

	c.pushUndo(c.doc)
	c.redo = nil
	c.doc = next
	c.dirty = true
	c.remember(next)
	c.dropVanished()
	c.log.Debug().Str("command", cmd.Name()).Msg("command applied")
	return nil
}

// checkRetired refuses ids that belonged to nodes removed earlier in the
// session. Ids still in the document are left to the model's DuplicateId.
func (c *Controller) checkRetired(n pagecraft.ComponentNode) error {
	var walk func(n pagecraft.ComponentNode) error
	walk = func(n pagecraft.ComponentNode) error {
		if _, seen := c.known[n.ID]; seen && !pagecraft.Contains(c.doc, n.ID) {
			return &pagecraft.OperationError{
				Op:     "insert",
				Code:   pagecraft.CodeDuplicateID,
				NodeID: n.ID,
				Reason: "id belonged to a removed node",
			}
		}
		for _, ch := range n.Children {
			if err := walk(ch); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(n)
}

// Undo restores the document before the last command. It does nothing when
// there is no history.
func (c *Controller) Undo() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saving {
		return ErrSaveInProgress
	}
	if len(c.undo) == 0 {
		return nil
	}
	prev := c.undo[len(c.undo)-1]
	c.undo = c.undo[:len(c.undo)-1]
	c.redo = append(c.redo, c.doc)
	c.restore(prev)
	return nil
}

// Redo reapplies the last undone command. It does nothing when there is
// nothing to redo.
func (c *Controller) Redo() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saving {
		return ErrSaveInProgress
	}
	if len(c.redo) == 0 {
		return nil
	}
	next := c.redo[len(c.redo)-1]
	c.redo = c.redo[:len(c.redo)-1]
	c.pushUndo(c.doc)
	c.restore(next)
	return nil
}

// restore swaps in a document from history. History holds trees; the version
// token always stays the latest one, or the next save would conflict with
// ourselves.
func (c *Controller) restore(doc *pagecraft.PageDocument) {
	if doc.Version != c.doc.Version {
		doc = doc.Clone()
		doc.Version = c.doc.Version
	}
	c.doc = doc
	c.dirty = true
	c.dropVanished()
}

func (c *Controller) pushUndo(doc *pagecraft.PageDocument) {
	c.undo = append(c.undo, doc)
	if c.historyLimit > 0 && len(c.undo) > c.historyLimit {
		c.undo = append([]*pagecraft.PageDocument(nil), c.undo[len(c.undo)-c.historyLimit:]...)
	}
}

// dropVanished clears selection, hover and drag that point at nodes no
// longer in the document.
func (c *Controller) dropVanished() {
	if c.selectedID != "" && !pagecraft.Contains(c.doc, c.selectedID) {
		c.selectedID = ""
	}
	if c.hoveredID != "" && !pagecraft.Contains(c.doc, c.hoveredID) {
		c.hoveredID = ""
	}
	if c.drag != nil && !pagecraft.Contains(c.doc, c.drag.SourceID) {
		c.drag = nil
	}
}

func (c *Controller) remember(doc *pagecraft.PageDocument) {
	pagecraft.Walk(doc, func(n pagecraft.ComponentNode, _ int) bool {
		c.known[n.ID] = struct{}{}
		return true
	})
}

// Save validates the document and writes it through the Saver. Only one save
// runs at a time; edits are refused until it returns. On success the new
// version is adopted. On a version conflict the local edits are kept and
// every further save returns the conflict until Reload.
func (c *Controller) Save(ctx context.Context) (pagecraft.Version, error) {
	c.mu.Lock()
	if c.saver == nil {
		c.mu.Unlock()
		return "", ErrNoSaver
	}
	if c.saving {
		c.mu.Unlock()
		return "", ErrSaveInProgress
	}
	if c.conflict != nil {
		err := c.conflict
		c.mu.Unlock()
		return "", err
	}
	if err := pagecraft.ValidateWith(c.doc, pagecraft.ValidateOptions{MaxDepth: c.maxDepth}); err != nil {
		c.mu.Unlock()
		return "", err
	}
	c.saving = true
	doc := c.doc
	c.mu.Unlock()

	version, err := c.saver.SavePage(ctx, doc)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.saving = false

	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			c.conflict = err
			c.log.Warn().Err(err).Str("page", doc.PageID).Msg("save refused, reload required")
		}
		return "", err
	}

	saved := c.doc.Clone()
	saved.Version = version
	c.doc = saved
	c.dirty = false
	c.log.Info().Str("page", saved.PageID).Str("version", version.String()).Msg("page saved")
	return version, nil
}

// Reload replaces the document with a freshly fetched one. History, drag and
// the conflict flag are cleared; selection and hover survive when their
// nodes do.
func (c *Controller) Reload(doc *pagecraft.PageDocument) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saving {
		return ErrSaveInProgress
	}
	if doc == nil {
		doc = pagecraft.NewDocument(c.doc.PageID)
	}
	c.doc = doc.Clone()
	c.undo = nil
	c.redo = nil
	c.drag = nil
	c.conflict = nil
	c.dirty = false
	c.remember(c.doc)
	c.dropVanished()
	return nil
}

// Snapshot is the inspectable session state.
type Snapshot struct {
	State      State                   `json:"-"`
	StateName  string                  `json:"state"`
	SelectedID string                  `json:"selectedId,omitempty"`
	HoveredID  string                  `json:"hoveredId,omitempty"`
	Drag       *DragState              `json:"drag,omitempty"`
	Doc        *pagecraft.PageDocument `json:"-"`
	Version    pagecraft.Version       `json:"version"`
	CanUndo    bool                    `json:"canUndo"`
	CanRedo    bool                    `json:"canRedo"`
	Saving     bool                    `json:"saving"`
	Conflicted bool                    `json:"conflicted"`
	Dirty      bool                    `json:"dirty"`
}

// Snapshot returns a copy of the session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		State:      c.stateLocked(),
		SelectedID: c.selectedID,
		HoveredID:  c.hoveredID,
		Doc:        c.doc.Clone(),
		Version:    c.doc.Version,
		CanUndo:    len(c.undo) > 0,
		CanRedo:    len(c.redo) > 0,
		Saving:     c.saving,
		Conflicted: c.conflict != nil,
		Dirty:      c.dirty,
	}
	s.StateName = s.State.String()
	if c.drag != nil {
		d := *c.drag
		s.Drag = &d
	}
	return s
}

// Flags returns the selection and hover flags for rendering the canvas.
func (c *Controller) Flags() render.Flags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return render.Flags{SelectedID: c.selectedID, HoveredID: c.hoveredID}
}

// Callbacks wires rendered nodes back into the session. Select events for
// vanished nodes are dropped.
func (c *Controller) Callbacks() render.Callbacks {
	return render.Callbacks{
		OnSelect:     func(id string) { _ = c.Select(id) },
		OnHoverEnter: c.HoverEnter,
		OnHoverLeave: c.HoverLeave,
	}
}
