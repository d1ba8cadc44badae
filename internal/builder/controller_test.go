package builder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetemplate/pagecraft"
	"github.com/livetemplate/pagecraft/internal/store"
)

// sampleDoc is c1{h1, t1}, img at the root.
func sampleDoc() *pagecraft.PageDocument {
	return &pagecraft.PageDocument{
		PageID:  "home",
		Version: "5",
		Components: []pagecraft.ComponentNode{
			{
				ID:   "c1",
				Kind: pagecraft.KindContainer,
				Children: []pagecraft.ComponentNode{
					{ID: "h1", Kind: pagecraft.KindHeading, Props: pagecraft.Props{"text": "Hello"}},
					{ID: "t1", Kind: pagecraft.KindText, Props: pagecraft.Props{"text": "Body"}},
				},
			},
			{ID: "img", Kind: pagecraft.KindImage, Props: pagecraft.Props{"src": "/a.png"}},
		},
	}
}

func childIDs(t *testing.T, doc *pagecraft.PageDocument, parentID string) []string {
	t.Helper()
	nodes := doc.Components
	if parentID != "" {
		n, ok := pagecraft.Find(doc, parentID)
		require.True(t, ok, "parent %q", parentID)
		nodes = n.Children
	}
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

// storeSaver saves into a memory store, the way pages.Service would.
type storeSaver struct {
	store store.Store
	calls int
	gate  chan struct{}
	mu    sync.Mutex
}

func (s *storeSaver) SavePage(ctx context.Context, doc *pagecraft.PageDocument) (pagecraft.Version, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.gate != nil {
		<-s.gate
	}
	return s.store.Put(ctx, doc)
}

func seededSaver(t *testing.T, doc *pagecraft.PageDocument) (*storeSaver, *pagecraft.PageDocument) {
	t.Helper()
	mem := store.NewMemoryStore()
	seed := doc.Clone()
	seed.Version = ""
	v, err := mem.Put(context.Background(), seed)
	require.NoError(t, err)
	seed.Version = v
	return &storeSaver{store: mem}, seed
}

func TestSelectionStates(t *testing.T) {
	c := New(sampleDoc(), nil)
	assert.Equal(t, StateIdle, c.State())

	require.NoError(t, c.Select("h1"))
	assert.Equal(t, StateSelected, c.State())
	assert.Equal(t, "h1", c.Snapshot().SelectedID)

	err := c.Select("missing")
	assert.ErrorIs(t, err, pagecraft.ErrNodeNotFound)
	assert.Equal(t, "h1", c.Snapshot().SelectedID, "failed select keeps the old one")

	c.ClearSelection()
	assert.Equal(t, StateIdle, c.State())
}

func TestHoverIsIndependent(t *testing.T) {
	c := New(sampleDoc(), nil)
	require.NoError(t, c.Select("h1"))

	c.HoverEnter("t1")
	snap := c.Snapshot()
	assert.Equal(t, "t1", snap.HoveredID)
	assert.Equal(t, "h1", snap.SelectedID)

	c.HoverLeave("h1") // not the hovered node
	assert.Equal(t, "t1", c.Snapshot().HoveredID)

	c.HoverLeave("t1")
	assert.Empty(t, c.Snapshot().HoveredID)

	c.HoverEnter("ghost")
	assert.Empty(t, c.Snapshot().HoveredID)

	assert.False(t, c.Snapshot().CanUndo, "hover never touches history")
}

func TestDragAndDrop(t *testing.T) {
	c := New(sampleDoc(), nil)

	assert.ErrorIs(t, c.DropOn("c1", PositionInside), ErrNotDragging)

	require.NoError(t, c.BeginDrag("img"))
	assert.Equal(t, StateDragging, c.State())
	require.NoError(t, c.DragOver("h1", PositionBefore))
	assert.Equal(t, &DragState{SourceID: "img", TargetID: "h1", Position: PositionBefore}, c.Snapshot().Drag)

	require.NoError(t, c.DropOn("h1", PositionBefore))
	assert.Equal(t, StateIdle, c.State())

	doc := c.Document()
	assert.Equal(t, []string{"c1"}, childIDs(t, doc, ""))
	assert.Equal(t, []string{"img", "h1", "t1"}, childIDs(t, doc, "c1"))
	assert.True(t, c.Snapshot().CanUndo)
}

func TestDropPositions(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		target   string
		pos      Position
		parent   string
		expected []string
	}{
		{"after later sibling", "h1", "t1", PositionAfter, "c1", []string{"t1", "h1"}},
		{"before earlier sibling", "t1", "h1", PositionBefore, "c1", []string{"t1", "h1"}},
		{"after itself", "h1", "h1", PositionAfter, "c1", []string{"h1", "t1"}},
		{"inside container", "img", "c1", PositionInside, "c1", []string{"h1", "t1", "img"}},
		{"inside own parent", "h1", "c1", PositionInside, "c1", []string{"t1", "h1"}},
		{"to root end", "h1", "", PositionInside, "", []string{"c1", "img", "h1"}},
		{"after root node", "t1", "img", PositionAfter, "", []string{"c1", "img", "t1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(sampleDoc(), nil)
			require.NoError(t, c.BeginDrag(tt.source))
			require.NoError(t, c.DropOn(tt.target, tt.pos))
			assert.Equal(t, tt.expected, childIDs(t, c.Document(), tt.parent))
			assert.Equal(t, StateIdle, c.State())
		})
	}
}

func TestDropRejected(t *testing.T) {
	c := New(sampleDoc(), nil)
	before := c.Document()

	require.NoError(t, c.BeginDrag("c1"))
	err := c.DropOn("h1", PositionAfter)
	assert.ErrorIs(t, err, pagecraft.ErrCyclicReference)

	err = c.DropOn("img", PositionInside)
	assert.ErrorIs(t, err, pagecraft.ErrParentNotContainer)

	assert.Equal(t, StateDragging, c.State(), "a rejected drop keeps the drag")
	assert.True(t, pagecraft.Equal(before, c.Document()))
	assert.False(t, c.Snapshot().CanUndo)

	c.CancelDrag()
	assert.Equal(t, StateIdle, c.State())
}

func TestCancelDragRestoresSelection(t *testing.T) {
	c := New(sampleDoc(), nil)
	require.NoError(t, c.Select("t1"))
	require.NoError(t, c.BeginDrag("img"))
	c.CancelDrag()
	assert.Equal(t, StateSelected, c.State())
	assert.Equal(t, "t1", c.Snapshot().SelectedID)
}

func TestExecuteAndUndoRedo(t *testing.T) {
	c := New(sampleDoc(), nil)
	original := c.Document()

	require.NoError(t, c.Execute(UpdatePropsCommand{NodeID: "h1", Patch: map[string]any{"text": "Sale"}}))
	edited := c.Document()
	h1, _ := pagecraft.Find(edited, "h1")
	assert.Equal(t, "Sale", h1.Props["text"])

	require.NoError(t, c.Undo())
	assert.True(t, pagecraft.Equal(original, c.Document()))
	assert.True(t, c.Snapshot().CanRedo)

	require.NoError(t, c.Redo())
	assert.True(t, pagecraft.Equal(edited, c.Document()))
}

func TestUndoRedoEmptyStacksAreNoops(t *testing.T) {
	c := New(sampleDoc(), nil)
	before := c.Document()
	require.NoError(t, c.Undo())
	require.NoError(t, c.Redo())
	assert.True(t, pagecraft.Equal(before, c.Document()))
}

func TestUndoAfterEachCommandKind(t *testing.T) {
	commands := []Command{
		InsertCommand{ParentID: "c1", Index: 1, Node: pagecraft.ComponentNode{ID: "new", Kind: pagecraft.KindSpacer}},
		RemoveCommand{NodeID: "c1"},
		MoveCommand{NodeID: "t1", ParentID: "c1", Index: 0},
		UpdatePropsCommand{NodeID: "img", Patch: map[string]any{"alt": "A", "src": nil}},
	}

	for _, cmd := range commands {
		t.Run(cmd.Name(), func(t *testing.T) {
			c := New(sampleDoc(), nil)
			before := c.Document()
			require.NoError(t, c.Execute(cmd))
			after := c.Document()
			require.NoError(t, pagecraft.Validate(after))

			require.NoError(t, c.Undo())
			assert.True(t, pagecraft.Equal(before, c.Document()))
			require.NoError(t, c.Redo())
			assert.True(t, pagecraft.Equal(after, c.Document()))
		})
	}
}

func TestNewCommandClearsRedo(t *testing.T) {
	c := New(sampleDoc(), nil)
	require.NoError(t, c.Execute(RemoveCommand{NodeID: "img"}))
	require.NoError(t, c.Undo())
	require.True(t, c.Snapshot().CanRedo)

	require.NoError(t, c.Execute(UpdatePropsCommand{NodeID: "h1", Patch: map[string]any{"level": 1}}))
	assert.False(t, c.Snapshot().CanRedo)
}

func TestRejectedCommandLeavesStateUnchanged(t *testing.T) {
	c := New(sampleDoc(), nil)
	require.NoError(t, c.Execute(RemoveCommand{NodeID: "img"}))
	before := c.Snapshot()

	tests := []struct {
		cmd  Command
		want error
	}{
		{InsertCommand{ParentID: "h1", Index: 0, Node: pagecraft.ComponentNode{ID: "x", Kind: pagecraft.KindText}}, pagecraft.ErrParentNotContainer},
		{InsertCommand{ParentID: "c1", Index: 9, Node: pagecraft.ComponentNode{ID: "x", Kind: pagecraft.KindText}}, pagecraft.ErrIndexOutOfRange},
		{InsertCommand{Index: 0, Node: pagecraft.ComponentNode{ID: "h1", Kind: pagecraft.KindText}}, pagecraft.ErrDuplicateID},
		{RemoveCommand{NodeID: "img"}, pagecraft.ErrNodeNotFound},
		{MoveCommand{NodeID: "c1", ParentID: "c1", Index: 0}, pagecraft.ErrCyclicReference},
		{UpdatePropsCommand{NodeID: "h1", Patch: map[string]any{"bad": func() {}}}, pagecraft.ErrInvalidProps},
	}
	for _, tt := range tests {
		err := c.Execute(tt.cmd)
		assert.ErrorIs(t, err, tt.want, "%s", tt.cmd.Name())
	}

	after := c.Snapshot()
	assert.True(t, pagecraft.Equal(before.Doc, after.Doc))
	assert.Equal(t, before.CanUndo, after.CanUndo)
	assert.Equal(t, before.CanRedo, after.CanRedo)
}

func TestRetiredIDsAreRefused(t *testing.T) {
	c := New(sampleDoc(), nil)
	require.NoError(t, c.Execute(RemoveCommand{NodeID: "img"}))

	err := c.Execute(InsertCommand{Index: 0, Node: pagecraft.ComponentNode{ID: "img", Kind: pagecraft.KindImage}})
	require.ErrorIs(t, err, pagecraft.ErrDuplicateID)
	assert.Contains(t, err.Error(), "removed node")

	// Undo brings the original node back; that is not a reuse.
	require.NoError(t, c.Undo())
	assert.True(t, pagecraft.Contains(c.Document(), "img"))

	// Fresh ids are always accepted.
	require.NoError(t, c.Execute(InsertCommand{Index: 0, Node: pagecraft.NewNode(pagecraft.KindDivider, nil)}))
}

func TestSelectionClearedWhenNodeVanishes(t *testing.T) {
	c := New(sampleDoc(), nil)
	require.NoError(t, c.Select("h1"))
	c.HoverEnter("t1")

	require.NoError(t, c.Execute(RemoveCommand{NodeID: "c1"}))
	snap := c.Snapshot()
	assert.Empty(t, snap.SelectedID)
	assert.Empty(t, snap.HoveredID)
	assert.Equal(t, StateIdle, snap.State)

	// Undo restores the nodes but not the transient state.
	require.NoError(t, c.Undo())
	assert.Empty(t, c.Snapshot().SelectedID)

	require.NoError(t, c.Select("img"))
	require.NoError(t, c.Redo())
	assert.Equal(t, "img", c.Snapshot().SelectedID, "img survives the redo")
}

func TestHistoryLimit(t *testing.T) {
	c := New(sampleDoc(), nil, WithHistoryLimit(2))
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Execute(UpdatePropsCommand{NodeID: "h1", Patch: map[string]any{"level": i + 1}}))
	}
	require.NoError(t, c.Undo())
	require.NoError(t, c.Undo())
	assert.False(t, c.Snapshot().CanUndo)

	h1, _ := pagecraft.Find(c.Document(), "h1")
	assert.Equal(t, float64(3), h1.Props["level"])
}

func TestMaxDepth(t *testing.T) {
	c := New(sampleDoc(), nil, WithMaxDepth(2))
	err := c.Execute(InsertCommand{
		ParentID: "c1",
		Index:    0,
		Node: pagecraft.ComponentNode{ID: "inner", Kind: pagecraft.KindContainer, Children: []pagecraft.ComponentNode{
			{ID: "deep", Kind: pagecraft.KindText},
		}},
	})
	assert.ErrorIs(t, err, pagecraft.ErrDepthExceeded)
	assert.False(t, c.Snapshot().CanUndo)

	var opErr *pagecraft.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "insert", opErr.Op)
	assert.Equal(t, "inner", opErr.NodeID)

	err = c.Execute(MoveCommand{NodeID: "img", ParentID: "c1", Index: 0})
	require.NoError(t, err, "two levels fit")
}

// Scenario: a container with two children renders them in order; moving the
// second child to index 0 swaps them.
func TestContainerReorderScenario(t *testing.T) {
	c := New(sampleDoc(), nil)
	require.NoError(t, c.Execute(MoveCommand{NodeID: "t1", ParentID: "c1", Index: 0}))
	assert.Equal(t, []string{"t1", "h1"}, childIDs(t, c.Document(), "c1"))
}

func TestSave(t *testing.T) {
	saver, seed := seededSaver(t, sampleDoc())
	c := New(seed, saver)

	require.NoError(t, c.Execute(UpdatePropsCommand{NodeID: "h1", Patch: map[string]any{"text": "Sale"}}))
	assert.True(t, c.Snapshot().Dirty)

	v, err := c.Save(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pagecraft.Version("2"), v)

	snap := c.Snapshot()
	assert.Equal(t, pagecraft.Version("2"), snap.Version)
	assert.False(t, snap.Dirty)
	assert.False(t, snap.Conflicted)

	// Undo after a save keeps the new version, so the next save succeeds.
	require.NoError(t, c.Undo())
	assert.Equal(t, pagecraft.Version("2"), c.Snapshot().Version)
	v, err = c.Save(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pagecraft.Version("3"), v)
}

func TestSaveWithoutSaver(t *testing.T) {
	_, err := New(sampleDoc(), nil).Save(context.Background())
	assert.ErrorIs(t, err, ErrNoSaver)
}

func TestSaveRejectsInvalidDocument(t *testing.T) {
	saver, _ := seededSaver(t, sampleDoc())
	bad := sampleDoc()
	bad.Components = append(bad.Components, pagecraft.ComponentNode{ID: "img", Kind: pagecraft.KindText})
	c := New(bad, saver)

	_, err := c.Save(context.Background())
	assert.ErrorIs(t, err, pagecraft.ErrDuplicateID)
	assert.Zero(t, saver.calls)
}

func TestSaveInProgressBlocksEdits(t *testing.T) {
	saver, seed := seededSaver(t, sampleDoc())
	saver.gate = make(chan struct{})
	c := New(seed, saver)

	done := make(chan error, 1)
	go func() {
		_, err := c.Save(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return c.Snapshot().Saving }, time.Second, time.Millisecond)

	assert.ErrorIs(t, c.Execute(RemoveCommand{NodeID: "img"}), ErrSaveInProgress)
	assert.ErrorIs(t, c.Undo(), ErrSaveInProgress)
	assert.ErrorIs(t, c.Redo(), ErrSaveInProgress)
	assert.ErrorIs(t, c.Reload(nil), ErrSaveInProgress)
	_, err := c.Save(context.Background())
	assert.ErrorIs(t, err, ErrSaveInProgress)

	// Selection and hover stay live during a save.
	require.NoError(t, c.Select("h1"))
	c.HoverEnter("t1")

	close(saver.gate)
	require.NoError(t, <-done)
	assert.NoError(t, c.Execute(RemoveCommand{NodeID: "img"}))
}

func TestSaveConflictRequiresReload(t *testing.T) {
	saver, seed := seededSaver(t, sampleDoc())
	a := New(seed, saver)
	b := New(seed, saver)

	require.NoError(t, a.Execute(UpdatePropsCommand{NodeID: "h1", Patch: map[string]any{"text": "A"}}))
	_, err := a.Save(context.Background())
	require.NoError(t, err)

	require.NoError(t, b.Execute(UpdatePropsCommand{NodeID: "h1", Patch: map[string]any{"text": "B"}}))
	_, err = b.Save(context.Background())
	require.ErrorIs(t, err, store.ErrVersionConflict)

	snap := b.Snapshot()
	assert.True(t, snap.Conflicted)
	h1, _ := pagecraft.Find(snap.Doc, "h1")
	assert.Equal(t, "B", h1.Props["text"], "local edits are kept for manual reapply")

	// Still editable, but saving stays refused without another round trip.
	require.NoError(t, b.Execute(UpdatePropsCommand{NodeID: "t1", Patch: map[string]any{"text": "more"}}))
	calls := saver.calls
	_, err = b.Save(context.Background())
	assert.ErrorIs(t, err, store.ErrVersionConflict)
	assert.Equal(t, calls, saver.calls)

	fresh, err := saver.store.Get(context.Background(), "home")
	require.NoError(t, err)
	require.NoError(t, b.Reload(fresh))

	snap = b.Snapshot()
	assert.False(t, snap.Conflicted)
	assert.False(t, snap.CanUndo)
	h1, _ = pagecraft.Find(snap.Doc, "h1")
	assert.Equal(t, "A", h1.Props["text"])

	require.NoError(t, b.Execute(UpdatePropsCommand{NodeID: "h1", Patch: map[string]any{"text": "B"}}))
	_, err = b.Save(context.Background())
	assert.NoError(t, err)
}

func TestSaveTransportErrorDoesNotLock(t *testing.T) {
	c := New(sampleDoc(), failingSaver{err: errors.New("connection refused")})
	_, err := c.Save(context.Background())
	require.Error(t, err)
	assert.False(t, c.Snapshot().Conflicted)
	assert.False(t, c.Snapshot().Saving)
}

type failingSaver struct{ err error }

func (f failingSaver) SavePage(context.Context, *pagecraft.PageDocument) (pagecraft.Version, error) {
	return "", f.err
}

func TestReloadKeepsSurvivingSelection(t *testing.T) {
	c := New(sampleDoc(), nil)
	require.NoError(t, c.Select("h1"))
	c.HoverEnter("img")

	next := sampleDoc()
	next.Components = next.Components[:1] // img is gone
	require.NoError(t, c.Reload(next))

	snap := c.Snapshot()
	assert.Equal(t, "h1", snap.SelectedID)
	assert.Empty(t, snap.HoveredID)
}

func TestReloadNilStartsEmptyPage(t *testing.T) {
	c := New(sampleDoc(), nil)
	require.NoError(t, c.Reload(nil))
	doc := c.Document()
	assert.Equal(t, "home", doc.PageID)
	assert.True(t, doc.IsEmpty())
}

func TestCallbacksDriveController(t *testing.T) {
	c := New(sampleDoc(), nil)
	cb := c.Callbacks()

	cb.OnSelect("t1")
	cb.OnHoverEnter("h1")
	assert.Equal(t, "t1", c.Flags().SelectedID)
	assert.Equal(t, "h1", c.Flags().HoveredID)

	cb.OnHoverLeave("h1")
	cb.OnSelect("ghost")
	assert.Empty(t, c.Flags().HoveredID)
	assert.Equal(t, "t1", c.Flags().SelectedID)
}

func TestDocumentIsACopy(t *testing.T) {
	input := sampleDoc()
	c := New(input, nil)
	input.Components[0].ID = "mutated"

	doc := c.Document()
	doc.Components = nil
	assert.Equal(t, "c1", c.Document().Components[0].ID)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "selected", StateSelected.String())
	assert.Equal(t, "dragging", StateDragging.String())
	assert.Equal(t, "unknown", State(9).String())
}
