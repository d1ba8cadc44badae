package builder

import "github.com/livetemplate/pagecraft"

// Command is one structural edit. Apply returns the edited document and must
// leave doc untouched.
type Command interface {
	Name() string
	// Target is the node the edit is about.
	Target() string
	Apply(doc *pagecraft.PageDocument) (*pagecraft.PageDocument, error)
}

// InsertCommand adds Node under ParentID ("" for the root) at Index.
type InsertCommand struct {
	ParentID string
	Index    int
	Node     pagecraft.ComponentNode
}

func (InsertCommand) Name() string { return "insert" }

func (c InsertCommand) Target() string { return c.Node.ID }

func (c InsertCommand) Apply(doc *pagecraft.PageDocument) (*pagecraft.PageDocument, error) {
	return pagecraft.Insert(doc, c.ParentID, c.Index, c.Node)
}

// RemoveCommand deletes the subtree rooted at NodeID.
type RemoveCommand struct {
	NodeID string
}

func (RemoveCommand) Name() string { return "remove" }

func (c RemoveCommand) Target() string { return c.NodeID }

func (c RemoveCommand) Apply(doc *pagecraft.PageDocument) (*pagecraft.PageDocument, error) {
	return pagecraft.Remove(doc, c.NodeID)
}

// MoveCommand relocates NodeID under ParentID at Index, counted after the
// node is detached.
type MoveCommand struct {
	NodeID   string
	ParentID string
	Index    int
}

func (MoveCommand) Name() string { return "move" }

func (c MoveCommand) Target() string { return c.NodeID }

func (c MoveCommand) Apply(doc *pagecraft.PageDocument) (*pagecraft.PageDocument, error) {
	return pagecraft.Move(doc, c.NodeID, c.ParentID, c.Index)
}

// UpdatePropsCommand merges Patch into the props of NodeID.
type UpdatePropsCommand struct {
	NodeID string
	Patch  map[string]any
}

func (UpdatePropsCommand) Name() string { return "update-props" }

func (c UpdatePropsCommand) Target() string { return c.NodeID }

func (c UpdatePropsCommand) Apply(doc *pagecraft.PageDocument) (*pagecraft.PageDocument, error) {
	return pagecraft.UpdateProps(doc, c.NodeID, c.Patch)
}
