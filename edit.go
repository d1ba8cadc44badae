package pagecraft

import "fmt"

// Insert returns a copy of doc with node inserted as child index of parentID.
// An empty parentID inserts at the document root. The inserted subtree must
// not reuse ids already present in doc.
func Insert(doc *PageDocument, parentID string, index int, node ComponentNode) (*PageDocument, error) {
	const op = "insert"
	if doc == nil {
		return nil, opError(op, CodeInvalidNode, node.ID, "document is nil")
	}

	n, err := canonicalNode(node)
	if err != nil {
		return nil, &OperationError{Op: op, Code: CodeInvalidProps, NodeID: node.ID, Err: err}
	}

	out := doc.Clone()
	slot, err := out.childSlot(op, parentID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index > len(*slot) {
		return nil, opError(op, CodeIndexOutOfRange, n.ID, fmt.Sprintf("index %d not in [0, %d]", index, len(*slot)))
	}
	*slot = insertAt(*slot, index, n)

	if err := Validate(out); err != nil {
		return nil, &OperationError{Op: op, Code: CodeOf(err), NodeID: n.ID, Err: err}
	}
	return out, nil
}

// Remove returns a copy of doc without the subtree rooted at nodeID.
// A missing node yields an error matching ErrNodeNotFound; callers should
// treat it as recoverable since another editor may have removed it first.
func Remove(doc *PageDocument, nodeID string) (*PageDocument, error) {
	const op = "remove"
	if doc == nil {
		return nil, opError(op, CodeNodeNotFound, nodeID, "document is nil")
	}
	out := doc.Clone()
	if _, ok := detach(&out.Components, nodeID); !ok {
		return nil, opError(op, CodeNodeNotFound, nodeID, "")
	}
	return out, nil
}

// Move returns a copy of doc with the subtree rooted at nodeID relocated to
// newParentID (empty for the root) at newIndex. The index counts siblings
// after the node has been detached from its old position, so moving the
// second of two siblings to index 0 swaps them.
func Move(doc *PageDocument, nodeID, newParentID string, newIndex int) (*PageDocument, error) {
	const op = "move"
	if doc == nil {
		return nil, opError(op, CodeNodeNotFound, nodeID, "document is nil")
	}

	src, ok := Find(doc, nodeID)
	if !ok {
		return nil, opError(op, CodeNodeNotFound, nodeID, "")
	}
	if newParentID != "" && (newParentID == nodeID || containsID(src.Children, newParentID)) {
		return nil, opError(op, CodeCyclicReference, nodeID, fmt.Sprintf("cannot move beneath %q, which is the node itself or one of its descendants", newParentID))
	}

	out := doc.Clone()
	moved, _ := detach(&out.Components, nodeID)

	slot, err := out.childSlot(op, newParentID)
	if err != nil {
		return nil, err
	}
	if newIndex < 0 || newIndex > len(*slot) {
		return nil, opError(op, CodeIndexOutOfRange, nodeID, fmt.Sprintf("index %d not in [0, %d]", newIndex, len(*slot)))
	}
	*slot = insertAt(*slot, newIndex, moved)

	if err := Validate(out); err != nil {
		return nil, &OperationError{Op: op, Code: CodeOf(err), NodeID: nodeID, Err: err}
	}
	return out, nil
}

// UpdateProps returns a copy of doc with patch shallow-merged into the props
// of nodeID. A nil value in patch deletes that key. Prop shapes are not
// checked against the node's kind; renderers fall back to defaults instead.
func UpdateProps(doc *PageDocument, nodeID string, patch map[string]any) (*PageDocument, error) {
	const op = "updateProps"
	if doc == nil {
		return nil, opError(op, CodeNodeNotFound, nodeID, "document is nil")
	}

	np, err := normalizePatch(patch)
	if err != nil {
		return nil, &OperationError{Op: op, Code: CodeInvalidProps, NodeID: nodeID, Reason: err.Error()}
	}

	out := doc.Clone()
	n := findPtr(out.Components, nodeID)
	if n == nil {
		return nil, opError(op, CodeNodeNotFound, nodeID, "")
	}

	merged := n.Props.Clone()
	if merged == nil {
		merged = make(Props, len(np))
	}
	for k, v := range np {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	if len(merged) == 0 {
		merged = nil
	}
	n.Props = merged
	return out, nil
}

// Find returns the node with id, searching depth-first in document order.
func Find(doc *PageDocument, id string) (ComponentNode, bool) {
	if doc == nil {
		return ComponentNode{}, false
	}
	if p := findPtr(doc.Components, id); p != nil {
		return *p, true
	}
	return ComponentNode{}, false
}

// ParentOf returns the parent id ("" for root nodes) and sibling index of id.
func ParentOf(doc *PageDocument, id string) (string, int, bool) {
	if doc == nil {
		return "", 0, false
	}
	return parentOf(doc.Components, "", id)
}

func parentOf(nodes []ComponentNode, parentID, id string) (string, int, bool) {
	for i := range nodes {
		if nodes[i].ID == id {
			return parentID, i, true
		}
		if p, idx, ok := parentOf(nodes[i].Children, nodes[i].ID, id); ok {
			return p, idx, true
		}
	}
	return "", 0, false
}

// Walk visits every node depth-first in document order. Returning false from
// fn skips the node's children.
func Walk(doc *PageDocument, fn func(n ComponentNode, depth int) bool) {
	if doc == nil {
		return
	}
	walkNodes(doc.Components, 1, fn)
}

func walkNodes(nodes []ComponentNode, depth int, fn func(ComponentNode, int) bool) {
	for _, n := range nodes {
		if fn(n, depth) {
			walkNodes(n.Children, depth+1, fn)
		}
	}
}

// IDs returns every node id in document order.
func IDs(doc *PageDocument) []string {
	var ids []string
	Walk(doc, func(n ComponentNode, _ int) bool {
		ids = append(ids, n.ID)
		return true
	})
	return ids
}

// Contains reports whether doc has a node with id.
func Contains(doc *PageDocument, id string) bool {
	_, ok := Find(doc, id)
	return ok
}

// childSlot returns the sibling list a new child of parentID goes into.
func (d *PageDocument) childSlot(op, parentID string) (*[]ComponentNode, error) {
	if parentID == "" {
		return &d.Components, nil
	}
	parent := findPtr(d.Components, parentID)
	if parent == nil {
		return nil, opError(op, CodeNodeNotFound, parentID, "parent not found")
	}
	if !parent.Kind.IsContainer() {
		return nil, opError(op, CodeParentNotContainer, parentID, fmt.Sprintf("kind %q does not accept children", parent.Kind))
	}
	return &parent.Children, nil
}

func findPtr(nodes []ComponentNode, id string) *ComponentNode {
	for i := range nodes {
		if nodes[i].ID == id {
			return &nodes[i]
		}
		if p := findPtr(nodes[i].Children, id); p != nil {
			return p
		}
	}
	return nil
}

func containsID(nodes []ComponentNode, id string) bool {
	return findPtr(nodes, id) != nil
}

// detach removes the node with id from the tree rooted at *nodes.
func detach(nodes *[]ComponentNode, id string) (ComponentNode, bool) {
	for i := range *nodes {
		if (*nodes)[i].ID == id {
			removed := (*nodes)[i]
			rest := make([]ComponentNode, 0, len(*nodes)-1)
			rest = append(rest, (*nodes)[:i]...)
			rest = append(rest, (*nodes)[i+1:]...)
			if len(rest) == 0 {
				rest = nil
			}
			*nodes = rest
			return removed, true
		}
		if n, ok := detach(&(*nodes)[i].Children, id); ok {
			return n, true
		}
	}
	return ComponentNode{}, false
}

func insertAt(nodes []ComponentNode, index int, n ComponentNode) []ComponentNode {
	out := make([]ComponentNode, 0, len(nodes)+1)
	out = append(out, nodes[:index]...)
	out = append(out, n)
	out = append(out, nodes[index:]...)
	return out
}

// canonicalNode deep-copies n with normalized props and nil for empty
// collections, the form Deserialize produces.
func canonicalNode(n ComponentNode) (ComponentNode, error) {
	props, err := NormalizeProps(n.Props)
	if err != nil {
		return ComponentNode{}, err
	}
	out := ComponentNode{ID: n.ID, Kind: n.Kind, Props: props}
	if len(n.Children) > 0 {
		out.Children = make([]ComponentNode, len(n.Children))
		for i, c := range n.Children {
			cc, err := canonicalNode(c)
			if err != nil {
				return ComponentNode{}, err
			}
			out.Children[i] = cc
		}
	}
	return out, nil
}
