// Package pagecraft provides the component tree behind storefront pages.
//
// A page is a PageDocument: an ordered list of ComponentNode values, each a
// typed descriptor (heading, image, product grid, container, ...) with props
// and, for container kinds, nested children. The package validates documents
// and offers pure structural edits (Insert, Remove, Move, UpdateProps) that
// return new documents and never modify their input.
package pagecraft

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ComponentNode is one typed, positioned unit of a page.
// Its order is its position in the parent's children (or the document root).
type ComponentNode struct {
	ID       string          `json:"id"`
	Kind     Kind            `json:"kind"`
	Props    Props           `json:"props"`
	Children []ComponentNode `json:"children"`
}

// PageDocument is the full tree persisted for one page id.
type PageDocument struct {
	PageID     string          `json:"pageId"`
	Components []ComponentNode `json:"components"`
	// Version is the optimistic-concurrency token. Empty means never saved.
	Version Version `json:"version"`
}

// Version is an opaque token bumped by the backend on every successful save.
type Version string

// UnmarshalJSON accepts both string and numeric versions. Numeric versions
// are kept as their decimal text so they survive a round trip as strings.
func (v *Version) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	switch {
	case s == "null":
		*v = ""
		return nil
	case strings.HasPrefix(s, `"`):
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*v = Version(str)
		return nil
	default:
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return fmt.Errorf("version must be a string or number, got %s", s)
		}
		*v = Version(s)
		return nil
	}
}

// String returns the token text.
func (v Version) String() string {
	return string(v)
}

// NewNodeID returns a fresh node id. Ids are random UUIDs, so an id retired
// by a deletion is never handed out again.
func NewNodeID() string {
	return uuid.NewString()
}

// NewNode creates a node of the given kind with a fresh id.
// Props are normalized; values outside the allowed set are kept as given and
// reported later by Validate.
func NewNode(kind Kind, props map[string]any, children ...ComponentNode) ComponentNode {
	n := ComponentNode{
		ID:   NewNodeID(),
		Kind: kind,
	}
	if len(props) > 0 {
		if np, err := NormalizeProps(props); err == nil {
			n.Props = np
		} else {
			n.Props = Props(props).Clone()
		}
	}
	if len(children) > 0 {
		n.Children = append([]ComponentNode(nil), children...)
	}
	return n
}

// NewDocument creates an empty, never-saved document for pageID.
func NewDocument(pageID string) *PageDocument {
	return &PageDocument{PageID: pageID}
}

// IsEmpty reports whether the document has no components.
func (d *PageDocument) IsEmpty() bool {
	return d == nil || len(d.Components) == 0
}

// Clone returns a deep copy of the document.
func (d *PageDocument) Clone() *PageDocument {
	if d == nil {
		return nil
	}
	return &PageDocument{
		PageID:     d.PageID,
		Components: cloneNodes(d.Components),
		Version:    d.Version,
	}
}

// Clone returns a deep copy of the node and its subtree.
func (n ComponentNode) Clone() ComponentNode {
	return ComponentNode{
		ID:       n.ID,
		Kind:     n.Kind,
		Props:    n.Props.Clone(),
		Children: cloneNodes(n.Children),
	}
}

func cloneNodes(nodes []ComponentNode) []ComponentNode {
	if len(nodes) == 0 {
		return nil
	}
	out := make([]ComponentNode, len(nodes))
	for i, n := range nodes {
		out[i] = n.Clone()
	}
	return out
}

// MarshalJSON always emits props as an object and children as an array,
// matching the wire shape {id, kind, props, children}.
func (n ComponentNode) MarshalJSON() ([]byte, error) {
	type wireNode struct {
		ID       string          `json:"id"`
		Kind     Kind            `json:"kind"`
		Props    Props           `json:"props"`
		Children []ComponentNode `json:"children"`
	}
	w := wireNode{ID: n.ID, Kind: n.Kind, Props: n.Props, Children: n.Children}
	if w.Props == nil {
		w.Props = Props{}
	}
	if w.Children == nil {
		w.Children = []ComponentNode{}
	}
	return json.Marshal(w)
}

// MarshalJSON always emits components as an array.
func (d PageDocument) MarshalJSON() ([]byte, error) {
	type wireDoc struct {
		PageID     string          `json:"pageId"`
		Components []ComponentNode `json:"components"`
		Version    Version         `json:"version"`
	}
	w := wireDoc{PageID: d.PageID, Components: d.Components, Version: d.Version}
	if w.Components == nil {
		w.Components = []ComponentNode{}
	}
	return json.Marshal(w)
}
