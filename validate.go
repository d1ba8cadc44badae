package pagecraft

import (
	"fmt"
	"unicode/utf8"
)

// ValidateOptions tunes Validate beyond the fixed invariants.
type ValidateOptions struct {
	// MaxDepth caps nesting depth (root nodes are depth 1). Zero disables the cap.
	MaxDepth int
}

// Validate checks the structural invariants of doc:
//   - every node has a non-empty id and kind
//   - ids are unique across the document
//   - no node repeats the id of one of its ancestors
//   - only container kinds have children
//   - props hold only allowed values
//   - every string is valid UTF-8, so the document survives a JSON round trip
//
// It returns a *ValidationError describing the first violation found in
// document order.
func Validate(doc *PageDocument) error {
	return ValidateWith(doc, ValidateOptions{})
}

// ValidateWith is Validate with options.
func ValidateWith(doc *PageDocument, opts ValidateOptions) error {
	if doc == nil {
		return &ValidationError{Code: CodeInvalidNode, Reason: "document is nil"}
	}
	if !utf8.ValidString(doc.PageID) {
		return &ValidationError{Code: CodeInvalidNode, Reason: "page id is not valid UTF-8"}
	}
	if !utf8.ValidString(string(doc.Version)) {
		return &ValidationError{Code: CodeInvalidNode, Reason: "version is not valid UTF-8"}
	}
	v := validator{
		opts: opts,
		seen: make(map[string]struct{}),
	}
	return v.walk(doc.Components, nil, 1)
}

type validator struct {
	opts ValidateOptions
	seen map[string]struct{}
}

func (v *validator) walk(nodes []ComponentNode, ancestors []string, depth int) error {
	for i := range nodes {
		n := &nodes[i]
		path := append(append([]string(nil), ancestors...), n.ID)

		if n.ID == "" {
			return &ValidationError{Code: CodeInvalidNode, Path: ancestors, Reason: fmt.Sprintf("node %d under %s has no id", i, parentLabel(ancestors))}
		}
		if !utf8.ValidString(n.ID) {
			return &ValidationError{Code: CodeInvalidNode, NodeID: n.ID, Path: path, Reason: "node id is not valid UTF-8"}
		}
		if n.Kind == "" {
			return &ValidationError{Code: CodeInvalidNode, NodeID: n.ID, Path: path, Reason: "node has no kind"}
		}
		if !utf8.ValidString(string(n.Kind)) {
			return &ValidationError{Code: CodeInvalidNode, NodeID: n.ID, Path: path, Reason: "node kind is not valid UTF-8"}
		}
		for _, a := range ancestors {
			if a == n.ID {
				return &ValidationError{Code: CodeCyclicReference, NodeID: n.ID, Path: path, Reason: "node appears beneath itself"}
			}
		}
		if _, dup := v.seen[n.ID]; dup {
			return &ValidationError{Code: CodeDuplicateID, NodeID: n.ID, Path: path}
		}
		v.seen[n.ID] = struct{}{}

		if err := checkProps(n.Props); err != nil {
			return &ValidationError{Code: CodeInvalidProps, NodeID: n.ID, Path: path, Reason: err.Error()}
		}
		if len(n.Children) > 0 && !n.Kind.IsContainer() {
			return &ValidationError{Code: CodeInvalidNesting, NodeID: n.ID, Path: path, Reason: fmt.Sprintf("kind %q does not accept children", n.Kind)}
		}
		if v.opts.MaxDepth > 0 && depth > v.opts.MaxDepth {
			return &ValidationError{Code: CodeDepthExceeded, NodeID: n.ID, Path: path, Reason: fmt.Sprintf("depth %d exceeds %d", depth, v.opts.MaxDepth)}
		}

		if err := v.walk(n.Children, path, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func parentLabel(ancestors []string) string {
	if len(ancestors) == 0 {
		return "the document root"
	}
	return fmt.Sprintf("%q", ancestors[len(ancestors)-1])
}
