package pagecraft

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Serialize encodes doc in the persisted wire form. Serialize followed by
// Deserialize yields a document Equal to doc.
func Serialize(doc *PageDocument) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("serialize: %w", ErrInvalidDocument)
	}
	return json.Marshal(doc)
}

// SerializeIndent is Serialize with two-space indentation, for files meant
// to be edited by hand.
func SerializeIndent(doc *PageDocument) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("serialize: %w", ErrInvalidDocument)
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Deserialize decodes and validates a document. Malformed input yields a
// *DecodeError; a well-formed document that breaks an invariant yields a
// *ValidationError. Both match ErrInvalidDocument or a more specific sentinel
// via errors.Is.
func Deserialize(data []byte) (*PageDocument, error) {
	return DeserializeWith(data, ValidateOptions{})
}

// DeserializeWith is Deserialize with validation options.
func DeserializeWith(data []byte, opts ValidateOptions) (*PageDocument, error) {
	doc, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := ValidateWith(doc, opts); err != nil {
		return nil, err
	}
	return doc, nil
}

// Decode parses a document without validating it. Stores use it to hand back
// exactly what was persisted; callers that render must Validate.
func Decode(data []byte) (*PageDocument, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, newDecodeError(data, errEmptyInput)
	}

	var doc PageDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, newDecodeError(data, err)
	}
	canonicalize(&doc)
	return &doc, nil
}

// canonicalize rewrites empty props and children to nil so decoded documents
// compare equal to ones built in memory.
func canonicalize(doc *PageDocument) {
	if len(doc.Components) == 0 {
		doc.Components = nil
	}
	canonicalizeNodes(doc.Components)
}

func canonicalizeNodes(nodes []ComponentNode) {
	for i := range nodes {
		n := &nodes[i]
		if len(n.Props) == 0 {
			n.Props = nil
		}
		if len(n.Children) == 0 {
			n.Children = nil
			continue
		}
		canonicalizeNodes(n.Children)
	}
}

// Equal reports whether a and b describe the same page: same id, version,
// and structurally identical trees. Empty and absent props or children are
// treated alike.
func Equal(a, b *PageDocument) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.PageID != b.PageID || a.Version != b.Version {
		return false
	}
	return nodesEqual(a.Components, b.Components)
}

// TreeEqual compares only the component trees, ignoring page id and version.
func TreeEqual(a, b *PageDocument) bool {
	if a == nil || b == nil {
		return a == b
	}
	return nodesEqual(a.Components, b.Components)
}

func nodesEqual(a, b []ComponentNode) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Kind != b[i].Kind {
			return false
		}
		if !propsEqual(a[i].Props, b[i].Props) {
			return false
		}
		if !nodesEqual(a[i].Children, b[i].Children) {
			return false
		}
	}
	return true
}

func propsEqual(a, b Props) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	na, errA := NormalizeProps(a)
	nb, errB := NormalizeProps(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return reflect.DeepEqual(na, nb)
}
