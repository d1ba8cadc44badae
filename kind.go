package pagecraft

import "sort"

// Kind identifies which renderer variant applies to a node.
//
// The set of known kinds is closed: adding a kind means adding a constant,
// a registry entry and a renderer case. Strings outside the set are kept as
// unknown kinds so documents written by newer builders still load.
type Kind string

const (
	KindContainer   Kind = "container"
	KindColumns     Kind = "columns"
	KindHeading     Kind = "heading"
	KindText        Kind = "text"
	KindRichText    Kind = "rich-text"
	KindImage       Kind = "image"
	KindButton      Kind = "button"
	KindSpacer      Kind = "spacer"
	KindDivider     Kind = "divider"
	KindProductGrid Kind = "product-grid"
)

// KindSpec describes a registered kind.
type KindSpec struct {
	Kind      Kind   `json:"kind"`
	Label     string `json:"label"`
	Container bool   `json:"container"`
}

var kindRegistry = map[Kind]KindSpec{
	KindContainer:   {Kind: KindContainer, Label: "Container", Container: true},
	KindColumns:     {Kind: KindColumns, Label: "Columns", Container: true},
	KindHeading:     {Kind: KindHeading, Label: "Heading"},
	KindText:        {Kind: KindText, Label: "Text"},
	KindRichText:    {Kind: KindRichText, Label: "Rich text"},
	KindImage:       {Kind: KindImage, Label: "Image"},
	KindButton:      {Kind: KindButton, Label: "Button"},
	KindSpacer:      {Kind: KindSpacer, Label: "Spacer"},
	KindDivider:     {Kind: KindDivider, Label: "Divider"},
	KindProductGrid: {Kind: KindProductGrid, Label: "Product grid"},
}

// Known reports whether k is in the registry.
func (k Kind) Known() bool {
	_, ok := kindRegistry[k]
	return ok
}

// IsContainer reports whether nodes of kind k may hold children.
// Unknown kinds are never containers.
func (k Kind) IsContainer() bool {
	return kindRegistry[k].Container
}

// Spec returns the registry entry for k.
func (k Kind) Spec() (KindSpec, bool) {
	s, ok := kindRegistry[k]
	return s, ok
}

// Kinds lists the registered kinds sorted by name.
func Kinds() []KindSpec {
	out := make([]KindSpec, 0, len(kindRegistry))
	for _, s := range kindRegistry {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
