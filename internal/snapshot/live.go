// Package snapshot turns a live, styled visual tree into a standalone HTML
// document whose appearance no longer depends on the page's stylesheets,
// scripts or locally loaded fonts.
package snapshot

// NodeType distinguishes the node kinds kept in a LiveNode tree.
type NodeType int

const (
	ElementNode NodeType = iota + 1
	TextNode
	CommentNode
)

// Attr is one element attribute, in document order.
type Attr struct {
	Name  string
	Value string
}

// LiveNode is a mounted node together with its computed style.
type LiveNode struct {
	Type NodeType
	// Tag is the lower-case element name. Empty for text and comments.
	Tag   string
	Attrs []Attr
	// Text is the character data of text and comment nodes.
	Text string
	// Style holds the resolved value of every computed property. Only set on elements.
	Style    map[string]string
	Children []*LiveNode
}

// Attr returns the value of the named attribute.
func (n *LiveNode) Attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Element is a convenience constructor for tests and adapters.
func Element(tag string, style map[string]string, children ...*LiveNode) *LiveNode {
	return &LiveNode{Type: ElementNode, Tag: tag, Style: style, Children: children}
}

// Text is a convenience constructor for a text node.
func Text(s string) *LiveNode {
	return &LiveNode{Type: TextNode, Text: s}
}

// WithAttr appends an attribute and returns n.
func (n *LiveNode) WithAttr(name, value string) *LiveNode {
	n.Attrs = append(n.Attrs, Attr{Name: name, Value: value})
	return n
}
