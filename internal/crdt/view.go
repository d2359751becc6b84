package crdt

import (
	"html"
	"sort"
	"strings"
)

// Node is the read-only traversal capability a materialized tree offers.
type Node interface {
	IsElement() bool
	IsText() bool
	NodeName() string
	Children() []Node
	Attributes() map[string]string
	Text() string
}

// ElementIdentity is implemented by nodes that map to a stable element id.
type ElementIdentity interface {
	ElementID() ID
}

// Fragment is an immutable snapshot of a root fragment.
type Fragment struct {
	name     string
	children []Node
}

func (f *Fragment) IsElement() bool { return false }
func (f *Fragment) IsText() bool { return false }
func (f *Fragment) NodeName() string { return f.name }
func (f *Fragment) Children() []Node { return f.children }
func (f *Fragment) Attributes() map[string]string { return map[string]string{} }
func (f *Fragment) Text() string { return "" }

// Len returns the number of visible children.
func (f *Fragment) Len() int {
	return len(f.children)
}

// String renders the fragment as XML, attributes sorted by key.
func (f *Fragment) String() string {
	var builder strings.Builder
	for _, child := range f.children {
		renderNode(&builder, child)
	}
	return builder.String()
}

// Element is an immutable snapshot of an element.
type Element struct {
	id         ID
	name       string
	attributes map[string]string
	children   []Node
}

func (e *Element) IsElement() bool { return true }
func (e *Element) IsText() bool { return false }
func (e *Element) NodeName() string { return e.name }
func (e *Element) Children() []Node { return e.children }
func (e *Element) Text() string { return "" }
func (e *Element) ElementID() ID { return e.id }

// Attributes returns a copy of the element's visible attributes.
func (e *Element) Attributes() map[string]string {
	attributes := make(map[string]string, len(e.attributes))
	for key, value := range e.attributes {
		attributes[key] = value
	}
	return attributes
}

// TextNode is an immutable snapshot of a text node.
type TextNode struct {
	id    ID
	value string
}

func (t *TextNode) IsElement() bool { return false }
func (t *TextNode) IsText() bool { return true }
func (t *TextNode) NodeName() string { return "#text" }
func (t *TextNode) Children() []Node { return nil }
func (t *TextNode) Attributes() map[string]string { return map[string]string{} }
func (t *TextNode) Text() string { return t.value }

// Root snapshots the named root fragment. An absent root yields an empty fragment.
func (d *Doc) Root(name string) *Fragment {
	d.mu.Lock()
	defer d.mu.Unlock()
	fragment := &Fragment{name: name}
	if root, ok := d.roots[name]; ok {
		fragment.children = snapshotChildren(root)
	}
	return fragment
}

// HasRoot reports whether the named root has ever held an item. A root whose children were all
// deleted still exists.
func (d *Doc) HasRoot(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	root, ok := d.roots[name]
	return ok && root.start != nil
}

// RootLength returns the number of visible children of the named root.
func (d *Doc) RootLength(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	root, ok := d.roots[name]
	if !ok {
		return 0
	}
	count := 0
	for current := root.start; current != nil; current = current.right {
		if !current.deleted {
			count++
		}
	}
	return count
}

func snapshotChildren(c *container) []Node {
	var children []Node
	for current := c.start; current != nil; current = current.right {
		if current.deleted || current.inner == nil {
			continue
		}
		switch current.kind {
		case KindElement:
			children = append(children, &Element{
				id:         current.id,
				name:       current.name,
				attributes: visibleAttributes(current.inner),
				children:   snapshotChildren(current.inner),
			})
		case KindText:
			children = append(children, &TextNode{id: current.id, value: visibleText(current.inner)})
		}
	}
	return children
}

func visibleAttributes(c *container) map[string]string {
	attributes := make(map[string]string, len(c.attrs))
	for key, reg := range c.attrs {
		winner := reg.winner()
		if winner == nil || winner.removed {
			continue
		}
		attributes[key] = winner.value
	}
	return attributes
}

func visibleText(c *container) string {
	var builder strings.Builder
	for current := c.start; current != nil; current = current.right {
		if !current.deleted {
			builder.WriteString(string(current.runes))
		}
	}
	return builder.String()
}

func renderNode(builder *strings.Builder, node Node) {
	if node.IsText() {
		builder.WriteString(html.EscapeString(node.Text()))
		return
	}
	if !node.IsElement() {
		return
	}
	attributes := node.Attributes()
	keys := make([]string, 0, len(attributes))
	for key := range attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	builder.WriteString("<" + node.NodeName())
	for _, key := range keys {
		builder.WriteString(" " + key + "=\"" + html.EscapeString(attributes[key]) + "\"")
	}
	builder.WriteString(">")
	for _, child := range node.Children() {
		renderNode(builder, child)
	}
	builder.WriteString("</" + node.NodeName() + ">")
}
