// Package dom is a small headless document model: element nodes with
// attributes, computed style, and viewport rectangles. It stands in for a
// browser document so selection capture and session binding can run and be
// tested outside a page.
package dom

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/shipflow/overlay/internal/geom"
)

var styleDefaults = map[string]string{
	"display":        "block",
	"visibility":     "visible",
	"opacity":        "1",
	"pointer-events": "auto",
	"z-index":        "auto",
}

// Inherited properties resolve through ancestors when unset on a node.
var inheritedStyles = map[string]struct{}{
	"visibility":     {},
	"pointer-events": {},
}

// Document owns a tree of nodes rooted at a body element. All node access is
// serialized through the document lock.
type Document struct {
	mu       sync.RWMutex
	body     *Node
	viewport geom.Size
}

// Node is one element in a Document.
type Node struct {
	doc      *Document
	tag      string
	attrs    map[string]string
	style    map[string]string
	rect     geom.Rect
	parent   *Node
	children []*Node
}

// NewDocument creates an empty document whose body spans the viewport.
func NewDocument(viewport geom.Size) *Document {
	d := &Document{viewport: viewport}
	d.body = d.newNode("body")
	d.body.rect = geom.Rect{Width: viewport.Width, Height: viewport.Height}
	return d
}

func (d *Document) newNode(tag string) *Node {
	return &Node{
		doc:   d,
		tag:   strings.ToLower(strings.TrimSpace(tag)),
		attrs: map[string]string{},
		style: map[string]string{},
	}
}

// Body returns the root element.
func (d *Document) Body() *Node {
	return d.body
}

// Viewport returns the current viewport size.
func (d *Document) Viewport() geom.Size {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.viewport
}

// SetViewport resizes the viewport and the body rectangle with it.
func (d *Document) SetViewport(size geom.Size) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.viewport = size
	d.body.rect = geom.Rect{Width: size.Width, Height: size.Height}
}

// CreateElement returns a detached element owned by d.
func (d *Document) CreateElement(tag string) *Node {
	return d.newNode(tag)
}

// ElementsFromPoint returns every rendered element whose rectangle contains p,
// topmost first. Later siblings and descendants paint above earlier ones;
// a numeric z-index lifts an element over auto-positioned ones.
func (d *Document) ElementsFromPoint(p geom.Point) []*Node {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var painted []*Node
	var walk func(n *Node)
	walk = func(n *Node) {
		if n.styleLocked("display") == "none" {
			return
		}
		painted = append(painted, n)
		for _, child := range n.children {
			walk(child)
		}
	}
	walk(d.body)

	hits := make([]*Node, 0, len(painted))
	for i := len(painted) - 1; i >= 0; i-- {
		if painted[i].rect.Contains(p) {
			hits = append(hits, painted[i])
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].zIndexLocked() > hits[j].zIndexLocked()
	})
	return hits
}

// QueryAttr returns the first connected element, in document order, whose
// attribute name equals value.
func (d *Document) QueryAttr(name, value string) *Node {
	found := d.QueryAllAttr(name, value)
	if len(found) == 0 {
		return nil
	}
	return found[0]
}

// QueryAllAttr returns every connected element whose attribute name equals value.
func (d *Document) QueryAllAttr(name, value string) []*Node {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*Node
	var walk func(n *Node)
	walk = func(n *Node) {
		if got, ok := n.attrs[name]; ok && got == value {
			out = append(out, n)
		}
		for _, child := range n.children {
			walk(child)
		}
	}
	walk(d.body)
	return out
}

// Tag returns the lower-cased element name.
func (n *Node) Tag() string {
	return n.tag
}

// Document returns the owning document.
func (n *Node) Document() *Document {
	return n.doc
}

// AppendChild moves child under n, detaching it from any previous parent.
func (n *Node) AppendChild(child *Node) {
	if child == nil || child == n || child.doc != n.doc {
		return
	}
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	child.detachLocked()
	child.parent = n
	n.children = append(n.children, child)
}

// Remove detaches n from its parent. The subtree stays intact but is no
// longer connected.
func (n *Node) Remove() {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	n.detachLocked()
}

func (n *Node) detachLocked() {
	if n.parent == nil {
		return
	}
	siblings := n.parent.children
	for i, sibling := range siblings {
		if sibling == n {
			n.parent.children = append(siblings[:i:i], siblings[i+1:]...)
			break
		}
	}
	n.parent = nil
}

// IsConnected reports whether n is reachable from the document body.
func (n *Node) IsConnected() bool {
	if n == nil {
		return false
	}
	n.doc.mu.RLock()
	defer n.doc.mu.RUnlock()
	return n.connectedLocked()
}

func (n *Node) connectedLocked() bool {
	for cur := n; cur != nil; cur = cur.parent {
		if cur == n.doc.body {
			return true
		}
	}
	return false
}

// Parent returns the parent element or nil.
func (n *Node) Parent() *Node {
	n.doc.mu.RLock()
	defer n.doc.mu.RUnlock()
	return n.parent
}

// Children returns a copy of the child list.
func (n *Node) Children() []*Node {
	n.doc.mu.RLock()
	defer n.doc.mu.RUnlock()
	return append([]*Node(nil), n.children...)
}

// Attr returns an attribute value.
func (n *Node) Attr(name string) (string, bool) {
	n.doc.mu.RLock()
	defer n.doc.mu.RUnlock()
	value, ok := n.attrs[name]
	return value, ok
}

// SetAttr sets an attribute value.
func (n *Node) SetAttr(name, value string) {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	n.attrs[name] = value
}

// RemoveAttr deletes an attribute.
func (n *Node) RemoveAttr(name string) {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	delete(n.attrs, name)
}

// Closest returns n or its nearest ancestor carrying attribute name.
func (n *Node) Closest(name string) *Node {
	n.doc.mu.RLock()
	defer n.doc.mu.RUnlock()
	for cur := n; cur != nil; cur = cur.parent {
		if _, ok := cur.attrs[name]; ok {
			return cur
		}
	}
	return nil
}

// SetStyle sets one inline style property. An empty value clears it.
func (n *Node) SetStyle(property, value string) {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	property = strings.ToLower(strings.TrimSpace(property))
	if value = strings.TrimSpace(value); value == "" {
		delete(n.style, property)
		return
	}
	n.style[property] = value
}

// ComputedStyle resolves a style property the way getComputedStyle would for
// the handful of properties hit-testing cares about.
func (n *Node) ComputedStyle(property string) string {
	n.doc.mu.RLock()
	defer n.doc.mu.RUnlock()
	return n.styleLocked(strings.ToLower(strings.TrimSpace(property)))
}

func (n *Node) styleLocked(property string) string {
	if value, ok := n.style[property]; ok {
		return value
	}
	if _, inherited := inheritedStyles[property]; inherited && n.parent != nil {
		return n.parent.styleLocked(property)
	}
	return styleDefaults[property]
}

func (n *Node) zIndexLocked() int {
	z, err := strconv.Atoi(n.styleLocked("z-index"))
	if err != nil {
		return 0
	}
	return z
}

// BoundingClientRect returns the element's viewport rectangle. Detached
// elements report an empty rectangle.
func (n *Node) BoundingClientRect() geom.Rect {
	n.doc.mu.RLock()
	defer n.doc.mu.RUnlock()
	if !n.connectedLocked() {
		return geom.Rect{}
	}
	return n.rect
}

// SetRect sets the layout rectangle.
func (n *Node) SetRect(rect geom.Rect) {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	n.rect = rect
}

// ScrollBy shifts every element rectangle by the inverse of the scroll delta,
// as a page scroll would. The body stays fixed to the viewport.
func (d *Document) ScrollBy(dx, dy float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var walk func(n *Node)
	walk = func(n *Node) {
		for _, child := range n.children {
			child.rect = child.rect.Translate(-dx, -dy)
			walk(child)
		}
	}
	walk(d.body)
}
