// Package selection turns a copied element selection into an "open session"
// signal: it parses the clipboard payload, finds the element under the last
// pointer position, marks it highlighted, and derives the source file.
package selection

import (
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/shipflow/overlay/internal/dom"
	"github.com/shipflow/overlay/internal/geom"
)

const (
	// HighlightAttr marks the single highlighted element.
	HighlightAttr = "data-react-grab-chat-highlighted"
	// SelectionIDAttr correlates an element with the selection that captured it.
	SelectionIDAttr = "data-react-grab-selection-id"
	// ChromeAttr marks the overlay's own elements, which are never selectable.
	ChromeAttr = "data-react-grab"
)

// Selection is the detail of one open signal.
type Selection struct {
	ID            string
	HTMLFrame     string
	CodeLocation  string
	FilePath      string
	ClipboardData string
	Pointer       *geom.Point
	BoundingRect  *geom.Rect
	Element       *dom.Node
}

// Option configures a Capture.
type Option func(*Capture)

// WithProjectRoot sets the root used to relativize derived file paths.
func WithProjectRoot(root string) Option {
	return func(c *Capture) {
		c.root = root
	}
}

// WithLogger routes capture diagnostics to logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Capture) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithIDGenerator overrides selection id generation.
func WithIDGenerator(fn func() string) Option {
	return func(c *Capture) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// Capture tracks the pointer and reacts to copied selections.
type Capture struct {
	doc    *dom.Document
	root   string
	logger *log.Logger
	newID  func() string

	mu          sync.Mutex
	lastPointer *geom.Point
	handlers    []func(Selection)
}

// NewCapture binds a capture to doc.
func NewCapture(doc *dom.Document, opts ...Option) *Capture {
	c := &Capture{
		doc:    doc,
		logger: log.Default(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = c.logger.With("component", "selection")
	return c
}

// OnOpen registers fn to receive every open signal.
func (c *Capture) OnOpen(fn func(Selection)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// PointerUp records the last pointer release position.
func (c *Capture) PointerUp(p geom.Point) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPointer = &p
}

// HandleClipboard inspects copied text. Text that is not a selection payload
// is ignored and reported as false. The recorded pointer is consumed.
func (c *Capture) HandleClipboard(text string) (Selection, bool) {
	payload, ok := Parse(text)
	if !ok {
		return Selection{}, false
	}

	c.mu.Lock()
	pointer := c.lastPointer
	c.lastPointer = nil
	handlers := slices.Clone(c.handlers)
	c.mu.Unlock()

	sel := Selection{
		HTMLFrame:     payload.HTMLFrame,
		CodeLocation:  payload.CodeLocation,
		FilePath:      DeriveFilePath(payload.CodeLocation, c.root),
		ClipboardData: text,
		Pointer:       pointer,
	}

	var element *dom.Node
	if pointer != nil {
		element = FindElementAtPoint(c.doc, *pointer)
	}
	if element == nil {
		element = Highlighted(c.doc)
	}
	if element != nil {
		ApplyHighlight(c.doc, element)
		id, ok := element.Attr(SelectionIDAttr)
		if !ok || id == "" {
			id = c.newID()
			element.SetAttr(SelectionIDAttr, id)
		}
		rect := element.BoundingClientRect()
		sel.ID = id
		sel.Element = element
		sel.BoundingRect = &rect
	} else {
		c.logger.Warn("no element resolved for selection", "pointer", pointer != nil)
	}

	c.logger.Debug("selection captured", "selection_id", sel.ID, "file", sel.FilePath)
	for _, handler := range handlers {
		handler(sel)
	}
	return sel, true
}

// FindElementAtPoint returns the topmost visible, pointer-enabled element at
// p that is not part of the overlay chrome.
func FindElementAtPoint(doc *dom.Document, p geom.Point) *dom.Node {
	for _, element := range doc.ElementsFromPoint(p) {
		if element.Closest(ChromeAttr) != nil {
			continue
		}
		if !interactive(element) {
			continue
		}
		return element
	}
	return nil
}

func interactive(element *dom.Node) bool {
	if element.ComputedStyle("pointer-events") == "none" {
		return false
	}
	if element.ComputedStyle("visibility") == "hidden" {
		return false
	}
	if element.ComputedStyle("display") == "none" {
		return false
	}
	if opacity, err := strconv.ParseFloat(strings.TrimSpace(element.ComputedStyle("opacity")), 64); err == nil && opacity == 0 {
		return false
	}
	return true
}

// Highlighted returns the element currently carrying the highlight marker.
func Highlighted(doc *dom.Document) *dom.Node {
	return doc.QueryAttr(HighlightAttr, "true")
}

// ApplyHighlight moves the highlight marker to element.
func ApplyHighlight(doc *dom.Document, element *dom.Node) {
	if element == nil {
		return
	}
	for _, previous := range doc.QueryAllAttr(HighlightAttr, "true") {
		if previous != element {
			previous.RemoveAttr(HighlightAttr)
		}
	}
	element.SetAttr(HighlightAttr, "true")
}

// ClearHighlight removes the highlight marker from the document.
func ClearHighlight(doc *dom.Document) {
	for _, previous := range doc.QueryAllAttr(HighlightAttr, "true") {
		previous.RemoveAttr(HighlightAttr)
	}
}
