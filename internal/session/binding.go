package session

import (
	"weak"

	"github.com/shipflow/overlay/internal/dom"
	"github.com/shipflow/overlay/internal/geom"
	"github.com/shipflow/overlay/internal/placement"
	"github.com/shipflow/overlay/internal/selection"
)

// bind points e at element and tags the element with the session id.
func (m *Manager) bind(e *entry, element *dom.Node) {
	e.ref = weak.Make(element)
	element.SetAttr(ChatIDAttr, e.ID)
	if e.SelectionID != "" {
		element.SetAttr(selection.SelectionIDAttr, e.SelectionID)
	}
}

// liveElementLocked returns the bound element only if it is still held and
// attached.
func (m *Manager) liveElementLocked(e *entry) *dom.Node {
	if element := e.ref.Value(); element != nil && element.IsConnected() {
		return element
	}
	return nil
}

// resolveLocked finds e's element: the weak reference if still attached,
// else a query by selection id, else a query by session id. A hit re-binds
// the session.
func (m *Manager) resolveLocked(e *entry) *dom.Node {
	if element := m.liveElementLocked(e); element != nil {
		return element
	}
	if m.doc == nil {
		return nil
	}
	var element *dom.Node
	if e.SelectionID != "" {
		element = m.doc.QueryAttr(selection.SelectionIDAttr, e.SelectionID)
	}
	if element == nil {
		element = m.doc.QueryAttr(ChatIDAttr, e.ID)
	}
	if element == nil {
		return nil
	}
	m.bind(e, element)
	return element
}

// anchorLocked returns the live element's rect, refreshing the cache, or the
// cached rect when the element cannot be resolved.
func (m *Manager) anchorLocked(e *entry) (geom.Rect, bool) {
	if element := m.resolveLocked(e); element != nil {
		rect := element.BoundingClientRect()
		e.Rect = &rect
		return rect, true
	}
	if e.Rect != nil {
		return *e.Rect, true
	}
	return geom.Rect{}, false
}

// RefreshRect re-reads session id's element rect into its cache and returns
// the rect to anchor to. ok is false when neither a live element nor a cached
// rect exists.
func (m *Manager) RefreshRect(id string) (geom.Rect, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, found := m.sessions[id]
	if !found {
		return geom.Rect{}, false
	}
	return m.anchorLocked(e)
}

// Element returns session id's bound element if it can still be resolved.
func (m *Manager) Element(id string) *dom.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil
	}
	return m.resolveLocked(e)
}

// Place positions a popover of size popover for session id. Without an
// anchor rect the popover is placed by the pointer or centered.
func (m *Manager) Place(id string, popover geom.Size, pointer *geom.Point) placement.Result {
	viewport := geom.Size{}
	if m.doc != nil {
		viewport = m.doc.Viewport()
	}
	input := placement.Input{Popover: popover, Pointer: pointer, Viewport: viewport}
	if rect, ok := m.RefreshRect(id); ok {
		input.Anchor = &rect
	}
	return placement.Place(input)
}

// Indicators lists the submitting sessions other than the active one, each
// positioned just above the center of its element.
func (m *Manager) Indicators() []Indicator {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Indicator
	for _, id := range m.order {
		e := m.sessions[id]
		if e.Status != StatusSubmitting || id == m.active {
			continue
		}
		rect, ok := m.anchorLocked(e)
		if !ok {
			continue
		}
		label := e.StatusLabel
		if label == "" {
			label = m.label(e.Phase)
		}
		out = append(out, Indicator{
			ID:    id,
			Label: label,
			Top:   rect.Top - indicatorOffset,
			Left:  rect.Left + rect.Width/2,
		})
	}
	return out
}
