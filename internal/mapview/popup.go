package mapview

import "github.com/paulmach/orb"

// MemoryPopup is a popup attached to a Memory map.
type MemoryPopup struct {
	name string
	m    *Memory

	lngLat orb.Point
	html   string
	open   bool
}

var _ Popup = (*MemoryPopup)(nil)

type popupState struct {
	LngLat orb.Point `json:"lngLat"`
	HTML   string    `json:"html"`
}

func (p *MemoryPopup) state() popupState {
	return popupState{LngLat: p.lngLat, HTML: p.html}
}

// NewPopup returns the named popup, creating it on first use.
func (m *Memory) NewPopup(name string) *MemoryPopup {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.popups[name]; ok {
		return p
	}
	p := &MemoryPopup{name: name, m: m}
	m.popups[name] = p
	return p
}

func (p *MemoryPopup) SetLngLat(ll orb.Point) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	p.lngLat = ll
	if p.open {
		p.m.emit(OpPopup, p.name, "", p.state())
	}
}

func (p *MemoryPopup) SetHTML(html string) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	p.html = html
	if p.open {
		p.m.emit(OpPopup, p.name, "", p.state())
	}
}

func (p *MemoryPopup) Open() {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	p.open = true
	p.m.emit(OpPopup, p.name, "", p.state())
}

func (p *MemoryPopup) Remove() {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if !p.open {
		return
	}
	p.open = false
	p.m.emit(OpPopupRemove, p.name, "", nil)
}

func (p *MemoryPopup) IsOpen() bool {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	return p.open
}

func (p *MemoryPopup) HTML() string {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	return p.html
}

// LngLat returns the popup anchor.
func (p *MemoryPopup) LngLat() orb.Point {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	return p.lngLat
}
