package rconn

import (
	"github.com/onkernel/rconn/internal/ofp"
	"github.com/onkernel/rconn/internal/vconn"
)

// maxMonitors bounds the monitor set, per spec.md §4.9.
const maxMonitors = 8

// monitorSet is the bounded set of auxiliary transports that receive a
// clone of every message sent or received on the primary transport.
// Monitors never influence primary-transport state: a monitor write
// failure only costs the monitor itself its slot.
type monitorSet struct {
	transports []vconn.Transport
}

// add appends t to the set. If the set is already at capacity, t is
// closed immediately instead of being added, per spec.md §4.9.
func (m *monitorSet) add(t vconn.Transport) {
	if len(m.transports) >= maxMonitors {
		_ = t.Close()
		return
	}
	m.transports = append(m.transports, t)
}

// len reports how many monitors are currently registered.
func (m *monitorSet) len() int {
	return len(m.transports)
}

// forward clones buf once per monitor (each monitor needs its own owned
// copy) and sends it best-effort. A monitor whose Send returns any
// non-transient error is closed and removed by swap-with-last.
func (m *monitorSet) forward(buf *ofp.Buf) {
	if len(m.transports) == 0 {
		return
	}
	i := 0
	for i < len(m.transports) {
		t := m.transports[i]
		clone := buf.Clone()
		err := t.Send(clone)
		if err != nil && err != vconn.ErrTryAgain {
			_ = t.Close()
			last := len(m.transports) - 1
			m.transports[i] = m.transports[last]
			m.transports = m.transports[:last]
			continue
		}
		i++
	}
}

// closeAll closes every monitor and empties the set. Called from
// destroy().
func (m *monitorSet) closeAll() {
	for _, t := range m.transports {
		_ = t.Close()
	}
	m.transports = nil
}
