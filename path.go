package ds2480

import (
	"fmt"
	"strings"
)

// PathElement is one hop through a DS2409 coupler: the coupler's ROM
// address and which of its two channels (A=0, B=1) to route through.
type PathElement struct {
	Switch  RomAddress
	Channel int
}

// OwPath names a route through a tree of DS2409 couplers to reach a
// remote sub-bus. Identity is value-based: two paths with the same
// adapter, port and element list compare equal via String.
type OwPath struct {
	adapter string
	port    string
	elems   []PathElement
}

// NewPath builds a path rooted at the given adapter/port identity.
func NewPath(adapter, port string) OwPath {
	return OwPath{adapter: adapter, port: port}
}

// Extend returns a new path with one more coupler hop appended; the
// receiver is left unmodified.
func (p OwPath) Extend(sw RomAddress, channel int) OwPath {
	elems := make([]PathElement, len(p.elems), len(p.elems)+1)
	copy(elems, p.elems)
	elems = append(elems, PathElement{Switch: sw, Channel: channel})
	return OwPath{adapter: p.adapter, port: p.port, elems: elems}
}

// String renders the path as "<adapter>_<port>/<sw>_<chan>/...", the
// form used for equality and hashing.
func (p OwPath) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s_%s", p.adapter, p.port)
	for _, e := range p.elems {
		fmt.Fprintf(&b, "/%s_%d", e.Switch, e.Channel)
	}
	return b.String()
}

// IsParentOf reports whether p is a strict prefix of other: same
// adapter/port and every element of p matches the start of other's
// elements, with other strictly longer. A path is never its own
// parent.
func (p OwPath) IsParentOf(other OwPath) bool {
	if p.adapter != other.adapter || p.port != other.port {
		return false
	}
	if len(p.elems) >= len(other.elems) {
		return false
	}
	for i, e := range p.elems {
		if e != other.elems[i] {
			return false
		}
	}
	return true
}

// CommonParent returns the longest common prefix of a and b. It fails
// with InvalidArgument if a and b are tied to different adapters.
func CommonParent(a, b OwPath) (OwPath, error) {
	if a.adapter != b.adapter || a.port != b.port {
		return OwPath{}, &Error{
			Kind: InvalidArgument,
			Port: a.port,
			Err:  fmt.Errorf("ds2480: paths belong to different adapters: %s vs %s", a.adapter, b.adapter),
		}
	}
	n := len(a.elems)
	if len(b.elems) < n {
		n = len(b.elems)
	}
	i := 0
	for i < n && a.elems[i] == b.elems[i] {
		i++
	}
	elems := make([]PathElement, i)
	copy(elems, a.elems[:i])
	return OwPath{adapter: a.adapter, port: a.port, elems: elems}, nil
}

const (
	cmdPIOAccessRead  = 0xF5
	cmdPIOAccessWrite = 0x5A
	channelA          = 0
	channelB          = 1
)

// PathManager opens and closes OwPath routes by driving each DS2409
// coupler's PIO latch through OwOps.
type PathManager struct {
	ops *OwOps
}

func newPathManager(ops *OwOps) *PathManager {
	return &PathManager{ops: ops}
}

// Open walks path's elements in order: for each hop it selects the
// switch, reads its current state, sets the target channel's latch ON,
// writes it back, and proceeds. An empty path issues a bare reset.
func (m *PathManager) Open(path OwPath) error {
	if len(path.elems) == 0 {
		_, err := m.ops.Reset()
		return err
	}
	for _, e := range path.elems {
		if err := m.setLatch(e.Switch, e.Channel, true); err != nil {
			return err
		}
	}
	return nil
}

// Close walks path's elements in reverse, setting each latch OFF.
func (m *PathManager) Close(path OwPath) error {
	for i := len(path.elems) - 1; i >= 0; i-- {
		e := path.elems[i]
		if err := m.setLatch(e.Switch, e.Channel, false); err != nil {
			return err
		}
	}
	return nil
}

func (m *PathManager) setLatch(sw RomAddress, channel int, on bool) error {
	if err := m.ops.AssertSelect(sw); err != nil {
		return err
	}
	if err := m.ops.PutByte(cmdPIOAccessRead); err != nil {
		return err
	}
	state, err := m.ops.GetByte()
	if err != nil {
		return err
	}

	mask := byte(1 << uint(channel))
	if on {
		state |= mask
	} else {
		state &^= mask
	}

	if err := m.ops.AssertSelect(sw); err != nil {
		return err
	}
	if err := m.ops.PutByte(cmdPIOAccessWrite); err != nil {
		return err
	}
	return m.ops.PutByte(state)
}
