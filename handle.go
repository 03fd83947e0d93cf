package ds2480

import (
	"context"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/onewire"
)

var (
	openPortsMu sync.Mutex
	openPorts   = map[string]bool{}
)

// Handle is an open connection to one DS9097U/DS2480B adapter. It wires
// together SerialLink, Framer, AdapterState, OwOps, SearchEngine,
// PathManager and Registry, and implements
// periph.io/x/conn/v3/onewire.BusCloser so it can be handed directly to
// device drivers written against that interface.
type Handle struct {
	lock *ExclusiveLock

	link   wireLink
	framer *Framer
	state  *AdapterState
	ops    *OwOps
	paths  *PathManager

	registry   *Registry
	containers *containerCache

	config Config
	caps   Capabilities
	name   string

	// lastFound/lastFoundOk hold the result of the most recent
	// SearchFirst/SearchNext call, for GetAddress.
	lastFound   RomAddress
	lastFoundOk bool
}

// Open opens portName, performs the master-reset handshake and verify,
// and returns a ready Handle. Opening the same port name twice within
// one process fails with InvalidArgument. ctx bounds the initial
// handshake only; DS2480B primitives are bounded-latency byte
// round-trips, not long-lived streams, so no other operation accepts a
// context.
func Open(ctx context.Context, portName string, cfg *Config) (*Handle, error) {
	if cfg == nil {
		c := DefaultConfig
		cfg = &c
	}

	openPortsMu.Lock()
	if openPorts[portName] {
		openPortsMu.Unlock()
		return nil, newErr(InvalidArgument, portName, fmt.Errorf("port %q is already open", portName))
	}
	openPorts[portName] = true
	openPortsMu.Unlock()

	h, err := openLocked(ctx, portName, cfg)
	if err != nil {
		openPortsMu.Lock()
		delete(openPorts, portName)
		openPortsMu.Unlock()
		return nil, err
	}
	return h, nil
}

func openLocked(ctx context.Context, portName string, cfg *Config) (*Handle, error) {
	link, err := openSerial(portName, cfg.OpenTimeout, cfg.BytebangRead)
	if err != nil {
		return nil, err
	}

	framer := newFramer()
	state := newAdapterState()
	ops := newOwOps(link, framer, state)

	h := &Handle{
		lock:       newExclusiveLock(),
		link:       link,
		framer:     framer,
		state:      state,
		ops:        ops,
		paths:      newPathManager(ops),
		registry:   newRegistry(),
		containers: newContainerCache(),
		config:     *cfg,
		name:       portName,
	}

	if err := h.masterResetAndVerify(ctx); err != nil {
		link.Close()
		return nil, err
	}
	h.caps = capabilitiesForRevision(state.revisionByte)
	return h, nil
}

const maxHandshakeAttempts = 3

// masterResetAndVerify runs the §4.1 handshake: BREAK, flush, timing
// byte, then configure Regular-speed parameters and confirm the
// adapter answers sanely. Two retries are attempted before escalating
// to a power reset.
func (h *Handle) masterResetAndVerify(ctx context.Context) error {
	for attempt := 0; attempt < maxHandshakeAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return newErr(Io, h.name, err)
		}
		if err := h.masterReset(); err != nil {
			continue
		}
		if err := h.verify(); err != nil {
			continue
		}
		h.state.needsVerify = false
		return nil
	}

	if err := h.link.PowerReset(); err != nil {
		return err
	}
	if err := h.masterReset(); err != nil {
		return err
	}
	if err := h.verify(); err != nil {
		return err
	}
	h.state.needsVerify = false
	return nil
}

func (h *Handle) masterReset() error {
	if err := h.link.SendBreak(); err != nil {
		return err
	}
	if err := h.link.Flush(); err != nil {
		return err
	}
	if err := h.link.Write([]byte{timingByte}); err != nil {
		return err
	}
	h.framer.mode = modeCommand
	return nil
}

// verify configures the Regular speed parameter group, reads the baud
// parameter back, and issues one bit-I/O that should read 1, confirming
// the adapter is alive and synchronized at the expected speed.
func (h *Handle) verify() error {
	params := h.state.paramTable[Regular]
	pb := newPacketBuilder(h.framer)
	offSlew := pb.AddSetParam(paramSlew, params.slew)
	offWrite1 := pb.AddSetParam(paramWrite1Low, params.write1Low)
	offSample := pb.AddSetParam(paramSampleOffset, params.sampleOffset)

	code, ok := baudCode(h.link.Baud())
	if !ok {
		return newErr(InvalidArgument, h.name, fmt.Errorf("unsupported baud %d", h.link.Baud()))
	}
	offBaud := pb.AddReadParam(paramBaud)
	offBit := pb.AddBitIO(Regular, false, true)

	reply, err := pb.Execute(h.link)
	if err != nil {
		return err
	}

	for _, off := range []int{offSlew, offWrite1, offSample} {
		if _, _, ok := decodeParamReply(reply[off]); !ok {
			return newErr(ProtocolEcho, h.name, fmt.Errorf("malformed set-param reply %#x", reply[off]))
		}
	}

	p, v, ok := decodeParamReply(reply[offBaud])
	if !ok || p != paramBaud || v != code {
		return newErr(ProtocolEcho, h.name, fmt.Errorf("baud verify mismatch: reply %#x", reply[offBaud]))
	}

	bit, speed, ok := decodeBitIOReply(reply[offBit])
	if !ok || !bit || speed != Regular || reply[offBit]&0xF0 != 0x9<<4 {
		return newErr(ProtocolEcho, h.name, fmt.Errorf("bit-io verify mismatch: reply %#x", reply[offBit]))
	}

	h.state.revisionByte = reply[offBit]
	return nil
}

// Close releases the serial port and allows the port name to be
// reopened.
func (h *Handle) Close() error {
	err := h.link.Close()
	openPortsMu.Lock()
	delete(openPorts, h.name)
	openPortsMu.Unlock()
	return err
}

// String implements conn.Resource.
func (h *Handle) String() string {
	return fmt.Sprintf("DS2480B{%s}", h.name)
}

// Halt implements conn.Resource. A DS2480B has no pending asynchronous
// operation to cancel.
func (h *Handle) Halt() error {
	return nil
}

// Tx implements onewire.Bus: it resets the bus, writes w (driving
// strong pullup on the final byte if power requests it and there is
// nothing to read), then reads len(r) bytes, driving strong pullup on
// the final read byte if requested.
func (h *Handle) Tx(w, r []byte, power onewire.Pullup) error {
	tok := h.lock.Lock()
	defer h.lock.Unlock(tok)

	if err := h.maybeRecover(); err != nil {
		return err
	}

	return h.withRecovery(func() error { return h.txOnce(w, r, power) })
}

func (h *Handle) txOnce(w, r []byte, power onewire.Pullup) error {
	result, err := h.ops.Reset()
	if err != nil {
		h.state.needsVerify = true
		return err
	}
	if result != Presence && result != Alarm {
		return newErr(NoPresence, h.name, fmt.Errorf("no device present"))
	}

	for i, b := range w {
		if power == onewire.StrongPullup && i == len(w)-1 && len(r) == 0 {
			if err := h.ops.StartPowerDelivery(ArmAfterNextByte); err != nil {
				return err
			}
		}
		if err := h.ops.PutByte(b); err != nil {
			return err
		}
	}

	for i := range r {
		if power == onewire.StrongPullup && i == len(r)-1 {
			if err := h.ops.StartPowerDelivery(ArmAfterNextByte); err != nil {
				return err
			}
		}
		b, err := h.ops.GetByte()
		if err != nil {
			return err
		}
		r[i] = b
	}

	if power == onewire.StrongPullup {
		return nil
	}
	return h.ops.SetPowerNormal()
}

// Search implements onewire.Bus by draining SearchEngine.next until the
// bus is exhausted, discovering containers via Registry as it goes.
func (h *Handle) Search(alarmOnly bool) ([]onewire.Address, error) {
	tok := h.lock.Lock()
	defer h.lock.Unlock(tok)

	if err := h.maybeRecover(); err != nil {
		return nil, err
	}

	var out []onewire.Address
	err := h.withRecovery(func() error {
		var serr error
		out, serr = h.searchAllOnce(alarmOnly)
		return serr
	})
	return out, err
}

func (h *Handle) searchAllOnce(alarmOnly bool) ([]onewire.Address, error) {
	h.state.cursor.reset()
	prevAlarming := h.state.onlyAlarming
	h.state.onlyAlarming = alarmOnly
	defer func() { h.state.onlyAlarming = prevAlarming }()

	var out []onewire.Address
	for {
		rom, ok, err := h.ops.search.next(h.state)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		h.discoverContainer(rom)
		out = append(out, rom.Long())
		if h.state.cursor.done {
			return out, nil
		}
	}
}

// SearchFirst begins a new incremental enumeration pass honoring the
// persistent filters (TargetFamily/ExcludeFamily/SetSearchOnlyAlarming/
// SetNoResetSearch) and returns whether a first device was found. Use
// GetAddress to retrieve it.
func (h *Handle) SearchFirst() (bool, error) {
	tok := h.lock.Lock()
	defer h.lock.Unlock(tok)

	if err := h.maybeRecover(); err != nil {
		return false, err
	}
	h.state.cursor.reset()
	if len(h.state.includeFamilies) == 1 {
		for family := range h.state.includeFamilies {
			h.ops.search.seedTargetedFamily(h.state, family)
		}
	}

	var found bool
	err := h.withRecovery(func() error {
		var serr error
		found, serr = h.searchStepOnce()
		return serr
	})
	return found, err
}

// SearchNext continues the enumeration pass SearchFirst began, applying
// the same persistent filters, and returns whether another device was
// found.
func (h *Handle) SearchNext() (bool, error) {
	tok := h.lock.Lock()
	defer h.lock.Unlock(tok)

	if err := h.maybeRecover(); err != nil {
		return false, err
	}
	if h.state.cursor.done {
		h.lastFoundOk = false
		return false, nil
	}

	var found bool
	err := h.withRecovery(func() error {
		var serr error
		found, serr = h.searchStepOnce()
		return serr
	})
	return found, err
}

func (h *Handle) searchStepOnce() (bool, error) {
	rom, ok, err := h.ops.search.next(h.state)
	if err != nil {
		h.lastFoundOk = false
		return false, err
	}
	if !ok {
		h.lastFoundOk = false
		return false, nil
	}
	h.discoverContainer(rom)
	h.lastFound = rom
	h.lastFoundOk = true
	return true, nil
}

// GetAddress returns the address found by the most recent SearchFirst
// or SearchNext call that returned true.
func (h *Handle) GetAddress() (RomAddress, bool) {
	return h.lastFound, h.lastFoundOk
}

// TargetFamily restricts SearchFirst/SearchNext to rom family f,
// seeding the search cursor to jump directly into that subtree on the
// next SearchFirst call (§4.4).
func (h *Handle) TargetFamily(family byte) {
	tok := h.lock.Lock()
	defer h.lock.Unlock(tok)
	h.state.includeFamilies = map[byte]bool{family: true}
}

// ExcludeFamily adds family to the set SearchFirst/SearchNext skips.
func (h *Handle) ExcludeFamily(family byte) {
	tok := h.lock.Lock()
	defer h.lock.Unlock(tok)
	h.state.excludeFamilies[family] = true
}

// TargetAll clears any family include filter set by TargetFamily, so
// enumeration matches every family again.
func (h *Handle) TargetAll() {
	tok := h.lock.Lock()
	defer h.lock.Unlock(tok)
	h.state.includeFamilies = map[byte]bool{}
}

// SetSearchOnlyAlarming restricts SearchFirst/SearchNext to alarming
// devices (the 0xEC search command) when on is true.
func (h *Handle) SetSearchOnlyAlarming(on bool) {
	tok := h.lock.Lock()
	defer h.lock.Unlock(tok)
	h.state.onlyAlarming = on
}

// SetSearchAll clears every family filter and the alarm-only
// restriction, matching every device on the bus.
func (h *Handle) SetSearchAll() {
	tok := h.lock.Lock()
	defer h.lock.Unlock(tok)
	h.state.includeFamilies = map[byte]bool{}
	h.state.excludeFamilies = map[byte]bool{}
	h.state.onlyAlarming = false
}

// SetNoResetSearch skips the leading 1-Wire reset SearchFirst/
// SearchNext normally issues before each pass, for callers chaining a
// search directly after an operation that already confirmed presence.
func (h *Handle) SetNoResetSearch(on bool) {
	tok := h.lock.Lock()
	defer h.lock.Unlock(tok)
	h.state.skipResetOnSearch = on
}

// BeginExclusive acquires the adapter's ExclusiveLock and returns a
// Token to pass to EndExclusive. Independent callers composing a
// multi-step transaction against Ops() (e.g. reset, select, convert,
// strong-pullup, delay, read scratchpad, per §4.6) must bracket the
// whole sequence in BeginExclusive/EndExclusive so it runs atomically
// against concurrent Tx/Search calls and other callers' transactions.
// BeginExclusive is not re-entrant: before the matching EndExclusive, a
// second BeginExclusive blocks, even on the same goroutine, and so do
// Tx, Search, SearchFirst and SearchNext, which take the same lock.
func (h *Handle) BeginExclusive() Token {
	return h.lock.Lock()
}

// EndExclusive releases a Token obtained from BeginExclusive (or
// LockWith against it).
func (h *Handle) EndExclusive(tok Token) {
	h.lock.Unlock(tok)
}

// withRecovery runs op once. If op fails with a transient Io or
// ProtocolEcho error, it silently re-verifies the adapter and retries
// op exactly once before surfacing the second failure; a non-transient
// error (NoPresence, BusShort, Crc, NotSupported, InvalidArgument) is
// returned immediately without retrying (§7 propagation policy). The
// caller must already hold h.lock.
func (h *Handle) withRecovery(op func() error) error {
	err := op()
	if !isTransient(err) {
		return err
	}
	h.state.needsVerify = true
	if verr := h.masterResetAndVerify(context.Background()); verr != nil {
		if rerr := h.reopen(); rerr != nil {
			return rerr
		}
	}
	return op()
}

func isTransient(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Kind == Io || e.Kind == ProtocolEcho
}

// reopen closes and reopens the serial port after a verify failure
// survives one retry, per §7's AdapterLost condition ("repeated verify
// failure; the port is closed and reopened before any further use").
// OwOps/SearchEngine are rewired onto the new link in place so
// PathManager and any caller-held *OwOps pointer from Ops() stay valid.
func (h *Handle) reopen() error {
	h.link.Close()
	link, err := openSerial(h.name, h.config.OpenTimeout, h.config.BytebangRead)
	if err != nil {
		return newErr(AdapterLost, h.name, fmt.Errorf("reopen: %w", err))
	}
	h.link = link
	h.ops.setLink(link)

	if err := h.masterResetAndVerify(context.Background()); err != nil {
		return newErr(AdapterLost, h.name, fmt.Errorf("reopen verify: %w", err))
	}
	h.caps = capabilitiesForRevision(h.state.revisionByte)
	h.state.needsVerify = false
	return nil
}

func (h *Handle) discoverContainer(rom RomAddress) {
	if _, ok := h.containers.get(rom); ok {
		return
	}
	factory, ok := h.registry.lookup(rom.Family())
	if !ok {
		return
	}
	if c, err := factory(h, rom); err == nil {
		h.containers.put(rom, c)
	}
}

// maybeRecover re-runs the master-reset handshake if a previous
// operation timed out, recovering from transient USB/serial glitches
// without requiring an explicit reopen.
func (h *Handle) maybeRecover() error {
	if !h.state.needsVerify {
		return nil
	}
	return h.masterResetAndVerify(context.Background())
}

// Ops exposes the OwOps primitive surface directly, for callers (e.g.
// PathManager consumers) that need more than onewire.Bus's Tx/Search.
// OwOps methods take no lock themselves: a caller issuing more than one
// primitive as a logical unit must bracket the whole sequence with
// BeginExclusive/EndExclusive, or it has zero mutual exclusion against
// a concurrent Tx/Search/SearchFirst call reusing the same adapter.
func (h *Handle) Ops() *OwOps {
	return h.ops
}

// Paths exposes the PathManager for this adapter.
func (h *Handle) Paths() *PathManager {
	return h.paths
}

// Registry exposes the family->factory registry for this adapter.
func (h *Handle) Registry() *Registry {
	return h.registry
}

// Capabilities reports what this adapter revision supports.
func (h *Handle) Capabilities() Capabilities {
	return h.caps
}

// NewPath builds an empty OwPath rooted at this handle's identity.
func (h *Handle) NewPath() OwPath {
	return NewPath("ds2480", h.name)
}
