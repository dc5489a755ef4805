// Package trace implements a synchronous, allocation-free decoder for ARM
// CPU instruction-trace byte streams: ETM v3.5 (variable-length,
// byte-oriented) and MTB (fixed 8-byte records). A Decoder holds all state
// for one trace stream; nothing is shared across instances and nothing
// blocks.
package trace

import (
	"fmt"

	"armtrace/internal/common"
)

// OnPacket is invoked synchronously, once per fully decoded packet, from
// within Pump. It must not call back into the Decoder that invoked it.
type OnPacket func(CPUState)

// Decoder decodes one trace stream under one Config. Zero value is not
// usable; construct with NewDecoder.
type Decoder struct {
	cfg      Config
	reporter common.Reporter

	cpu        CPUState
	changeBits changeBitmap
	stats      Stats

	onPacket OnPacket

	etm35
	mtb mtbState
}

// NewDecoder constructs a Decoder for cfg, reporting diagnostics to r (which
// may be nil). It panics if cfg is invalid -- protocol and context-byte
// width are the kind of mistake spec treats as a programmer error, not a
// recoverable one.
func NewDecoder(cfg Config, r common.Reporter) *Decoder {
	d := &Decoder{}
	d.Init(cfg, r)
	return d
}

// Init (re)initializes d with cfg, resetting all decode state to UNSYNCED.
// Config.Validate failures panic; see NewDecoder on why this differs from
// Validate's own error return.
func (d *Decoder) Init(cfg Config, r common.Reporter) {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	d.cfg = cfg
	d.reporter = r
	d.cpu = CPUState{}
	d.changeBits = 0
	d.stats = Stats{}
	d.onPacket = nil
	d.etm35.reset()
	d.mtb.reset()
}

// SetProtocol switches the decoding protocol and resets decode state, as if
// Init had been called again with the same reporter. It panics on an
// unrecognised protocol value.
func (d *Decoder) SetProtocol(p Protocol) {
	if !p.valid() {
		panic(fmt.Sprintf("armtrace: invalid protocol %d", int(p)))
	}
	cfg := d.cfg
	cfg.Protocol = p
	d.Init(cfg, d.reporter)
}

// SetUsingAltAddrEncode switches the branch-address encoding used by the
// ETM35 state machine. It takes effect on the next branch-address packet;
// it does not reset decode state.
func (d *Decoder) SetUsingAltAddrEncode(alt bool) {
	d.cfg.AltEncoding = alt
}

// ForceSync sets or clears synchronization directly, bypassing the normal
// A-Sync/bootstrap detection. forceSync(true) is how a caller starts a
// fresh Decoder decoding mid-stream once it already knows where a sync
// point is; forceSync(false) is the only way to explicitly declare sync
// lost (spec §7). If the decoder is already in the requested state, this
// is a no-op: it neither touches decode state nor bumps Stats.
func (d *Decoder) ForceSync(synced bool) {
	if synced {
		if d.IsSynced() {
			return
		}
		d.etm35.state = stIdle
		d.etm35.asyncCount = 0
		d.etm35.resetPacket()
		d.mtb.state = mtbIdle
		d.mtb.awaitingBootstrap = true
		d.stats.SyncCount++
	} else {
		if !d.IsSynced() {
			return
		}
		d.etm35.state = stUnsynced
		d.etm35.rxedISYNC = false
		d.mtb.state = mtbUnsynced
		d.stats.LostSyncCount++
	}
}

// IsSynced reports whether the decoder currently believes it is synchronized.
func (d *Decoder) IsSynced() bool {
	switch d.cfg.Protocol {
	case ProtocolMTB:
		return d.mtb.state != mtbUnsynced
	default:
		return d.etm35.state != stUnsynced
	}
}

// GetStats returns the running synchronization counters.
func (d *Decoder) GetStats() Stats {
	return d.stats
}

// CPUStateSnapshot returns a copy of the current CPU state, including the
// bits currently pending in the change record (read via CPUState.Pending,
// not cleared).
func (d *Decoder) CPUStateSnapshot() CPUState {
	snap := d.cpu
	snap.ChangeRecord = d.changeBits
	return snap
}

// Changed reports whether b has been set since the last time it was read,
// clearing it as a side effect (sticky read-and-clear, spec invariant 3).
func (d *Decoder) Changed(b ChangeBit) bool {
	return d.changeBits.changed(b)
}

// Pump feeds buf through the decoder, invoking onPacket once per fully
// decoded packet. It is synchronous: Pump does not return until buf is
// fully consumed (ETM35) or until fewer than 8 bytes remain (MTB, where any
// trailing partial record is left unconsumed and simply dropped on this
// call -- MTB records never span Pump calls). onPacket must be non-nil.
func (d *Decoder) Pump(buf []byte, onPacket OnPacket) {
	if onPacket == nil {
		panic("armtrace: Pump called with nil onPacket")
	}
	d.onPacket = onPacket
	defer func() { d.onPacket = nil }()

	switch d.cfg.Protocol {
	case ProtocolMTB:
		d.pumpMTB(buf)
	default:
		for _, c := range buf {
			d.pumpETM35Byte(c)
		}
	}
}

// emit packages the current CPU state and change bits into a snapshot and
// invokes the callback, gated on rxedISYNC per spec invariant 2. It always
// resets per-packet accumulators and returns to IDLE, whether or not the
// callback actually fired.
func (d *Decoder) emit() {
	if d.rxedISYNC && d.onPacket != nil {
		snap := d.cpu
		snap.ChangeRecord = d.changeBits
		d.onPacket(snap)
	}
	d.state = stIdle
	d.resetPacket()
}
