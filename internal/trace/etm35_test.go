package trace

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// establishISync drives a minimal I-Sync (header + InfoByte, dataOnlyMode so
// no address phase follows) through d, returning the snapshot from its
// callback. Used by tests that only care about what happens after sync,
// not about I-Sync's own address-collection behaviour.
func establishISync(t *testing.T, d *Decoder, infoByte byte) CPUState {
	t.Helper()
	var got []CPUState
	d.Pump([]byte{0x08, infoByte}, func(s CPUState) { got = append(got, s) })
	require.Len(t, got, 1)
	return got[0]
}

func newSyncedDecoder(t *testing.T, cfg Config) *Decoder {
	t.Helper()
	d := NewDecoder(cfg, nil)
	d.ForceSync(true)
	return d
}

// Invariant 1: no callback fires before an I-Sync has been fully consumed,
// forceSync(true) alone is not enough.
func TestInvariant_NoCallbackBeforeISync(t *testing.T) {
	d := newSyncedDecoder(t, Config{DataOnlyMode: true})

	var fired bool
	d.Pump([]byte{0x0C}, func(CPUState) { fired = true })
	assert.False(t, fired, "Trigger packet before any I-Sync must not emit")

	d.Pump([]byte{0x08}, func(CPUState) { fired = true })
	assert.False(t, fired, "I-Sync header alone (InfoByte not yet consumed) must not emit")

	d.Pump([]byte{0x00}, func(CPUState) { fired = true })
	assert.True(t, fired, "I-Sync completing at the InfoByte (dataOnlyMode) must emit")
}

// Invariant 3: stateChanged is read-and-clear.
func TestInvariant_ChangedIsReadAndClear(t *testing.T) {
	d := newSyncedDecoder(t, Config{DataOnlyMode: true})
	establishISync(t, d, 0x00)

	d.Pump([]byte{0x0C}, func(CPUState) {})
	assert.True(t, d.Changed(ChangeTrigger))
	assert.False(t, d.Changed(ChangeTrigger), "second read must observe the bit already cleared")
}

// Invariant 4 / testable property 4: InstCount is monotonically
// non-decreasing across any valid input, including packets that don't
// touch it at all (VMID, Trigger).
func TestInvariant_InstCountMonotonic(t *testing.T) {
	d := newSyncedDecoder(t, Config{DataOnlyMode: true})
	establishISync(t, d, 0x00)

	last := uint64(0)
	onPacket := func(s CPUState) {
		require.GreaterOrEqual(t, s.InstCount, last)
		last = s.InstCount
	}
	d.Pump([]byte{0x88, 0x0C, 0x3C, 0x2A, 0xC0}, onPacket)
}

// Testable property 5: two fresh instances fed the same byte stream produce
// the same sequence of observations.
func TestInvariant_Deterministic(t *testing.T) {
	cfg := Config{DataOnlyMode: true}
	stream := []byte{0x08, 0x00, 0x88, 0x3C, 0x2A, 0x0C}

	run := func() []CPUState {
		d := NewDecoder(cfg, nil)
		d.ForceSync(true)
		var got []CPUState
		d.Pump(stream, func(s CPUState) { got = append(got, s) })
		return got
	}

	a, b := run(), run()
	require.Len(t, b, len(a))
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("identical input streams produced diverging observations (-first +second):\n%s", diff)
	}
}

// S1 (Trigger), adapted: see DESIGN.md open-question 7 for why this does not
// replay the scenario's literal two-byte stream verbatim. It establishes
// I-Sync with dataOnlyMode so the InfoByte alone completes it, then proves a
// Trigger byte afterward emits with TRIGGER set.
func TestScenario_Trigger(t *testing.T) {
	d := newSyncedDecoder(t, Config{DataOnlyMode: true})
	isync := establishISync(t, d, 0x00)
	assert.False(t, isync.Pending(ChangeTrigger))

	var got []CPUState
	d.Pump([]byte{0x0C}, func(s CPUState) { got = append(got, s) })
	require.Len(t, got, 1)
	assert.True(t, got[0].Pending(ChangeTrigger))
}

// S2 (Branch ARM), adapted: the scenario's literal "01 02 03 04 05" bytes
// all have their continuation bit (bit 7) clear, which under §4.2's own
// termination rule ends a branch-address packet after the very first byte
// -- they cannot actually walk all five address slices. This test
// constructs a five-byte sequence carrying payload nibbles 1..5 with
// continuation bits set on the first four bytes and cleared on the fifth,
// matching the scenario's intent (exercise all five address slices under
// ARM addressing) rather than its literal hex.
func TestScenario_BranchAddressARM(t *testing.T) {
	// I-Sync with a zero I-address establishes ARM mode (bit0 of the
	// collected address clear) without going through dataOnlyMode.
	d := newSyncedDecoder(t, Config{})
	var isync []CPUState
	d.Pump([]byte{0x08, 0x00, 0x00, 0x00, 0x00, 0x00}, func(s CPUState) { isync = append(isync, s) })
	require.Len(t, isync, 1)
	require.Equal(t, AddrARM, isync[0].AddrMode)

	branch := []byte{0x83, 0x82, 0x83, 0x84, 0x05}
	var got []CPUState
	d.Pump(branch, func(s CPUState) { got = append(got, s) })
	require.Len(t, got, 1)
	assert.True(t, got[0].Pending(ChangeAddress))
	assert.Equal(t, uint32(0xA1018202), got[0].Addr)
}

// S3 (VMID change): once the consumer has read (and so cleared) the VMID
// change bit, a repeated, unchanged VMID byte does not re-set it, even
// though the packet still emits.
func TestScenario_VMIDChange(t *testing.T) {
	d := newSyncedDecoder(t, Config{DataOnlyMode: true})
	establishISync(t, d, 0x00)

	var first []CPUState
	d.Pump([]byte{0x3C, 0x2A}, func(s CPUState) { first = append(first, s) })
	require.Len(t, first, 1)
	assert.Equal(t, uint8(0x2A), first[0].VMID)
	assert.True(t, first[0].Pending(ChangeVMID))
	assert.True(t, d.Changed(ChangeVMID), "consumer reads and clears the sticky VMID bit")

	var second []CPUState
	d.Pump([]byte{0x3C, 0x2A}, func(s CPUState) { second = append(second, s) })
	require.Len(t, second, 1)
	assert.Equal(t, uint8(0x2A), second[0].VMID)
	assert.False(t, second[0].Pending(ChangeVMID), "unchanged VMID must not re-set the change bit")
}

// S4 (P-header format 1, non-cycle-accurate).
func TestScenario_PHeaderFormat1(t *testing.T) {
	d := newSyncedDecoder(t, Config{DataOnlyMode: true})
	establishISync(t, d, 0x00)

	var got []CPUState
	d.Pump([]byte{0x88}, func(s CPUState) { got = append(got, s) })
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].EAtoms)
	assert.Equal(t, 0, got[0].NAtoms)
	assert.Equal(t, uint32(0b11), got[0].Disposition)
	assert.True(t, got[0].Pending(ChangeEnatoms))
	assert.Equal(t, uint64(2), got[0].InstCount)
}

// S5 (A-Sync recovery): a run of five 0x00 bytes followed by 0x80
// unconditionally realigns to IDLE, regardless of the state the decoder was
// in when the run started. See the test body for why a raw multi-byte 0x00
// run cannot stay "mid-packet" inside a continuation-terminated accumulator
// (each 0x00 itself carries a clear continuation bit, which legitimately
// -- not spuriously -- ends such a packet on the very first zero); this
// test instead verifies the invariant that actually matters: after the
// recovery sequence, the decoder is correctly back in IDLE and processes
// the next byte as a fresh packet.
func TestScenario_ASyncRecovery(t *testing.T) {
	d := newSyncedDecoder(t, Config{DataOnlyMode: true})
	establishISync(t, d, 0x00)

	// Enter GET_CYCLECOUNT with one non-zero continuing byte.
	var midPacket []CPUState
	d.Pump([]byte{0x04, 0x81}, func(s CPUState) { midPacket = append(midPacket, s) })
	assert.Empty(t, midPacket, "cycle count is still mid-collection, must not emit yet")

	// The A-Sync run: the first 0x00 legitimately terminates the
	// in-flight cycle count (continuation clear); the remaining zeros and
	// the trailing 0x80 are pure A-Sync filler, realigning to IDLE.
	var duringRecovery []CPUState
	d.Pump([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x80}, func(s CPUState) { duringRecovery = append(duringRecovery, s) })
	require.Len(t, duringRecovery, 1, "only the legitimate cycle-count completion should emit")

	var after []CPUState
	d.Pump([]byte{0x0C}, func(s CPUState) { after = append(after, s) })
	require.Len(t, after, 1, "decoder must be back in IDLE, ready to dispatch a fresh packet")
	assert.True(t, after[0].Pending(ChangeTrigger))
}
