package trace

import "armtrace/internal/common"

// etm35State enumerates the ETM v3.5 byte-by-byte protocol states from
// spec.md §4.2. WAIT_ISYNC is carried for completeness (spec.md names it
// among the states) but no transition in this spec ever targets it; A-Sync
// always lands in IDLE directly (invariant 1), and UNSYNCED only leaves via
// ForceSync. It is effectively a reserved, unreachable state here -- kept
// named rather than silently dropped.
type etm35State int

const (
	stUnsynced etm35State = iota
	stIdle
	stCollectBAAltFormat
	stCollectBAStdFormat
	stCollectException
	stGetVMID
	stGetTStamp
	stGetCycleCount
	stGetContextID
	stWaitISync
	stGetContextByte
	stGetInfoByte
	stGetIAddress
	stGetICycleCount
)

// etm35 holds all mutable state private to the ETM v3.5 state machine. It
// is embedded in Decoder rather than exported on its own; a Decoder is
// never used as anything but ETM35 xor MTB.
type etm35 struct {
	state etm35State

	asyncCount int
	rxedISYNC  bool
	byteCount  int

	addrConstruct    uint32
	cycleConstruct   uint32
	contextConstruct uint32
	tsConstruct      uint64

	excByteIdx    int
	excExpectByte bool // only ever reset; a trailing resume byte is tracked by excByteIdx == 2

	isyncFromCycle bool // reached GET_CONTEXTBYTE/GET_INFOBYTE via GET_ICYCLECOUNT
	isyncLSiP      bool
}

func (e *etm35) resetPacket() {
	e.byteCount = 0
	e.addrConstruct = 0
	e.cycleConstruct = 0
	e.contextConstruct = 0
	e.tsConstruct = 0
	e.excByteIdx = 0
	e.excExpectByte = false
	e.isyncFromCycle = false
}

func (e *etm35) reset() {
	e.state = stUnsynced
	e.asyncCount = 0
	e.rxedISYNC = false
	e.isyncLSiP = false
	e.resetPacket()
}

// pumpETM35Byte feeds a single ETM v3.5 byte through the state machine.
func (d *Decoder) pumpETM35Byte(c byte) {
	if d.state == stUnsynced {
		// UNSYNCED only admits A-Sync after an explicit ForceSync(true);
		// it is otherwise inert. See DESIGN.md for why this reading was
		// chosen over a literal "regardless of prior state" A-Sync check.
		return
	}

	if d.asyncCount >= 5 && c == 0x80 {
		d.state = stIdle
		d.resetPacket()
		d.asyncCount = 0
		return
	}
	if c == 0x00 {
		d.asyncCount++
	} else {
		d.asyncCount = 0
	}

	switch d.state {
	case stIdle:
		d.idleDispatch(c)
	case stCollectBAStdFormat:
		d.collectBranchByte(c, false)
	case stCollectBAAltFormat:
		d.collectBranchByte(c, true)
	case stCollectException:
		d.collectExceptionByte(c)
	case stGetVMID:
		d.getVMIDByte(c)
	case stGetTStamp:
		d.getTStampByte(c)
	case stGetCycleCount:
		d.getCycleCountByte(c, false)
	case stGetICycleCount:
		d.getCycleCountByte(c, true)
	case stGetContextID:
		d.getContextIDByte(c)
	case stGetContextByte:
		d.getContextByteForISync(c)
	case stGetInfoByte:
		d.getInfoByte(c)
	case stGetIAddress:
		d.getIAddressByte(c)
	case stWaitISync:
		// unreachable: see etm35State doc comment.
	}
}

// --- IDLE dispatch -----------------------------------------------------

func (d *Decoder) idleDispatch(c byte) {
	switch {
	case c&0x01 == 0x01:
		d.resetPacket()
		d.byteCount = 1
		slice := uint32(c>>1) & 0x3F
		d.placeAddrSlice(0, slice)
		if c&0x80 == 0 {
			// single-byte branch address, already complete.
			d.finishBranchAddress()
			return
		}
		if d.cfg.AltEncoding {
			d.state = stCollectBAAltFormat
		} else {
			d.state = stCollectBAStdFormat
		}

	case c == 0x00:
		// A-Sync filler byte; asyncCount bookkeeping already happened above.

	case c == 0x04:
		d.resetPacket()
		d.state = stGetCycleCount

	case c == 0x08:
		d.beginISync(false)

	case c == 0x70:
		d.beginISync(true)

	case c == 0x0C:
		d.changeBits.set(ChangeTrigger)
		d.emit()

	case c == 0x3C:
		d.resetPacket()
		d.state = stGetVMID

	case c&0xFB == 0x42:
		d.resetPacket()
		if c&0x04 != 0 {
			d.changeBits.set(ChangeClockSpeed)
		}
		d.state = stGetTStamp

	case c == 0x66:
		// explicitly ignored packet.

	case c == 0x6E:
		d.resetPacket()
		if d.cfg.ContextBytes == 0 {
			d.commitContextID(0)
			d.emit()
			return
		}
		d.state = stGetContextID

	case c == 0x76:
		d.changeBits.set(ChangeExExit)
		d.emit()

	case c == 0x7E:
		d.changeBits.set(ChangeExEntry)
		d.emit()

	case c&0x81 == 0x80:
		d.decodePHdr(c)

	default:
		common.Errorf(d.reporter, "etm35: dropping unrecognised header byte 0x%02x", c)
	}
}

func (d *Decoder) beginISync(withCycleCount bool) {
	d.resetPacket()
	if !d.rxedISYNC {
		d.changeBits = 0
		d.rxedISYNC = true
	}
	if withCycleCount {
		d.state = stGetICycleCount
	} else if d.cfg.ContextBytes > 0 {
		d.state = stGetContextByte
	} else {
		d.state = stGetInfoByte
	}
}

// --- P-header ------------------------------------------------------------

func (d *Decoder) decodePHdr(c byte) {
	var eatoms, natoms, watoms int
	var disposition uint32

	if !d.cfg.CycleAccurate {
		switch {
		case c&0x03 == 0x00:
			eatoms = int((c >> 2) & 0x0F)
			natoms = int((c >> 6) & 0x01)
			disposition = (uint32(1) << uint(eatoms)) - 1
		case c&0x0F == 0x02:
			bit2 := c&0x04 != 0
			bit3 := c&0x08 != 0
			if !bit3 {
				eatoms++
				disposition |= 1 << 0
			}
			if !bit2 {
				eatoms++
				disposition |= 1 << 1
			}
			natoms = 2 - eatoms
		default:
			common.Errorf(d.reporter, "etm35: unrecognised non-cycle-accurate P-header 0x%02x", c)
			return
		}
	} else {
		switch {
		case c == 0x80:
			watoms = 1
		case c&0xA3 == 0x80:
			eatoms = int((c >> 2) & 0x07)
			natoms = int((c >> 6) & 0x01)
			watoms = eatoms + natoms
			disposition = (uint32(1) << uint(eatoms)) - 1
		case c&0xF3 == 0x82:
			bit2 := c&0x04 != 0
			bit3 := c&0x08 != 0
			if !bit3 {
				eatoms++
				disposition |= 1 << 0
			}
			if !bit2 {
				eatoms++
				disposition |= 1 << 1
			}
			natoms = 2 - eatoms
			watoms = 1
		case c&0xA0 == 0xA0:
			eatoms = int((c >> 6) & 0x01)
			watoms = int((c >> 2) & 0x07)
			if eatoms == 1 {
				disposition = 1
			}
		case c&0xFB == 0x92:
			bit2 := c&0x04 != 0
			if !bit2 {
				eatoms = 1
				disposition = 1
			} else {
				natoms = 1
			}
		default:
			common.Errorf(d.reporter, "etm35: unrecognised cycle-accurate P-header 0x%02x", c)
			return
		}
	}

	d.cpu.EAtoms = eatoms
	d.cpu.NAtoms = natoms
	d.cpu.WAtoms = watoms
	d.cpu.Disposition = disposition
	d.cpu.InstCount += uint64(eatoms + natoms + watoms)
	d.changeBits.set(ChangeEnatoms)
	if d.cfg.CycleAccurate {
		d.changeBits.set(ChangeWatoms)
	}
	d.emit()
}

// --- Branch address reconstruction ---------------------------------------

// addrSliceOffset returns the bit offset for slice n under the given
// address mode, per spec.md §4.2's table: ARM 7n+1, THUMB 7n, JAZELLE 7n-1.
func addrSliceOffset(mode AddrMode, n int) int {
	base := 0
	switch mode {
	case AddrARM:
		base = 1
	case AddrThumb:
		base = 0
	case AddrJazelle:
		base = -1
	}
	return 7*n + base
}

func (d *Decoder) placeAddrSlice(n int, raw uint32) {
	offset := addrSliceOffset(d.cpu.AddrMode, n)
	if offset >= 0 {
		d.addrConstruct |= raw << uint(offset)
	} else {
		d.addrConstruct |= raw >> uint(-offset)
	}
}

func (d *Decoder) collectBranchByte(c byte, alt bool) {
	d.byteCount++
	n := d.byteCount - 1
	isLast := d.byteCount == 5

	if !alt {
		if isLast {
			cont := c&0x80 != 0
			if d.cpu.AddrMode == AddrARM && cont {
				exNum := uint16((c >> 4) & 0x07)
				d.cpu.Exception = exNum
				d.changeBits.set(ChangeException)
				if c&0x40 != 0 {
					d.cpu.Cancelled = true
					d.changeBits.set(ChangeCancelled)
				}
				d.finishBranchAddress()
				return
			}
			d.placeAddrSlice(n, uint32(c&0x3F))
			if c&0x40 != 0 {
				d.beginExceptionTrailer()
			} else {
				d.finishBranchAddress()
			}
			return
		}
		d.placeAddrSlice(n, uint32(c&0x7F))
		if c&0x80 == 0 {
			d.finishBranchAddress()
		}
		return
	}

	// alternative encoding
	if c&0x80 != 0 {
		d.placeAddrSlice(n, uint32(c&0x7F))
		if isLast {
			// defensive bound: spec gives no explicit cap for the
			// alternative format, but five total bytes already cover a
			// full 32-bit address.
			d.finishBranchAddress()
		}
		return
	}
	d.placeAddrSlice(n, uint32(c&0x3F))
	if c&0x40 != 0 {
		d.beginExceptionTrailer()
	} else {
		d.finishBranchAddress()
	}
}

func (d *Decoder) finishBranchAddress() {
	d.cpu.Addr = d.addrConstruct &^ 1
	d.changeBits.set(ChangeAddress)
	d.emit()
}

func (d *Decoder) beginExceptionTrailer() {
	d.cpu.Addr = d.addrConstruct &^ 1
	d.changeBits.set(ChangeExEntry)
	d.byteCount = 0
	d.cpu.Resume = 0
	d.cpu.Cancelled = false
	d.excByteIdx = 0
	d.excExpectByte = false
	d.state = stCollectException
}

// --- Exception trailer ----------------------------------------------------

func (d *Decoder) collectExceptionByte(c byte) {
	switch d.excByteIdx {
	case 0:
		d.setFlag(&d.cpu.NonSecure, c&0x01 != 0, ChangeSecure)
		exLow := uint16((c >> 1) & 0x0F)
		d.cpu.Exception = (d.cpu.Exception &^ 0x0F) | exLow
		d.changeBits.set(ChangeException)
		if c&0x20 != 0 {
			d.cpu.Cancelled = true
			d.changeBits.set(ChangeCancelled)
		}
		d.setFlag(&d.cpu.AltISA, c&0x40 != 0, ChangeAltISA)
		if c&0x80 == 0 {
			d.emit()
			return
		}
		d.excByteIdx = 1

	case 1:
		if c&0x80 != 0 {
			ext := uint16(c&0x1F) << 4
			d.cpu.Exception = (d.cpu.Exception & 0x0F) | ext
			d.changeBits.set(ChangeException)
			d.setFlag(&d.cpu.Hyp, c&0x20 != 0, ChangeHyp)
			if c&0x40 != 0 {
				d.excByteIdx = 2
				return
			}
			d.emit()
			return
		}
		d.applyResume(c)
		d.emit()

	case 2:
		d.applyResume(c)
		d.emit()
	}
}

func (d *Decoder) applyResume(c byte) {
	resume := c & 0x0F
	if resume != 0 {
		d.cpu.Resume = resume
		d.changeBits.set(ChangeResume)
	}
}

// --- Multi-byte numeric collectors ---------------------------------------

func (d *Decoder) getVMIDByte(c byte) {
	if c != d.cpu.VMID {
		d.cpu.VMID = c
		d.changeBits.set(ChangeVMID)
	}
	d.emit()
}

func (d *Decoder) getTStampByte(c byte) {
	n := d.byteCount
	d.byteCount++
	if n < 8 {
		// spec.md §4.2/§9: the progressive-insertion offset scheme is
		// taken literally, per the open-question resolution in DESIGN.md.
		d.tsConstruct |= uint64(c&0x7F) << uint(n)
		if c&0x80 == 0 {
			d.commitTimestamp()
		}
		return
	}
	// byte 8 (the 9th byte): unconditionally terminal, contributes 8 bits.
	d.tsConstruct |= uint64(c) << 8
	d.commitTimestamp()
}

func (d *Decoder) commitTimestamp() {
	d.cpu.Timestamp = d.tsConstruct
	d.changeBits.set(ChangeTimestamp)
	d.emit()
}

func (d *Decoder) getCycleCountByte(c byte, forISync bool) {
	n := d.byteCount
	d.byteCount++
	d.cycleConstruct |= uint32(c&0x7F) << uint(7*n)
	if c&0x80 != 0 && n < 4 {
		return
	}
	d.cpu.CycleCount = d.cycleConstruct
	d.changeBits.set(ChangeCycleCount)
	if !forISync {
		d.emit()
		return
	}
	d.isyncFromCycle = true
	if d.cfg.ContextBytes > 0 {
		d.byteCount = 0
		d.state = stGetContextByte
	} else {
		d.state = stGetInfoByte
	}
}

func (d *Decoder) commitContextID(val uint32) {
	if val != d.cpu.ContextID {
		d.cpu.ContextID = val
		d.changeBits.set(ChangeContextID)
	}
}

func (d *Decoder) getContextIDByte(c byte) {
	d.contextConstruct |= uint32(c) << uint(8*d.byteCount)
	d.byteCount++
	if d.byteCount == d.cfg.ContextBytes {
		d.commitContextID(d.contextConstruct)
		d.emit()
	}
}

func (d *Decoder) getContextByteForISync(c byte) {
	d.contextConstruct |= uint32(c) << uint(8*d.byteCount)
	d.byteCount++
	if d.byteCount == d.cfg.ContextBytes {
		d.commitContextID(d.contextConstruct)
		d.byteCount = 0
		d.state = stGetInfoByte
	}
}

// --- I-Sync info byte / address -------------------------------------------

func (d *Decoder) getInfoByte(c byte) {
	isLSiP := c&0x80 != 0
	if isLSiP != d.cpu.IsLSiP {
		d.cpu.IsLSiP = isLSiP
		d.changeBits.set(ChangeIsLSiP)
	}
	d.isyncLSiP = isLSiP

	reason := ISyncReason((c >> 5) & 0x03)
	if reason != d.cpu.Reason {
		d.cpu.Reason = reason
		d.changeBits.set(ChangeReason)
	}

	d.setFlag(&d.cpu.Jazelle, c&0x10 != 0, ChangeJazelle)
	d.setFlag(&d.cpu.NonSecure, c&0x08 != 0, ChangeSecure)
	d.setFlag(&d.cpu.AltISA, c&0x04 != 0, ChangeAltISA)
	d.setFlag(&d.cpu.Hyp, c&0x02 != 0, ChangeHyp)

	if d.cfg.DataOnlyMode {
		d.emit()
		return
	}
	d.byteCount = 0
	d.addrConstruct = 0
	d.state = stGetIAddress
}

func (d *Decoder) getIAddressByte(c byte) {
	d.addrConstruct |= uint32(c) << uint(8*d.byteCount)
	d.byteCount++
	if d.byteCount != 4 {
		return
	}

	addr := d.addrConstruct
	if d.cpu.Jazelle {
		d.cpu.AddrMode = AddrJazelle
		d.cpu.Addr = addr
	} else if addr&1 != 0 {
		d.cpu.AddrMode = AddrThumb
		d.setFlag(&d.cpu.Thumb, true, ChangeThumb)
		d.cpu.Addr = addr &^ 1
	} else {
		d.cpu.AddrMode = AddrARM
		d.setFlag(&d.cpu.Thumb, false, ChangeThumb)
		d.cpu.Addr = addr & 0xFFFFFFFC
	}
	d.changeBits.set(ChangeAddress)

	if d.isyncLSiP {
		d.resetPacket()
		d.state = stIdle
		return
	}
	d.emit()
}

func (d *Decoder) setFlag(cur *bool, want bool, bit ChangeBit) {
	if *cur != want {
		*cur = want
		d.changeBits.set(bit)
	}
}
