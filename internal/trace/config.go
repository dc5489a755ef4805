package trace

import (
	"fmt"

	"armtrace/internal/common"
)

// Protocol selects which of the two wire formats a Decoder speaks.
type Protocol int

const (
	// ProtocolETM35 decodes the variable-length ETM v3.5 byte stream.
	ProtocolETM35 Protocol = iota
	// ProtocolMTB decodes fixed 8-byte Micro Trace Buffer records.
	ProtocolMTB
)

func (p Protocol) String() string {
	switch p {
	case ProtocolETM35:
		return "ETM35"
	case ProtocolMTB:
		return "MTB"
	default:
		return "unknown"
	}
}

func (p Protocol) valid() bool {
	return p == ProtocolETM35 || p == ProtocolMTB
}

// Config holds the small set of per-instance options spec.md §6 names.
// Zero value is a legal, conservative configuration: ETM35, standard
// address encoding, no context ID bytes, non-cycle-accurate, address
// collection enabled during I-Sync.
type Config struct {
	Protocol Protocol

	// AltEncoding selects the alternative branch-address encoding over the
	// standard one.
	AltEncoding bool

	// ContextBytes is the width, in bytes, of the context-ID field
	// accompanying I-Sync and stand-alone ContextID packets. Must be one
	// of 0, 1, 2, 4.
	ContextBytes int

	// CycleAccurate enables the cycle-accurate P-header format family.
	CycleAccurate bool

	// DataOnlyMode suppresses the address-collection phase of I-Sync.
	DataOnlyMode bool
}

// Validate checks the fields that have a restricted domain. Protocol and
// ContextBytes are the only fields with invalid values; the booleans are
// unconstrained.
func (c Config) Validate() error {
	if !c.Protocol.valid() {
		return common.NewError(common.ErrInvalidProtocol, fmt.Sprintf("protocol=%d", c.Protocol))
	}
	switch c.ContextBytes {
	case 0, 1, 2, 4:
	default:
		return common.NewError(common.ErrInvalidContextBytes, fmt.Sprintf("contextBytes=%d", c.ContextBytes))
	}
	return nil
}

func (c Config) String() string {
	return fmt.Sprintf("Config[protocol=%s alt=%t ctxtBytes=%d cycleAcc=%t dataOnly=%t]",
		c.Protocol, c.AltEncoding, c.ContextBytes, c.CycleAccurate, c.DataOnlyMode)
}
