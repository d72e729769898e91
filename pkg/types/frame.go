package types

import "time"

// Magic is the fixed protocol tag every frame header must carry. The
// original source used "SYPAS" and "SYFPASS" interchangeably for the same
// wire format (spec §9); this implementation settles on one 4-byte tag.
var Magic = [4]byte{'S', 'K', 'R', 'N'}

// ProtocolVersion is the version this node negotiates by default. Peers
// negotiate the byte actually used during handshake (spec §9 notes the
// source disagreed on 1 vs 2, so the spec treats it as negotiated, not
// fixed).
const ProtocolVersion = 2

// HeaderSize is the encoded size of a Header in bytes.
//
// spec.md states the header is "32 bytes" in both §3 and §6, but enumerates
// fields (4+1+1+1+1+2+6+4+8+8) that sum to 36. Per §9's own guidance for
// analogous inconsistencies in the original source — fix one concrete form
// rather than guess — this implementation keeps every named field at its
// specified width and treats the repeated "32" figure as stale; HeaderSize
// is therefore 36. See DESIGN.md.
const HeaderSize = 36

// DefaultPayloadCeiling is the default maximum inline payload size (spec §3).
const DefaultPayloadCeiling = 64 * 1024

// DefaultClockSkewWindow bounds how far a frame's timestamp may drift from
// the receiver's clock before it is rejected (spec §3), except for
// heartbeat/handshake frames which are exempt.
const DefaultClockSkewWindow = 30 * time.Second

// Opcode identifies the semantic operation a frame carries. Values are
// grouped by the categories spec §3 lists; the spec does not fix numeric
// values, only the category membership, so the grouping below is this
// implementation's choice.
type Opcode uint8

const (
	// System
	OpHeartbeat Opcode = 0x00
	OpHandshake Opcode = 0x01
	OpCapExchange Opcode = 0x02
	OpShutdown  Opcode = 0x03
	OpPing      Opcode = 0x04
	OpPong      Opcode = 0x05

	// Agent lifecycle
	OpAgentSpawn  Opcode = 0x10
	OpAgentKill   Opcode = 0x11
	OpAgentPause  Opcode = 0x12
	OpAgentResume Opcode = 0x13
	OpAgentStatus Opcode = 0x14
	OpAgentEvent  Opcode = 0x15

	// Resource
	OpResourceAlloc Opcode = 0x20
	OpResourceFree  Opcode = 0x21
	OpResourceQuery Opcode = 0x22
	OpResourceLimit Opcode = 0x23

	// Storage
	OpStorageGet    Opcode = 0x30
	OpStoragePut    Opcode = 0x31
	OpStorageDelete Opcode = 0x32
	OpStorageList   Opcode = 0x33

	// Event
	OpEventEmit        Opcode = 0x40
	OpEventSubscribe   Opcode = 0x41
	OpEventUnsubscribe Opcode = 0x42
	OpEventBroadcast   Opcode = 0x43

	// Security
	OpAttestRequest  Opcode = 0x50
	OpAttestResponse Opcode = 0x51
	OpTokenMint      Opcode = 0x52
	OpTokenRevoke    Opcode = 0x53

	// Federation
	OpNodeJoin     Opcode = 0x60
	OpNodeLeave    Opcode = 0x61
	OpNodeDiscover Opcode = 0x62
	OpSyncRequest  Opcode = 0x63
	OpSyncResponse Opcode = 0x64
	OpConsensus    Opcode = 0x65

	// Error
	OpErrorGeneric    Opcode = 0x70
	OpErrorAuth       Opcode = 0x71
	OpErrorCapability Opcode = 0x72
	OpErrorResource   Opcode = 0x73
	OpErrorNotFound   Opcode = 0x74
	OpErrorExists     Opcode = 0x75
	OpErrorInternal   Opcode = 0x76
)

// unauthenticated is the small, explicitly enumerated set of opcodes the
// Router admits with capability_id = 0 (spec §4.5 default-deny rule).
var unauthenticated = map[Opcode]bool{
	OpHeartbeat: true,
	OpHandshake: true,
	OpPing:      true,
	OpPong:      true,
	OpErrorGeneric: true, OpErrorAuth: true, OpErrorCapability: true,
	OpErrorResource: true, OpErrorNotFound: true, OpErrorExists: true, OpErrorInternal: true,
}

// RequiresCapability reports whether an opcode needs a non-zero capability
// reference to be admitted.
func (o Opcode) RequiresCapability() bool {
	return !unauthenticated[o]
}

// Priority is the frame scheduling class (0=highest .. 3=lowest), spec §3.
type Priority uint8

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// Flags are the header bit flags (spec §3/§6). Bits 5-7 are reserved and
// must be zero; a frame setting any of them is rejected.
type Flags uint8

const (
	FlagEncrypted Flags = 1 << 0
	FlagCompressed Flags = 1 << 1
	FlagUrgent    Flags = 1 << 2
	FlagBroadcast Flags = 1 << 3
	// FlagBulk marks a frame whose payload travels through the Transport
	// Mux's (C9) bulk path rather than inline: the bytes on the wire are
	// a Descriptor (region id, length, hash), not the real payload, and
	// the receiving Mux resolves it against its shared ring-buffer region
	// before handing the reconstructed Frame upward (spec §4.9). Nothing
	// above pkg/mux ever observes this flag.
	FlagBulk Flags = 1 << 4

	flagsReservedMask = Flags(0xE0)
)

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// Header is the fixed 36-byte frame header (spec §3/§6). All integers are
// big-endian on the wire; the in-memory struct uses native Go widths.
type Header struct {
	Version   uint8
	Opcode    Opcode
	Priority  Priority
	Flags     Flags
	CapRef    uint16 // 0 = none
	PayloadLen uint32
	Seq       uint64 // strictly increasing per connection
	Timestamp int64  // nanoseconds since a fixed epoch
}

// WithoutCapRef returns a copy of h with CapRef zeroed, used when computing
// the ledger hash chain: spec §4.4 chains over "header minus capability
// reference" since a capability ref is connection-local and transient.
func (h Header) WithoutCapRef() Header {
	h.CapRef = 0
	return h
}

// Frame is the atomic unit of the wire protocol: header plus payload.
type Frame struct {
	Header  Header
	Payload []byte
}
