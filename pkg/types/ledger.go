package types

// HashSize is the width of a ledger hash-chain link (sha256).
const HashSize = 32

// GenesisHash is the fixed hash that entry 0's previous_hash must equal
// (spec §3/§4.4).
var GenesisHash = [HashSize]byte{
	's', 'o', 'v', 'e', 'r', 'e', 'i', 'g', 'n', '-', 'k', 'e', 'r', 'n', 'e', 'l',
	'-', 'l', 'e', 'd', 'g', 'e', 'r', '-', 'g', 'e', 'n', 'e', 's', 'i', 's', 0,
}

// Entry is a single admitted, hash-chained ledger record (spec §3/§4.4).
// It doubles as a Raft log entry: Index/Term are the Raft log coordinates
// and Header/Payload are the replicated command.
type Entry struct {
	Index        uint64
	Term         uint64
	Header       Header // capability reference already stripped
	Payload      []byte
	PreviousHash [HashSize]byte
	Hash         [HashSize]byte
}
