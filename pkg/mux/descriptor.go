package mux

// Descriptor is the only thing that crosses the wire for a bulk-path
// transfer (spec §4.9: "region id, length, hash"). Hash is a hex-encoded
// sha256 of the payload, verified by the receiver against what it reads
// back out of the shared region before the reconstructed Frame is
// handed upward.
type Descriptor struct {
	RegionID uint32
	Length   uint32
	Hash     string
}
