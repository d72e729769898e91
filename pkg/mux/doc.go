// Package mux implements the Transport Mux (C9): the inline-vs-bulk
// payload path. Payloads at or below shmem_threshold travel in-band over
// the Framed Transport (C1) exactly as any other frame; payloads above
// the threshold, or frames requesting broadcast-plus-bulk, are instead
// written into a bounded producer-consumer ring-buffer region and only a
// descriptor (region id, length, hash) crosses the wire. Because this
// substrate is an in-process runtime (spec's overview), both ends of a
// connection share the same Go heap, so the "named region" real shared
// memory would occupy is simulated with an in-process RegionPool handed
// to both Mux endpoints at construction, rather than a kernel-level SHM
// segment — that is explicitly out of scope for this substrate (the
// hardware/driver Non-goal).
package mux
