// Package kernel wires every numbered component of the substrate (C3
// through C9) into one running node and hands the assembled whole to
// pkg/supervisor (C10) for startup ordering, restart, and shutdown. It is
// the in-process analogue of the teacher's pkg/manager.Manager: the
// single place that knows every component's constructor and the order
// spec §3's acyclic call graph requires them built in.
package kernel
