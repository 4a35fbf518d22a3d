// Package twinstack provides a library for synchronising digital twins; A
// digital twin is a virtual document representation of a real-world asset or
// device - maintained by digesting measurement streams from provisioned
// devices and API callers in order to produce a consistent view about the
// system-of-interest.
//
// Twins live in per-tenant document indexes (one index per engine) and carry
// two denormalised projections: the most recent measurement per declared slot,
// and the twin's half of any device-asset link. The immutable records of the
// measures collection remain the source of truth; everything on a twin
// document can be rebuilt from them.
//
// The package is organised around a small set of collaborators wired together
// by the embedding application: a Storage document store, a Locker serialising
// per-twin mutations, the IngestionPipeline, the LinkManager, the
// ModelRegistry, the QueryService and the TwinService.
package twinstack
