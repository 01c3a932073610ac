// Package drawbridge contains the shared data model for the Drawbridge
// collaborative drawing server: opaque scene elements, viewport and file
// metadata records, and the operation vocabulary shared by the durable
// store and the session engine.
//
// The server never validates element schemas. Elements are carried as
// raw JSON and passed through verbatim; the only interpretation applied
// is the projection of the two synthetic viewport types (see
// SplitSynthetic).
package drawbridge
