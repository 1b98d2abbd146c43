// Package field defines the constrained value types carried by entity
// snapshots and mutation events, typed comparison across those values,
// and canonical JSON serialization for audit records and golden traces.
//
// Values are a sealed set: Null, String, Number, Bool, List, Object.
// Everything that crosses the engine boundary is converted into these
// types at the edge, so the evaluator never touches ambient interface{}
// data of unknown shape.
package field
