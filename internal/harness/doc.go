// Package harness runs end-to-end automation scenarios against the
// real engine: a fresh in-memory task store, an in-memory entity
// store, and CUE configuration loaded per scenario.
//
// A scenario is a YAML file that seeds entities, submits mutations and
// task completions, then asserts on the resulting tasks, effects, and
// entity fields. Every run is deterministic: sequence IDs come from a
// counter generator, wall time is frozen at the scenario's `now`, and
// the engine is drained after each step so effects land in a stable
// order. The effect trace is compared against golden files with
// goldie; regenerate with `go test ./internal/harness -update`.
package harness
