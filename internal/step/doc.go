// Package step defines the canonical plan step model and the dependency
// wave builder.
//
// A plan is an ordered list of steps with 1-based ordinals. Dependencies
// may only reference earlier ordinals, so the plan is a DAG by
// construction. The wave builder partitions the plan into ordered waves
// of mutually independent steps: every step lands in the earliest wave
// permitted by its dependencies, which maximizes parallelism.
package step
