// Package checkpoint persists run progress so an interrupted run can
// resume without redoing completed steps. One working directory owns
// exactly one checkpoint record, written atomically after every step
// that reaches a terminal state.
package checkpoint
