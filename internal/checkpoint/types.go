package checkpoint

import (
	"time"

	"github.com/fyrsmithlabs/stepflow/internal/memory"
	"github.com/fyrsmithlabs/stepflow/internal/step"
)

// Record is the persisted state of one run over a working directory.
// CompletedOrdinals lists steps that reached terminal success; on
// resume those steps are skipped and file memory is replayed from the
// Files map.
type Record struct {
	RunID             string            `json:"run_id"`
	Task              string            `json:"task"`
	Language          string            `json:"language"`
	Steps             []step.Step       `json:"steps"`
	CompletedOrdinals []int             `json:"completed_ordinals"`
	Files             map[string]string `json:"files"`
	Changes           []memory.Change   `json:"changes,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Completed reports whether an ordinal already finished successfully.
func (r *Record) Completed(ordinal int) bool {
	for _, o := range r.CompletedOrdinals {
		if o == ordinal {
			return true
		}
	}
	return false
}

// MarkCompleted records an ordinal as done, once.
func (r *Record) MarkCompleted(ordinal int) {
	if !r.Completed(ordinal) {
		r.CompletedOrdinals = append(r.CompletedOrdinals, ordinal)
	}
}
