package models

// SubQuery is one decomposed research question assigned to one agent
// invocation. Transient:
// it lives only for the duration of the job that produced it.
type SubQuery struct {
	AgentID string // unique within a job
	Query   string
	Role    string // e.g. "general", "technical", "critique" — planner-assigned
	Model   string // optional planner hint; when set, replaces the model name on every research tier tried for this sub-query
}

// AgentResult is the outcome of running one SubQuery.
type AgentResult struct {
	AgentID string
	Query   string
	Model   string
	Result  string
	Error   string // set when the sub-query failed after tier fallback exhaustion
	Sources []string
}

// Ensemble is the full set of AgentResults for one planning iteration.
type Ensemble struct {
	Iteration int
	Results   []AgentResult
}

// SuccessCount returns the number of AgentResults with no error.
func (e Ensemble) SuccessCount() int {
	n := 0
	for _, r := range e.Results {
		if r.Error == "" {
			n++
		}
	}
	return n
}

// Plan is the Planning Agent's output for one iteration: an ordered list
// of sub-query assignments, plus whether the planner judged coverage
// complete.
type Plan struct {
	SubQueries []SubQuery
	Terminal   bool // planner emitted a terminal marker: no further iterations needed
}
