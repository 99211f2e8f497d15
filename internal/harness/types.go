package harness

// DocState is one peer's converged view of a document.
type DocState struct {
	Content  map[string]any `json:"content"`
	Actors   int            `json:"actors"`
	Writable bool           `json:"writable"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Errors contains assertion failure messages.
	Errors []string `json:"errors,omitempty"`

	// Peers holds each peer's final view, keyed by peer then document alias.
	Peers map[string]map[string]DocState `json:"peers"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
		Peers:  make(map[string]map[string]DocState),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
