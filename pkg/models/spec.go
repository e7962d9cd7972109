package models

// ChildSpec is one entry of the structured task list a decomposition or
// exploratory worker returns. IDs in this structure are local to the worker's
// response; the scheduler remaps them to global node IDs before insertion.
type ChildSpec struct {
	// LocalID is the worker-assigned ID, referenced by DependsOn entries
	// within the same batch.
	LocalID string `json:"id"`
	// Name is a short human-readable label.
	Name string `json:"name,omitempty"`
	// Kind is the node kind for the new child. Empty means EXECUTABLE.
	Kind NodeKind `json:"kind,omitempty"`
	// Capability is the worker skill the child requires.
	Capability string `json:"capability"`
	// Objective is the task specification for the child.
	Objective string `json:"objective"`
	// Instructions carries additional worker guidance.
	Instructions string `json:"instructions,omitempty"`
	// AcceptanceCriteria defines completion criteria.
	AcceptanceCriteria string `json:"acceptance_criteria,omitempty"`
	// DependsOn lists local IDs of batch siblings that must complete first.
	DependsOn []string `json:"depends_on,omitempty"`
	// InputRefs maps named inputs to artifact IDs.
	InputRefs map[string]string `json:"input_refs,omitempty"`
}

// Verdict is the structured artifact a validation worker returns on the
// linear pipeline. A rejected verdict triggers a bounded revision loop.
type Verdict struct {
	// Accepted is true when the validated work passes.
	Accepted bool `json:"accepted"`
	// Feedback explains a rejection and is embedded into the next
	// reformulation objective.
	Feedback string `json:"feedback,omitempty"`
}
