package models

import "time"

// NodeState represents the current state of a node in its lifecycle.
type NodeState string

const (
	// StatePending indicates the node is waiting on dependencies.
	StatePending NodeState = "PENDING"
	// StateReady indicates all dependencies are completed and the node can dispatch.
	StateReady NodeState = "READY"
	// StateAssigned indicates the node has been claimed for dispatch this cycle.
	StateAssigned NodeState = "ASSIGNED"
	// StateWorking indicates the node has been handed to a remote worker.
	StateWorking NodeState = "WORKING"
	// StateAwaitingValidation indicates the remote worker stopped and asked for input.
	StateAwaitingValidation NodeState = "AWAITING_VALIDATION"
	// StateCompleted indicates the node finished successfully.
	StateCompleted NodeState = "COMPLETED"
	// StateFailed indicates the node finished unsuccessfully.
	StateFailed NodeState = "FAILED"
	// StateCancelled indicates the node was cancelled before completion.
	StateCancelled NodeState = "CANCELLED"
	// StateBlocked indicates the node cannot proceed.
	StateBlocked NodeState = "BLOCKED"
)

// Valid returns true if the state is a known value.
func (s NodeState) Valid() bool {
	switch s {
	case StatePending, StateReady, StateAssigned, StateWorking,
		StateAwaitingValidation, StateCompleted, StateFailed,
		StateCancelled, StateBlocked:
		return true
	default:
		return false
	}
}

// Terminal returns true if the state is final for the node.
func (s NodeState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a sanctioned
// transition. Moving a node backward (e.g. FAILED back to PENDING) is only
// allowed through an explicit replan or retry, which the graph exposes as
// dedicated mutations rather than a state update.
func (s NodeState) CanTransition(next NodeState) bool {
	if !next.Valid() {
		return false
	}
	// Any non-terminal state may be cancelled or blocked.
	if !s.Terminal() && (next == StateCancelled || next == StateBlocked) {
		return true
	}
	switch s {
	case StatePending:
		return next == StateReady
	case StateReady:
		return next == StateAssigned
	case StateAssigned:
		// ASSIGNED reverts to READY when no worker is registered for the
		// node's capability.
		return next == StateWorking || next == StateReady
	case StateWorking:
		// WORKING reverts to READY when the invocation never produced a
		// result, e.g. the worker refused the submit or the artifact store
		// was unreachable when recording the output.
		return next == StateCompleted || next == StateFailed ||
			next == StateAwaitingValidation || next == StateReady
	case StateAwaitingValidation:
		return next == StateCompleted || next == StateFailed
	case StateBlocked:
		return next == StatePending || next == StateReady
	default:
		return false
	}
}

// NodeKind determines a node's post-completion behavior.
type NodeKind string

const (
	// KindExecutable is a plain unit of work with no post-completion expansion.
	KindExecutable NodeKind = "EXECUTABLE"
	// KindExploratory produces a specification for new child nodes on success.
	KindExploratory NodeKind = "EXPLORATORY"
	// KindContainer groups child nodes under one parent. It is dispatched
	// like an executable node and has no post-completion expansion.
	KindContainer NodeKind = "CONTAINER"
	// KindDecomposition breaks its objective into new child nodes on success.
	KindDecomposition NodeKind = "DECOMPOSITION"
	// KindReformulate is the rewrite step of the linear pipeline.
	KindReformulate NodeKind = "REFORMULATE"
	// KindEvaluate is the solve step of the linear pipeline.
	KindEvaluate NodeKind = "EVALUATE"
	// KindValidate is the accept/reject step of the linear pipeline.
	KindValidate NodeKind = "VALIDATE"
)

// Valid returns true if the kind is a known value.
func (k NodeKind) Valid() bool {
	switch k {
	case KindExecutable, KindExploratory, KindContainer, KindDecomposition,
		KindReformulate, KindEvaluate, KindValidate:
		return true
	default:
		return false
	}
}

// Expands returns true if a successful completion of this kind yields a
// specification for new child nodes.
func (k NodeKind) Expands() bool {
	return k == KindDecomposition || k == KindExploratory
}

// HistoryEntry records a single state transition on a node. The history log
// is append-only and never pruned.
type HistoryEntry struct {
	// From is the state the node left.
	From NodeState `json:"from"`
	// To is the state the node entered.
	To NodeState `json:"to"`
	// At is when the transition happened.
	At time.Time `json:"at"`
	// Details carries free-form context for the transition.
	Details string `json:"details,omitempty"`
}

// Node represents a unit of work in an execution graph.
type Node struct {
	// ID is the unique, lifetime-stable identifier for this node.
	ID string `json:"id"`
	// ParentID is the ID of the node that spawned or contains this one, if any.
	ParentID string `json:"parent_id,omitempty"`
	// ChildIDs lists nodes whose ParentID is this node, in insertion order.
	ChildIDs []string `json:"child_ids,omitempty"`
	// Dependencies lists node IDs that must complete before this node runs.
	Dependencies []string `json:"dependencies,omitempty"`
	// Kind determines post-completion behavior.
	Kind NodeKind `json:"kind"`
	// State is the current lifecycle state.
	State NodeState `json:"state"`
	// Capability is the symbolic worker skill this node requires. It is
	// resolved to a concrete endpoint at dispatch time and never stored.
	Capability string `json:"capability,omitempty"`
	// Name is a short human-readable label.
	Name string `json:"name,omitempty"`
	// Objective is the task specification handed to the worker, opaque here.
	Objective string `json:"objective,omitempty"`
	// Instructions carries additional worker guidance, opaque here.
	Instructions string `json:"instructions,omitempty"`
	// AcceptanceCriteria defines completion criteria, opaque here.
	AcceptanceCriteria string `json:"acceptance_criteria,omitempty"`
	// InputRefs maps named inputs to artifact store IDs, resolved before dispatch.
	InputRefs map[string]string `json:"input_refs,omitempty"`
	// OutputRef is the artifact ID of this node's result. Set once on
	// completion and immutable afterwards.
	OutputRef string `json:"output_ref,omitempty"`
	// History is the append-only log of state transitions.
	History []HistoryEntry `json:"history,omitempty"`
	// Meta is an open extension bag (local decomposition IDs, revision
	// counters, diagnostics).
	Meta map[string]string `json:"meta,omitempty"`
	// CreatedAt is when the node was created.
	CreatedAt time.Time `json:"created_at"`
}

// Well-known Meta keys.
const (
	// MetaLocalID is the worker-local task ID a decomposed node was born with.
	MetaLocalID = "local_id"
	// MetaMaxRevisions bounds the linear pipeline revision loop. Stored on
	// the root node.
	MetaMaxRevisions = "max_revisions"
	// MetaRevision is the revision number of a reformulation node.
	MetaRevision = "revision"
	// MetaDiagnostic carries the last failure diagnostic for the node.
	MetaDiagnostic = "diagnostic"
)

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	c := *n
	c.ChildIDs = append([]string(nil), n.ChildIDs...)
	c.Dependencies = append([]string(nil), n.Dependencies...)
	c.History = append([]HistoryEntry(nil), n.History...)
	if n.InputRefs != nil {
		c.InputRefs = make(map[string]string, len(n.InputRefs))
		for k, v := range n.InputRefs {
			c.InputRefs[k] = v
		}
	}
	if n.Meta != nil {
		c.Meta = make(map[string]string, len(n.Meta))
		for k, v := range n.Meta {
			c.Meta[k] = v
		}
	}
	return &c
}

// MetaValue returns the meta value for key, or "" when absent.
func (n *Node) MetaValue(key string) string {
	if n.Meta == nil {
		return ""
	}
	return n.Meta[key]
}

// SetMeta sets a meta value, allocating the bag on first use.
func (n *Node) SetMeta(key, value string) {
	if n.Meta == nil {
		n.Meta = make(map[string]string)
	}
	n.Meta[key] = value
}
