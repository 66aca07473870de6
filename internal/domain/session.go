package domain

import "time"

// SessionState is a node in the Session Coordinator's lifecycle state
// machine (spec §4.1).
type SessionState string

const (
	SessionCreated            SessionState = "CREATED"
	SessionPreparingWorkspace SessionState = "PREPARING_WORKSPACE"
	SessionStartingProvider   SessionState = "STARTING_PROVIDER"
	SessionRunning            SessionState = "RUNNING"
	SessionWaitingForApproval SessionState = "WAITING_FOR_APPROVAL"
	SessionPausedByHuman      SessionState = "PAUSED_BY_HUMAN"
	SessionStopping           SessionState = "STOPPING"
	SessionCompleted          SessionState = "COMPLETED"
	SessionFailed             SessionState = "FAILED"
	SessionTimedOut           SessionState = "TIMED_OUT"
)

// Terminal reports whether s is a terminal lifecycle state.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionTimedOut:
		return true
	default:
		return false
	}
}

// Repo identifies the git repository a session operates against.
type Repo struct {
	URL    string
	Branch string
	Commit string
}

// Workspace is the on-runner checkout backing a session.
type Workspace struct {
	Path      string
	SizeBytes *int64
}

// Usage is monotonically non-decreasing resource consumption for a session.
type Usage struct {
	TokensIn       int64
	TokensOut      int64
	APICalls       int64
	ComputeSeconds float64
}

// Add returns u with delta applied, never decreasing any field below its
// current value (invariant I4).
func (u Usage) Add(delta Usage) Usage {
	return Usage{
		TokensIn:       u.TokensIn + max0(delta.TokensIn),
		TokensOut:      u.TokensOut + max0(delta.TokensOut),
		APICalls:       u.APICalls + max0(delta.APICalls),
		ComputeSeconds: u.ComputeSeconds + maxF0(delta.ComputeSeconds),
	}
}

func max0(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func maxF0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// ApprovalAction is the fixed enum of gated actions an agent may request.
type ApprovalAction string

const (
	ActionMerge      ApprovalAction = "merge"
	ActionDepsAdd    ApprovalAction = "deps_add"
	ActionSecrets    ApprovalAction = "secrets"
	ActionDeploy     ApprovalAction = "deploy"
)

// ApprovalRequest is a pending human-in-the-loop gate on a session.
type ApprovalRequest struct {
	ApprovalID  string
	SessionID   string
	Action      ApprovalAction
	Description string
	RequestedAt time.Time
	Context     map[string]any
}

// ApprovalDecision is the outcome of resolving an ApprovalRequest.
type ApprovalDecision string

const (
	DecisionAllow ApprovalDecision = "allow"
	DecisionDeny  ApprovalDecision = "deny"
	// DecisionAutoApproved marks an approval the Session Coordinator resolved
	// itself because no configured gating rule matched the request's context.
	DecisionAutoApproved ApprovalDecision = "auto_approved"
)

// Session is the full record of one agent run (spec §3).
type Session struct {
	SessionID   string
	OrgID       string
	ProviderID  ProviderID
	Repo        Repo
	Workspace   Workspace
	Task        string
	RunnerID    string
	StartedAt   time.Time
	CompletedAt *time.Time
	Usage       Usage
	State       SessionState
	StopReason  string

	PendingApprovals []ApprovalRequest
}

// Clone returns a deep copy so callers can never mutate coordinator-owned
// state through a returned snapshot.
func (s Session) Clone() Session {
	cp := s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	if s.Workspace.SizeBytes != nil {
		v := *s.Workspace.SizeBytes
		cp.Workspace.SizeBytes = &v
	}
	cp.PendingApprovals = make([]ApprovalRequest, len(s.PendingApprovals))
	for i, a := range s.PendingApprovals {
		acp := a
		if a.Context != nil {
			acp.Context = make(map[string]any, len(a.Context))
			for k, v := range a.Context {
				acp.Context[k] = v
			}
		}
		cp.PendingApprovals[i] = acp
	}
	return cp
}

// CreateOptions customizes session creation (spec §4.1 Create).
type CreateOptions struct {
	TimeoutMinutes *int
}

// SessionSummary is the reduced shape returned from List operations.
type SessionSummary struct {
	SessionID  string
	OrgID      string
	ProviderID ProviderID
	State      SessionState
	RunnerID   string
	StartedAt  time.Time
}

// Summarize reduces a Session to its list-view shape.
func (s Session) Summarize() SessionSummary {
	return SessionSummary{
		SessionID:  s.SessionID,
		OrgID:      s.OrgID,
		ProviderID: s.ProviderID,
		State:      s.State,
		RunnerID:   s.RunnerID,
		StartedAt:  s.StartedAt,
	}
}
