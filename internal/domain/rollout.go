package domain

import "time"

// RolloutState is the normalized state enumeration for a staged rollout.
// Spec §9 calls out the source's inconsistent state spellings as a bug;
// this enum is the only vocabulary the rollout controller ever produces.
type RolloutState string

const (
	RolloutPending       RolloutState = "pending"
	RolloutCanaryTesting RolloutState = "canary_testing"
	RolloutCanaryPassed  RolloutState = "canary_passed"
	RolloutCanaryFailed  RolloutState = "canary_failed"
	RolloutRollingOut    RolloutState = "rolling_out"
	RolloutPaused        RolloutState = "paused"
	RolloutCompleted     RolloutState = "completed"
	RolloutRolledBack    RolloutState = "rolled_back"
)

// Terminal reports whether no further transitions are expected.
func (s RolloutState) Terminal() bool {
	return s == RolloutCompleted || s == RolloutRolledBack
}

// OrgAssignment records one org's build assignment history entry.
type OrgAssignment struct {
	OrgID string
	From  string
	To    string
	At    time.Time
}

// Rollout is a staged deployment of a build to organizations on a channel.
type Rollout struct {
	RolloutID         string
	TargetBuildID     string
	Channel           Channel
	State             RolloutState
	CurrentPercentage int
	TargetPercentage  int
	StartedAt         time.Time
	LastUpdatedAt     time.Time
	AffectedOrgs      []OrgAssignment
	CanaryResultRef   string
	Error             string
}

func (r Rollout) Clone() Rollout {
	cp := r
	cp.AffectedOrgs = append([]OrgAssignment(nil), r.AffectedOrgs...)
	return cp
}

// RolloutEventType names the append-only rollout event log entries.
type RolloutEventType string

const (
	EventRolloutStarted    RolloutEventType = "rollout_started"
	EventStageAdvanced     RolloutEventType = "stage_advanced"
	EventRolloutCompleted  RolloutEventType = "rollout_completed"
	EventRollbackInitiated RolloutEventType = "rollback_initiated"
	EventRollbackCompleted RolloutEventType = "rollback_completed"
)

// RolloutEvent is one append-only log entry for a rollout.
type RolloutEvent struct {
	SeqNo     int64
	RolloutID string
	Type      RolloutEventType
	At        time.Time
	Detail    string
}

// ChannelConfig is the fixed per-channel policy (spec §3, table).
type ChannelConfig struct {
	Channel          Channel
	RequiresCanary   bool
	CanaryThreshold  float64
	RolloutStages    []int
	RolloutDelay     time.Duration
}

// ChannelConfigs is the fixed channel configuration table.
var ChannelConfigs = map[Channel]ChannelConfig{
	ChannelStable: {
		Channel:         ChannelStable,
		RequiresCanary:  true,
		CanaryThreshold: 0.95,
		RolloutStages:   []int{1, 10, 50, 100},
		RolloutDelay:    24 * time.Hour,
	},
	ChannelBeta: {
		Channel:         ChannelBeta,
		RequiresCanary:  true,
		CanaryThreshold: 0.80,
		RolloutStages:   []int{10, 50, 100},
		RolloutDelay:    6 * time.Hour,
	},
	ChannelPinned: {
		Channel:         ChannelPinned,
		RequiresCanary:  false,
		CanaryThreshold: 0,
		RolloutStages:   []int{100},
		RolloutDelay:    0,
	},
}

// OrgRuntimeConfig drives which rollouts an org is eligible for.
type OrgRuntimeConfig struct {
	OrgID          string
	Channel        Channel
	PinnedBuildID  string
	BetaOptIn      bool
	AutoUpgrade    bool
	Notifications  bool
	EnterpriseApprovalRequired bool
	UpdatedAt      time.Time
	UpdatedBy      string
}

func (c OrgRuntimeConfig) Clone() OrgRuntimeConfig { return c }
