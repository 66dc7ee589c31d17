// Package models defines the domain types shared across the Headroom
// capacity governance engine: resource handles, usage snapshots, trend
// summaries, demand predictions, policies, actions, audit records, and
// cross-region capacity pool reservations.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ── Resource Handle ──────────────────────────────────────────

// ResourceKind categorizes what a handle's limit counts: instances,
// addresses, connections, gigabytes, and so on. Unit cost rates are
// configured per kind.
type ResourceKind string

const (
	KindInstances   ResourceKind = "instances"
	KindVCPUs       ResourceKind = "vcpus"
	KindAddresses   ResourceKind = "addresses"
	KindConnections ResourceKind = "connections"
	KindStorageGB   ResourceKind = "storage_gb"
	KindThroughput  ResourceKind = "throughput"
)

// ResourceHandle identifies a trackable capacity unit. It is immutable and
// its Key() is the stable partition key for snapshots, actions, and audit.
type ResourceHandle struct {
	Service string       `json:"service"`  // provider scope, e.g. "ec2"
	LimitID string       `json:"limit_id"` // e.g. "L-1216C47A"
	Region  string       `json:"region"`
	Kind    ResourceKind `json:"kind"`
}

// Key returns the canonical "service/limit_id/region" identifier.
func (h ResourceHandle) Key() string {
	return h.Service + "/" + h.LimitID + "/" + h.Region
}

// Validate checks that all handle fields are present.
func (h ResourceHandle) Validate() error {
	if h.Service == "" || h.LimitID == "" || h.Region == "" || h.Kind == "" {
		return fmt.Errorf("handle %q: service, limit_id, region and kind are all required", h.Key())
	}
	return nil
}

// ParseHandleKey splits a "service/limit_id/region" key back into its parts.
// The resource kind is not encoded in the key and is left empty.
func ParseHandleKey(key string) (ResourceHandle, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ResourceHandle{}, fmt.Errorf("invalid handle key %q", key)
	}
	return ResourceHandle{Service: parts[0], LimitID: parts[1], Region: parts[2]}, nil
}

// ── Snapshot ─────────────────────────────────────────────────

// Snapshot is a single timestamped usage/limit reading for a handle.
// Immutable once created; retained in time-ordered per-handle history.
type Snapshot struct {
	Handle    ResourceHandle `json:"handle"`
	Timestamp time.Time      `json:"timestamp"`
	Usage     float64        `json:"usage"`
	Limit     float64        `json:"limit"`
}

// Utilization returns usage as a percentage of the limit, or 0 when the
// limit is unknown.
func (s Snapshot) Utilization() float64 {
	if s.Limit <= 0 {
		return 0
	}
	return s.Usage / s.Limit * 100
}

// ── Trend Summary ────────────────────────────────────────────

// SpikeEvent records a sample that exceeded the rolling baseline by more
// than two standard deviations.
type SpikeEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Usage     float64   `json:"usage"`
	Baseline  float64   `json:"baseline"`
	Ratio     float64   `json:"ratio"`
}

// TrendSummary is the per-cycle statistical digest of a handle's snapshot
// history. Recomputed every cycle; never persisted as source of truth.
type TrendSummary struct {
	Mean             float64      `json:"mean"`
	Variance         float64      `json:"variance"`
	Slope            float64      `json:"slope"` // usage units per day
	Peak             float64      `json:"peak"`
	SampleCount      int          `json:"sample_count"`
	Spikes           []SpikeEvent `json:"spikes,omitempty"`
	InsufficientData bool         `json:"insufficient_data"`
}

// ── Prediction ───────────────────────────────────────────────

// Prediction projects a handle's usage over a horizon. Produced fresh each
// cycle; the predictor degrades to a fallback estimate rather than failing.
type Prediction struct {
	ProjectedUsage float64       `json:"projected_usage"`
	Horizon        time.Duration `json:"horizon"`
	Confidence     float64       `json:"confidence"` // [0,1]
	Fallback       bool          `json:"fallback"`   // derived from the fixed growth factor
}

// IsHighConfidence reports whether the prediction meets the threshold.
func (p Prediction) IsHighConfidence(threshold float64) bool {
	return p.Confidence >= threshold
}

// ── Policy ───────────────────────────────────────────────────

// AutomationLevel is the operator-configured ceiling on how autonomously
// the engine may act for a handle.
type AutomationLevel string

const (
	AutomationMonitor     AutomationLevel = "monitor"      // observe only, never act
	AutomationAlert       AutomationLevel = "alert"        // notify humans, no requests
	AutomationAutoRequest AutomationLevel = "auto_request" // file increase requests via ticket
	AutomationAutoApprove AutomationLevel = "auto_approve" // direct increases at critical+
	AutomationFullAuto    AutomationLevel = "full_auto"    // direct increases including preemptive
)

// IsValid reports whether the level is one of the closed set.
func (l AutomationLevel) IsValid() bool {
	switch l {
	case AutomationMonitor, AutomationAlert, AutomationAutoRequest, AutomationAutoApprove, AutomationFullAuto:
		return true
	}
	return false
}

// BusinessHours is the weekday/hour window in which non-emergency actions
// may run for business_hours_only policies. Hours are in the location named
// by TZ (UTC when empty).
type BusinessHours struct {
	StartHour int    `json:"start_hour"` // inclusive, 0-23
	EndHour   int    `json:"end_hour"`   // exclusive, 1-24
	TZ        string `json:"tz,omitempty"`
}

// Contains reports whether t falls on a weekday inside the window.
func (b BusinessHours) Contains(t time.Time) bool {
	loc := time.UTC
	if b.TZ != "" {
		if l, err := time.LoadLocation(b.TZ); err == nil {
			loc = l
		}
	}
	lt := t.In(loc)
	if lt.Weekday() == time.Saturday || lt.Weekday() == time.Sunday {
		return false
	}
	return lt.Hour() >= b.StartHour && lt.Hour() < b.EndHour
}

// Policy is the long-lived per-handle governance configuration. Owned by
// the operator; read-only to the engine.
type Policy struct {
	ID     string `json:"id"`
	Handle string `json:"handle"` // handle key, or pattern with "*" segments

	AutomationLevel AutomationLevel `json:"automation_level"`

	// Utilization thresholds, percent of limit, ascending severity.
	WarningThreshold   float64 `json:"warning_threshold"`
	CriticalThreshold  float64 `json:"critical_threshold"`
	EmergencyThreshold float64 `json:"emergency_threshold"`

	// Increase sizing bounds.
	MaxIncreaseMultiplier  float64         `json:"max_increase_multiplier"`  // cap on requested/current ratio
	AutoIncreaseMultiplier float64         `json:"auto_increase_multiplier"` // critical severity, default 1.5
	MaxAbsoluteIncrease    float64         `json:"max_absolute_increase"`    // hard ceiling on requested value
	CostCeiling            decimal.Decimal `json:"cost_ceiling"`
	RequiresApproval       bool            `json:"requires_approval"`
	BusinessHoursOnly      bool            `json:"business_hours_only"`
	BusinessHours          BusinessHours   `json:"business_hours,omitempty"`

	// AuditRetentionDays bounds how long this handle's audit trail is kept.
	AuditRetentionDays int `json:"audit_retention_days,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the policy for the configuration errors the engine treats
// as fatal for a handle's cycle: missing or out-of-order thresholds, an
// unknown automation level, or a nonsensical business-hours window.
func (p *Policy) Validate() error {
	if !p.AutomationLevel.IsValid() {
		return fmt.Errorf("policy %s: unknown automation level %q", p.ID, p.AutomationLevel)
	}
	if p.WarningThreshold <= 0 || p.CriticalThreshold <= 0 || p.EmergencyThreshold <= 0 {
		return fmt.Errorf("policy %s: warning, critical and emergency thresholds are all required", p.ID)
	}
	if !(p.WarningThreshold < p.CriticalThreshold && p.CriticalThreshold < p.EmergencyThreshold) {
		return fmt.Errorf("policy %s: thresholds must ascend warning < critical < emergency", p.ID)
	}
	if p.BusinessHoursOnly {
		bh := p.BusinessHours
		if bh.StartHour < 0 || bh.EndHour > 24 || bh.StartHour >= bh.EndHour {
			return fmt.Errorf("policy %s: invalid business hours window %d-%d", p.ID, bh.StartHour, bh.EndHour)
		}
	}
	return nil
}

// Matches reports whether the policy applies to the given handle key.
// A "*" segment in the policy's handle pattern matches any value.
func (p *Policy) Matches(handleKey string) bool {
	if p.Handle == handleKey {
		return true
	}
	pat := strings.Split(p.Handle, "/")
	key := strings.Split(handleKey, "/")
	if len(pat) != len(key) {
		return false
	}
	for i := range pat {
		if pat[i] != "*" && pat[i] != key[i] {
			return false
		}
	}
	return true
}

// ── Severity ─────────────────────────────────────────────────

// Severity grades how close a handle is to exhausting its limit.
type Severity string

const (
	SeverityNone      Severity = "none"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// ── Action ───────────────────────────────────────────────────

// ActionKind is what the engine decided to do about a handle.
type ActionKind string

const (
	ActionNone               ActionKind = "none"
	ActionAlert              ActionKind = "alert"
	ActionRequestIncrease    ActionKind = "request_increase"
	ActionAutoIncrease       ActionKind = "auto_increase"
	ActionPreemptiveIncrease ActionKind = "preemptive_increase"
	ActionEmergencyIncrease  ActionKind = "emergency_increase"
	ActionApprovalPending    ActionKind = "approval_pending"
)

// IsIncrease reports whether the action kind requests more capacity.
func (k ActionKind) IsIncrease() bool {
	switch k {
	case ActionRequestIncrease, ActionAutoIncrease, ActionPreemptiveIncrease, ActionEmergencyIncrease:
		return true
	}
	return false
}

// ActionStatus is the lifecycle state of an Action.
type ActionStatus string

const (
	StatusProposed        ActionStatus = "proposed"
	StatusPendingApproval ActionStatus = "pending_approval"
	StatusExecuting       ActionStatus = "executing"
	StatusSucceeded       ActionStatus = "succeeded"
	StatusFailed          ActionStatus = "failed"
	StatusDenied          ActionStatus = "denied"
	StatusExpired         ActionStatus = "expired"
)

// IsTerminal reports whether the status ends the action's lifecycle.
func (s ActionStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusDenied, StatusExpired:
		return true
	}
	return false
}

// Action is a decided or executing unit of capacity work. At most one
// non-terminal Action exists per handle at any time; the store enforces
// this at persistence time.
type Action struct {
	ID             string          `json:"id"`
	Handle         ResourceHandle  `json:"handle"`
	Kind           ActionKind      `json:"kind"`
	Severity       Severity        `json:"severity"`
	CurrentLimit   float64         `json:"current_limit"`
	RequestedValue float64         `json:"requested_value"`
	EstimatedCost  decimal.Decimal `json:"estimated_cost"`
	Status         ActionStatus    `json:"status"`
	Reason         string          `json:"reason,omitempty"`

	// TicketID is set when execution fell back to the manual support path.
	TicketID string `json:"ticket_id,omitempty"`
	// WorkflowID links a pending_approval action to its approval workflow.
	WorkflowID string `json:"workflow_id,omitempty"`

	// ExpiresAt bounds how long a pending approval may wait before the
	// coordinator's sweep expires the action.
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// ── Audit ────────────────────────────────────────────────────

// AuditRecord captures one action status transition. Append-only; never
// mutated or deleted inside the retention window.
type AuditRecord struct {
	ID         string       `json:"id"`
	ActionID   string       `json:"action_id"`
	Handle     string       `json:"handle"` // handle key
	PrevStatus ActionStatus `json:"prev_status"`
	NewStatus  ActionStatus `json:"new_status"`
	Actor      string       `json:"actor"`
	Detail     string       `json:"detail,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// AuditFilter selects audit records by handle and time range.
type AuditFilter struct {
	Handle   string
	ActionID string
	Since    *time.Time
	Until    *time.Time
	Limit    int
}

// ── Capacity Pool ────────────────────────────────────────────

// PoolRecord is the versioned shared headroom pool for one (region, kind).
// Updates must carry the version read; the store rejects stale writes so
// concurrent coordination runs cannot double-allocate.
type PoolRecord struct {
	Region    string       `json:"region"`
	Kind      ResourceKind `json:"kind"`
	Capacity  float64      `json:"capacity"`
	Reserved  float64      `json:"reserved"`
	Version   int64        `json:"version"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Available returns the unreserved headroom.
func (p PoolRecord) Available() float64 {
	return p.Capacity - p.Reserved
}

// PoolKey returns the "region/kind" index key.
func (p PoolRecord) PoolKey() string {
	return p.Region + "/" + string(p.Kind)
}

// Reservation is a claim against a regional pool for a failover scenario.
// Unconsumed reservations are reclaimed after ExpiresAt.
type Reservation struct {
	ID        string       `json:"id"`
	Region    string       `json:"region"`
	Kind      ResourceKind `json:"kind"`
	Amount    float64      `json:"amount"`
	Scenario  string       `json:"scenario"` // failover event this headroom is held for
	Consumed  bool         `json:"consumed"`
	CreatedAt time.Time    `json:"created_at"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// ── Notification Channels ────────────────────────────────────

// ChannelKind identifies a notification transport.
type ChannelKind string

const (
	ChannelWebhook ChannelKind = "webhook"
	ChannelEmail   ChannelKind = "email"
	ChannelSlack   ChannelKind = "slack"
)

// NotificationChannel is a configured notification destination.
type NotificationChannel struct {
	Name       string      `json:"name"`
	Kind       ChannelKind `json:"kind"`
	URL        string      `json:"url,omitempty"`
	Secret     string      `json:"secret,omitempty"` // HMAC signing key for webhooks
	Recipients []string    `json:"recipients,omitempty"`
	// Severities filters which severities the channel receives; empty = all.
	Severities []Severity             `json:"severities,omitempty"`
	Config     map[string]interface{} `json:"config,omitempty"`
	Active     bool                   `json:"active"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Subscribes reports whether the channel wants events of the severity.
func (c *NotificationChannel) Subscribes(sev Severity) bool {
	if len(c.Severities) == 0 {
		return true
	}
	for _, s := range c.Severities {
		if s == sev {
			return true
		}
	}
	return false
}
