// Package policy decides what action, if any, a handle's utilization
// warrants. The evaluator is deterministic given its inputs: utilization
// and prediction in, at most one proposed Action out. Automation levels
// form a closed enum and the (level, severity) pair resolves through an
// explicit mapping table rather than string dispatch.
package policy

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/headroomhq/headroom/pkg/contracts"
	"github.com/headroomhq/headroom/pkg/models"
)

// Severity multipliers for sizing increase requests.
const (
	EmergencyMultiplier       = 2.0
	DefaultCriticalMultiplier = 1.5
	WarningMultiplier         = 1.2
)

// HighConfidenceThreshold marks forecast-driven actions whose projection
// the operator should double-check.
const HighConfidenceThreshold = 0.7

// ConfigError marks a malformed policy: fatal for the handle's cycle,
// surfaced to the operator, never retried.
type ConfigError struct {
	PolicyID string
	Err      error
}

func (e *ConfigError) Error() string {
	return "policy configuration error (" + e.PolicyID + "): " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// actionTable maps (automation level, severity) to the candidate action
// kind. Monitor never acts; alert-only never escalates past notification,
// even in an emergency, because the operator explicitly withheld
// automation. Preemptive increases are reserved for full_auto.
var actionTable = map[models.AutomationLevel]map[models.Severity]models.ActionKind{
	models.AutomationMonitor: {
		models.SeverityWarning:   models.ActionNone,
		models.SeverityCritical:  models.ActionNone,
		models.SeverityEmergency: models.ActionNone,
	},
	models.AutomationAlert: {
		models.SeverityWarning:   models.ActionAlert,
		models.SeverityCritical:  models.ActionAlert,
		models.SeverityEmergency: models.ActionAlert,
	},
	models.AutomationAutoRequest: {
		models.SeverityWarning:   models.ActionAlert,
		models.SeverityCritical:  models.ActionRequestIncrease,
		models.SeverityEmergency: models.ActionEmergencyIncrease,
	},
	models.AutomationAutoApprove: {
		models.SeverityWarning:   models.ActionAlert,
		models.SeverityCritical:  models.ActionAutoIncrease,
		models.SeverityEmergency: models.ActionEmergencyIncrease,
	},
	models.AutomationFullAuto: {
		models.SeverityWarning:   models.ActionPreemptiveIncrease,
		models.SeverityCritical:  models.ActionAutoIncrease,
		models.SeverityEmergency: models.ActionEmergencyIncrease,
	},
}

// Evaluator turns utilization and predictions into proposed Actions.
type Evaluator struct {
	costs contracts.CostModel

	// now is injectable for business-hours tests.
	now func() time.Time
}

// NewEvaluator creates an evaluator using the given cost model.
func NewEvaluator(costs contracts.CostModel) *Evaluator {
	return &Evaluator{costs: costs, now: time.Now}
}

// WithClock overrides the evaluator's clock. Test hook.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Evaluate decides the action for one handle this cycle, given the
// handle's most recent action. It returns nil when no action is
// warranted: healthy utilization, monitor-level policy, business-hours
// suppression, an already-open action (coalescing), or a succeeded
// increase whose new limit has not landed yet. A malformed policy yields
// a ConfigError.
func (e *Evaluator) Evaluate(pol *models.Policy, current models.Snapshot, pred models.Prediction, last *models.Action) (*models.Action, error) {
	if err := pol.Validate(); err != nil {
		return nil, &ConfigError{PolicyID: pol.ID, Err: err}
	}

	// Coalescing: one non-terminal action per handle. The store re-checks
	// at persistence time; this check just avoids pointless evaluation.
	if last != nil && !last.Status.IsTerminal() {
		return nil, nil
	}

	maxUtil := maxUtilization(current, pred)
	severity := e.classify(pol, maxUtil)
	if severity == models.SeverityNone {
		return nil, nil
	}

	// A succeeded action covers the breach until the provider's limit
	// actually moves. Re-running a cycle against an unchanged snapshot
	// must not duplicate the request; only a limit change or a worse
	// severity re-opens the handle.
	if last != nil && last.Status == models.StatusSucceeded &&
		current.Limit == last.CurrentLimit &&
		severityRank(severity) <= severityRank(last.Severity) {
		return nil, nil
	}

	kind := actionTable[pol.AutomationLevel][severity]
	if kind == models.ActionNone {
		return nil, nil
	}

	// Business-hours policies suppress non-emergency work outside the
	// window; emergencies always run.
	if pol.BusinessHoursOnly && severity != models.SeverityEmergency && !pol.BusinessHours.Contains(e.now()) {
		return nil, nil
	}

	action := &models.Action{
		ID:           uuid.New().String(),
		Handle:       current.Handle,
		Kind:         kind,
		Severity:     severity,
		CurrentLimit: current.Limit,
		Status:       models.StatusProposed,
		CreatedAt:    e.now().UTC(),
		Reason: fmt.Sprintf("utilization %.1f%% breached %s threshold (usage %.0f, predicted %.0f, limit %.0f)",
			maxUtil, severity, current.Usage, pred.ProjectedUsage, current.Limit),
	}

	// Flag forecast-driven breaches the model is unsure about.
	if pred.ProjectedUsage > current.Usage && !pred.IsHighConfidence(HighConfidenceThreshold) {
		action.Reason += fmt.Sprintf("; forecast confidence %.2f", pred.Confidence)
	}

	if kind.IsIncrease() {
		action.RequestedValue = requestedValue(pol, current.Limit, severity)
		action.EstimatedCost = e.estimateCost(current.Handle, current.Limit, action.RequestedValue)

		// Cost gate: human approval when the estimated cost exceeds the
		// ceiling. Wins over every automation level, including full_auto.
		if pol.RequiresApproval && action.EstimatedCost.GreaterThan(pol.CostCeiling) {
			action.Kind = models.ActionApprovalPending
			action.Reason += fmt.Sprintf("; estimated cost %s exceeds ceiling %s, approval required",
				action.EstimatedCost.StringFixed(2), pol.CostCeiling.StringFixed(2))
		}
	}

	return action, nil
}

// maxUtilization is the worse of current and predicted utilization, as a
// percentage of the limit.
func maxUtilization(current models.Snapshot, pred models.Prediction) float64 {
	if current.Limit <= 0 {
		return 0
	}
	usage := current.Usage
	if pred.ProjectedUsage > usage {
		usage = pred.ProjectedUsage
	}
	return usage / current.Limit * 100
}

// severityRank orders severities for escalation checks.
func severityRank(s models.Severity) int {
	switch s {
	case models.SeverityEmergency:
		return 3
	case models.SeverityCritical:
		return 2
	case models.SeverityWarning:
		return 1
	}
	return 0
}

// classify grades utilization against the policy thresholds, most severe
// first.
func (e *Evaluator) classify(pol *models.Policy, utilization float64) models.Severity {
	switch {
	case utilization >= pol.EmergencyThreshold:
		return models.SeverityEmergency
	case utilization >= pol.CriticalThreshold:
		return models.SeverityCritical
	case utilization >= pol.WarningThreshold:
		return models.SeverityWarning
	}
	return models.SeverityNone
}

// requestedValue sizes the increase: limit × severity multiplier, capped
// by the policy's multiplier ceiling and absolute ceiling, and never below
// the current limit.
func requestedValue(pol *models.Policy, currentLimit float64, severity models.Severity) float64 {
	mult := WarningMultiplier
	switch severity {
	case models.SeverityEmergency:
		mult = EmergencyMultiplier
	case models.SeverityCritical:
		mult = pol.AutoIncreaseMultiplier
		if mult <= 1 {
			mult = DefaultCriticalMultiplier
		}
	}
	if pol.MaxIncreaseMultiplier > 1 && mult > pol.MaxIncreaseMultiplier {
		mult = pol.MaxIncreaseMultiplier
	}

	requested := currentLimit * mult
	if pol.MaxAbsoluteIncrease > 0 && requested > pol.MaxAbsoluteIncrease {
		requested = pol.MaxAbsoluteIncrease
	}
	if requested < currentLimit {
		requested = currentLimit
	}
	return requested
}

// estimateCost prices the delta between requested and current limit using
// the configured per-kind unit rate.
func (e *Evaluator) estimateCost(handle models.ResourceHandle, currentLimit, requested float64) decimal.Decimal {
	delta := decimal.NewFromFloat(requested - currentLimit)
	if delta.IsNegative() {
		return decimal.Zero
	}
	return delta.Mul(e.costs.UnitRate(handle.Kind, handle.Region))
}
