package policy

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/headroomhq/headroom/pkg/contracts"
	"github.com/headroomhq/headroom/pkg/models"
)

func testPolicy(level models.AutomationLevel) *models.Policy {
	return &models.Policy{
		ID:                 "pol-1",
		Handle:             "ec2/L-1216C47A/us-east-1",
		AutomationLevel:    level,
		WarningThreshold:   70,
		CriticalThreshold:  85,
		EmergencyThreshold: 95,
	}
}

func testSnapshot(usage, limit float64) models.Snapshot {
	return models.Snapshot{
		Handle: models.ResourceHandle{Service: "ec2", LimitID: "L-1216C47A", Region: "us-east-1", Kind: models.KindInstances},
		Usage:  usage,
		Limit:  limit,
	}
}

func costModel(rate float64) contracts.CostModel {
	return &contracts.StaticCostModel{Rates: map[string]decimal.Decimal{
		string(models.KindInstances): decimal.NewFromFloat(rate),
	}}
}

func TestEmergencyBreachFullAuto(t *testing.T) {
	e := NewEvaluator(costModel(1))

	// 96% of a limit of 100 crosses the 95% emergency threshold.
	action, err := e.Evaluate(testPolicy(models.AutomationFullAuto), testSnapshot(96, 100), models.Prediction{}, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action == nil {
		t.Fatal("expected an action")
	}
	if action.Kind != models.ActionEmergencyIncrease {
		t.Errorf("kind = %q, want emergency_increase", action.Kind)
	}
	if action.Severity != models.SeverityEmergency {
		t.Errorf("severity = %q, want emergency", action.Severity)
	}
	if action.RequestedValue != 200 {
		t.Errorf("requested = %v, want 200 (2x limit)", action.RequestedValue)
	}
	if action.Status != models.StatusProposed {
		t.Errorf("status = %q, want proposed", action.Status)
	}
}

func TestWarningAlertOnly(t *testing.T) {
	e := NewEvaluator(costModel(1))

	action, err := e.Evaluate(testPolicy(models.AutomationAlert), testSnapshot(72, 100), models.Prediction{}, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action == nil {
		t.Fatal("expected an alert action")
	}
	if action.Kind != models.ActionAlert {
		t.Errorf("kind = %q, want alert", action.Kind)
	}
	if action.Severity != models.SeverityWarning {
		t.Errorf("severity = %q, want warning", action.Severity)
	}
	if action.RequestedValue != 0 {
		t.Errorf("alert carries requested value %v, want 0", action.RequestedValue)
	}
}

func TestAlertLevelNeverEscalates(t *testing.T) {
	e := NewEvaluator(costModel(1))

	// Even an emergency breach stays a notification when the operator set
	// alert-only automation.
	action, err := e.Evaluate(testPolicy(models.AutomationAlert), testSnapshot(99, 100), models.Prediction{}, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action == nil || action.Kind != models.ActionAlert {
		t.Fatalf("alert-only policy produced %+v, want alert", action)
	}
}

func TestCostGateForcesApproval(t *testing.T) {
	e := NewEvaluator(costModel(15))

	pol := testPolicy(models.AutomationFullAuto)
	pol.RequiresApproval = true
	pol.CostCeiling = decimal.NewFromInt(1000)

	// Emergency doubles the limit: delta 100 × rate 15 = 1500 > 1000.
	action, err := e.Evaluate(pol, testSnapshot(96, 100), models.Prediction{}, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action == nil {
		t.Fatal("expected an action")
	}
	if action.Kind != models.ActionApprovalPending {
		t.Errorf("kind = %q, want approval_pending: cost gate beats full_auto", action.Kind)
	}
	if !action.EstimatedCost.Equal(decimal.NewFromInt(1500)) {
		t.Errorf("estimated cost = %s, want 1500", action.EstimatedCost)
	}
}

func TestCostGateUnderCeilingPasses(t *testing.T) {
	e := NewEvaluator(costModel(5))

	pol := testPolicy(models.AutomationFullAuto)
	pol.RequiresApproval = true
	pol.CostCeiling = decimal.NewFromInt(1000)

	// Delta 100 × rate 5 = 500 < 1000: automation proceeds.
	action, err := e.Evaluate(pol, testSnapshot(96, 100), models.Prediction{}, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action == nil || action.Kind != models.ActionEmergencyIncrease {
		t.Fatalf("got %+v, want emergency_increase under the ceiling", action)
	}
}

func TestPredictedBreachActsEarly(t *testing.T) {
	e := NewEvaluator(costModel(1))

	// Current usage is healthy, the projection is not.
	action, err := e.Evaluate(testPolicy(models.AutomationFullAuto), testSnapshot(50, 100),
		models.Prediction{ProjectedUsage: 88, Confidence: 0.9}, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action == nil {
		t.Fatal("expected a preemptive action from the projection")
	}
	if action.Severity != models.SeverityCritical {
		t.Errorf("severity = %q, want critical from projected 88%%", action.Severity)
	}
	if action.Kind != models.ActionAutoIncrease {
		t.Errorf("kind = %q, want auto_increase", action.Kind)
	}
}

func TestHealthyUtilizationNoAction(t *testing.T) {
	e := NewEvaluator(costModel(1))

	action, err := e.Evaluate(testPolicy(models.AutomationFullAuto), testSnapshot(50, 100), models.Prediction{ProjectedUsage: 55}, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action != nil {
		t.Fatalf("healthy handle produced action %+v", action)
	}
}

func TestMonitorNeverActs(t *testing.T) {
	e := NewEvaluator(costModel(1))

	action, err := e.Evaluate(testPolicy(models.AutomationMonitor), testSnapshot(99, 100), models.Prediction{}, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action != nil {
		t.Fatalf("monitor policy produced action %+v", action)
	}
}

func TestCoalescingSkipsOpenAction(t *testing.T) {
	e := NewEvaluator(costModel(1))

	open := &models.Action{ID: "a1", Status: models.StatusExecuting}
	action, err := e.Evaluate(testPolicy(models.AutomationFullAuto), testSnapshot(96, 100), models.Prediction{}, open)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action != nil {
		t.Fatal("open non-terminal action must suppress a new proposal")
	}

	// A terminal action whose increase already landed does not block: the
	// limit has moved past what it recorded.
	done := &models.Action{ID: "a2", Status: models.StatusSucceeded, Severity: models.SeverityEmergency, CurrentLimit: 50}
	action, err = e.Evaluate(testPolicy(models.AutomationFullAuto), testSnapshot(96, 100), models.Prediction{}, done)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action == nil {
		t.Fatal("terminal prior action must not suppress a new proposal")
	}
}

func TestSucceededActionSuppressesUnchangedSnapshot(t *testing.T) {
	e := NewEvaluator(costModel(1))

	// The prior emergency increase succeeded but the provider has not
	// raised the limit yet. Re-evaluating the same reading must not
	// produce a duplicate request.
	done := &models.Action{ID: "a1", Status: models.StatusSucceeded, Severity: models.SeverityEmergency, CurrentLimit: 100}
	action, err := e.Evaluate(testPolicy(models.AutomationFullAuto), testSnapshot(96, 100), models.Prediction{}, done)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action != nil {
		t.Fatalf("unchanged snapshot after succeeded increase produced %+v", action)
	}

	// Once the limit moves, evaluation resumes normally.
	action, err = e.Evaluate(testPolicy(models.AutomationFullAuto), testSnapshot(145, 150), models.Prediction{}, done)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action == nil {
		t.Fatal("breach at the new limit should act again")
	}
}

func TestEscalationReopensAfterSucceededAction(t *testing.T) {
	e := NewEvaluator(costModel(1))

	// The prior action handled a critical breach; usage has since climbed
	// into emergency territory while the limit is still unchanged.
	done := &models.Action{ID: "a1", Status: models.StatusSucceeded, Severity: models.SeverityCritical, CurrentLimit: 100}
	action, err := e.Evaluate(testPolicy(models.AutomationFullAuto), testSnapshot(97, 100), models.Prediction{}, done)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action == nil {
		t.Fatal("escalated severity must override the suppression")
	}
	if action.Severity != models.SeverityEmergency {
		t.Errorf("severity = %q, want emergency", action.Severity)
	}
}

func TestLowConfidenceForecastNoted(t *testing.T) {
	e := NewEvaluator(costModel(1))

	action, err := e.Evaluate(testPolicy(models.AutomationFullAuto), testSnapshot(50, 100),
		models.Prediction{ProjectedUsage: 88, Confidence: 0.3, Fallback: true}, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action == nil {
		t.Fatal("expected a forecast-driven action")
	}
	if !strings.Contains(action.Reason, "forecast confidence 0.30") {
		t.Errorf("reason = %q, want low-confidence note", action.Reason)
	}
}

func TestBusinessHoursSuppression(t *testing.T) {
	// Tuesday 03:00 UTC, outside the 9-17 window.
	night := time.Date(2026, 8, 18, 3, 0, 0, 0, time.UTC)
	e := NewEvaluator(costModel(1)).WithClock(func() time.Time { return night })

	pol := testPolicy(models.AutomationFullAuto)
	pol.BusinessHoursOnly = true
	pol.BusinessHours = models.BusinessHours{StartHour: 9, EndHour: 17}

	// Critical waits for the window.
	action, err := e.Evaluate(pol, testSnapshot(88, 100), models.Prediction{}, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action != nil {
		t.Fatalf("critical outside business hours produced %+v", action)
	}

	// Emergencies do not wait.
	action, err = e.Evaluate(pol, testSnapshot(96, 100), models.Prediction{}, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action == nil || action.Kind != models.ActionEmergencyIncrease {
		t.Fatalf("emergency outside business hours got %+v, want emergency_increase", action)
	}

	// Inside the window the critical action runs.
	noon := time.Date(2026, 8, 18, 12, 0, 0, 0, time.UTC)
	e = NewEvaluator(costModel(1)).WithClock(func() time.Time { return noon })
	action, err = e.Evaluate(pol, testSnapshot(88, 100), models.Prediction{}, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action == nil {
		t.Fatal("critical inside business hours should act")
	}
}

func TestMalformedPolicyIsConfigError(t *testing.T) {
	e := NewEvaluator(costModel(1))

	pol := testPolicy(models.AutomationFullAuto)
	pol.CriticalThreshold = 60 // below warning: thresholds out of order

	_, err := e.Evaluate(pol, testSnapshot(96, 100), models.Prediction{}, nil)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if cfgErr.PolicyID != "pol-1" {
		t.Errorf("ConfigError policy = %q, want pol-1", cfgErr.PolicyID)
	}
}

func TestRequestedValueCaps(t *testing.T) {
	e := NewEvaluator(costModel(1))

	pol := testPolicy(models.AutomationFullAuto)
	pol.MaxIncreaseMultiplier = 1.3

	action, err := e.Evaluate(pol, testSnapshot(96, 100), models.Prediction{}, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action.RequestedValue != 130 {
		t.Errorf("requested = %v, want 130 (multiplier cap)", action.RequestedValue)
	}

	pol.MaxAbsoluteIncrease = 120
	action, err = e.Evaluate(pol, testSnapshot(96, 100), models.Prediction{}, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action.RequestedValue != 120 {
		t.Errorf("requested = %v, want 120 (absolute cap)", action.RequestedValue)
	}
}
