package models

// AutomationState is the closed set of states of the campaign automation.
type AutomationState string

const (
	StateLowActive              AutomationState = "low_active"
	StateLowPaused              AutomationState = "low_paused"
	StateHighSpendWaiting       AutomationState = "high_spend_waiting"
	StateHighSpendBudgetUpdated AutomationState = "high_spend_budget_updated"
	StateHighPaused             AutomationState = "high_paused"
)

// Valid state transitions: from -> []to
var ValidAutomationTransitions = map[AutomationState][]AutomationState{
	StateLowActive:              {StateLowPaused, StateHighSpendWaiting},
	StateLowPaused:              {StateLowActive, StateHighSpendWaiting},
	StateHighSpendWaiting:       {StateHighSpendBudgetUpdated, StateHighPaused, StateLowPaused},
	StateHighSpendBudgetUpdated: {StateHighSpendBudgetUpdated, StateHighPaused, StateLowActive},
	StateHighPaused:             {StateHighSpendBudgetUpdated, StateLowPaused},
}

func IsValidAutomationTransition(from, to AutomationState) bool {
	allowed, ok := ValidAutomationTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsActive reports whether the state expects the external campaign to be running.
func (s AutomationState) IsActive() bool {
	return s == StateLowActive || s == StateHighSpendBudgetUpdated
}

// IsHigh reports whether the state belongs to the high-spend cycle.
func (s AutomationState) IsHigh() bool {
	switch s {
	case StateHighSpendWaiting, StateHighSpendBudgetUpdated, StateHighPaused:
		return true
	}
	return false
}

// Known reports whether s is one of the declared states.
func (s AutomationState) Known() bool {
	_, ok := ValidAutomationTransitions[s]
	return ok
}
