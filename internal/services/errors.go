package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMatchingRate means no active commission rule applies to the deal.
	// Callers decide whether to skip the commission or apply a default.
	ErrNoMatchingRate = errors.New("no matching commission rate")

	ErrScanInProgress              = errors.New("idle scan already in progress")
	ErrEntityNotFound              = errors.New("entity not found")
	ErrRuleNotFound                = errors.New("rule not found")
	ErrCommissionNotFound          = errors.New("commission not found")
	ErrInvalidCommissionTransition = errors.New("invalid commission status transition")
	ErrRuleReferenced              = errors.New("commission rule is referenced by commissions")
	ErrInvalidRequest              = errors.New("invalid request")
	// ErrDealNotWon means a commission was requested for a deal outside the won status.
	ErrDealNotWon = errors.New("deal is not closed won")
)

// ConfigurationError marks a rule that cannot be used as configured.
type ConfigurationError struct {
	RuleID uint
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("automation rule %d: %s", e.RuleID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ActionExecutionError wraps the failure of a single action.
type ActionExecutionError struct {
	Action ActionType
	Err    error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("action %s failed: %v", e.Action, e.Err)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }
