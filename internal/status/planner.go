package status

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownStatus  = errors.New("unknown status")
	ErrSameStatus     = errors.New("entity already has the target status")
	ErrNotOffered     = errors.New("target status is not offered for this selection")
	ErrEmptySelection = errors.New("no entities selected")
	ErrNotConfirmed   = errors.New("transition not confirmed")
)

// Decision is how a requested status change must be submitted.
type Decision struct {
	Target string
	// Force is set when the target lies outside the normal transitions.
	Force bool
	// RequiresConfirmation is set for forced and for destructive targets.
	RequiresConfirmation bool
	Destructive          bool
}

// Plan decides how to move one entity from current to target. A normal
// target applies directly unless destructive; anything else must be forced
// and confirmed.
func (g *Graph) Plan(current, target string) (Decision, error) {
	if !g.Has(current) {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownStatus, current)
	}
	if !g.Has(target) {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownStatus, target)
	}
	if current == target {
		return Decision{}, ErrSameStatus
	}
	return g.decide(target, g.normalSet(current).Has(target)), nil
}

// PlanBulk decides how to move a selection whose items are in the given
// current statuses to target.
func (g *Graph) PlanBulk(current []string, target string) (Decision, error) {
	if len(current) == 0 {
		return Decision{}, ErrEmptySelection
	}
	for _, s := range current {
		if !g.Has(s) {
			return Decision{}, fmt.Errorf("%w: %q", ErrUnknownStatus, s)
		}
	}
	if !g.Has(target) {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownStatus, target)
	}
	if g.commonSet(current).Has(target) {
		return g.decide(target, true), nil
	}
	if g.heldByAll(current).Has(target) {
		return Decision{}, fmt.Errorf("%w: every item is already %q", ErrNotOffered, target)
	}
	return g.decide(target, false), nil
}

func (g *Graph) decide(target string, normal bool) Decision {
	destructive := g.IsDestructive(target)
	if normal {
		return Decision{Target: target, RequiresConfirmation: destructive, Destructive: destructive}
	}
	return Decision{Target: target, Force: true, RequiresConfirmation: true, Destructive: destructive}
}
