// Package gate classifies actions into governance tiers. Classification is
// pure policy evaluation: it reads the configured tier map and escalation
// rules and never touches storage.
package gate

import (
	"encoding/json"
	"fmt"

	"steward/internal/config"
	"steward/internal/domain"
)

type Gate struct {
	Governance config.Governance
}

// Classify returns the governance tier for an action of the given type with
// the given payload. Escalation rules only ever raise the tier, never lower
// it. An unknown action type classifies to the council tier: unrecognized
// work is the riskiest kind.
func (g Gate) Classify(actionType string, payload json.RawMessage) (string, error) {
	tier, ok := g.Governance.Tiers[actionType]
	if !ok {
		return domain.TierUnanimousCouncil, nil
	}
	for _, rule := range g.Governance.Escalations {
		if rule.Type != actionType {
			continue
		}
		value, found, err := numericField(payload, rule.Field)
		if err != nil {
			return "", fmt.Errorf("escalation rule on %s.%s: %w", rule.Type, rule.Field, err)
		}
		if found && value > rule.Exceeds && tierRank(rule.Tier) > tierRank(tier) {
			tier = rule.Tier
		}
	}
	return tier, nil
}

// RequiredApprovals returns how many distinct approvers the tier demands.
func (g Gate) RequiredApprovals(tier string) int {
	switch tier {
	case domain.TierOneApprover:
		return 1
	case domain.TierUnanimousCouncil:
		return len(g.Governance.Council)
	default:
		return 0
	}
}

// IsCouncilMember reports whether the approver sits on the configured council.
func (g Gate) IsCouncilMember(approverID string) bool {
	for _, m := range g.Governance.Council {
		if m == approverID {
			return true
		}
	}
	return false
}

func tierRank(tier string) int {
	switch tier {
	case domain.TierAutonomous:
		return 0
	case domain.TierOneApprover:
		return 1
	case domain.TierUnanimousCouncil:
		return 2
	default:
		return -1
	}
}

// numericField extracts a numeric value from the payload. Top-level scalar
// fields are matched by name; an array field contributes its length, so a
// rule like "recipients exceeds 50" works on list payloads.
func numericField(payload json.RawMessage, field string) (float64, bool, error) {
	if len(payload) == 0 {
		return 0, false, nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return 0, false, fmt.Errorf("payload is not an object: %w", err)
	}
	raw, ok := doc[field]
	if !ok {
		return 0, false, nil
	}
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return num, true, nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		return float64(len(arr)), true, nil
	}
	return 0, false, nil
}
