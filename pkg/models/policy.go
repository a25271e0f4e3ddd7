package models

import (
	"fmt"
	"time"
)

// DefaultModifiedThreshold is the modified-resource count above which a plan
// is classified at least MEDIUM risk.
const DefaultModifiedThreshold = 5

// HourRange is an inclusive local-time window in "15:04" notation.
type HourRange struct {
	Start string `json:"start" yaml:"start" mapstructure:"start" validate:"required"`
	End   string `json:"end" yaml:"end" mapstructure:"end" validate:"required"`
}

// Contains reports whether the wall-clock time of t falls inside the range.
func (h HourRange) Contains(t time.Time) (bool, error) {
	start, err := time.Parse("15:04", h.Start)
	if err != nil {
		return false, fmt.Errorf("invalid window start %q: %w", h.Start, err)
	}
	end, err := time.Parse("15:04", h.End)
	if err != nil {
		return false, fmt.Errorf("invalid window end %q: %w", h.End, err)
	}
	minutes := t.Hour()*60 + t.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()
	return minutes >= startMin && minutes <= endMin, nil
}

// DeploymentPolicy controls when a plan may be applied and whether a failed
// apply rolls back automatically.
type DeploymentPolicy struct {
	RequiresApproval            bool           `json:"requiresApproval" yaml:"requiresApproval" mapstructure:"requiresApproval"`
	ApprovalTimeout             time.Duration  `json:"approvalTimeout" yaml:"approvalTimeout" mapstructure:"approvalTimeout"`
	AllowedDays                 []time.Weekday `json:"allowedDays,omitempty" yaml:"allowedDays,omitempty" mapstructure:"allowedDays"`
	AllowedHours                *HourRange     `json:"allowedHours,omitempty" yaml:"allowedHours,omitempty" mapstructure:"allowedHours"`
	AutoRollback                bool           `json:"autoRollback" yaml:"autoRollback" mapstructure:"autoRollback"`
	MinimumRiskLevelForApproval RiskLevel      `json:"minimumRiskLevelForApproval" yaml:"minimumRiskLevelForApproval" mapstructure:"minimumRiskLevelForApproval"`
	ModifiedThreshold           int            `json:"modifiedThreshold,omitempty" yaml:"modifiedThreshold,omitempty" mapstructure:"modifiedThreshold"`
}

// DayAllowed reports whether d is an allowed deployment day. An empty
// AllowedDays list means every day is allowed.
func (p *DeploymentPolicy) DayAllowed(d time.Weekday) bool {
	if len(p.AllowedDays) == 0 {
		return true
	}
	for _, allowed := range p.AllowedDays {
		if allowed == d {
			return true
		}
	}
	return false
}
