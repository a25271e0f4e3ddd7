package models

import "fmt"

// RiskLevel classifies the blast radius of a deployment plan.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "LOW"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

var riskRank = map[RiskLevel]int{
	RiskLevelLow:      0,
	RiskLevelMedium:   1,
	RiskLevelHigh:     2,
	RiskLevelCritical: 3,
}

// AtLeast reports whether r is equal to or more severe than other.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return riskRank[r] >= riskRank[other]
}

// ResourceRef is a stable reference to one configuration resource.
type ResourceRef struct {
	Kind ResourceKind `json:"kind"`
	ID   string       `json:"id"`
}

func (r ResourceRef) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.ID)
}

// DeploymentPlan is the computed delta between two configuration snapshots
// plus risk metadata. It is derived purely from the two documents; building
// the same pair twice yields an identical plan.
type DeploymentPlan struct {
	SourceCommit string `json:"sourceCommit"`
	TargetCommit string `json:"targetCommit"`

	Added    []ResourceRef `json:"added"`
	Modified []ResourceRef `json:"modified"`
	Removed  []ResourceRef `json:"removed"`

	HasMigrations      bool      `json:"hasMigrations"`
	HasBreakingChanges bool      `json:"hasBreakingChanges"`
	RiskLevel          RiskLevel `json:"riskLevel"`
}

// Empty reports whether the plan contains no changes at all.
func (p *DeploymentPlan) Empty() bool {
	return len(p.Added) == 0 && len(p.Modified) == 0 && len(p.Removed) == 0
}
