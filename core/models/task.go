package models

import (
	"fmt"
	"time"
)

// Task is a queued run request awaiting a matching freed accelerator.
// It carries the job template, the set of resources it may claim, and the
// permission bits deciding who may hand it a freed resource.
type Task struct {
	ID         string             `json:"id"`
	Owner      string             `json:"owner"`
	WorkDir    int                `json:"work_dir"`
	Tags       []string           `json:"tags,omitempty"`
	Command    string             `json:"command"`
	RuleSet    string             `json:"rule_set"`
	Eligible   []string           `json:"eligible,omitempty"` // explicit resource names
	Filter     *EligibilityFilter `json:"filter,omitempty"`   // or a type+zone filter
	StagingDir string             `json:"staging_dir"`
	Perms      Perms              `json:"perms"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
}

// EligibilityFilter matches any resource of the given type in the given zone
type EligibilityFilter struct {
	Type string `json:"type"`
	Zone string `json:"zone"`
}

// ReleaseReason says why a resource was freed
type ReleaseReason string

const (
	ReleaseFinished ReleaseReason = "finished"
	ReleaseFailed   ReleaseReason = "failed"
)

// PermBits is one pair of claim permissions: whether the task may claim a
// resource released by its own owner (Self) or by a different owner (Other).
type PermBits struct {
	Other bool `json:"other"`
	Self  bool `json:"self"`
}

// Allows reports whether a release by the given party may hand over the resource.
func (p PermBits) Allows(sameOwner bool) bool {
	if sameOwner {
		return p.Self
	}
	return p.Other
}

// ParsePermBits decodes a two-character permission string. The first
// character is the other-owner bit, the second the self bit: "01" means
// other:0, self:1.
func ParsePermBits(s string) (PermBits, error) {
	if len(s) != 2 || (s[0] != '0' && s[0] != '1') || (s[1] != '0' && s[1] != '1') {
		return PermBits{}, fmt.Errorf("invalid permission %q: want two bits like \"01\"", s)
	}
	return PermBits{Other: s[0] == '1', Self: s[1] == '1'}, nil
}

// Perms holds independent claim permissions for the two release reasons
type Perms struct {
	OnFinished PermBits `json:"on_finished"`
	OnFailed   PermBits `json:"on_failed"`
}

// For returns the permission bits governing the given release reason.
func (p Perms) For(reason ReleaseReason) PermBits {
	if reason == ReleaseFailed {
		return p.OnFailed
	}
	return p.OnFinished
}

// EligibleFor reports whether the task may run on the named resource. The
// resource record may be nil when the name is not in the inventory; then only
// the explicit name list can match.
func (t *Task) EligibleFor(name string, res *Resource) bool {
	for _, n := range t.Eligible {
		if n == name {
			return true
		}
	}
	if t.Filter != nil && res != nil {
		return res.Type == t.Filter.Type && res.Zone == t.Filter.Zone
	}
	return false
}
