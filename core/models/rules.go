package models

// FailureKind classifies why a running job stopped making progress
type FailureKind string

const (
	// FailurePreempted means the bound accelerator was reclaimed by the cloud.
	FailurePreempted FailureKind = "preempted"
	// FailureTransient covers remote-procedure transport errors that a
	// restart from checkpoint usually clears.
	FailureTransient FailureKind = "transient"
	// FailureLocked means the job stalled on a contended lock.
	FailureLocked FailureKind = "locked"
	// FailureDeleted means the bound accelerator no longer exists. Handled by
	// the reallocation algorithm, never by per-job rules.
	FailureDeleted FailureKind = "deleted"
	// FailureUnknown is left for human triage and never auto-acted on.
	FailureUnknown FailureKind = "unknown"
)

// RuleAction is the recovery action taken for a classified failure
type RuleAction string

const (
	RuleActionPass    RuleAction = "pass"
	RuleActionResume  RuleAction = "resume"
	RuleActionRerun   RuleAction = "rerun"
	RuleActionReapply RuleAction = "reapply" // destroy the resource, then resume
)

// ruleTemplates are the named recovery rule sets users pick at job creation.
// Each job gets its own copy so later template edits never change existing jobs.
var ruleTemplates = map[string]map[FailureKind]RuleAction{
	"pass": {
		FailurePreempted: RuleActionPass,
		FailureTransient: RuleActionPass,
		FailureLocked:    RuleActionPass,
	},
	"resume": {
		FailurePreempted: RuleActionResume,
		FailureTransient: RuleActionResume,
		FailureLocked:    RuleActionPass,
	},
	"rerun": {
		FailurePreempted: RuleActionRerun,
		FailureTransient: RuleActionRerun,
		FailureLocked:    RuleActionPass,
	},
	"reapply": {
		FailurePreempted: RuleActionReapply,
		FailureTransient: RuleActionResume,
		FailureLocked:    RuleActionPass,
	},
	"pre": {
		FailurePreempted: RuleActionReapply,
		FailureTransient: RuleActionPass,
		FailureLocked:    RuleActionPass,
	},
}

// RuleTemplate returns a copy of the named rule set and whether it exists.
func RuleTemplate(name string) (map[FailureKind]RuleAction, bool) {
	tmpl, ok := ruleTemplates[name]
	if !ok {
		return nil, false
	}
	rules := make(map[FailureKind]RuleAction, len(tmpl))
	for k, v := range tmpl {
		rules[k] = v
	}
	return rules, true
}

// RuleTemplateNames lists the available rule set templates.
func RuleTemplateNames() []string {
	names := make([]string, 0, len(ruleTemplates))
	for name := range ruleTemplates {
		names = append(names, name)
	}
	return names
}
