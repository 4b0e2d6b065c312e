package spec

import (
	"fmt"

	"accel-fleet/core/models"

	"gopkg.in/yaml.v3"
)

// JobSpec represents the YAML job specification
type JobSpec struct {
	Job JobSpecJob `yaml:"job"`
}

// JobSpecJob represents the job section of the spec
type JobSpecJob struct {
	Owner     string   `yaml:"owner"`
	WorkDir   int      `yaml:"work_dir"`
	Tags      []string `yaml:"tags"`
	Command   string   `yaml:"command"`
	RuleSet   string   `yaml:"rule_set"`
	Resource  string   `yaml:"resource"`
	Monitored bool     `yaml:"monitored"`
}

// TaskSpec represents the YAML waiting-task specification
type TaskSpec struct {
	Task TaskSpecTask `yaml:"task"`
}

// TaskSpecTask represents the task section of the spec
type TaskSpecTask struct {
	Owner        string          `yaml:"owner"`
	WorkDir      int             `yaml:"work_dir"`
	Tags         []string        `yaml:"tags"`
	Command      string          `yaml:"command"`
	RuleSet      string          `yaml:"rule_set"`
	Eligible     []string        `yaml:"eligible"`
	Filter       *TaskSpecFilter `yaml:"filter,omitempty"`
	StagingDir   string          `yaml:"staging_dir"`
	FinishedPerm string          `yaml:"finished_perm"`
	FailedPerm   string          `yaml:"failed_perm"`
}

// TaskSpecFilter represents the shape-based eligibility filter
type TaskSpecFilter struct {
	Type string `yaml:"type"`
	Zone string `yaml:"zone"`
}

// ParseJobSpec parses a YAML job specification
func ParseJobSpec(yamlContent string) (*JobSpecJob, error) {
	var s JobSpec
	if err := yaml.Unmarshal([]byte(yamlContent), &s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateJob(&s.Job); err != nil {
		return nil, err
	}
	return &s.Job, nil
}

// ParseTaskSpec parses a YAML waiting-task specification
func ParseTaskSpec(yamlContent string) (*TaskSpecTask, error) {
	var s TaskSpec
	if err := yaml.Unmarshal([]byte(yamlContent), &s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateTask(&s.Task); err != nil {
		return nil, err
	}
	return &s.Task, nil
}

func validateJob(j *JobSpecJob) error {
	if j.Owner == "" {
		return fmt.Errorf("job.owner is required")
	}
	if j.Command == "" {
		return fmt.Errorf("job.command is required")
	}
	if j.RuleSet != "" && !knownRuleSet(j.RuleSet) {
		return fmt.Errorf("unknown rule set: %s", j.RuleSet)
	}
	return nil
}

func validateTask(t *TaskSpecTask) error {
	if t.Owner == "" {
		return fmt.Errorf("task.owner is required")
	}
	if t.Command == "" {
		return fmt.Errorf("task.command is required")
	}
	if len(t.Eligible) == 0 && t.Filter == nil {
		return fmt.Errorf("task needs eligible names or a filter")
	}
	if t.RuleSet != "" && !knownRuleSet(t.RuleSet) {
		return fmt.Errorf("unknown rule set: %s", t.RuleSet)
	}
	return nil
}

func knownRuleSet(name string) bool {
	for _, n := range models.RuleTemplateNames() {
		if n == name {
			return true
		}
	}
	return false
}
