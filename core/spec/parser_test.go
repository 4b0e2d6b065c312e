package spec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJobSpec(t *testing.T) {
	yamlContent := `
job:
  owner: ada
  work_dir: 1
  tags: [vision, large]
  command: python train.py
  rule_set: pre
  resource: accel-1
  monitored: true
`
	job, err := ParseJobSpec(yamlContent)
	require.NoError(t, err)
	assert.Equal(t, "ada", job.Owner)
	assert.Equal(t, 1, job.WorkDir)
	assert.Equal(t, []string{"vision", "large"}, job.Tags)
	assert.Equal(t, "pre", job.RuleSet)
	assert.True(t, job.Monitored)
}

func TestParseJobSpecRejectsUnknownRuleSet(t *testing.T) {
	_, err := ParseJobSpec("job:\n  owner: ada\n  command: train\n  rule_set: bogus\n")
	assert.Error(t, err)
}

func TestParseJobSpecRequiresOwner(t *testing.T) {
	_, err := ParseJobSpec("job:\n  command: train\n")
	assert.Error(t, err)
}

func TestParseTaskSpec(t *testing.T) {
	yamlContent := `
task:
  owner: ada
  work_dir: 2
  command: python train.py
  eligible: [accel-7]
  staging_dir: /staging/ada
  finished_perm: "11"
  failed_perm: "01"
`
	task, err := ParseTaskSpec(yamlContent)
	require.NoError(t, err)
	assert.Equal(t, []string{"accel-7"}, task.Eligible)
	assert.Equal(t, "01", task.FailedPerm)
}

func TestParseTaskSpecNeedsEligibility(t *testing.T) {
	_, err := ParseTaskSpec("task:\n  owner: ada\n  command: train\n")
	assert.Error(t, err)
}

func TestParseTaskSpecFilterOnly(t *testing.T) {
	task, err := ParseTaskSpec("task:\n  owner: ada\n  command: train\n  filter:\n    type: v3-8\n    zone: us-central1-a\n")
	require.NoError(t, err)
	require.NotNil(t, task.Filter)
	assert.Equal(t, "v3-8", task.Filter.Type)
}
