package inventory

import (
	"os"
	"path/filepath"
	"testing"

	"accel-fleet/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSheet = `name,zone,type,preemptible,state,owner,note
accel-1,us-central1-a,v3-8,true,ready,ada,
accel-2,us-central1-a,v3-8,true,preempted,,flaky host
`

func writeSheet(t *testing.T, content string) *Mirror {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inventory.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return NewMirror(path)
}

func TestListParsesSheet(t *testing.T) {
	m := writeSheet(t, sampleSheet)
	records, err := m.List()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "accel-1", records[0].Name)
	assert.True(t, records[0].Preemptible)
	assert.Equal(t, "flaky host", records[1].Note)
}

func TestMissingSheetIsEmptyInventory(t *testing.T) {
	m := NewMirror(filepath.Join(t.TempDir(), "absent.csv"))
	records, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRecordStateRewritesRow(t *testing.T) {
	m := writeSheet(t, sampleSheet)
	require.NoError(t, m.RecordState("accel-1", models.ResourceNotFound))

	records, err := m.List()
	require.NoError(t, err)
	assert.Equal(t, "not-found", records[0].State)
	assert.Equal(t, "ada", records[0].Owner, "other columns survive the rewrite")
}

func TestRecordStateAppendsUnknownResource(t *testing.T) {
	m := writeSheet(t, sampleSheet)
	require.NoError(t, m.RecordState("accel-9", models.ResourceCreating))

	records, err := m.List()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "accel-9", records[2].Name)
	assert.Equal(t, "creating", records[2].State)
}

func TestResourcesConversion(t *testing.T) {
	m := writeSheet(t, sampleSheet)
	resources, err := m.Resources()
	require.NoError(t, err)
	require.Len(t, resources, 2)
	assert.Equal(t, models.ResourcePreempted, resources[1].State)
}
