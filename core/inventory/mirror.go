package inventory

import (
	"fmt"
	"os"
	"sync"

	"accel-fleet/core/models"

	"github.com/gocarina/gocsv"
	"github.com/sirupsen/logrus"
)

// Record is one row of the human-editable inventory sheet. The sheet is an
// eventually-consistent mirror: read to enumerate known accelerators, written
// back when observed status or ownership changes, never the source of truth
// for lock-protected job state.
type Record struct {
	Name        string `csv:"name"`
	Zone        string `csv:"zone"`
	Type        string `csv:"type"`
	Preemptible bool   `csv:"preemptible"`
	State       string `csv:"state"`
	Owner       string `csv:"owner"`
	Note        string `csv:"note"`
}

// Mirror reads and rewrites the CSV inventory sheet
type Mirror struct {
	path string
	mu   sync.Mutex
	log  *logrus.Entry
}

// NewMirror creates a mirror over the sheet at path.
func NewMirror(path string) *Mirror {
	return &Mirror{path: path, log: logrus.WithField("component", "inventory")}
}

// List returns all rows of the sheet. A missing sheet is an empty inventory.
func (m *Mirror) List() ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read()
}

func (m *Mirror) read() ([]*Record, error) {
	f, err := os.Open(m.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open inventory sheet: %w", err)
	}
	defer f.Close()

	var records []*Record
	if err := gocsv.UnmarshalFile(f, &records); err != nil {
		return nil, fmt.Errorf("failed to parse inventory sheet: %w", err)
	}
	return records, nil
}

func (m *Mirror) write(records []*Record) error {
	f, err := os.Create(m.path)
	if err != nil {
		return fmt.Errorf("failed to rewrite inventory sheet: %w", err)
	}
	defer f.Close()

	if err := gocsv.MarshalFile(&records, f); err != nil {
		return fmt.Errorf("failed to write inventory sheet: %w", err)
	}
	return nil
}

// Resources converts the sheet into resource records.
func (m *Mirror) Resources() ([]*models.Resource, error) {
	records, err := m.List()
	if err != nil {
		return nil, err
	}
	resources := make([]*models.Resource, 0, len(records))
	for _, r := range records {
		state := models.ResourceState(r.State)
		if state == "" {
			state = models.ResourceUnknown
		}
		resources = append(resources, &models.Resource{
			Name:        r.Name,
			Zone:        r.Zone,
			Type:        r.Type,
			Preemptible: r.Preemptible,
			State:       state,
		})
	}
	return resources, nil
}

// RecordState updates (or appends) a row with the observed state.
func (m *Mirror) RecordState(name string, state models.ResourceState) error {
	return m.update(name, func(r *Record) { r.State = string(state) })
}

// RecordOwner updates (or appends) a row with the current owner annotation.
func (m *Mirror) RecordOwner(name, owner string) error {
	return m.update(name, func(r *Record) { r.Owner = owner })
}

func (m *Mirror) update(name string, apply func(*Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.read()
	if err != nil {
		return err
	}
	found := false
	for _, r := range records {
		if r.Name == name {
			apply(r)
			found = true
			break
		}
	}
	if !found {
		r := &Record{Name: name}
		apply(r)
		records = append(records, r)
	}
	return m.write(records)
}
