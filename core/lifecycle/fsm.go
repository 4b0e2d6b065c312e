package lifecycle

import (
	"context"
	"fmt"
	"time"

	"accel-fleet/core/models"

	"github.com/looplab/fsm"
)

// Events driving the job status machine
const (
	eventAnnounce = "announce" // first log announcement from the container
	eventFail     = "fail"
	eventKill     = "kill"
	eventResume   = "resume" // father side of a resume
	eventRerun    = "rerun"  // father side of a rerun
	eventFinish   = "finish"
)

// jobEvents is the full transition table. finished and killed are terminal:
// no event lists them as a source.
var jobEvents = fsm.Events{
	{Name: eventAnnounce, Src: []string{string(models.JobStatusStarting)}, Dst: string(models.JobStatusRunning)},
	{Name: eventFail, Src: []string{
		string(models.JobStatusStarting),
		string(models.JobStatusRunning),
		string(models.JobStatusResumed),
		string(models.JobStatusRerunned),
	}, Dst: string(models.JobStatusError)},
	{Name: eventKill, Src: []string{
		string(models.JobStatusStarting),
		string(models.JobStatusRunning),
		string(models.JobStatusError),
	}, Dst: string(models.JobStatusKilled)},
	{Name: eventResume, Src: []string{string(models.JobStatusError)}, Dst: string(models.JobStatusResumed)},
	{Name: eventRerun, Src: []string{string(models.JobStatusError)}, Dst: string(models.JobStatusRerunned)},
	{Name: eventFinish, Src: []string{
		string(models.JobStatusRunning),
		string(models.JobStatusResumed),
		string(models.JobStatusRerunned),
	}, Dst: string(models.JobStatusFinished)},
}

// transition applies one event to the job, enforcing the table above.
func transition(j *models.Job, event string) error {
	machine := fsm.NewFSM(string(j.Status), jobEvents, fsm.Callbacks{})
	if err := machine.Event(context.Background(), event); err != nil {
		return fmt.Errorf("job %s/%d: cannot %s while %s: %w", j.Owner, j.Slot, event, j.Status, err)
	}
	j.Status = models.JobStatus(machine.Current())
	j.UpdatedAt = time.Now()
	return nil
}

// canTransition reports whether the event is legal from the job's current status.
func canTransition(j *models.Job, event string) bool {
	return fsm.NewFSM(string(j.Status), jobEvents, fsm.Callbacks{}).Can(event)
}
