package models

// Settings holds per-user display and poll intervals, in seconds
type Settings struct {
	DisplaySeconds int `json:"display_seconds"`
	PollSeconds    int `json:"poll_seconds"`
}

// User represents an operator of the fleet. Slots number the user's jobs and
// map one-to-one onto windows of the user's terminal session; the counter
// only moves forward while the user exists.
type User struct {
	Name     string         `json:"name"`
	Session  string         `json:"session"` // execution container handle
	WorkDirs map[int]string `json:"work_dirs"`
	NextSlot int            `json:"next_slot"`
	Settings Settings       `json:"settings"`
	Jobs     map[int]*Job   `json:"jobs"`
}

// AllocateSlot hands out the next job slot. Never reuses a slot.
func (u *User) AllocateSlot() int {
	s := u.NextSlot
	u.NextSlot++
	return s
}

// Job looks up one of the user's jobs by slot.
func (u *User) Job(slot int) (*Job, bool) {
	j, ok := u.Jobs[slot]
	return j, ok
}
