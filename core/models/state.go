package models

// State is the whole coordinated record set: users with their jobs, the
// resource inventory with display aliases, and the task queue. It lives
// behind the repository's advisory lock and is never shared as live memory
// across flows.
type State struct {
	Users     map[string]*User     `json:"users"`
	Resources map[string]*Resource `json:"resources"`
	Aliases   map[string]string    `json:"aliases"` // display alias -> resource name, "" = free
	Queue     []*Task              `json:"queue"`
}

// NewState returns an empty state with all maps initialized.
func NewState() *State {
	return &State{
		Users:     make(map[string]*User),
		Resources: make(map[string]*Resource),
		Aliases:   make(map[string]string),
	}
}

// Normalize fills in nil maps after a JSON load.
func (s *State) Normalize() {
	if s.Users == nil {
		s.Users = make(map[string]*User)
	}
	if s.Resources == nil {
		s.Resources = make(map[string]*Resource)
	}
	if s.Aliases == nil {
		s.Aliases = make(map[string]string)
	}
	for _, u := range s.Users {
		if u.Jobs == nil {
			u.Jobs = make(map[int]*Job)
		}
		if u.WorkDirs == nil {
			u.WorkDirs = make(map[int]string)
		}
	}
}

// FindJob looks up a job by owner and slot.
func (s *State) FindJob(owner string, slot int) (*Job, bool) {
	u, ok := s.Users[owner]
	if !ok {
		return nil, false
	}
	return u.Job(slot)
}

// ResourceInUse reports whether any live job currently references the named
// resource. Used to keep reallocation from stealing a busy accelerator.
func (s *State) ResourceInUse(name string) bool {
	for _, u := range s.Users {
		for _, j := range u.Jobs {
			if j.Resource == name && j.Active() {
				return true
			}
		}
	}
	return false
}

// FreeAlias returns an unassigned display alias, if any.
func (s *State) FreeAlias() (string, bool) {
	for alias, bound := range s.Aliases {
		if bound == "" {
			return alias, true
		}
	}
	return "", false
}

// BindAlias points a display alias at a resource, releasing any alias that
// previously pointed at it.
func (s *State) BindAlias(alias, resource string) {
	for a, bound := range s.Aliases {
		if bound == resource {
			s.Aliases[a] = ""
		}
	}
	s.Aliases[alias] = resource
}
