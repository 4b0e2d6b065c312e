package resource_manager

import "fmt"

// ProvisionError means the provisioning API could not bring up the resource
// within the caller's retry budget.
type ProvisionError struct {
	Name   string
	Reason string
	Err    error
}

func (e *ProvisionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provisioning %s failed: %s: %v", e.Name, e.Reason, e.Err)
	}
	return fmt.Sprintf("provisioning %s failed: %s", e.Name, e.Reason)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// BootstrapKind classifies why environment bootstrap failed, so callers can
// pick a targeted remedy instead of blindly retrying.
type BootstrapKind string

const (
	BootstrapMountError BootstrapKind = "mount-error"
	BootstrapEnvError   BootstrapKind = "env-error"
	BootstrapOccupied   BootstrapKind = "occupied"
	BootstrapUnknown    BootstrapKind = "unknown"
)

// remedy hints shown to the operator alongside the failure
var bootstrapRemedies = map[BootstrapKind]string{
	BootstrapMountError: "check that the shared storage export exists and is reachable from the zone",
	BootstrapEnvError:   "runtime smoke test failed; reimage the resource or fix the environment setup",
	BootstrapOccupied:   "another process holds the accelerator; kill it or pick a different resource",
	BootstrapUnknown:    "inspect the worker output",
}

// BootstrapError means the resource came up but its environment could not be
// prepared. Distinct from ProvisionError so callers never retry the create
// call for a problem the create call cannot fix.
type BootstrapError struct {
	Name string
	Kind BootstrapKind
	Err  error
}

func (e *BootstrapError) Error() string {
	msg := fmt.Sprintf("bootstrap of %s failed (%s): %s", e.Name, e.Kind, bootstrapRemedies[e.Kind])
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BootstrapError) Unwrap() error { return e.Err }
