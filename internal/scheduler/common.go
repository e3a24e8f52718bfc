package scheduler

import (
	"github.com/fleetctl/coordinator/internal/domain"
	"github.com/fleetctl/coordinator/internal/store/runstore"
)

// expectedFor builds the minimal Expected for a leader-initiated update
// that only needs to pin state+version, leaving worker/epoch unconstrained
// since the leader may act on any run regardless of which worker holds it.
func expectedFor(run *domain.JobRun) runstore.Expected {
	return runstore.Expected{State: run.State, Version: run.Version}
}
