package main

import (
	"context"
	"fmt"

	"github.com/odvcencio/guardrail/pkg/sandbox"
)

// runSandboxWorkerCommand evaluates one job read from stdin. The parent
// executor spawns it and owns the deadline, so there are no flags. The job's
// memory ceiling applies to this whole process.
func runSandboxWorkerCommand(args []string) error {
	if len(args) > 0 {
		return withExitCode(fmt.Errorf("sandbox-worker takes no arguments"), exitUsage)
	}
	return sandbox.ServeWorker(context.Background(), stdin, stdout, sandbox.WithProcessLimits())
}
