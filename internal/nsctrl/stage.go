// Package nsctrl implements the client's two-stage namespace launcher
// (spec section 4.2): stage 1 creates a new user namespace and maps
// uid/gid; stage 2 runs inside it, setting up the network and mount
// namespaces and spawning the target command.
package nsctrl

import "os"

// Stage is the phase of client launch, encoded in an environment variable
// to survive the stage 1 -> stage 2 re-exec (spec section 6, GLOSSARY).
type Stage int

const (
	// StageOne is the initial invocation, not yet inside the new user
	// namespace.
	StageOne Stage = iota
	// StageTwo runs inside the new user namespace, post-unshare.
	StageTwo
)

// Environment variable names recognized by the launcher (spec section 6).
const (
	EnvStage     = "CAGE_STAGE"
	EnvUID       = "CAGE_UID"
	EnvGID       = "CAGE_GID"
	EnvNoOverlay = "CAGE_NO_OVERLAY"
)

// CurrentStage inspects CAGE_STAGE to determine which stage this process
// invocation is running as.
func CurrentStage() Stage {
	if os.Getenv(EnvStage) == "2" {
		return StageTwo
	}
	return StageOne
}
