package sandbox

import (
	"fmt"

	"github.com/google/uuid"
)

// JobLabel is the container label key used to tag every sandbox with its
// owning job id, so survivors can be swept after a crash.
const JobLabel = "renderforge.job"

// LaunchSpec is the immutable per-attempt execution policy. It is a pure
// function of the attempt number, never of the previous failure.
type LaunchSpec struct {
	// QualityFlag selects the renderer quality tier.
	QualityFlag string
	// RunAsRoot relaxes the container identity to route around filesystem
	// ownership mismatches on retry.
	RunAsRoot bool
}

// BuildLaunchSpec returns the launch policy for the given attempt number
// (1-based). Attempt 1 runs unprivileged at medium quality; every retry runs
// as root at low quality to shorten runtime and reduce memory pressure.
func BuildLaunchSpec(attempt int) LaunchSpec {
	if attempt <= 1 {
		return LaunchSpec{QualityFlag: "-qm", RunAsRoot: false}
	}
	return LaunchSpec{QualityFlag: "-ql", RunAsRoot: true}
}

// ContainerName returns the per-attempt container name.
func ContainerName(jobID uuid.UUID, attempt int) string {
	return fmt.Sprintf("renderforge-job-%s-a%d", jobID, attempt)
}

// dockerArgs assembles the docker run invocation for one attempt: disposable,
// network-isolated, resource-capped, with the job's work dir mounted at /work
// and its output dir at /output.
func (e *Engine) dockerArgs(spec LaunchSpec, jobID uuid.UUID, attempt int) []string {
	args := []string{
		"run", "--rm",
		"--name", ContainerName(jobID, attempt),
		"--label", fmt.Sprintf("%s=%s", JobLabel, jobID),
		"--network", "none",
		"--memory", e.cfg.Memory,
		"--cpus", e.cfg.CPUs,
		"--tmpfs", "/tmp:rw,size=" + e.cfg.TmpSize,
	}
	if !spec.RunAsRoot {
		args = append(args, "--user", fmt.Sprintf("%d:%d", e.uid, e.gid))
	}
	args = append(args,
		"-v", e.WorkDir(jobID)+":/work",
		"-v", e.OutputDir(jobID)+":/output",
		"-w", "/work",
		e.cfg.Image,
		"manim", spec.QualityFlag, "--media_dir", "/output", sceneFile,
	)
	return args
}
