package executor

import "os/exec"

// DetectRuntime finds an available container runtime binary. Checks
// docker first, then podman, verifying each actually runs before
// returning it.
func DetectRuntime() (string, error) {
	for _, bin := range []string{"docker", "podman"} {
		if _, err := exec.LookPath(bin); err != nil {
			continue
		}
		if err := exec.Command(bin, "version").Run(); err != nil {
			continue
		}
		return bin, nil
	}
	return "", ErrNoRuntime
}
