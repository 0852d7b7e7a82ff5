package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"nodekeeper/internal/config"
)

// Requirement defines an external binary nodekeeper relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a requirement.
type Status struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
	Optional    bool   `json:"optional,omitempty"`
	Available   bool   `json:"available"`
	// Path is the resolved executable when Available.
	Path   string `json:"path,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// NodeRequirements lists the node binaries named by cfg.
func NodeRequirements(cfg *config.Config) []Requirement {
	if cfg == nil {
		return nil
	}
	return []Requirement{
		{Name: "Node", Command: cfg.Worker.Binary, Description: "node process supervised by the daemon"},
		{Name: "Node CLI", Command: cfg.Worker.CLIBinary, Description: "executes commands against the running node"},
		{Name: "Config tool", Command: cfg.Worker.ConfigBinary, Description: "configure and setup commands", Optional: true},
	}
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		status := Status{
			Name:        req.Name,
			Command:     strings.TrimSpace(req.Command),
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		switch resolved, err := lookPath(status.Command); {
		case status.Command == "":
			status.Detail = "command not configured"
		case err != nil:
			status.Detail = fmt.Sprintf("binary %q not found", status.Command)
		default:
			status.Available = true
			status.Path = resolved
		}
		results = append(results, status)
	}
	return results
}

// MissingRequired counts unavailable non-optional requirements.
func MissingRequired(statuses []Status) int {
	missing := 0
	for _, s := range statuses {
		if !s.Available && !s.Optional {
			missing++
		}
	}
	return missing
}

func lookPath(command string) (string, error) {
	if command == "" {
		return "", exec.ErrNotFound
	}
	return exec.LookPath(command)
}
