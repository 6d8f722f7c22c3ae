package v1

// WorkspaceContext describes the repository or directory an agent is
// attached to. Workspace matching is exact string equality on RepoID or
// Path; substrings never match.
type WorkspaceContext struct {
	Type   string `json:"type"` // "local" or "github"
	RepoID string `json:"repoId"`
	Path   string `json:"path,omitempty"`
	Branch string `json:"branch,omitempty"`
}

// Agent is a remote worker known to the registry.
type Agent struct {
	ID           string            `json:"id"`
	DisplayName  string            `json:"displayName"`
	Aliases      []string          `json:"aliases,omitempty"`
	Capabilities []string          `json:"capabilities"`
	Workspace    *WorkspaceContext `json:"workspaceContext,omitempty"`
	Color        string            `json:"color,omitempty"`

	// LastSeen is unix milliseconds of the last tool call, refreshed at
	// most once per 10 seconds. Informational only; never used to decide
	// whether an agent is online.
	LastSeen int64 `json:"lastSeen,omitempty"`

	// WaitingSince is unix milliseconds, non-nil iff the agent is parked
	// in exactly one waitForTask call right now.
	WaitingSince *int64 `json:"waitingSince,omitempty"`

	EvictionRequested bool   `json:"evictionRequested,omitempty"`
	EvictionReason    string `json:"evictionReason,omitempty"`
}

// HasCapability reports whether the agent declares the given capability.
func (a *Agent) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// ConnectionStatus is the derived liveness of an agent.
type ConnectionStatus string

const (
	StatusProcessing ConnectionStatus = "PROCESSING"
	StatusWaiting    ConnectionStatus = "WAITING"
	StatusOffline    ConnectionStatus = "OFFLINE"
)

// AgentRegistration is the input to registerAgent.
type AgentRegistration struct {
	ID           string            `json:"id"`
	DisplayName  string            `json:"displayName"`
	Aliases      []string          `json:"aliases,omitempty"`
	Capabilities []string          `json:"capabilities"`
	Workspace    *WorkspaceContext `json:"workspaceContext,omitempty"`
	Color        string            `json:"color,omitempty"`
}

// AgentStatus pairs an agent record with its derived connection status.
type AgentStatus struct {
	Agent       *Agent           `json:"agent"`
	Status      ConnectionStatus `json:"status"`
	ActiveTasks int              `json:"activeTasks"`
}
