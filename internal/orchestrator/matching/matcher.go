// Package matching decides whether a task can be delivered to a waiting
// agent. It is stateless; alias resolution on the task's explicit target
// happens at enqueue time, before anything reaches the matcher.
package matching

import v1 "github.com/OpenSourceWTF/waaah/pkg/api/v1"

// Matches reports whether the task may be delivered to the agent. All of
// the following must hold:
//
//  1. Explicit target: to.agentId, when set, equals the agent id.
//  2. Workspace affinity: to.workspaceId, when set, equals the agent's
//     repoId or path exactly. Substrings never match; an unbound agent
//     never matches a workspace-bound task.
//  3. Capability: the agent's capabilities are a superset of
//     to.requiredCapabilities.
//  4. Role (legacy, only without requiredCapabilities): the agent claims
//     the role as a capability.
//  5. Status: the task is QUEUED.
func Matches(agent *v1.Agent, task *v1.Task) bool {
	if task.Status != v1.TaskStatusQueued {
		return false
	}

	if task.To.AgentID != "" && task.To.AgentID != agent.ID {
		return false
	}

	if task.To.WorkspaceID != "" {
		if agent.Workspace == nil {
			return false
		}
		if agent.Workspace.RepoID != task.To.WorkspaceID && agent.Workspace.Path != task.To.WorkspaceID {
			return false
		}
	}

	if len(task.To.RequiredCapabilities) > 0 {
		for _, required := range task.To.RequiredCapabilities {
			if !agent.HasCapability(required) {
				return false
			}
		}
	} else if task.To.Role != "" && !agent.HasCapability(task.To.Role) {
		return false
	}

	return true
}

// BestTask picks the task to deliver when several match one agent:
// highest priority first, then oldest createdAt. Returns nil for an empty
// candidate set.
func BestTask(tasks []*v1.Task) *v1.Task {
	var best *v1.Task
	for _, task := range tasks {
		if best == nil || taskLess(task, best) {
			best = task
		}
	}
	return best
}

// taskLess reports whether a should be delivered before b.
func taskLess(a, b *v1.Task) bool {
	if ar, br := a.Priority.Rank(), b.Priority.Rank(); ar != br {
		return ar > br
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
