package daemon

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/boxctl/boxctl/internal/boxerrors"
	"github.com/boxctl/boxctl/internal/containername"
	"github.com/boxctl/boxctl/internal/logger"
	"github.com/boxctl/boxctl/internal/sshtunnel"
)

// CompletionType is the closed set of completion kinds boxctl's
// completion script can ask the daemon to resolve.
type CompletionType string

const (
	CompletionProjects         CompletionType = "projects"
	CompletionSessions         CompletionType = "sessions"
	CompletionWorktrees        CompletionType = "worktrees"
	CompletionMCP              CompletionType = "mcp"
	CompletionSkills           CompletionType = "skills"
	CompletionDockerContainers CompletionType = "docker_containers"
)

// GetCompletions resolves one completion type, optionally scoped to
// project (used by "worktrees" and "sessions"). mcp and skills are
// served by the library catalog, which the daemon has no handle on;
// those types report a typed unsupported error rather than silently
// returning an empty list.
func (d *Daemon) GetCompletions(typ CompletionType, project string) ([]string, error) {
	switch typ {
	case CompletionProjects:
		return d.completeProjects(), nil
	case CompletionSessions:
		return d.completeSessions(project), nil
	case CompletionWorktrees:
		return d.completeWorktrees(project), nil
	case CompletionDockerContainers:
		return d.completeDockerContainers(), nil
	case CompletionMCP, CompletionSkills:
		return nil, boxerrors.ErrUnsupportedCompletionType(string(typ))
	default:
		return nil, boxerrors.ErrUnsupportedCompletionType(string(typ))
	}
}

// containerForProject resolves a completion filter's project name to the
// container it maps to, the inverse of ExtractProjectName. An empty
// project means no filter.
func containerForProject(project string) string {
	if project == "" {
		return ""
	}
	return containername.Prefix + containername.Sanitize(project)
}

// completeProjects maps every live connection's container name back to
// its project name.
func (d *Daemon) completeProjects() []string {
	seen := make(map[string]struct{})
	for _, conn := range d.tunnel.Connections() {
		seen[containername.ExtractProjectName(conn.Name)] = struct{}{}
	}
	return sortedKeys(seen)
}

func (d *Daemon) completeSessions(project string) []string {
	want := containerForProject(project)
	seen := make(map[string]struct{})
	for _, conn := range d.tunnel.Connections() {
		if want != "" && conn.Name != want {
			continue
		}
		sessions, fresh := d.sessionMeta.fresh(conn.Name, time.Now())
		if !fresh {
			continue
		}
		for _, s := range sessions {
			seen[s.Name] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func (d *Daemon) completeWorktrees(project string) []string {
	want := containerForProject(project)
	seen := make(map[string]struct{})
	for _, conn := range d.tunnel.Connections() {
		if want != "" && conn.Name != want {
			continue
		}
		st, ok := d.containerStates.get(conn.Name)
		if !ok {
			continue
		}
		for _, w := range st.Worktrees {
			seen[w.Branch] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// completeDockerContainers enumerates the engine's managed containers,
// connected or not. With no engine handle it degrades to an empty list.
func (d *Daemon) completeDockerContainers() []string {
	if d.eng == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	summaries, err := d.eng.ListManaged(ctx, "")
	if err != nil {
		logger.Debug().Err(err).Msg("daemon: listing managed containers failed")
		return nil
	}

	seen := make(map[string]struct{})
	for _, s := range summaries {
		if len(s.Names) == 0 {
			continue
		}
		seen[strings.TrimPrefix(s.Names[0], "/")] = struct{}{}
	}
	return sortedKeys(seen)
}

type completionsRequest struct {
	Type    string `json:"type"`
	Project string `json:"project,omitempty"`
}

// handleGetCompletions answers a container's own get_completions request
// the same way the CLI socket's action does, wrapped in {ok, data}.
func (d *Daemon) handleGetCompletions(conn *sshtunnel.Connection, payload json.RawMessage) (any, error) {
	var req completionsRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, boxerrors.New(boxerrors.KindInternal, "daemon", "malformed get_completions payload", err)
	}
	items, err := d.GetCompletions(CompletionType(req.Type), req.Project)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "data": items}, nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
