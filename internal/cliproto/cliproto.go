// Package cliproto defines the wire types shared by the boxctl CLI and
// internal/daemon for the CLI socket's line-delimited JSON dialect: one
// request object per connection, one reply object, both
// newline-terminated.
package cliproto

import "encoding/json"

// Request is the envelope every CLI-socket connection sends: an action
// name plus its action-specific fields, carried as raw JSON so the
// daemon's handler table can decode each action's own payload shape.
type Request struct {
	Action string          `json:"action"`
	Fields json.RawMessage `json:"-"`
}

// rawRequest mirrors Request's wire shape for unmarshaling: the action
// field is pulled out, and the whole object is kept as Fields for the
// handler to re-decode into its specific payload type.
type rawRequest struct {
	Action string `json:"action"`
}

// UnmarshalJSON decodes the action field and retains the full object as
// Fields for action-specific re-decoding.
func (r *Request) UnmarshalJSON(data []byte) error {
	var raw rawRequest
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Action = raw.Action
	r.Fields = append(json.RawMessage(nil), data...)
	return nil
}

// Response is the generic reply envelope; handlers typically return a
// richer struct embedding Response's Ok/Error fields.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Hint  string `json:"hint,omitempty"`
}

// Ok builds a successful Response.
func Ok() Response { return Response{OK: true} }

// Err builds a failed Response with the given short error tag.
func Err(tag string) Response { return Response{OK: false, Error: tag} }

// ErrHint builds a failed Response with a short error tag plus a
// human-readable remediation hint.
func ErrHint(tag, hint string) Response { return Response{OK: false, Error: tag, Hint: hint} }

// NotifyRequest is the notify action's payload.
type NotifyRequest struct {
	Action   string         `json:"action"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Urgency  string         `json:"urgency,omitempty"`
	Metadata NotifyMetadata `json:"metadata,omitempty"`
}

// NotifyMetadata carries the context a notification's dispatch and later
// dismissal are keyed on.
type NotifyMetadata struct {
	SummaryShort string `json:"summary_short,omitempty"`
	SummaryLong  string `json:"summary_long,omitempty"`
	NotifyType   string `json:"notify_type,omitempty"`
	Container    string `json:"container,omitempty"`
	Session      string `json:"session,omitempty"`
	Project      string `json:"project,omitempty"`
}

// NotifyResponse reports which channels a notification reached.
type NotifyResponse struct {
	Response
	Channels map[string]bool `json:"channels,omitempty"`
}

// ClipboardRequest is the clipboard action's payload.
type ClipboardRequest struct {
	Action string `json:"action"`
	Data   string `json:"data"`
}

// PortActionRequest covers add_host_port, add_container_port,
// remove_host_port, remove_container_port.
type PortActionRequest struct {
	Action        string `json:"action"`
	Container     string `json:"container"`
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port,omitempty"`
}

// CompletionsRequest is the get_completions action's payload.
type CompletionsRequest struct {
	Action  string `json:"action"`
	Type    string `json:"type"`
	Project string `json:"project,omitempty"`
}

// CompletionsResponse carries the resolved completion items.
type CompletionsResponse struct {
	Response
	Items []string `json:"items"`
}

// ActivePortsResponse is get_active_ports' reply.
type ActivePortsResponse struct {
	Response
	Ports []ActivePort `json:"ports"`
}

// ActivePort is one forwarded or exposed port, across every live connection.
type ActivePort struct {
	Container     string `json:"container"`
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	Label         string `json:"label"` // "exposed" or "forwarded"
}

// EnsureContainerRequest is the ensure_container action's payload: make
// sure the project's container exists and is running, then wait for its
// init to report ready. Worktree, when set, names the branch whose git
// worktree should be mounted as the working copy.
type EnsureContainerRequest struct {
	Action         string `json:"action"`
	ProjectDir     string `json:"project_dir"`
	Worktree       string `json:"worktree,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// EnsureContainerResponse reports the resolved container and the ready
// outcome.
type EnsureContainerResponse struct {
	Response
	Container string   `json:"container"`
	Created   bool     `json:"created"`
	Ready     bool     `json:"ready"`
	Phase     string   `json:"phase,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// CheckPortRequest is the check_port action's payload.
type CheckPortRequest struct {
	Action string `json:"action"`
	Port   int    `json:"port"`
	Host   string `json:"host,omitempty"`
}

// UsedBy describes what currently owns a checked port, or is omitted
// entirely (nil) when the port is free.
type UsedBy struct {
	Type      string `json:"type"` // "boxctl" or "external"
	Container string `json:"container,omitempty"`
	Direction string `json:"direction,omitempty"`
	Process   string `json:"process,omitempty"`
	PID       int    `json:"pid,omitempty"`
}

// CheckPortResponse is check_port's reply.
type CheckPortResponse struct {
	Response
	Available bool    `json:"available"`
	UsedBy    *UsedBy `json:"used_by,omitempty"`
}
