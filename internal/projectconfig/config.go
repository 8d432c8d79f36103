// Package projectconfig loads and saves the per-project configuration
// stored at <project>/.boxctl/config.yml: mounts, packages, SSH mode,
// ports, resources, security, MCP servers, and related declarative state.
package projectconfig

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/docker/go-units"
	"github.com/gofrs/flock"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// DirName is the per-project config directory, relative to the project root.
const DirName = ".boxctl"

// FileName is the config file's name within DirName.
const FileName = "config.yml"

var safeNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]*$`)

// SSHMode selects how SSH access into the container is provisioned.
type SSHMode string

const (
	SSHModeNone   SSHMode = "none"
	SSHModeKeys   SSHMode = "keys"
	SSHModeMount  SSHMode = "mount"
	SSHModeConfig SSHMode = "config"
)

// SSH describes how SSH and agent forwarding are configured for the container.
type SSH struct {
	Enabled      bool    `yaml:"enabled"`
	Mode         SSHMode `yaml:"mode,omitempty"`
	ForwardAgent bool    `yaml:"forward_agent"`
}

// WorkspaceMode describes the mount mode of an additional workspace.
type WorkspaceMode string

const (
	WorkspaceReadOnly  WorkspaceMode = "ro"
	WorkspaceReadWrite WorkspaceMode = "rw"
)

// Workspace is an additional host directory exposed inside the container.
type Workspace struct {
	Path      string        `yaml:"path"`
	MountName string        `yaml:"mount_name"`
	Mode      WorkspaceMode `yaml:"mode,omitempty"`
}

// ExternalContainer is another container this project's container should reach.
type ExternalContainer struct {
	Name string `yaml:"name"`
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// Packages groups per-package-manager declarative install lists.
type Packages struct {
	Apt   []string `yaml:"apt,omitempty"`
	Pip   []string `yaml:"pip,omitempty"`
	Npm   []string `yaml:"npm,omitempty"`
	Cargo []string `yaml:"cargo,omitempty"`
	Post  []string `yaml:"post,omitempty"`
}

// UnmarshalYAML accepts the per-manager mapping as well as the deprecated
// system_packages shapes: a bare sequence of apt package names, or a
// single scalar name. Both collapse into the Apt list.
func (p *Packages) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		type managers Packages
		var m managers
		if err := node.Decode(&m); err != nil {
			return err
		}
		*p = Packages(m)
		return nil
	case yaml.SequenceNode, yaml.ScalarNode:
		var raw any
		if err := node.Decode(&raw); err != nil {
			return err
		}
		if raw == nil {
			return nil
		}
		list, err := normalizeSystemPackages(raw)
		if err != nil {
			return err
		}
		p.Apt = list
		return nil
	default:
		return nil
	}
}

// Validate checks every package name against the safe-name validator. Post
// commands are exempt: they are arbitrary shell, not package identifiers.
func (p Packages) Validate() error {
	for _, group := range [][]string{p.Apt, p.Pip, p.Npm, p.Cargo} {
		for _, name := range group {
			if !safeNamePattern.MatchString(name) {
				return fmt.Errorf("projectconfig: invalid package name %q", name)
			}
		}
	}
	return nil
}

// Resources caps the container's memory and CPU allotment.
type Resources struct {
	Memory string  `yaml:"memory,omitempty"`
	CPUs   float64 `yaml:"cpus,omitempty"`
}

// MemoryBytes parses Memory (a human-readable size like "512m" or "2g")
// into bytes for the container runtime adapter's resource limits. An
// empty Memory yields 0 (no limit), not an error.
func (r Resources) MemoryBytes() (int64, error) {
	if r.Memory == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(r.Memory)
	if err != nil {
		return 0, fmt.Errorf("projectconfig: parse resources.memory %q: %w", r.Memory, err)
	}
	return n, nil
}

// Security controls the container's seccomp profile and extra capabilities.
type Security struct {
	Seccomp      string   `yaml:"seccomp,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"`
}

// PortMode selects how a port record is realized.
type PortMode string

const (
	PortModeTunnel PortMode = "tunnel"
	PortModeDocker PortMode = "docker"
	PortModeAuto   PortMode = "auto"
)

// Ports is the normative ports record. Ports.Legacy, when non-empty, holds
// the raw "HOST[:CONTAINER]" strings read from a pre-record config so
// Save can preserve whichever shape was last written.
type Ports struct {
	Host      []int    `yaml:"host,omitempty"`
	Container []int    `yaml:"container,omitempty"`
	Mode      PortMode `yaml:"mode,omitempty"`

	Legacy []string `yaml:"-"`
}

// UnmarshalYAML accepts both on-disk shapes: the legacy bare sequence of
// "HOST[:CONTAINER]" strings and the normative record. The legacy strings
// are retained so Save can reproduce the shape last written.
func (p *Ports) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var legacy []string
		if err := node.Decode(&legacy); err != nil {
			return err
		}
		p.Legacy = legacy
		return applyLegacyPorts(p, legacy)
	case yaml.MappingNode:
		type record Ports // shed the custom unmarshaler to avoid recursion
		var rec record
		if err := node.Decode(&rec); err != nil {
			return err
		}
		*p = Ports(rec)
		return nil
	default:
		return nil
	}
}

// TaskAgents holds pass-through agent-enhancement flags forwarded
// verbatim, never interpreted here.
type TaskAgents struct {
	EnhancePrompts bool `yaml:"enhance_prompts"`
	EnhanceOutput  bool `yaml:"enhance_output"`
}

// StallDetection configures agent-stall heuristics forwarded to the
// container unchanged; this core does not interpret them.
type StallDetection struct {
	Enabled        bool `yaml:"enabled"`
	TimeoutSeconds int  `yaml:"timeout_seconds,omitempty"`
}

// DockerOptions holds free-form per-project container engine overrides.
type DockerOptions struct {
	Image       string   `yaml:"image,omitempty"`
	ExtraMounts []string `yaml:"extra_mounts,omitempty"`
}

// Credentials references credential material resolved by the host; the
// core never stores secrets itself, only names which forwarding strategy
// a given credential should use.
type Credentials struct {
	GitCredentialHelper bool `yaml:"git_credential_helper"`
}

// MCPServer declares one MCP server process descriptor.
type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
}

// Config is the per-project, persisted configuration.
type Config struct {
	Version        string              `yaml:"version,omitempty"`
	BoxctlVersion  string              `yaml:"boxctl_version,omitempty"`
	SSH            SSH                 `yaml:"ssh,omitempty"`
	Workspaces     []Workspace         `yaml:"workspaces,omitempty"`
	Containers     []ExternalContainer `yaml:"containers,omitempty"`
	SystemPackages Packages            `yaml:"system_packages,omitempty"`
	Packages       Packages            `yaml:"packages,omitempty"`
	Env            map[string]string   `yaml:"env,omitempty"`
	Hostname       string              `yaml:"hostname,omitempty"`
	Resources      Resources           `yaml:"resources,omitempty"`
	Security       Security            `yaml:"security,omitempty"`
	Devices        []string            `yaml:"devices,omitempty"`
	Ports          Ports               `yaml:"ports,omitempty"`
	TaskAgents     TaskAgents          `yaml:"task_agents,omitempty"`
	StallDetection StallDetection      `yaml:"stall_detection,omitempty"`
	Docker         DockerOptions       `yaml:"docker,omitempty"`
	Credentials    Credentials         `yaml:"credentials,omitempty"`
	MCPServers     []MCPServer         `yaml:"mcp_servers,omitempty"`
	Skills         []string            `yaml:"skills,omitempty"`
}

// Validate checks config-wide invariants: package names and workspace paths.
// Missing workspace paths are reported, not fatal; the caller decides
// whether to skip them interactively.
func (c *Config) Validate() (warnings []string, err error) {
	if err := c.SystemPackages.Validate(); err != nil {
		return nil, err
	}
	if err := c.Packages.Validate(); err != nil {
		return nil, err
	}
	for _, ws := range c.Workspaces {
		if _, statErr := os.Stat(ws.Path); statErr != nil {
			warnings = append(warnings, fmt.Sprintf("workspace path %q is not accessible: %v", ws.Path, statErr))
		}
	}
	return warnings, nil
}

// Dir returns <projectDir>/.boxctl.
func Dir(projectDir string) string {
	return filepath.Join(projectDir, DirName)
}

// Path returns <projectDir>/.boxctl/config.yml.
func Path(projectDir string) string {
	return filepath.Join(Dir(projectDir), FileName)
}

// Load reads config.yml for projectDir. The Ports and Packages custom
// unmarshalers normalize the deprecated on-disk shapes to the normative
// ones while remembering the legacy ports strings so Save can reproduce
// them verbatim if that was the shape last written.
func Load(projectDir string) (*Config, error) {
	path := Path(projectDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("projectconfig: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("projectconfig: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ConfigDigest returns a short, stable identifier for cfg's persisted
// shape, used by the daemon's session metadata cache to detect whether a
// project's config changed since it was last read.
func ConfigDigest(cfg *Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("projectconfig: marshal for digest: %w", err)
	}
	return stableHash(data), nil
}

// applyLegacyPorts decodes "HOST[:CONTAINER]" strings into the record
// shape's Host/Container slices, parsing each string with parsePortSpec.
func applyLegacyPorts(p *Ports, legacy []string) error {
	var hosts, containers []int
	for _, spec := range legacy {
		h, c, err := parsePortSpec(spec)
		if err != nil {
			return err
		}
		hosts = append(hosts, h)
		containers = append(containers, c)
	}
	p.Host = hosts
	p.Container = containers
	if p.Mode == "" {
		p.Mode = PortModeAuto
	}
	return nil
}

func parsePortSpec(spec string) (host, container int, err error) {
	var h, c int
	if _, scanErr := fmt.Sscanf(spec, "%d:%d", &h, &c); scanErr == nil {
		return h, c, nil
	}
	if _, scanErr := fmt.Sscanf(spec, "%d", &h); scanErr == nil {
		return h, h, nil
	}
	return 0, 0, fmt.Errorf("projectconfig: invalid port spec %q", spec)
}

// Save atomically writes cfg under projectDir/.boxctl/config.yml, guarded
// by a flock. Whenever cfg.Ports.Legacy is non-empty, the ports key is
// written as those legacy strings, not from Host/Container/Mode.
func Save(projectDir string, cfg *Config) error {
	dir := Dir(projectDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("projectconfig: create %s: %w", dir, err)
	}

	lock := flock.New(filepath.Join(dir, ".config.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("projectconfig: acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("projectconfig: config is locked by another process")
	}
	defer lock.Unlock()

	doc, err := marshalPreservingShape(cfg)
	if err != nil {
		return err
	}

	path := Path(projectDir)
	tmp, err := os.CreateTemp(dir, ".config-*.yml.tmp")
	if err != nil {
		return fmt.Errorf("projectconfig: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		return fmt.Errorf("projectconfig: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("projectconfig: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("projectconfig: close temp file: %w", err)
	}

	return os.Rename(tmpPath, path)
}

// marshalPreservingShape yields the YAML document for cfg. If cfg.Ports
// carries a non-empty Legacy slice, it is re-emitted in that shape;
// otherwise the normative record shape is used.
func marshalPreservingShape(cfg *Config) ([]byte, error) {
	if len(cfg.Ports.Legacy) == 0 {
		return yaml.Marshal(cfg)
	}

	var node yaml.Node
	intermediate, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("projectconfig: marshal config: %w", err)
	}
	if err := yaml.Unmarshal(intermediate, &node); err != nil {
		return nil, fmt.Errorf("projectconfig: re-decode config: %w", err)
	}

	replaceMapValue(&node, "ports", legacyPortsNode(cfg.Ports.Legacy))
	return yaml.Marshal(&node)
}

func legacyPortsNode(legacy []string) *yaml.Node {
	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, s := range legacy {
		seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s})
	}
	return seq
}

// replaceMapValue walks a document node's root mapping and replaces the
// value node for key, if present.
func replaceMapValue(doc *yaml.Node, key string, value *yaml.Node) {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return
	}
	mapping := doc.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1] = value
			return
		}
	}
}

// normalizeSystemPackages decodes a legacy system_packages value (a bare
// sequence of names, or a single scalar name) into the list shape, using
// mapstructure's weak-typing decode so either representation lands in
// the same []string field.
func normalizeSystemPackages(raw any) ([]string, error) {
	var out []string
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return nil, fmt.Errorf("projectconfig: build decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("projectconfig: decode system_packages: %w", err)
	}
	return out, nil
}

// stableHash is exposed for callers that need a deterministic short id
// derived from project config content (e.g. cache invalidation keys).
func stableHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:8]
}
