package pluginsdk

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const (
	// ManifestFilename is the file the plugin loader looks for in each
	// plugin directory.
	ManifestFilename = "toolcore.plugin.json"

	// MaxSocketPathLength is the sockaddr_un path limit on Linux; a
	// background daemon's rendered socket path must fit under it.
	MaxSocketPathLength = 104
)

// ActivationMode controls when a plugin's tools enter an agent's catalog.
type ActivationMode string

const (
	// ActivationAlways adds the plugin's tools for every agent.
	ActivationAlways ActivationMode = "always"
	// ActivationTagged adds the plugin's tools only for agents that opt in.
	ActivationTagged ActivationMode = "tagged"
)

// ToolKind selects which Backend implementation dispatches a tool's calls.
type ToolKind string

const (
	ToolKindInProcess    ToolKind = "in_process"
	ToolKindSubprocess   ToolKind = "subprocess"
	ToolKindBackgroundRPC ToolKind = "background_rpc"
)

// ToolDeclaration is one tool entry in a plugin manifest.
type ToolDeclaration struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty" yaml:"schema,omitempty"`
	Type        ToolKind        `json:"type" yaml:"type"`

	// Method names the JSON-RPC method a background_rpc tool maps to.
	Method string `json:"method,omitempty" yaml:"method,omitempty"`

	// Command/Args describe a subprocess tool's one-shot executable.
	Command string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
}

// AgentDeclaration is one agent entry in a plugin manifest.
type AgentDeclaration struct {
	Name             string   `json:"name" yaml:"name"`
	Description      string   `json:"description,omitempty" yaml:"description,omitempty"`
	SystemPromptFile string   `json:"systemPromptFile,omitempty" yaml:"systemPromptFile,omitempty"`
	Model            string   `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	Tools            []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	VisibleFrom      []string `json:"visibleFrom,omitempty" yaml:"visibleFrom,omitempty"`
}

// HealthCheckConfig configures the process manager's health loop for a
// plugin's daemon.
type HealthCheckConfig struct {
	IntervalSeconds int `json:"intervalSeconds,omitempty" yaml:"intervalSeconds,omitempty"`
	TimeoutSeconds  int `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
	MaxFailures     int `json:"maxFailures,omitempty" yaml:"maxFailures,omitempty"`
}

// CommunicationConfig names the transport a plugin daemon listens on.
type CommunicationConfig struct {
	// Path is a socket path template; "{plugin}" and "{pid}" are substituted
	// by the loader when the daemon is spawned.
	Path string `json:"path" yaml:"path"`
}

// BackgroundConfig describes how to spawn and reach a plugin's daemon.
type BackgroundConfig struct {
	Command               string              `json:"command" yaml:"command"`
	Args                  []string            `json:"args,omitempty" yaml:"args,omitempty"`
	Env                   map[string]string   `json:"env,omitempty" yaml:"env,omitempty"`
	Communication         CommunicationConfig `json:"communication" yaml:"communication"`
	Health                HealthCheckConfig   `json:"health,omitempty" yaml:"health,omitempty"`
	StartupTimeoutSeconds int                 `json:"startupTimeoutSeconds,omitempty" yaml:"startupTimeoutSeconds,omitempty"`
	ShutdownGraceSeconds  int                 `json:"shutdownGraceSeconds,omitempty" yaml:"shutdownGraceSeconds,omitempty"`
}

// Manifest describes a plugin directory: its identity, the tools and agents
// it contributes, and (for background_rpc tools) how to reach its daemon.
type Manifest struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`

	ActivationMode ActivationMode `json:"activationMode,omitempty" yaml:"activationMode,omitempty"`

	Tools  []ToolDeclaration  `json:"tools,omitempty" yaml:"tools,omitempty"`
	Agents []AgentDeclaration `json:"agents,omitempty" yaml:"agents,omitempty"`

	Background *BackgroundConfig `json:"background,omitempty" yaml:"background,omitempty"`

	ConfigSchema json.RawMessage `json:"configSchema,omitempty" yaml:"configSchema,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// DecodeManifest parses a manifest from JSON.
func DecodeManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &manifest, nil
}

// DecodeManifestFile reads and parses a manifest file from disk.
func DecodeManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return DecodeManifest(data)
}

// Validate checks the structural invariants a manifest must hold regardless
// of where its daemon ends up running: an id is required, background_rpc
// tools carry a method and the plugin declares a background block,
// subprocess tools carry a command, and the declared activation mode (if
// any) is one of the two known values.
func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("manifest is nil")
	}
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("manifest id is required")
	}
	if m.ActivationMode != "" && m.ActivationMode != ActivationAlways && m.ActivationMode != ActivationTagged {
		return fmt.Errorf("manifest %s: invalid activationMode %q", m.ID, m.ActivationMode)
	}

	needsBackground := false
	for _, t := range m.Tools {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("manifest %s: tool entry missing name", m.ID)
		}
		switch t.Type {
		case ToolKindBackgroundRPC:
			needsBackground = true
			if strings.TrimSpace(t.Method) == "" {
				return fmt.Errorf("manifest %s: background_rpc tool %q requires a method", m.ID, t.Name)
			}
		case ToolKindSubprocess:
			if strings.TrimSpace(t.Command) == "" {
				return fmt.Errorf("manifest %s: subprocess tool %q requires a command", m.ID, t.Name)
			}
		case ToolKindInProcess:
			// no extra requirements
		default:
			return fmt.Errorf("manifest %s: tool %q has unknown type %q", m.ID, t.Name, t.Type)
		}
	}

	if needsBackground && m.Background == nil {
		return fmt.Errorf("manifest %s: declares a background_rpc tool but no background block", m.ID)
	}
	if m.Background != nil {
		if strings.TrimSpace(m.Background.Command) == "" {
			return fmt.Errorf("manifest %s: background block requires a command", m.ID)
		}
		if strings.TrimSpace(m.Background.Communication.Path) == "" {
			return fmt.Errorf("manifest %s: background block requires communication.path", m.ID)
		}
	}
	return nil
}

// RenderedSocketPath substitutes "{plugin}" and "{pid}" into the background
// block's communication path template and checks the result against the
// Unix sockaddr_un length limit.
func (m *Manifest) RenderedSocketPath(pid int) (string, error) {
	if m.Background == nil {
		return "", fmt.Errorf("manifest %s: no background block", m.ID)
	}
	path := m.Background.Communication.Path
	path = strings.ReplaceAll(path, "{plugin}", m.ID)
	path = strings.ReplaceAll(path, "{pid}", fmt.Sprintf("%d", pid))
	if len(path) > MaxSocketPathLength {
		return "", fmt.Errorf("manifest %s: rendered socket path exceeds %d bytes: %s", m.ID, MaxSocketPathLength, path)
	}
	return path, nil
}

// BackgroundRPCTools returns the subset of the manifest's tools that are
// dispatched over a daemon's RPC transport.
func (m *Manifest) BackgroundRPCTools() []ToolDeclaration {
	var out []ToolDeclaration
	for _, t := range m.Tools {
		if t.Type == ToolKindBackgroundRPC {
			out = append(out, t)
		}
	}
	return out
}
