package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/haasonsaas/toolcore/internal/observability"
	"github.com/haasonsaas/toolcore/internal/orchestrator"
	"github.com/haasonsaas/toolcore/internal/processmanager"
	"github.com/haasonsaas/toolcore/internal/rpcclient"
	"github.com/haasonsaas/toolcore/pkg/pluginsdk"
)

// Catalog resolves tool descriptors and Backends from the manifests
// discovered across a set of plugin directories, dispatching background_rpc
// tools through a shared ProcessManager/RpcClient pair and subprocess tools
// through a fresh process per call. It implements orchestrator.ToolCatalog.
type Catalog struct {
	manager *processmanager.Manager
	rpc     *rpcclient.Client
	logger  *observability.Logger

	descriptors map[string]orchestrator.ToolDescriptor
	backends    map[string]orchestrator.Backend
	owners      map[string]string // tool name -> owning plugin id, for daemon start/stop
	manifests   map[string]*pluginsdk.Manifest
}

// CatalogConfig parameterizes catalog construction.
type CatalogConfig struct {
	Paths []string

	// InProcess registers Go-native tool implementations that back manifest
	// entries of type in_process; keyed by tool name.
	InProcess map[string]orchestrator.InProcessFunc

	Metrics *observability.Metrics
	Logger  *observability.Logger
	Tracer  *observability.Tracer
}

// BuildCatalog discovers manifests under cfg.Paths and builds the resolved
// descriptor/backend tables a turn's Orchestrator dispatches through.
// Daemon starts are not performed here; a background_rpc tool only requires
// its owning daemon be started (see ProcessManager) before first dispatch.
func BuildCatalog(cfg CatalogConfig) (*Catalog, error) {
	infos, err := DiscoverManifests(cfg.Paths)
	if err != nil {
		return nil, fmt.Errorf("discover plugin manifests: %w", err)
	}

	rpc := rpcclient.New(0, cfg.Metrics, cfg.Logger, cfg.Tracer)
	manager := processmanager.New(rpc, cfg.Metrics, cfg.Logger, cfg.Tracer)

	cat := &Catalog{
		manager:     manager,
		rpc:         rpc,
		logger:      cfg.Logger,
		descriptors: make(map[string]orchestrator.ToolDescriptor),
		backends:    make(map[string]orchestrator.Backend),
		owners:      make(map[string]string),
		manifests:   make(map[string]*pluginsdk.Manifest),
	}

	for id, info := range infos {
		cat.manifests[id] = info.Manifest
		if err := cat.wireManifest(id, info.Manifest, cfg.InProcess); err != nil {
			return nil, fmt.Errorf("wire plugin %q: %w", id, err)
		}
	}
	return cat, nil
}

func (c *Catalog) wireManifest(pluginID string, m *pluginsdk.Manifest, inProcess map[string]orchestrator.InProcessFunc) error {
	visibleTo := visibleToFromAgents(m.Agents)

	for _, t := range m.Tools {
		desc := orchestrator.ToolDescriptor{
			Name:      t.Name,
			VisibleTo: visibleTo,
		}

		switch t.Type {
		case pluginsdk.ToolKindInProcess:
			fn, ok := inProcess[t.Name]
			if !ok {
				return fmt.Errorf("tool %q declares in_process but no implementation was registered", t.Name)
			}
			c.backends[t.Name] = &orchestrator.InProcessBackend{Run: fn}

		case pluginsdk.ToolKindSubprocess:
			c.backends[t.Name] = &orchestrator.SubprocessBackend{
				Command: t.Command,
				Args:    t.Args,
				Timeout: 30 * time.Second,
			}

		case pluginsdk.ToolKindBackgroundRPC:
			if m.Background == nil {
				return fmt.Errorf("tool %q requires a background block", t.Name)
			}
			socketPath, err := m.RenderedSocketPath(os.Getpid())
			if err != nil {
				return err
			}
			c.backends[t.Name] = &orchestrator.DaemonBackend{
				PluginName: pluginID,
				SocketPath: socketPath,
				Method:     t.Method,
				Manager:    c.manager,
				RPC:        c.rpc,
			}
			desc.RequiresConfirmation = true

		default:
			return fmt.Errorf("tool %q has unknown type %q", t.Name, t.Type)
		}

		c.descriptors[t.Name] = desc
		c.owners[t.Name] = pluginID
	}
	return nil
}

func visibleToFromAgents(agents []pluginsdk.AgentDeclaration) map[string]bool {
	visible := map[string]bool{}
	hasVisibility := false
	for _, a := range agents {
		for _, name := range a.VisibleFrom {
			visible[name] = true
			hasVisibility = true
		}
	}
	if !hasVisibility {
		return nil
	}
	return visible
}

// Descriptor implements orchestrator.ToolCatalog.
func (c *Catalog) Descriptor(name string) (orchestrator.ToolDescriptor, bool) {
	d, ok := c.descriptors[name]
	return d, ok
}

// Backend implements orchestrator.ToolCatalog.
func (c *Catalog) Backend(name string) (orchestrator.Backend, bool) {
	b, ok := c.backends[name]
	return b, ok
}

// EnsureDaemonRunning starts the plugin daemon owning name if it declares a
// background block and is not already running, per the contract that a
// background_rpc tool's daemon starts lazily on first dispatch rather than
// at catalog-build time.
func (c *Catalog) EnsureDaemonRunning(ctx context.Context, toolName string) error {
	pluginID, ok := c.owners[toolName]
	if !ok {
		return fmt.Errorf("no plugin owns tool %q", toolName)
	}
	manifest, ok := c.manifests[pluginID]
	if !ok || manifest.Background == nil {
		return nil
	}
	if c.manager.IsRunning(pluginID) {
		return nil
	}
	return c.StartDaemon(ctx, pluginID)
}

// StopAllDaemons stops every daemon this catalog started, for graceful
// shutdown of the hosting process.
func (c *Catalog) StopAllDaemons(ctx context.Context) error {
	return c.manager.StopAll(ctx)
}

// StartDaemon starts the named plugin's background process directly,
// independent of any tool dispatch, for the operator CLI's `daemons start`.
func (c *Catalog) StartDaemon(ctx context.Context, pluginID string) error {
	manifest, ok := c.manifests[pluginID]
	if !ok {
		return fmt.Errorf("no plugin named %q", pluginID)
	}
	if manifest.Background == nil {
		return fmt.Errorf("plugin %q declares no background block", pluginID)
	}
	socketPath, err := manifest.RenderedSocketPath(os.Getpid())
	if err != nil {
		return err
	}
	return c.manager.Start(ctx, processmanager.Config{
		Name:       pluginID,
		Command:    manifest.Background.Command,
		Args:       manifest.Background.Args,
		Env:        manifest.Background.Env,
		SocketPath: socketPath,
	})
}

// StopDaemon stops the named plugin's background process.
func (c *Catalog) StopDaemon(ctx context.Context, pluginID string) error {
	return c.manager.Stop(ctx, pluginID)
}

// DaemonStatus reports a plugin daemon's lifecycle state, for `toolcored
// daemons status`.
func (c *Catalog) DaemonStatus(pluginID string) (processmanager.Info, bool) {
	return c.manager.Info(pluginID)
}

// PluginIDs returns every discovered plugin's id, sorted by BuildCatalog's
// own discovery order (map iteration, so callers that need a stable order
// should sort the result themselves).
func (c *Catalog) PluginIDs() []string {
	ids := make([]string, 0, len(c.manifests))
	for id := range c.manifests {
		ids = append(ids, id)
	}
	return ids
}

// Manifest returns a discovered plugin's manifest.
func (c *Catalog) Manifest(pluginID string) (*pluginsdk.Manifest, bool) {
	m, ok := c.manifests[pluginID]
	return m, ok
}

// ToolArgumentSchemaError validates a call's raw JSON arguments against its
// declared tool schema before the orchestrator's preview step, surfacing a
// validation_error instead of a backend panic on malformed input.
func (c *Catalog) ToolArgumentSchemaError(pluginID, toolName string, args json.RawMessage) error {
	m, ok := c.manifests[pluginID]
	if !ok {
		return fmt.Errorf("unknown plugin %q", pluginID)
	}
	for _, t := range m.Tools {
		if t.Name == toolName {
			return pluginsdk.ValidateToolArguments(t, args)
		}
	}
	return fmt.Errorf("plugin %q has no tool %q", pluginID, toolName)
}
