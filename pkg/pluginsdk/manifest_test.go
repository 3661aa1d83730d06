package pluginsdk

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDecodeManifest(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
		check   func(*testing.T, *Manifest)
	}{
		{
			name: "minimal manifest",
			data: `{"id": "test-plugin"}`,
			check: func(t *testing.T, m *Manifest) {
				if m.ID != "test-plugin" {
					t.Errorf("ID = %q, want %q", m.ID, "test-plugin")
				}
			},
		},
		{
			name: "manifest with tools and agents",
			data: `{
				"id": "test-plugin",
				"name": "Test Plugin",
				"description": "A test plugin",
				"version": "1.0.0",
				"activationMode": "tagged",
				"tools": [
					{"name": "search", "type": "in_process"},
					{"name": "notify", "type": "background_rpc", "method": "notify.send"}
				],
				"agents": [
					{"name": "reviewer", "systemPromptFile": "reviewer.md", "tools": ["search"]}
				],
				"background": {
					"command": "./plugin-daemon",
					"communication": {"path": "/tmp/{plugin}.sock"},
					"health": {"intervalSeconds": 30, "timeoutSeconds": 2, "maxFailures": 3}
				},
				"configSchema": {"type": "object"},
				"metadata": {"key": "value"}
			}`,
			check: func(t *testing.T, m *Manifest) {
				if m.Name != "Test Plugin" {
					t.Errorf("Name = %q, want %q", m.Name, "Test Plugin")
				}
				if m.ActivationMode != ActivationTagged {
					t.Errorf("ActivationMode = %q, want %q", m.ActivationMode, ActivationTagged)
				}
				if len(m.Tools) != 2 {
					t.Fatalf("len(Tools) = %d, want 2", len(m.Tools))
				}
				if m.Tools[1].Type != ToolKindBackgroundRPC || m.Tools[1].Method != "notify.send" {
					t.Errorf("Tools[1] = %+v, want background_rpc/notify.send", m.Tools[1])
				}
				if len(m.Agents) != 1 || m.Agents[0].Name != "reviewer" {
					t.Errorf("Agents = %+v, want one agent named reviewer", m.Agents)
				}
				if m.Background == nil || m.Background.Command != "./plugin-daemon" {
					t.Errorf("Background = %+v", m.Background)
				}
				if m.Background.Health.MaxFailures != 3 {
					t.Errorf("Background.Health.MaxFailures = %d, want 3", m.Background.Health.MaxFailures)
				}
			},
		},
		{
			name:    "invalid JSON",
			data:    `{invalid json}`,
			wantErr: true,
		},
		{
			name:    "empty JSON",
			data:    `{}`,
			wantErr: false,
			check: func(t *testing.T, m *Manifest) {
				if m.ID != "" {
					t.Errorf("ID = %q, want empty", m.ID)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := DecodeManifest([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeManifest() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.check != nil && err == nil {
				tt.check(t, m)
			}
		})
	}
}

func TestDecodeManifestFile(t *testing.T) {
	t.Run("valid file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "manifest.json")
		data := `{"id": "file-plugin"}`
		if err := os.WriteFile(path, []byte(data), 0644); err != nil {
			t.Fatalf("failed to write test file: %v", err)
		}

		m, err := DecodeManifestFile(path)
		if err != nil {
			t.Fatalf("DecodeManifestFile() error = %v", err)
		}
		if m.ID != "file-plugin" {
			t.Errorf("ID = %q, want %q", m.ID, "file-plugin")
		}
	})

	t.Run("file not found", func(t *testing.T) {
		_, err := DecodeManifestFile("/nonexistent/path/manifest.json")
		if err == nil {
			t.Error("DecodeManifestFile() expected error for nonexistent file")
		}
	})

	t.Run("invalid JSON in file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "invalid.json")
		if err := os.WriteFile(path, []byte(`{invalid}`), 0644); err != nil {
			t.Fatalf("failed to write test file: %v", err)
		}

		_, err := DecodeManifestFile(path)
		if err == nil {
			t.Error("DecodeManifestFile() expected error for invalid JSON")
		}
	})
}

func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name     string
		manifest *Manifest
		wantErr  bool
		errMatch string
	}{
		{
			name:     "nil manifest",
			manifest: nil,
			wantErr:  true,
		},
		{
			name:     "missing ID",
			manifest: &Manifest{},
			wantErr:  true,
		},
		{
			name:     "whitespace-only ID",
			manifest: &Manifest{ID: "   "},
			wantErr:  true,
		},
		{
			name:     "bare manifest is valid",
			manifest: &Manifest{ID: "test"},
			wantErr:  false,
		},
		{
			name:     "invalid activation mode",
			manifest: &Manifest{ID: "test", ActivationMode: "sometimes"},
			wantErr:  true,
		},
		{
			name: "in_process tool needs nothing extra",
			manifest: &Manifest{
				ID:    "test",
				Tools: []ToolDeclaration{{Name: "search", Type: ToolKindInProcess}},
			},
			wantErr: false,
		},
		{
			name: "subprocess tool without command",
			manifest: &Manifest{
				ID:    "test",
				Tools: []ToolDeclaration{{Name: "grep", Type: ToolKindSubprocess}},
			},
			wantErr:  true,
			errMatch: "requires a command",
		},
		{
			name: "background_rpc tool without method",
			manifest: &Manifest{
				ID:    "test",
				Tools: []ToolDeclaration{{Name: "notify", Type: ToolKindBackgroundRPC}},
				Background: &BackgroundConfig{
					Command:       "./daemon",
					Communication: CommunicationConfig{Path: "/tmp/{plugin}.sock"},
				},
			},
			wantErr:  true,
			errMatch: "requires a method",
		},
		{
			// Matches testable-property scenario 9: a background_rpc tool
			// declared without a background block fails at discovery time.
			name: "background_rpc tool without background block",
			manifest: &Manifest{
				ID:    "test",
				Tools: []ToolDeclaration{{Name: "notify", Type: ToolKindBackgroundRPC, Method: "notify.send"}},
			},
			wantErr:  true,
			errMatch: "no background block",
		},
		{
			name: "background_rpc tool fully declared",
			manifest: &Manifest{
				ID:    "test",
				Tools: []ToolDeclaration{{Name: "notify", Type: ToolKindBackgroundRPC, Method: "notify.send"}},
				Background: &BackgroundConfig{
					Command:       "./daemon",
					Communication: CommunicationConfig{Path: "/tmp/{plugin}.sock"},
				},
			},
			wantErr: false,
		},
		{
			name: "background block without communication path",
			manifest: &Manifest{
				ID:         "test",
				Background: &BackgroundConfig{Command: "./daemon"},
				Tools:      []ToolDeclaration{{Name: "notify", Type: ToolKindBackgroundRPC, Method: "notify.send"}},
			},
			wantErr:  true,
			errMatch: "communication.path",
		},
		{
			name: "unknown tool type",
			manifest: &Manifest{
				ID:    "test",
				Tools: []ToolDeclaration{{Name: "mystery", Type: "telepathic"}},
			},
			wantErr:  true,
			errMatch: "unknown type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.manifest.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil && tt.errMatch != "" && !strings.Contains(err.Error(), tt.errMatch) {
				t.Errorf("Validate() error = %q, want substring %q", err.Error(), tt.errMatch)
			}
		})
	}
}

func TestRenderedSocketPath(t *testing.T) {
	t.Run("no background block", func(t *testing.T) {
		m := &Manifest{ID: "test"}
		if _, err := m.RenderedSocketPath(123); err == nil {
			t.Error("expected error for manifest with no background block")
		}
	})

	t.Run("substitutes plugin and pid", func(t *testing.T) {
		m := &Manifest{
			ID: "notifier",
			Background: &BackgroundConfig{
				Communication: CommunicationConfig{Path: "/tmp/toolcore-{plugin}-{pid}.sock"},
			},
		}
		path, err := m.RenderedSocketPath(4242)
		if err != nil {
			t.Fatalf("RenderedSocketPath() error = %v", err)
		}
		if path != "/tmp/toolcore-notifier-4242.sock" {
			t.Errorf("path = %q", path)
		}
	})

	t.Run("rejects overlong path", func(t *testing.T) {
		m := &Manifest{
			ID: "x",
			Background: &BackgroundConfig{
				Communication: CommunicationConfig{Path: "/tmp/" + strings.Repeat("a", 120) + "/{plugin}.sock"},
			},
		}
		if _, err := m.RenderedSocketPath(1); err == nil {
			t.Error("expected error for overlong rendered socket path")
		}
	})
}

func TestBackgroundRPCTools(t *testing.T) {
	m := &Manifest{
		ID: "test",
		Tools: []ToolDeclaration{
			{Name: "search", Type: ToolKindInProcess},
			{Name: "notify", Type: ToolKindBackgroundRPC, Method: "notify.send"},
			{Name: "ingest", Type: ToolKindBackgroundRPC, Method: "ingest.run"},
		},
	}
	rpc := m.BackgroundRPCTools()
	if len(rpc) != 2 {
		t.Fatalf("len(BackgroundRPCTools()) = %d, want 2", len(rpc))
	}
	if rpc[0].Name != "notify" || rpc[1].Name != "ingest" {
		t.Errorf("BackgroundRPCTools() = %+v", rpc)
	}
}

func TestManifestConstants(t *testing.T) {
	if ManifestFilename != "toolcore.plugin.json" {
		t.Errorf("ManifestFilename = %q, want %q", ManifestFilename, "toolcore.plugin.json")
	}
	if MaxSocketPathLength != 104 {
		t.Errorf("MaxSocketPathLength = %d, want 104", MaxSocketPathLength)
	}
}
