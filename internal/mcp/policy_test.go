package mcp

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writePolicy(t *testing.T, dir, content string, perm os.FileMode) {
	t.Helper()
	path := filepath.Join(dir, PolicyFileName)
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}
	if err := os.Chmod(path, perm); err != nil {
		t.Fatalf("failed to chmod policy file: %v", err)
	}
}

func TestLoadPolicy_NotFound(t *testing.T) {
	_, err := LoadPolicy(t.TempDir())
	if !errors.Is(err, ErrPolicyNotFound) {
		t.Errorf("LoadPolicy() error = %v, want ErrPolicyNotFound", err)
	}
}

func TestLoadPolicy_Success(t *testing.T) {
	tmpDir := t.TempDir()
	writePolicy(t, tmpDir, `version: 1
allowed_tools:
  - entry_get_masked
denied_tools:
  - sync_status
`, 0600)

	policy, err := LoadPolicy(tmpDir)
	if err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}
	if policy.DefaultAction != ActionDeny {
		t.Errorf("DefaultAction = %q, want deny", policy.DefaultAction)
	}
	if len(policy.AllowedTools) != 1 || len(policy.DeniedTools) != 1 {
		t.Errorf("policy = %+v", policy)
	}
}

func TestLoadPolicy_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		perm    os.FileMode
		want    error
	}{
		{"insecure permissions", "version: 1\n", 0644, ErrPolicyInsecure},
		{"invalid yaml", "invalid: yaml: content: [[[", 0600, nil},
		{"wrong version", "version: 2\n", 0600, nil},
		{"bad default action", "version: 1\ndefault_action: maybe\n", 0600, nil},
		{"unknown tool", "version: 1\nallowed_tools: [secret_run]\n", 0600, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writePolicy(t, dir, tt.content, tt.perm)
			_, err := LoadPolicy(dir)
			if err == nil {
				t.Fatal("LoadPolicy() error = nil, want error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("LoadPolicy() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadPolicy_Symlink(t *testing.T) {
	tmpDir := t.TempDir()
	target := filepath.Join(tmpDir, "real.yaml")
	if err := os.WriteFile(target, []byte("version: 1\n"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.Symlink(target, filepath.Join(tmpDir, PolicyFileName)); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if _, err := LoadPolicy(tmpDir); !errors.Is(err, ErrPolicySymlink) {
		t.Errorf("LoadPolicy() error = %v, want ErrPolicySymlink", err)
	}
}

func TestIsToolAllowed(t *testing.T) {
	tests := []struct {
		name   string
		policy *Policy
		tool   string
		want   bool
	}{
		{"nil policy read-only tool", nil, ToolEntryList, true},
		{"nil policy sensitive tool", nil, ToolEntryGetMasked, false},
		{"denied wins", &Policy{Version: 1, DefaultAction: ActionAllow, DeniedTools: []string{ToolEntryList}, AllowedTools: []string{ToolEntryList}}, ToolEntryList, false},
		{"allowed sensitive", &Policy{Version: 1, DefaultAction: ActionDeny, AllowedTools: []string{ToolEntryGetMasked}}, ToolEntryGetMasked, true},
		{"default deny sensitive", &Policy{Version: 1, DefaultAction: ActionDeny}, ToolEntryGetMasked, false},
		{"default allow sensitive", &Policy{Version: 1, DefaultAction: ActionAllow}, ToolEntryGetMasked, true},
		{"default deny read-only", &Policy{Version: 1, DefaultAction: ActionDeny}, ToolVaultStatus, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := tt.policy.IsToolAllowed(tt.tool)
			if got != tt.want {
				t.Errorf("IsToolAllowed(%s) = %v (%s), want %v", tt.tool, got, reason, tt.want)
			}
			if !got && !strings.Contains(reason, tt.tool) {
				t.Errorf("reason %q does not name the tool", reason)
			}
		})
	}
}
