package mcp

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Policy controls which tools an agent may call.
type Policy struct {
	Version       int      `yaml:"version"`
	DefaultAction string   `yaml:"default_action"`
	DeniedTools   []string `yaml:"denied_tools"`
	AllowedTools  []string `yaml:"allowed_tools"`
}

// PolicyFileName is the name of the policy file
const PolicyFileName = "mcp-policy.yaml"

// Policy action constants
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// ErrPolicyNotFound is returned when no policy file exists
var ErrPolicyNotFound = errors.New("MCP policy file not found")

// ErrPolicyInsecure is returned when policy file has insecure permissions
var ErrPolicyInsecure = errors.New("MCP policy file has insecure permissions")

// ErrPolicySymlink is returned when policy file is a symlink
var ErrPolicySymlink = errors.New("MCP policy file is a symlink")

// ErrPolicyNotOwnedByUser is returned when policy file is not owned by current user
var ErrPolicyNotOwnedByUser = errors.New("MCP policy file not owned by current user")

// LoadPolicy loads the MCP policy from the vault directory. The file is
// opened without following symlinks and checked through the open
// descriptor.
func LoadPolicy(vaultPath string) (*Policy, error) {
	f, err := openPolicyFile(filepath.Join(vaultPath, PolicyFileName))
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) || errors.Is(err, ErrPolicySymlink) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to open policy file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat policy file: %w", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		return nil, fmt.Errorf("%w: %o (expected 0600)", ErrPolicyInsecure, perm)
	}
	if err := checkFileOwnership(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var policy Policy
	if err := yaml.Unmarshal(content, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if policy.DefaultAction == "" {
		policy.DefaultAction = ActionDeny
	}
	if err := policy.ValidatePolicy(); err != nil {
		return nil, err
	}
	return &policy, nil
}

// SensitiveTools lists tools that reveal anything derived from a secret
// value. They need an explicit allow.
func SensitiveTools() []string {
	return []string{ToolEntryGetMasked}
}

func isSensitive(tool string) bool {
	for _, s := range SensitiveTools() {
		if s == tool {
			return true
		}
	}
	return false
}

// IsToolAllowed checks a tool against the policy. Evaluation order:
// denied_tools, allowed_tools, then non-sensitive tools are allowed and
// sensitive ones follow default_action. A nil policy denies every
// sensitive tool.
func (p *Policy) IsToolAllowed(tool string) (allowed bool, reason string) {
	if p == nil {
		if isSensitive(tool) {
			return false, fmt.Sprintf("tool '%s' requires an MCP policy allowing it", tool)
		}
		return true, ""
	}
	for _, denied := range p.DeniedTools {
		if denied == tool {
			return false, fmt.Sprintf("tool '%s' is in denied_tools", tool)
		}
	}
	for _, allowed := range p.AllowedTools {
		if allowed == tool {
			return true, ""
		}
	}
	if !isSensitive(tool) || p.DefaultAction == ActionAllow {
		return true, ""
	}
	return false, fmt.Sprintf("tool '%s' not in allowed_tools list", tool)
}

// ValidatePolicy validates the policy configuration
func (p *Policy) ValidatePolicy() error {
	if p.Version != 1 {
		return fmt.Errorf("unsupported policy version: %d", p.Version)
	}

	if p.DefaultAction != ActionDeny && p.DefaultAction != ActionAllow {
		return fmt.Errorf("invalid default_action: %s (must be '%s' or '%s')", p.DefaultAction, ActionDeny, ActionAllow)
	}

	for _, list := range [][]string{p.DeniedTools, p.AllowedTools} {
		for _, tool := range list {
			if !knownTool(tool) {
				return fmt.Errorf("unknown tool in policy: %s", tool)
			}
		}
	}
	return nil
}
