package agentsession

import (
	"fmt"

	"github.com/sessiond/core/internal/store"
)

// specialistAgents are the seven fixed roles coordinator mode injects
// alongside the coordinator itself, eight agents in all (spec §4.D
// QueryOptions composition).
var specialistAgents = []string{"Coder", "Debugger", "Tester", "Reviewer", "VCS", "Verifier", "Executor"}

// QueryOptions is the fully composed set of options an Agent Session
// passes to its transport when starting or restarting a Query. Fields that
// resolve to "unset" are left at their zero value and omitted by the
// transport the same way the spec describes: the struct only documents the
// composition rules, the opaque Query decides what it actually consumes.
type QueryOptions struct {
	Model                   string
	Cwd                     string
	MaxTurns                int // 0 = unbounded
	PermissionMode          string
	AllowDangerouslySkip    bool
	SystemPrompt            string
	Agent                   string   // "Coordinator" in coordinator mode, else unset
	Agents                  []string // specialist role names injected in coordinator mode
	Tools                   []string
	AllowedTools            []string
	DisallowedTools         []string
	MCPServers              map[string]any
	SettingSources          []string
	AdditionalDirectories   []string
	EnableFileCheckpointing bool
	MaxThinkingTokens       int
	Resume                  string
	Env                     map[string]string

	// AgentSystemPrompts carries per-agent system prompt additions in
	// coordinator mode, keyed by agent name. The coordinator itself never
	// gets an entry; every specialist does.
	AgentSystemPrompts map[string]string
}

// BuildQueryOptions composes a Query's options from a session's persisted
// configuration, applying the permission-mode mapping, coordinator-mode
// injection, worktree isolation text, and thinking-level mapping described
// in spec §4.D.
func BuildQueryOptions(sess *store.Session) QueryOptions {
	cfg := sess.Config

	cwd := sess.WorkspacePath
	if sess.Metadata.Worktree != nil {
		cwd = sess.Metadata.Worktree.WorktreePath
	}

	opts := QueryOptions{
		Model:                   cfg.Model,
		Cwd:                     cwd,
		PermissionMode:          resolvePermissionMode(cfg.PermissionMode),
		SystemPrompt:            buildSystemPrompt(sess),
		AllowedTools:            cfg.AllowedTools,
		DisallowedTools:         disallowMemoryToolUnlessEnabled(cfg),
		MCPServers:              cfg.MCPServers,
		SettingSources:          []string{"project", "local"},
		EnableFileCheckpointing: true,
		Env:                     cfg.Env,
	}
	if cfg.EnableFileCheckpointing != nil {
		opts.EnableFileCheckpointing = *cfg.EnableFileCheckpointing
	}
	if cfg.SDKToolsPreset != "" {
		opts.Tools = []string{cfg.SDKToolsPreset}
	}
	if opts.PermissionMode == "bypassPermissions" {
		opts.AllowDangerouslySkip = true
	}
	if tokens, ok := maxThinkingTokensFor(cfg.ThinkingLevel); ok {
		opts.MaxThinkingTokens = tokens
	}

	opts.AdditionalDirectories = append(opts.AdditionalDirectories, "/tmp/claude")
	if sess.Metadata.Worktree != nil {
		opts.AdditionalDirectories = append(opts.AdditionalDirectories, worktreeTempDir(sess.ID))
	}

	if cfg.CoordinatorMode {
		applyCoordinatorMode(&opts, sess)
	}

	return opts
}

func resolvePermissionMode(mode string) string {
	switch mode {
	case "", "default":
		return "bypassPermissions"
	default:
		return mode
	}
}

func disallowMemoryToolUnlessEnabled(cfg store.SessionConfig) []string {
	disallowed := append([]string(nil), cfg.DisallowedTools...)
	memoryAllowed := false
	if cfg.Agents != nil {
		if tools, ok := cfg.Agents["tools"].(map[string]any); ok {
			if kai, ok := tools["kaiTools"].(map[string]any); ok {
				memoryAllowed, _ = kai["memory"].(bool)
			}
		}
	}
	if !memoryAllowed {
		disallowed = append(disallowed, "memory")
	}
	return disallowed
}

// applyCoordinatorMode injects the Coordinator agent and its seven
// specialists. Session-level tools are left unrestricted; specialists
// narrow their own tool set separately via the transport's per-agent
// configuration. Worktree isolation text is injected into every specialist
// but withheld from the coordinator, which only ever plans and delegates
// and never touches the worktree directly.
func applyCoordinatorMode(opts *QueryOptions, sess *store.Session) {
	opts.Agent = "Coordinator"
	opts.Agents = append([]string{"Coordinator"}, specialistAgents...)

	if sess.Metadata.Worktree == nil {
		return
	}
	block := worktreeIsolationBlock(sess.Metadata.Worktree)
	opts.AgentSystemPrompts = make(map[string]string, len(specialistAgents))
	for _, name := range specialistAgents {
		opts.AgentSystemPrompts[name] = block
	}
}

func worktreeTempDir(sessionID string) string {
	return fmt.Sprintf("/tmp/sessiond-%s", sessionID)
}
