package registry

// DefaultAgents returns the built-in agent configurations
func DefaultAgents() []*AgentTypeConfig {
	return []*AgentTypeConfig{
		{
			ID:                "claude-code",
			Name:              "Claude Code",
			Description:       "Anthropic Claude Code via the claude-code-acp adapter.",
			Command:           "claude-code-acp",
			CredentialEnvVars: []string{"CLAUDE_CODE_OAUTH_TOKEN", "ANTHROPIC_API_KEY"},
			InstallPackage:    "@zed-industries/claude-code-acp",
			Enabled:           true,
		},
		{
			ID:                "openai-codex",
			Name:              "OpenAI Codex",
			Description:       "OpenAI Codex CLI via the codex-acp adapter.",
			Command:           "codex-acp",
			CredentialEnvVars: []string{"OPENAI_API_KEY"},
			InstallPackage:    "@openai/codex-acp",
			Enabled:           true,
		},
		{
			ID:                "google-gemini",
			Name:              "Google Gemini",
			Description:       "Gemini CLI in experimental ACP mode.",
			Command:           "gemini",
			Args:              []string{"--experimental-acp"},
			CredentialEnvVars: []string{"GEMINI_API_KEY"},
			Enabled:           true,
		},
	}
}
