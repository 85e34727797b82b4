package backend

import (
	"path/filepath"
	"strings"
)

// DroidInvocation describes one run of the droid CLI in non-interactive exec mode.
type DroidInvocation struct {
	ExtraArgs     []string // Inserted right after the exec subcommand
	AutoLevel     string
	WorkDir       string
	Model         string
	DroidName     string // Named droid selector; empty for droids authored in this tool
	EnabledTools  []string
	DisabledTools []string
	SystemPrompt  string // Prepended to Prompt when set
	Prompt        string
}

// Args constructs the command-line arguments for the droid CLI.
// The prompt is always the final positional argument, preceded by "--" so a
// prompt starting with a dash is never read as a flag.
func (inv DroidInvocation) Args() []string {
	args := []string{"exec"}
	args = append(args, inv.ExtraArgs...)
	args = append(args, "--output-format", "stream-json")

	if inv.AutoLevel != "" {
		args = append(args, "--auto", inv.AutoLevel)
	}
	if inv.WorkDir != "" {
		args = append(args, "--cwd", inv.WorkDir)
	}
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	if inv.DroidName != "" {
		args = append(args, "--droid", inv.DroidName)
	}
	if tools := joinTools(inv.EnabledTools); tools != "" {
		args = append(args, "--enabled-tools", tools)
	}
	if tools := joinTools(inv.DisabledTools); tools != "" {
		args = append(args, "--disabled-tools", tools)
	}

	args = append(args, "--", ComposePrompt(inv.SystemPrompt, inv.Prompt))
	return args
}

// ComposePrompt prepends a droid's own instructions to the task prompt with
// explicit section markers. Without instructions the prompt is returned as is.
func ComposePrompt(systemPrompt, prompt string) string {
	systemPrompt = strings.TrimSpace(systemPrompt)
	if systemPrompt == "" {
		return prompt
	}
	var b strings.Builder
	b.WriteString("# Droid Instructions\n\n")
	b.WriteString(systemPrompt)
	b.WriteString("\n\n# Task\n\n")
	b.WriteString(prompt)
	return b.String()
}

// DroidNameFromSource derives the named-droid selector from the markdown file
// an imported droid was loaded from ("reviewer.md" -> "reviewer").
func DroidNameFromSource(sourcePath string) string {
	if sourcePath == "" {
		return ""
	}
	base := filepath.Base(sourcePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func joinTools(tools []string) string {
	cleaned := make([]string, 0, len(tools))
	for _, t := range tools {
		if t = strings.TrimSpace(t); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	return strings.Join(cleaned, ",")
}
