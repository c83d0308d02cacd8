package agentdef

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/termdeck/termdeck/internal/protocol"
)

// BuildCommand expands a command template into an argv runnable on a
// PTY. The {prompt} placeholder is replaced with the shell-quoted
// prompt, or removed when the prompt is empty. Templates run through
// the shell so agent authors can use pipes and env vars.
func BuildCommand(template, prompt string) (command string, args []string) {
	expanded := template
	if strings.Contains(template, "{prompt}") {
		if prompt == "" {
			expanded = strings.Join(strings.Fields(strings.ReplaceAll(template, "{prompt}", "")), " ")
		} else {
			expanded = strings.ReplaceAll(template, "{prompt}", shellQuote(prompt))
		}
	}
	return "/bin/sh", []string{"-c", expanded}
}

// shellQuote single-quotes s for POSIX sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// CompileAskingPatterns compiles a definition's asking patterns,
// skipping ones that fail to compile (a broken pattern in the agents
// file must not take the worker down).
func CompileAskingPatterns(def protocol.AgentDefinition) []*regexp.Regexp {
	if !def.Capabilities.SupportsActivityDetection {
		return nil
	}
	patterns := make([]*regexp.Regexp, 0, len(def.ActivityPatterns.AskingPatterns))
	for _, p := range def.ActivityPatterns.AskingPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			slog.Warn("skipping invalid asking pattern", "agent_id", def.ID, "pattern", p, "error", err)
			continue
		}
		patterns = append(patterns, re)
	}
	return patterns
}
