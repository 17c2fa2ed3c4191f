package prompt

import (
	"fmt"
	"strings"
)

// Tool descriptions shown to the model. The order is the order in which
// they are listed in the prompt.
var askTools = []struct{ usage, help string }{
	{
		`grep-context "<pattern>" [<path or glob>...]`,
		"Search the repository for a regular expression and show the lines around every match. " +
			"Paths may be files, directories or globs relative to the repository root; the default is the whole tree.",
	},
	{
		"cat-context <line> <path>",
		"Show the lines around one line of a file.",
	},
	{
		"blame-line <line> <path>",
		"Show which commit last changed one line of a file, with its author and subject.",
	},
	{
		"close",
		"Stop asking; you have enough context to provide the solution.",
	},
}

// AskBuilder builds the prompt for one context-gathering turn: the common
// prompt, the ask protocol, the transcript so far and the remaining budget.
type AskBuilder struct{}

// NewAskBuilder creates a new AskBuilder.
func NewAskBuilder() *AskBuilder {
	return &AskBuilder{}
}

// Build generates the ask prompt from the context.
func (b *AskBuilder) Build(ctx *Context) (string, error) {
	if err := validatePhase(ctx, PhaseAsk); err != nil {
		return "", err
	}
	if ctx.Ask == nil {
		return "", ErrMissingAsk
	}

	var sb strings.Builder
	sb.WriteString(ctx.Common)

	sb.WriteString("Before you provide the solution you may ask for more context from the repository.\n")
	sb.WriteString("Every answer costs lines from your budget; asks that do not fit are rejected and cost nothing.\n")
	sb.WriteString("Do not repeat an ask, repeated asks are rejected.\n\n")
	sb.WriteString("Available tools:\n")
	for _, tool := range askTools {
		fmt.Fprintf(&sb, "- %s %s\n  %s\n", AskPrefix, tool.usage, tool.help)
	}
	sb.WriteString("\n")
	sb.WriteString("Write at most a short thought, then exactly one line of the form:\n")
	fmt.Fprintf(&sb, "%s <tool> <params>\n\n", AskPrefix)
	sb.WriteString("Example:\n")
	fmt.Fprintf(&sb, "%s cat-context 120 drivers/net/foo.c\n\n", AskPrefix)

	if strings.TrimSpace(ctx.Ask.History) != "" {
		sb.WriteString("Your previous asks and their results:\n\n")
		sb.WriteString(ctx.Ask.History)
		if !strings.HasSuffix(ctx.Ask.History, "\n") {
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "BUDGET_LEFT: %s\n\n", ctx.Ask.Budget)
	sb.WriteString("Your next ask:\n")

	return sb.String(), nil
}
