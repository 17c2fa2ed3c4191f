package prompt

import (
	"fmt"
	"strings"
)

// MergeBuilder builds the common part of a conflict resolution prompt:
// instructions, the original commit, upstream pre- and post-images,
// feedback from the previous attempt and the conflicted window.
type MergeBuilder struct{}

// NewMergeBuilder creates a new MergeBuilder.
func NewMergeBuilder() *MergeBuilder {
	return &MergeBuilder{}
}

// Build generates the merge prompt from the context.
func (b *MergeBuilder) Build(ctx *Context) (string, error) {
	if err := validatePhase(ctx, PhaseMerge); err != nil {
		return "", err
	}
	if ctx.Commit == nil {
		return "", ErrMissingCommit
	}
	if ctx.Target == nil || ctx.Target.Numbered == "" {
		return "", ErrMissingTarget
	}

	var sb strings.Builder

	sb.WriteString("You are resolving a Git merge conflict.\n\n")
	sb.WriteString("Carefully read these instructions, then the original commit and the code block with a conflict to be merged.\n\n")
	sb.WriteString("Instructions:\n")
	sb.WriteString("- Resolve the conflict in the code block by merging the change made by the original commit into the code of the branch we are porting onto.\n")
	sb.WriteString("- Be mindful of the full context.\n")
	sb.WriteString("- Do only what is relevant for resolving the merge conflict.\n")
	sb.WriteString("- Resolve the conflict in the full spirit of the original commit.\n")
	sb.WriteString("- If the commit introduces a new feature, preserve the feature in the final code.\n")
	sb.WriteString("- If the commit rearranges or refactors code, refactor the final code the same way.\n")
	sb.WriteString("- Number every line of the resolved block with its position in the resulting file.\n")
	sb.WriteString("- Do not put any comments about your changes into the resolved block itself.\n\n")

	sb.WriteString("The original commit:\n\n")
	fenced(&sb, CommitDetails(ctx.Commit))
	sb.WriteString("\n")

	if ctx.Target.PreImage != "" {
		fmt.Fprintf(&sb, "Upstream %s before the commit:\n\n", ctx.Target.Path)
		fenced(&sb, ctx.Target.PreImage)
		sb.WriteString("\n")
	}
	if ctx.Target.PostImage != "" {
		fmt.Fprintf(&sb, "Upstream %s after the commit:\n\n", ctx.Target.Path)
		fenced(&sb, ctx.Target.PostImage)
		sb.WriteString("\n")
	}

	if ctx.Previous != nil || ctx.BuildOutput != "" {
		b.writePrevious(&sb, ctx)
	}

	fmt.Fprintf(&sb, "In file: %s\n\n", ctx.Target.Path)
	sb.WriteString("This is the code block with the conflict to be solved:\n\n")
	fenced(&sb, ctx.Target.Numbered)
	sb.WriteString("\n")

	return sb.String(), nil
}

// writePrevious writes the feedback from the failed previous attempt.
func (b *MergeBuilder) writePrevious(sb *strings.Builder, ctx *Context) {
	sb.WriteString("Note: you have already attempted this merge and the result failed.\n\n")
	if ctx.BuildOutput != "" {
		sb.WriteString("Output of the build of your previous attempt:\n\n")
		fenced(sb, ctx.BuildOutput)
		sb.WriteString("\n")
	}
	if ctx.Previous != nil && ctx.Previous.Solution != "" {
		fmt.Fprintf(sb, "Your previous resolution of this file at lines %s:\n\n", ctx.Previous.Window)
		fenced(sb, ctx.Previous.Solution)
		sb.WriteString("\n")
	}
	if ctx.Previous != nil && ctx.Previous.Reason != "" {
		fmt.Fprintf(sb, "It was rejected: %s\n\n", ctx.Previous.Reason)
	}
}

// SolutionBuilder appends the gathered evidence and the final request for
// a numbered code block to a common prompt.
type SolutionBuilder struct{}

// NewSolutionBuilder creates a new SolutionBuilder.
func NewSolutionBuilder() *SolutionBuilder {
	return &SolutionBuilder{}
}

// Build generates the solution prompt from the context.
func (b *SolutionBuilder) Build(ctx *Context) (string, error) {
	if err := validatePhase(ctx, PhaseSolution); err != nil {
		return "", err
	}
	if ctx.Target == nil {
		return "", ErrMissingTarget
	}

	var sb strings.Builder
	sb.WriteString(ctx.Common)

	if strings.TrimSpace(ctx.Evidence) != "" {
		sb.WriteString("Additional context you gathered from the repository:\n")
		sb.WriteString(ctx.Evidence)
		if !strings.HasSuffix(ctx.Evidence, "\n") {
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "Provide the complete replacement for lines %s of %s below.\n", ctx.Target.Window, ctx.Target.Path)
	sb.WriteString("If you want to explain your reasoning, do it before opening the code block.\n")
	sb.WriteString("Respond with exactly one code block; prefix every line with its line number followed by one space.\n\n")

	return sb.String(), nil
}
