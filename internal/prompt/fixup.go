package prompt

import (
	"fmt"
	"strings"
)

// writeErrors writes the blocking diagnostics and the numbered code around them.
func writeErrors(sb *strings.Builder, ctx *Context) {
	sb.WriteString("The build failed with these errors:\n\n")
	var errs strings.Builder
	for _, e := range ctx.Errors {
		errs.WriteString(e.String())
		errs.WriteString("\n")
	}
	fenced(sb, errs.String())
	sb.WriteString("\n")

	for _, fc := range ctx.ErrorContext {
		fmt.Fprintf(sb, "Code around the errors in %s:\n\n", fc.Path)
		fenced(sb, fc.Numbered)
		sb.WriteString("\n")
	}
}

// EditLocationsBuilder builds the common prompt of the edit-locations
// phase: the diagnostics and the code around them.
type EditLocationsBuilder struct{}

// NewEditLocationsBuilder creates a new EditLocationsBuilder.
func NewEditLocationsBuilder() *EditLocationsBuilder {
	return &EditLocationsBuilder{}
}

// Build generates the diagnostics prompt from the context.
func (b *EditLocationsBuilder) Build(ctx *Context) (string, error) {
	if err := validatePhase(ctx, PhaseEditLocations); err != nil {
		return "", err
	}
	if len(ctx.Errors) == 0 {
		return "", ErrMissingErrors
	}

	var sb strings.Builder
	sb.WriteString("You are fixing a build that broke after porting commits onto a new base.\n\n")
	writeErrors(&sb, ctx)
	return sb.String(), nil
}

// Request appends the gathered evidence and the request for edit
// locations to a common prompt built by Build.
func (b *EditLocationsBuilder) Request(common, evidence string) string {
	var sb strings.Builder
	sb.WriteString(common)
	if strings.TrimSpace(evidence) != "" {
		sb.WriteString("Additional context you gathered from the repository:\n")
		sb.WriteString(evidence)
		if !strings.HasSuffix(evidence, "\n") {
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("List every location that has to be edited to fix the errors, one per line, in this form:\n\n")
	fmt.Fprintf(&sb, "%s <path>:<line>[-<line>] # <what has to change and why>\n\n", EditPrefix)
	sb.WriteString("Example:\n")
	fmt.Fprintf(&sb, "%s drivers/net/foo.c:120-124 # foo_init() lost its second argument upstream\n\n", EditPrefix)
	fmt.Fprintf(&sb, "Write %s on its own line after the last location.\n", EndMarker)
	return sb.String()
}

// FixupBuilder builds the common prompt for fixing one edit location.
type FixupBuilder struct{}

// NewFixupBuilder creates a new FixupBuilder.
func NewFixupBuilder() *FixupBuilder {
	return &FixupBuilder{}
}

// Build generates the fixup prompt from the context.
func (b *FixupBuilder) Build(ctx *Context) (string, error) {
	if err := validatePhase(ctx, PhaseFixup); err != nil {
		return "", err
	}
	if len(ctx.Errors) == 0 {
		return "", ErrMissingErrors
	}
	if ctx.Location == nil {
		return "", ErrMissingLocation
	}
	if ctx.Target == nil || ctx.Target.Numbered == "" {
		return "", ErrMissingTarget
	}

	var sb strings.Builder
	sb.WriteString("You are fixing a build that broke after porting commits onto a new base.\n\n")
	sb.WriteString("Instructions:\n")
	sb.WriteString("- Fix only what the location below needs; other locations are handled separately.\n")
	sb.WriteString("- Keep the surrounding code as it is.\n")
	sb.WriteString("- Number every line of the fixed block with its position in the resulting file.\n\n")

	writeErrors(&sb, ctx)

	fmt.Fprintf(&sb, "Location to fix: %s:%s\n", ctx.Location.Path, ctx.Location.Lines)
	if ctx.Location.Rationale != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", ctx.Location.Rationale)
	}
	sb.WriteString("\n")

	if c := ctx.Location.Culprit; c != nil {
		sb.WriteString("The commit that introduced the code at this location:\n\n")
		fenced(&sb, CommitDetails(c))
		sb.WriteString("\n")
	}

	if p := ctx.Previous; p != nil {
		sb.WriteString("Note: you have already attempted to fix this location and it failed.\n")
		if p.Reason != "" {
			fmt.Fprintf(&sb, "Failure: %s\n", p.Reason)
		}
		if p.Rationale != "" {
			fmt.Fprintf(&sb, "Your rationale then: %s\n", p.Rationale)
		}
		if p.Solution != "" {
			sb.WriteString("\nYour previous solution:\n\n")
			fenced(&sb, p.Solution)
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "In file: %s\n\n", ctx.Target.Path)
	sb.WriteString("This is the code block to be fixed:\n\n")
	fenced(&sb, ctx.Target.Numbered)
	sb.WriteString("\n")

	return sb.String(), nil
}
