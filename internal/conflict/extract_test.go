package conflict

import (
	"reflect"
	"strings"
	"testing"

	"github.com/snajpa/rllm/internal/numbered"
)

const tenLines = "one\ntwo\n<<<<<<< ours\nA\n=======\nB\n>>>>>>> theirs\neight\nnine\nten\n"

func TestExtract_SingleBlock(t *testing.T) {
	blocks := Extract("f.c", tenLines, 2)
	if len(blocks) != 1 {
		t.Fatalf("len(blocks) = %d, want 1", len(blocks))
	}

	b := blocks[0]
	if b.Path != "f.c" {
		t.Errorf("Path = %q, want %q", b.Path, "f.c")
	}
	if b.Ordinal != 0 {
		t.Errorf("Ordinal = %d, want 0", b.Ordinal)
	}
	if b.Core != (numbered.Window{Start: 3, End: 7}) {
		t.Errorf("Core = %v, want 3-7", b.Core)
	}
	if b.Window != (numbered.Window{Start: 1, End: 9}) {
		t.Errorf("Window = %v, want 1-9", b.Window)
	}
	if len(b.Lines) != 5 || b.Lines[0] != "<<<<<<< ours" || b.Lines[4] != ">>>>>>> theirs" {
		t.Errorf("Lines = %q", b.Lines)
	}
	if got := b.Ours(); !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("Ours() = %q, want [A]", got)
	}
	if got := b.Theirs(); !reflect.DeepEqual(got, []string{"B"}) {
		t.Errorf("Theirs() = %q, want [B]", got)
	}
}

func TestExtract_WindowClampedToFile(t *testing.T) {
	blocks := Extract("f.c", tenLines, 25)
	if blocks[0].Window != (numbered.Window{Start: 1, End: 10}) {
		t.Errorf("Window = %v, want 1-10", blocks[0].Window)
	}
}

func TestExtract_OrdinalsIncrement(t *testing.T) {
	text := strings.Join([]string{
		"<<<<<<< HEAD",
		"a",
		"=======",
		"b",
		">>>>>>> x",
		"mid",
		"<<<<<<< HEAD",
		"c",
		"||||||| base",
		"c0",
		"=======",
		"d",
		">>>>>>> x",
	}, "\n")

	blocks := Extract("f", text, 0)
	if len(blocks) != 2 {
		t.Fatalf("len(blocks) = %d, want 2", len(blocks))
	}
	if blocks[1].Ordinal != 1 {
		t.Errorf("blocks[1].Ordinal = %d, want 1", blocks[1].Ordinal)
	}
	if blocks[1].Core != (numbered.Window{Start: 7, End: 13}) {
		t.Errorf("blocks[1].Core = %v, want 7-13", blocks[1].Core)
	}
	if got := blocks[1].Base(); !reflect.DeepEqual(got, []string{"c0"}) {
		t.Errorf("Base() = %q, want [c0]", got)
	}

	first, ok := First("f", text, 0)
	if !ok || first.Ordinal != 0 {
		t.Errorf("First() = %+v, %v; want ordinal 0", first, ok)
	}
}

func TestExtract_CoreBoundsMatchingMarkers(t *testing.T) {
	// Separator text outside a conflict is ordinary content.
	text := "=======\nx\n<<<<<<< a\ny\n=======\nz\n>>>>>>> b\n>>>>>>> stray\n"
	blocks := Extract("f", text, 0)
	if len(blocks) != 1 {
		t.Fatalf("len(blocks) = %d, want 1", len(blocks))
	}
	if blocks[0].Core != (numbered.Window{Start: 3, End: 7}) {
		t.Errorf("Core = %v, want 3-7", blocks[0].Core)
	}
}

func TestExtract_NoMarkers(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"plain", "a\nb\n"},
		{"unterminated", "a\n<<<<<<< x\nb\n=======\nc\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if blocks := Extract("f", tt.text, 5); len(blocks) != 0 {
				t.Errorf("Extract() = %d blocks, want 0", len(blocks))
			}
			if HasMarkers(tt.text) {
				t.Error("HasMarkers() = true, want false")
			}
			if _, ok := First("f", tt.text, 5); ok {
				t.Error("First() ok = true, want false")
			}
		})
	}
}

func TestLabel(t *testing.T) {
	labeled := Label(tenLines)
	if len(labeled) != 10 {
		t.Fatalf("len(labeled) = %d, want 10", len(labeled))
	}

	wantSides := []Side{SideNone, SideNone, SideMarker, SideOurs, SideMarker, SideTheirs, SideMarker, SideNone, SideNone, SideNone}
	for i, l := range labeled {
		if l.Number != i+1 {
			t.Errorf("labeled[%d].Number = %d, want %d", i, l.Number, i+1)
		}
		if l.Side != wantSides[i] {
			t.Errorf("labeled[%d].Side = %v, want %v", i, l.Side, wantSides[i])
		}
		inCore := i >= 2 && i <= 6
		if inCore && l.Ordinal != 0 {
			t.Errorf("labeled[%d].Ordinal = %d, want 0", i, l.Ordinal)
		}
		if !inCore && l.Ordinal != Unlabeled {
			t.Errorf("labeled[%d].Ordinal = %d, want Unlabeled", i, l.Ordinal)
		}
	}
}
