package numbered

import (
	"testing"
)

func TestWidth(t *testing.T) {
	tests := []struct {
		max  int
		want int
	}{
		{0, 1},
		{1, 1},
		{9, 1},
		{10, 2},
		{999, 3},
		{1000, 4},
	}

	for _, tt := range tests {
		if got := Width(tt.max); got != tt.want {
			t.Errorf("Width(%d) = %d, want %d", tt.max, got, tt.want)
		}
	}
}

func TestEncode(t *testing.T) {
	got := Encode([]string{"a", "", "c"}, 9, 2)
	want := " 9 a\n10 \n11 c\n"
	if got != want {
		t.Errorf("Encode() = %q, want %q", got, want)
	}
}

func TestEncode_WidensNarrowWidth(t *testing.T) {
	got := Encode([]string{"x", "y"}, 99, 1)
	want := " 99 x\n100 y\n"
	if got != want {
		t.Errorf("Encode() = %q, want %q", got, want)
	}
}

func TestEncodeWindow(t *testing.T) {
	lines := []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11"}

	tests := []struct {
		name string
		win  Window
		want string
	}{
		{"inside", Window{Start: 2, End: 3}, "2 2\n3 3\n"},
		{"crosses width boundary", Window{Start: 9, End: 10}, " 9 9\n10 10\n"},
		{"clamped", Window{Start: -3, End: 1}, "1 1\n"},
		{"empty", Window{Start: 20, End: 30}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EncodeWindow(lines, tt.win); got != tt.want {
				t.Errorf("EncodeWindow() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeLine(t *testing.T) {
	tests := []struct {
		in      string
		wantOK  bool
		wantNum int
		wantTxt string
	}{
		{"12 foo", true, 12, "foo"},
		{"     7 indented", true, 7, "indented"},
		{"      7 six spaces", false, 0, ""},
		{"3 ", true, 3, ""},
		{"3     keeps  spacing", true, 3, "    keeps  spacing"},
		{"3\tno space", false, 0, ""},
		{"1234567 too long", false, 0, ""},
		{"0 zero", false, 0, ""},
		{"x 1 prose", false, 0, ""},
		{"4 windows\r", true, 4, "windows"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := DecodeLine(tt.in)
			if ok != tt.wantOK {
				t.Fatalf("DecodeLine(%q) ok = %v, want %v", tt.in, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.Number != tt.wantNum || got.Content != tt.wantTxt {
				t.Errorf("DecodeLine(%q) = %+v, want {%d %q}", tt.in, got, tt.wantNum, tt.wantTxt)
			}
		})
	}
}

func TestEncodeDecodeInverse(t *testing.T) {
	src := []string{"int x;", "  return 0;", "", "}"}
	lines, rejected := Decode(Encode(src, 98, 0))
	if len(rejected) != 0 {
		t.Fatalf("rejected = %q, want none", rejected)
	}
	if len(lines) != len(src) {
		t.Fatalf("len(lines) = %d, want %d", len(lines), len(src))
	}
	for i, l := range lines {
		if l.Number != 98+i {
			t.Errorf("lines[%d].Number = %d, want %d", i, l.Number, 98+i)
		}
		if l.Content != src[i] {
			t.Errorf("lines[%d].Content = %q, want %q", i, l.Content, src[i])
		}
	}
}

func TestLastFence(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		want   string
		wantOK bool
	}{
		{
			name:   "no fence",
			text:   "just prose",
			wantOK: false,
		},
		{
			name:   "single block",
			text:   "intro\n```\n1 a\n2 b\n```\ntrailer",
			want:   "1 a\n2 b",
			wantOK: true,
		},
		{
			name:   "last of two blocks",
			text:   "```\n1 old\n```\nthen\n```c\n5 new\n```\n",
			want:   "5 new",
			wantOK: true,
		},
		{
			name:   "unterminated final fence",
			text:   "```\n1 a\n```\n```\n7 partial\n8 more",
			want:   "7 partial\n8 more",
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := LastFence(tt.text)
			if ok != tt.wantOK {
				t.Fatalf("LastFence() ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("LastFence() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCountFences(t *testing.T) {
	if got := CountFences("a\n```\nb\n  ```go\n"); got != 2 {
		t.Errorf("CountFences() = %d, want 2", got)
	}
}

func TestSplitLines(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"a\n", 1},
		{"a\n\n", 2},
		{"a\nb", 2},
	}
	for _, tt := range tests {
		if got := len(SplitLines(tt.in)); got != tt.want {
			t.Errorf("len(SplitLines(%q)) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestWindow(t *testing.T) {
	w := Around(3, 5, 2, 6)
	if w != (Window{Start: 1, End: 6}) {
		t.Errorf("Around() = %v, want 1-6", w)
	}
	if w.Len() != 6 {
		t.Errorf("Len() = %d, want 6", w.Len())
	}
	if !w.Overlaps(Window{Start: 6, End: 9}) {
		t.Error("Overlaps(6-9) = false, want true")
	}
	if w.Overlaps(Window{Start: 7, End: 9}) {
		t.Error("Overlaps(7-9) = true, want false")
	}
	if w.String() != "1-6" {
		t.Errorf("String() = %q, want %q", w.String(), "1-6")
	}
}

func TestRegions(t *testing.T) {
	tests := []struct {
		name  string
		spans []Window
		want  []Window
	}{
		{"clamped", []Window{{Start: 1, End: 1}}, []Window{{Start: 1, End: 2}}},
		{"touching merge", []Window{{Start: 5, End: 5}, {Start: 7, End: 7}}, []Window{{Start: 4, End: 8}}},
		{"distant stay apart", []Window{{Start: 2, End: 2}, {Start: 20, End: 20}}, []Window{{Start: 1, End: 3}, {Start: 19, End: 21}}},
		{"outside the file", []Window{{Start: 40, End: 40}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Regions(tt.spans, 1, 30)
			if len(got) != len(tt.want) {
				t.Fatalf("Regions() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Regions()[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestEncodeRegions(t *testing.T) {
	lines := make([]string, 12)
	for i := range lines {
		lines[i] = "x"
	}
	got := EncodeRegions(lines, []Window{{Start: 1, End: 2}, {Start: 10, End: 11}})
	want := " 1 x\n 2 x\n...\n10 x\n11 x\n"
	if got != want {
		t.Errorf("EncodeRegions() = %q, want %q", got, want)
	}
}
