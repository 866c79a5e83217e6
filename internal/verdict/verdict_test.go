package verdict

import (
	"testing"

	"github.com/wxkj99/na-quiz/internal/model"
	"github.com/wxkj99/na-quiz/internal/store"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Class
	}{
		{"plain correct", "【✓】", Correct},
		{"correct with note", "【✓】补充：还可用弦截法", Correct},
		{"plain wrong", "【✗】应当先归一化", Wrong},
		{"partial", "【△】缺少误差分析", Mixed},
		{"both glyphs", "【✓】前半对，【✗】后半错", Mixed},
		{"partial and check", "【△】接近了 ✓", Mixed},
		{"no glyph", "整体尚可", Mixed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.text); got != tt.want {
				t.Errorf("Classify(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestNormalizeMath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"inline", "误差为 $O(h^2)$ 阶", `误差为 \(O(h^2)\) 阶`},
		{"display", "$$\\int_0^1 f(x)dx$$", `\[\int_0^1 f(x)dx\]`},
		{
			"display before inline",
			"先看 $$a+b$$ 再看 $c$",
			`先看 \[a+b\] 再看 \(c\)`,
		},
		{"multiline display", "$$a\n+b$$", "\\[a\n+b\\]"},
		{"inline across lines", "$x\n+y$", "\\(x\n+y\\)"},
		{"no math", "没有公式", "没有公式"},
		{"lone dollar", "价格是 $5", "价格是 $5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeMath(tt.in); got != tt.want {
				t.Errorf("NormalizeMath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEdited(t *testing.T) {
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	id := "naq:input:p-1"

	// Never graded: not stale.
	edited, err := Edited(s, id, []string{"x"})
	if err != nil {
		t.Fatalf("Edited: %v", err)
	}
	if edited {
		t.Error("question without snapshot must not read as edited")
	}

	if err := s.Set(model.SnapKey(id), "左|右"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	edited, err = Edited(s, id, []string{"左", "右"})
	if err != nil {
		t.Fatalf("Edited: %v", err)
	}
	if edited {
		t.Error("unchanged inputs must not read as edited")
	}

	edited, err = Edited(s, id, []string{"左", "改了"})
	if err != nil {
		t.Fatalf("Edited: %v", err)
	}
	if !edited {
		t.Error("changed inputs must read as edited")
	}
}
