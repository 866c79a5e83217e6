package engine

import "testing"

func TestStripDelim(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"===题1===【✓】做得好", "【✓】做得好"},
		{"===题1===\n【△】缺少讨论", "【△】缺少讨论"},
		{"【✗】没有回显分隔符", "【✗】没有回显分隔符"},
		{"  ===题3=== 带空白 ", "带空白"},
	}
	for _, tt := range tests {
		if got := StripDelim(tt.in); got != tt.want {
			t.Errorf("StripDelim(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSplitVerdicts(t *testing.T) {
	text := "===题1===【✓】\n===题2===【△】缺少收敛性讨论\n===题3===【✗】应当用牛顿法"
	verdicts, ok := SplitVerdicts(text, 3)
	if !ok {
		t.Fatal("expected successful split")
	}
	want := []string{"【✓】", "【△】缺少收敛性讨论", "【✗】应当用牛顿法"}
	for i := range want {
		if verdicts[i] != want[i] {
			t.Errorf("verdict %d = %q, want %q", i+1, verdicts[i], want[i])
		}
	}
}

func TestSplitVerdictsOutOfOrder(t *testing.T) {
	// Segments are matched by the echoed number, not by position.
	text := "===题2===第二题的批改\n===题1===第一题的批改"
	verdicts, ok := SplitVerdicts(text, 2)
	if !ok {
		t.Fatal("expected successful split")
	}
	if verdicts[0] != "第一题的批改" || verdicts[1] != "第二题的批改" {
		t.Errorf("unexpected verdicts: %v", verdicts)
	}
}

func TestSplitVerdictsIncomplete(t *testing.T) {
	tests := []struct {
		name string
		text string
		n    int
	}{
		{"missing segment", "===题1===【✓】\n===题3===【✗】", 3},
		{"empty segment", "===题1===【✓】\n===题2===", 2},
		{"no delimiters", "整体来看答得不错", 2},
		{"too few", "===题1===【✓】", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := SplitVerdicts(tt.text, tt.n); ok {
				t.Error("expected failed split")
			}
		})
	}
}
