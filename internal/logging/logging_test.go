package logging

import "testing"

func TestNewLevels(t *testing.T) {
	cases := map[string]bool{"debug": true, "info": false, "bogus": false}
	for level, debugEnabled := range cases {
		logger, err := New(level, "json")
		if err != nil {
			t.Fatalf("New(%q): %v", level, err)
		}
		if got := logger.Core().Enabled(-1); got != debugEnabled {
			t.Fatalf("level %q: debug enabled = %v, want %v", level, got, debugEnabled)
		}
	}
}

func TestNewConsoleEncoding(t *testing.T) {
	if _, err := New("warn", "console"); err != nil {
		t.Fatalf("console logger: %v", err)
	}
}
