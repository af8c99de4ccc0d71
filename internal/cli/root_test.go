package cli

import "testing"

func TestRunDispatch(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "no args is usage error", args: nil, want: 2},
		{name: "unknown command", args: []string{"bogus"}, want: 2},
		{name: "version", args: []string{"version"}, want: 0},
		{name: "help", args: []string{"--help"}, want: 0},
		{name: "serve rejects bad flag", args: []string{"serve", "-definitely-not-a-flag"}, want: 2},
		{name: "serve rejects bad config", args: []string{"serve", "-idle-timeout", "0s"}, want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Run(tt.args); got != tt.want {
				t.Fatalf("Run(%v) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}

func TestStatusOnEmptyStateDir(t *testing.T) {
	dir := t.TempDir()
	got := Run([]string{"status", "-state-dir", dir})
	if got != 0 {
		t.Fatalf("status on empty state dir = %d, want 0", got)
	}
}
