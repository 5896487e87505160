package copilot

import "testing"

func TestIsAbortTrigger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want bool
	}{
		{"stop", true},
		{"  STOP!!  ", true},
		{"@branchclaw stop", true},
		{"/stop", true},
		{"/cancel", true},
		{"please stop.", true},
		{"ＳＴＯＰ", true}, // full-width
		{"停止。", true},
		{"arrête", true},
		{"stop writing the summary and list files", false},
		{"what does stop mean?", false},
		{"", false},
		{"   ", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := IsAbortTrigger(tt.in); got != tt.want {
				t.Errorf("IsAbortTrigger(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
