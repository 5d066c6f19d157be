package loggingutil

import "testing"

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	cases := []struct {
		parts []string
		want  string
	}{
		{parts: nil, want: ""},
		{parts: []string{"locks", "", "manager"}, want: "locks.manager"},
		{parts: []string{".worker.", " cycle "}, want: "worker.cycle"},
	}
	for _, tc := range cases {
		if got := Subsystem(tc.parts...); got != tc.want {
			t.Fatalf("Subsystem(%q)=%q want %q", tc.parts, got, tc.want)
		}
	}
}

func TestEnsureLoggerNeverNil(t *testing.T) {
	if EnsureLogger(nil) == nil {
		t.Fatal("EnsureLogger(nil) returned nil")
	}
	if WithSubsystem(nil, "locks") == nil {
		t.Fatal("WithSubsystem(nil) returned nil")
	}
}
