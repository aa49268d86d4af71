package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"run", "validate", "actor-server", "state"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"plain error maps to generic failure", errPlain("boom"), 1},
		{"exit status zero", &exitStatusError{code: 0, err: errPlain("fine")}, 0},
		{"exit status one", &exitStatusError{code: 1, err: errPlain("fail")}, 1},
		{"exit status two", &exitStatusError{code: 2, err: errPlain("warn")}, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCodeFor(tc.err); got != tc.want {
				t.Fatalf("exitCodeFor() = %d, want %d", got, tc.want)
			}
		})
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }
