package internal

import (
	"bytes"
	"runtime/debug"
	"strings"
	"testing"
)

func TestVersionCmd(t *testing.T) {
	b := bytes.NewBufferString("")
	cmd := NewRootCmd()
	cmd.SetOut(b)
	cmd.SetErr(bytes.NewBufferString(""))
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("failed to execute version command: %v", err)
	}
	if !strings.HasPrefix(b.String(), "popper version ") {
		t.Errorf("expected output to start with %q, got %q", "popper version ", b.String())
	}
}

func TestDeriveVersion(t *testing.T) {
	testCases := []struct {
		name     string
		info     *debug.BuildInfo
		expected string
		wantErr  bool
	}{
		{
			name:     "with version",
			info:     &debug.BuildInfo{Main: debug.Module{Version: "v1.2.3"}},
			expected: "v1.2.3",
		},
		{
			name: "with pseudo version",
			info: &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}, Settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "abcdef1234567890"},
				{Key: "vcs.time", Value: "2025-07-15T12:00:00Z"},
			}},
			expected: "v0.0.0-20250715120000-abcdef123456",
		},
		{
			name: "modified tree",
			info: &debug.BuildInfo{Settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "abcdef1234567890"},
				{Key: "vcs.time", Value: "2025-07-15T12:00:00Z"},
				{Key: "vcs.modified", Value: "true"},
			}},
			expected: "v0.0.0-20250715120000-abcdef123456+dirty",
		},
		{
			name:     "short revision without time",
			info:     &debug.BuildInfo{Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "abc"}}},
			expected: "v0.0.0-abc",
		},
		{
			name:    "no version",
			info:    &debug.BuildInfo{},
			wantErr: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			version, err := deriveVersionFromInfo(tc.info)
			if tc.wantErr {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("failed to derive version: %v", err)
			}
			if version != tc.expected {
				t.Errorf("expected version to be %q, got %q", tc.expected, version)
			}
		})
	}
}
