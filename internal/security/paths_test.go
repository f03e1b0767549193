package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWithinRoot(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "logs")
	outside := filepath.Join(tmp, "elsewhere")
	for _, d := range []string{root, outside} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"root itself", root, false},
		{"missing checkpoint dir", filepath.Join(root, "checkpoints", "c1"), false},
		{"dot dot", filepath.Join(root, "..", "x"), true},
		{"sibling with common prefix", root + "-other", true},
		{"through symlink", filepath.Join(root, "link", "c1"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WithinRoot(tt.path, root)
			if (err != nil) != tt.wantErr {
				t.Fatalf("WithinRoot(%s) = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrOutsideRoot) {
				t.Errorf("err = %v, want ErrOutsideRoot", err)
			}
		})
	}

	if err := WithinRoot(filepath.Join(root, "a"), filepath.Join(tmp, "missing")); err == nil {
		t.Error("missing root accepted")
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"before-lc_3", "before-lc_3"},
		{"../../etc", "etc"},
		{"office floor 2!", "office_floor_2"},
		{"..", "default"},
		{"", "default"},
		{"a//b", "a_b"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in, "default"); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
