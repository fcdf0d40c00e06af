package config

import (
	"path/filepath"
	"runtime"
	"testing"
)

func TestDefaultDataDirHonoursXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/srv/xdg")
	if got, want := DefaultDataDir(), filepath.Join("/srv/xdg", "docsync"); got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestDefaultDataDirWithoutHome(t *testing.T) {
	if runtime.GOOS == "windows" || runtime.GOOS == "plan9" {
		t.Skip("home lookup does not use $HOME here")
	}
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("HOME", "")
	if got := DefaultDataDir(); got != "./data" {
		t.Fatalf("got %s want ./data", got)
	}
}

func TestPlatformDataDir(t *testing.T) {
	home := filepath.Join("/", "home", "ana")
	cases := []struct {
		goos, local, want string
	}{
		{"linux", "", filepath.Join(home, ".local", "share", "docsync")},
		{"darwin", "", filepath.Join(home, "Library", "Application Support", "docsync")},
		{"windows", "", filepath.Join(home, "AppData", "Local", "docsync")},
		{"windows", filepath.Join("/", "appdata"), filepath.Join("/", "appdata", "docsync")},
	}
	for _, c := range cases {
		if got := platformDataDir(c.goos, home, c.local); got != c.want {
			t.Errorf("platformDataDir(%s, %q) = %s, want %s", c.goos, c.local, got, c.want)
		}
	}
}
