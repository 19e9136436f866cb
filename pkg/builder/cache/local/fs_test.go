package local

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/runnable/image-builder/pkg/builder/cache"
)

func TestNewFilesystemCache(t *testing.T) {
	t.Parallel()

	type Expectation struct {
		Error string
	}

	tests := []struct {
		Name        string
		Location    string
		Expectation Expectation
	}{
		{
			Name:     "valid location",
			Location: filepath.Join(t.TempDir(), "layer-cache"),
		},
		{
			Name:     "invalid location",
			Location: "/proc/invalid/location",
			Expectation: Expectation{
				Error: "failed to create layer cache directory:",
			},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.Name, func(t *testing.T) {
			t.Parallel()
			var act Expectation

			_, err := NewFilesystemCache(test.Location)
			if err != nil {
				act.Error = err.Error()[:len(test.Expectation.Error)]
			}

			if diff := cmp.Diff(test.Expectation, act); diff != "" {
				t.Errorf("NewFilesystemCache() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLocation(t *testing.T) {
	t.Parallel()

	type Expectation struct {
		Path   string
		Exists bool
	}

	tmpDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmpDir, "registry.example.com/org/app"), 0755); err != nil {
		t.Fatal(err)
	}
	err := os.WriteFile(filepath.Join(tmpDir, "registry.example.com/org/app", "abc.tar"), []byte("layer"), 0644)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		Name        string
		Layer       cache.Layer
		Expectation Expectation
	}{
		{
			Name:  "existing archive",
			Layer: cache.LayerKey{Repo: "registry.example.com/org/app", ContentHash: "abc"},
			Expectation: Expectation{
				Path:   filepath.Join(tmpDir, "registry.example.com/org/app", "abc.tar"),
				Exists: true,
			},
		},
		{
			Name:  "missing archive",
			Layer: cache.LayerKey{Repo: "registry.example.com/org/app", ContentHash: "def"},
			Expectation: Expectation{
				Path: filepath.Join(tmpDir, "registry.example.com/org/app", "def.tar"),
			},
		},
		{
			Name:  "same hash in another repository",
			Layer: cache.LayerKey{Repo: "other", ContentHash: "abc"},
			Expectation: Expectation{
				Path: filepath.Join(tmpDir, "other", "abc.tar"),
			},
		},
		{
			Name:  "repository cannot escape origin",
			Layer: cache.LayerKey{Repo: "../../etc", ContentHash: "abc"},
			Expectation: Expectation{
				Path: filepath.Join(tmpDir, "etc", "abc.tar"),
			},
		},
		{
			Name:        "missing hash",
			Layer:       cache.LayerKey{Repo: "app"},
			Expectation: Expectation{},
		},
	}

	fsc := &FilesystemCache{Origin: tmpDir}
	for _, test := range tests {
		test := test
		t.Run(test.Name, func(t *testing.T) {
			t.Parallel()
			var act Expectation
			act.Path, act.Exists = fsc.Location(test.Layer)

			if diff := cmp.Diff(test.Expectation, act); diff != "" {
				t.Errorf("Location() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDir(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	fsc := &FilesystemCache{Origin: tmpDir}

	dir, err := fsc.Dir("org/app")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(filepath.Join(tmpDir, "org/app"), dir); diff != "" {
		t.Errorf("Dir() mismatch (-want +got):\n%s", diff)
	}
	if stat, err := os.Stat(dir); err != nil || !stat.IsDir() {
		t.Errorf("Dir() did not create %s", dir)
	}

	if _, err := fsc.Dir(""); err == nil {
		t.Errorf("Dir(\"\") should fail")
	}
}
