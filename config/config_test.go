package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultEnsureDirsCreatesLayout(t *testing.T) {
	root := t.TempDir()
	cfg := Default(filepath.Join(root, "app"))

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}

	for _, dir := range []string{cfg.CacheRoot, cfg.ArtifactsRoot, cfg.LogDir} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s to exist", dir)
		}
	}
}

func TestValidateRejectsEmptyRoots(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.CacheRoot = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for empty cache_root")
	}
}

func TestValidateRejectsNonPositiveParallelism(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.BuildParallelism = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for zero build_parallelism")
	}
}
