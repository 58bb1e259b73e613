package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bcrosbie/personaliz/internal/domain"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "nested", "settings.json"))
	doc, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc != domain.DefaultSettings() {
		t.Fatalf("expected defaults, got %+v", doc)
	}
	if _, err := os.Stat(store.Path()); !os.IsNotExist(err) {
		t.Fatalf("load must not create the file, stat err=%v", err)
	}
}

func TestSaveThenLoad(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "settings.json"))
	saved, err := store.Save(domain.Settings{
		LLMProvider: "openai",
		LLMModel:    "gpt-4o-mini",
		LLMAPIKey:   "sk-test",
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.LLMEndpoint != domain.DefaultSettings().LLMEndpoint {
		t.Fatalf("expected blank endpoint to fall back to default, got %q", saved.LLMEndpoint)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded != saved {
		t.Fatalf("round trip mismatch: %+v vs %+v", loaded, saved)
	}

	info, err := os.Stat(store.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
	if _, err := os.Stat(store.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temporary file left behind")
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := NewFileStore(path).Load()
	if !domain.IsCode(err, domain.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
