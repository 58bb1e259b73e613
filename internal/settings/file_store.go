package settings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bcrosbie/personaliz/internal/domain"
)

const fileName = "settings.json"

// FileStore keeps the provider settings document in a single JSON file. The
// document is always read and written wholesale.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultPath is ~/.personaliz/settings.json.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return filepath.Join(".personaliz", fileName)
	}
	return filepath.Join(home, ".personaliz", fileName)
}

func (s *FileStore) Path() string {
	return s.path
}

// Load returns domain.DefaultSettings when the file does not exist yet.
func (s *FileStore) Load() (domain.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.DefaultSettings(), nil
		}
		return domain.Settings{}, domain.Unavailable("failed to read settings file", err)
	}

	var parsed domain.Settings
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.Settings{}, &domain.AppError{
			Code:    domain.CodeInvalidArgument,
			Message: "settings file is not valid JSON",
			Cause:   err,
		}
	}
	return withDefaults(parsed), nil
}

func (s *FileStore) Save(doc domain.Settings) (domain.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc = withDefaults(doc)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return domain.Settings{}, domain.Unavailable("failed to create settings directory", err)
	}
	serialized, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return domain.Settings{}, domain.Internal("failed to serialize settings", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, append(serialized, '\n'), 0o600); err != nil {
		return domain.Settings{}, domain.Unavailable("failed to write temporary settings file", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		return domain.Settings{}, domain.Unavailable("failed to atomically persist settings file", err)
	}
	return doc, nil
}

// withDefaults fills blank fields. The API key may legitimately be empty.
func withDefaults(doc domain.Settings) domain.Settings {
	defaults := domain.DefaultSettings()
	if strings.TrimSpace(doc.LLMProvider) == "" {
		doc.LLMProvider = defaults.LLMProvider
	}
	if strings.TrimSpace(doc.LLMModel) == "" {
		doc.LLMModel = defaults.LLMModel
	}
	if strings.TrimSpace(doc.LLMEndpoint) == "" {
		doc.LLMEndpoint = defaults.LLMEndpoint
	}
	return doc
}
