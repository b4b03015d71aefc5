package registry

import (
	"context"
	"copybot/internal/models"
	"copybot/internal/replication"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Group binds one source account to its targets and replication config.
type Group struct {
	Name    string             `json:"name" yaml:"name"`
	Source  string             `json:"source" yaml:"source"`
	Targets []string           `json:"targets" yaml:"targets"`
	Config  replication.Config `json:"config" yaml:"config"`
}

func (g Group) clone() Group {
	g.Targets = append([]string(nil), g.Targets...)
	g.Config.Symbols = append([]string(nil), g.Config.Symbols...)
	return g
}

// Store persists group definitions keyed by name.
type Store interface {
	Save(ctx context.Context, groups []Group) error
	Load(ctx context.Context) ([]Group, error)
}

type fileDocument struct {
	Groups []Group `json:"groups" yaml:"groups"`
}

// FileStore keeps groups in a JSON or YAML file, chosen by extension.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) isYAML() bool {
	ext := strings.ToLower(filepath.Ext(s.path))
	return ext == ".yaml" || ext == ".yml"
}

func (s *FileStore) Save(ctx context.Context, groups []Group) error {
	doc := fileDocument{Groups: groups}
	var (
		data []byte
		err  error
	)
	if s.isYAML() {
		data, err = yaml.Marshal(doc)
	} else {
		data, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode groups: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Load returns no groups when the file does not exist yet.
func (s *FileStore) Load(ctx context.Context) ([]Group, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var doc fileDocument
	if s.isYAML() {
		err = yaml.Unmarshal(data, &doc)
	} else {
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, models.NewConfigError("groups file "+s.path, err)
	}
	return doc.Groups, nil
}
