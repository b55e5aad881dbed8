package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultSecretsFile sits next to the binary's working directory.
const DefaultSecretsFile = "config.local.json"

// SecretStore resolves secrets from the environment first and then from a
// local JSON or YAML file. A missing file is not an error.
type SecretStore struct {
	path string

	once   sync.Once
	values map[string]string
	err    error
}

// NewSecretStore creates a store backed by path. An empty path uses
// DefaultSecretsFile.
func NewSecretStore(path string) *SecretStore {
	if path == "" {
		path = DefaultSecretsFile
	}
	return &SecretStore{path: path}
}

// Path returns the secrets file location.
func (s *SecretStore) Path() string {
	return s.path
}

// Get returns the secret named name, or defaultValue when neither the
// environment nor the file has a non-empty value.
func (s *SecretStore) Get(name, defaultValue string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	s.once.Do(s.load)
	if value := s.values[name]; value != "" {
		return value
	}
	return defaultValue
}

// Err returns the error encountered while parsing the file, if any.
func (s *SecretStore) Err() error {
	s.once.Do(s.load)
	return s.err
}

func (s *SecretStore) load() {
	s.values = map[string]string{}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.err = ErrSecretsFile(s.path, err)
		}
		return
	}

	raw := map[string]interface{}{}
	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		s.err = ErrSecretsFile(s.path, err)
		return
	}

	for k, v := range raw {
		if v == nil {
			continue
		}
		s.values[k] = fmt.Sprint(v)
	}
}
