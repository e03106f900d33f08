package chromemdb

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"pdf-rag/internal/models"
)

const (
	manifestName  = "manifest.yaml"
	payloadPrefix = "index-"
	tempPrefix    = ".tmp-"
)

// manifest describes the payload currently published in an index directory
type manifest struct {
	Version        int       `yaml:"version"`
	Dimension      int       `yaml:"dimension"`
	Count          int       `yaml:"count"`
	EmbeddingModel string    `yaml:"embedding_model,omitempty"`
	Payload        string    `yaml:"payload"`
	SHA256         string    `yaml:"sha256"`
	Compressed     bool      `yaml:"compressed"`
	Encrypted      bool      `yaml:"encrypted"`
	BuiltAt        time.Time `yaml:"built_at"`
}

func readManifest(dir string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no manifest in %s", models.ErrIndexNotFound, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrIndexCorrupt, err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: invalid manifest: %v", models.ErrIndexCorrupt, err)
	}
	if m.Version != models.IndexFormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", models.ErrIndexCorrupt, m.Version)
	}
	if m.Payload == "" || m.Payload != filepath.Base(m.Payload) || !strings.HasPrefix(m.Payload, payloadPrefix) {
		return nil, fmt.Errorf("%w: invalid payload name %q", models.ErrIndexCorrupt, m.Payload)
	}
	if m.Count < 0 || m.Dimension < 0 {
		return nil, fmt.Errorf("%w: invalid count %d or dimension %d", models.ErrIndexCorrupt, m.Count, m.Dimension)
	}
	return &m, nil
}

// writeManifest replaces manifest.yaml through a rename so readers see the old or the new file
func writeManifest(dir string, m *manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"manifest-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, manifestName))
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// payloadName is content addressed, the extension follows chromem's export naming
func payloadName(sum string, compressed, encrypted bool) string {
	name := payloadPrefix + sum[:16] + ".gob"
	if compressed {
		name += ".gz"
	}
	if encrypted {
		name += ".enc"
	}
	return name
}

// prune removes payloads and leftover temp files other than the ones in keep
func prune(dir string, keep ...string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if name == manifestName || slices.Contains(keep, name) {
			continue
		}
		if strings.HasPrefix(name, payloadPrefix) || strings.HasPrefix(name, tempPrefix) {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				log.Warn().Err(err).Str("file", name).Msg("Failed to prune index file")
			}
		}
	}
}
