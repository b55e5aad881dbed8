// Package storage writes uploads and generated images under the output
// directory and maps them to the URLs the static route serves.
package storage

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Ramkumar137/DesignMate/core"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store owns OUTPUT_PATH. It is safe for concurrent use; every write goes to
// a unique name except the latest file, which is replaced by rename.
type Store struct {
	dir         string
	latestName  string
	webp        bool
	webpQuality float32
	logger      *zap.Logger
}

// New creates the output directory if needed.
func New(cfg *core.Config, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.OutputPath, 0o755); err != nil {
		return nil, core.ErrDirNotWritable(cfg.OutputPath, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	latest := cfg.LatestFilename
	if latest == "" {
		latest = "latest.png"
	}
	return &Store{
		dir:         cfg.OutputPath,
		latestName:  latest,
		webp:        cfg.OutputWebP,
		webpQuality: cfg.WebPQuality,
		logger:      logger,
	}, nil
}

func (s *Store) Dir() string { return s.dir }

// LatestPath is where SaveImageAndLatest keeps the most recent output.
func (s *Store) LatestPath() string { return filepath.Join(s.dir, s.latestName) }

// SaveUpload copies r to sketch_{16 hex}{ext}, taking ext from name.
func (s *Store) SaveUpload(name string, r io.Reader) (string, error) {
	path := filepath.Join(s.dir, "sketch_"+uniqueID()+uploadExt(name))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close upload: %w", err)
	}
	return path, nil
}

// SaveImage writes img as {prefix}_{16 hex}.png.
func (s *Store) SaveImage(img image.Image, prefix string) (string, error) {
	data, err := EncodePNG(img)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, prefix+"_"+uniqueID()+".png")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	if s.webp {
		s.writePreview(img, path)
	}
	return path, nil
}

// SaveImageAndLatest writes the unique file and then replaces the latest
// file. A latest failure is logged and the latest path is still returned.
func (s *Store) SaveImageAndLatest(img image.Image, prefix string) (unique, latest string, err error) {
	unique, err = s.SaveImage(img, prefix)
	if err != nil {
		return "", "", err
	}
	latest = s.LatestPath()
	if err := replaceFile(unique, latest); err != nil {
		s.logger.Warn("failed to update latest image", zap.String("path", latest), zap.Error(err))
	}
	return unique, latest, nil
}

func (s *Store) writePreview(img image.Image, pngPath string) {
	data, err := encodeWebP(img, s.webpQuality)
	if err != nil {
		s.logger.Debug("webp preview skipped", zap.Error(err))
		return
	}
	path := strings.TrimSuffix(pngPath, ".png") + ".webp"
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.logger.Warn("failed to write webp preview", zap.String("path", path), zap.Error(err))
	}
}

// replaceFile copies src over dst through a temp file and rename, so a
// concurrent reader never sees a partial image.
func replaceFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".latest-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// ImageToBase64 returns the standard base64 of img's PNG encoding.
func ImageToBase64(img image.Image) (string, error) {
	data, err := EncodePNG(img)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func uniqueID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// uploadExt keeps short alphanumeric extensions and falls back to .png.
func uploadExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > 6 {
		return ".png"
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ".png"
		}
	}
	return ext
}
