package validation

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/Ramkumar137/DesignMate/core"
)

// MinFreeOutputBytes is the free space below which the disk check warns.
// A single 512x512 PNG is well under a megabyte; this leaves room for a few
// hundred generations plus previews.
const MinFreeOutputBytes = 500 * core.BytesPerMB

func defaultLookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// CheckWritableDir creates dir if needed and proves it is writable by
// creating and removing a probe file.
func CheckWritableDir(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", core.ErrDirNotWritable(dir, err)
	}

	probe, err := os.CreateTemp(dir, ".write-probe-*")
	if err != nil {
		return "", core.ErrDirNotWritable(dir, err)
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)

	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	return abs, nil
}

// CheckJWTSecret fails when no token secret is available outside dev mode.
func CheckJWTSecret(cfg *core.Config) (string, error) {
	if cfg.JWTSecret != "" {
		return "configured", nil
	}
	if cfg.DevMode {
		return "ephemeral secret (dev mode, tokens reset on restart)", nil
	}
	return "", core.ErrMissingSecret("JWT_SECRET")
}

// CheckGenerationBackend verifies that the selected backend can run. The
// local backend needs the model directory and the sd executable. A local
// backend with HF credentials still passes, since HF works as a fallback.
func CheckGenerationBackend(cfg *core.Config, lookPath func(string) (string, error)) (string, error) {
	if cfg.GenerationBackend == core.BackendHF {
		if !cfg.HFEnabled() {
			return "", core.ErrMissingSecret("HF_API_KEY")
		}
		return fmt.Sprintf("hf (%s)", cfg.HFGenModel), nil
	}

	if info, err := os.Stat(cfg.ModelPath); err != nil || !info.IsDir() {
		return "", core.ErrModelDirMissing(cfg.ModelPath)
	}
	if _, err := lookPath(cfg.SDBinary); err != nil {
		return "", core.ErrSDBinaryMissing(cfg.SDBinary)
	}

	device := cfg.SDDevice
	if device == "" {
		device = "auto"
	}
	return fmt.Sprintf("local (%s, device %s)", cfg.ModelPath, device), nil
}

// CheckAssistant warns when neither assistant provider has credentials.
func CheckAssistant(cfg *core.Config) (string, error) {
	switch {
	case cfg.GeminiEnabled():
		return fmt.Sprintf("gemini %s (%d key(s))", cfg.GeminiModel, len(cfg.GeminiAPIKeys)), nil
	case cfg.OpenAIAPIKey != "":
		return fmt.Sprintf("openai-compatible %s", cfg.OpenAIModel), nil
	default:
		return "", core.ErrNoAssistant()
	}
}

// CheckOutputDiskSpace warns when the output filesystem is nearly full.
func CheckOutputDiskSpace(dir string) (string, error) {
	info, err := GetDiskSpace(dir)
	if err != nil {
		return "", err
	}
	msg := fmt.Sprintf("%s free of %s", info.FreeFormatted, info.TotalFormatted)
	if info.Free < MinFreeOutputBytes {
		return msg, &DiskSpaceError{
			Path:      info.Path,
			Required:  MinFreeOutputBytes,
			Available: info.Free,
			Message:   fmt.Sprintf("only %s free at %s", info.FreeFormatted, info.Path),
		}
	}
	return msg, nil
}

func parentDir(path string) string {
	dir := filepath.Dir(path)
	if dir == "" {
		return "."
	}
	return dir
}
