package core

import (
	"fmt"
)

// ConfigError describes a configuration problem found at startup, with an
// actionable instruction for the operator.
type ConfigError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
	Action  string // Actionable instruction for resolution
}

func (e *ConfigError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s. %s", e.Message, e.Action)
	}
	return e.Message
}

const (
	ErrCodeMissingSecret     = "MISSING_SECRET"
	ErrCodeInvalidValue      = "INVALID_VALUE"
	ErrCodeDirNotWritable    = "DIR_NOT_WRITABLE"
	ErrCodeSecretsFile       = "SECRETS_FILE_INVALID"
	ErrCodeInvalidBackend    = "INVALID_BACKEND"
	ErrCodeModelDirMissing   = "MODEL_DIR_MISSING"
	ErrCodeSDBinaryMissing   = "SD_BINARY_MISSING"
	ErrCodeNoAssistantConfig = "NO_ASSISTANT"
)

// ErrMissingSecret reports a secret that is required in the current mode.
func ErrMissingSecret(name string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeMissingSecret,
		Message: fmt.Sprintf("%s is not set", name),
		Action:  fmt.Sprintf("Set %s in your environment, .env file or config.local.json", name),
	}
}

// ErrInvalidValue reports an environment variable with an unusable value.
func ErrInvalidValue(name, value, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidValue,
		Message: fmt.Sprintf("Invalid %s '%s': %s", name, value, reason),
		Action:  fmt.Sprintf("Fix %s in your .env file", name),
	}
}

// ErrInvalidBackend reports an unknown GENERATION_BACKEND.
func ErrInvalidBackend(value string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidBackend,
		Message: fmt.Sprintf("Unknown GENERATION_BACKEND '%s'", value),
		Action:  "Set GENERATION_BACKEND to 'local' or 'hf'",
	}
}

// ErrDirNotWritable reports a directory the backend must write to.
func ErrDirNotWritable(dir string, cause error) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeDirNotWritable,
		Message: fmt.Sprintf("Directory %s is not writable: %v", dir, cause),
		Action:  "Check permissions or point the setting at a writable location",
	}
}

// ErrSecretsFile reports an unreadable or malformed secrets file.
func ErrSecretsFile(path string, cause error) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeSecretsFile,
		Message: fmt.Sprintf("Cannot read secrets file %s: %v", path, cause),
		Action:  "Fix the JSON/YAML syntax or remove the file",
	}
}

// ErrModelDirMissing is a warning-level problem: local generation will fail
// until the model directory exists.
func ErrModelDirMissing(path string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeModelDirMissing,
		Message: fmt.Sprintf("Model directory not found: %s", path),
		Action:  "Place the diffusion and ControlNet weights under MODEL_PATH, or use GENERATION_BACKEND=hf",
	}
}

// ErrSDBinaryMissing reports that the stable-diffusion executable is not on PATH.
func ErrSDBinaryMissing(name string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeSDBinaryMissing,
		Message: fmt.Sprintf("stable-diffusion executable '%s' not found", name),
		Action:  "Install stable-diffusion.cpp and set SD_BINARY to the sd executable",
	}
}

// ErrNoAssistant reports that neither Gemini nor OpenAI credentials exist.
func ErrNoAssistant() *ConfigError {
	return &ConfigError{
		Code:    ErrCodeNoAssistantConfig,
		Message: "No assistant provider configured",
		Action:  "Set GEMINI_API_KEY (or OPENAI_API_KEY) to enable /assistant and /recommend",
	}
}

// IsConfigError reports whether err is a *ConfigError.
func IsConfigError(err error) bool {
	_, ok := err.(*ConfigError)
	return ok
}
