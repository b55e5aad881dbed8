package logging

import (
	"regexp"
	"strings"

	"go.uber.org/zap/zapcore"
)

// RedactedPlaceholder replaces sensitive data in log output.
const RedactedPlaceholder = "[REDACTED]"

var sensitivePatterns = []*regexp.Regexp{
	// OpenAI keys
	regexp.MustCompile(`(?i)(sk-[a-zA-Z0-9_-]{20,})`),
	// Google API keys
	regexp.MustCompile(`(AIza[a-zA-Z0-9_-]{35})`),
	// Hugging Face tokens
	regexp.MustCompile(`(hf_[a-zA-Z0-9]{20,})`),
	regexp.MustCompile(`(?i)(bearer\s+[a-zA-Z0-9._-]{20,})`),
	// bare JWTs
	regexp.MustCompile(`(eyJ[a-zA-Z0-9_-]{10,}\.[a-zA-Z0-9_-]{10,}\.[a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`(?i)(password\s*[:=]\s*[^\s,;]{8,})`),
	regexp.MustCompile(`(?i)(secret\s*[:=]\s*[^\s,;]{8,})`),
	regexp.MustCompile(`(?i)(token\s*[:=]\s*[^\s,;]{8,})`),
	regexp.MustCompile(`(?i)(api_?key\s*[:=]\s*[^\s,;]{8,})`),
}

// Field names containing any of these are always redacted.
var sensitiveFieldNames = []string{
	"API_KEY",
	"APIKEY",
	"PASSWORD",
	"SECRET",
	"TOKEN",
	"AUTHORIZATION",
}

// RedactSensitiveData replaces every known credential pattern in value.
func RedactSensitiveData(value string) string {
	if value == "" {
		return value
	}
	result := value
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllString(result, RedactedPlaceholder)
	}
	return result
}

// IsSensitiveField reports whether a field name alone marks its value secret.
// Counters such as "prompt_tokens" are not secrets.
func IsSensitiveField(fieldName string) bool {
	upper := strings.ToUpper(fieldName)
	if strings.HasSuffix(upper, "_TOKENS") {
		return false
	}
	for _, name := range sensitiveFieldNames {
		if strings.Contains(upper, name) {
			return true
		}
	}
	return false
}

// ContainsSensitiveData reports whether value matches any credential pattern.
func ContainsSensitiveData(value string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(value) {
			return true
		}
	}
	return false
}

func redactField(field zapcore.Field) zapcore.Field {
	if IsSensitiveField(field.Key) {
		return zapcore.Field{Key: field.Key, Type: zapcore.StringType, String: RedactedPlaceholder}
	}
	switch field.Type {
	case zapcore.StringType:
		if redacted := RedactSensitiveData(field.String); redacted != field.String {
			field.String = redacted
		}
	case zapcore.ErrorType:
		if err, ok := field.Interface.(error); ok && err != nil {
			msg := err.Error()
			if redacted := RedactSensitiveData(msg); redacted != msg {
				return zapcore.Field{Key: field.Key, Type: zapcore.StringType, String: redacted}
			}
		}
	}
	return field
}

func redactFields(fields []zapcore.Field) []zapcore.Field {
	if len(fields) == 0 {
		return fields
	}
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = redactField(f)
	}
	return out
}

// redactCore filters every field and message before it reaches the wrapped
// core, so plain *zap.Logger handles get the same protection as Logger.
type redactCore struct {
	zapcore.Core
}

// NewRedactingCore wraps core with sensitive-data redaction.
func NewRedactingCore(core zapcore.Core) zapcore.Core {
	return &redactCore{Core: core}
}

func (c *redactCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactCore{Core: c.Core.With(redactFields(fields))}
}

func (c *redactCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = RedactSensitiveData(ent.Message)
	return c.Core.Write(ent, redactFields(fields))
}
