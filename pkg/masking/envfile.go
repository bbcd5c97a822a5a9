package masking

import (
	"regexp"
	"strings"
)

var (
	// Matches KEY=value assignment lines, including `export KEY=value`.
	envAssignRegex = regexp.MustCompile(`(?m)^(\s*(?:export\s+)?[A-Za-z_][A-Za-z0-9_]*)=(\S.*)$`)
	// Env var names that look like they hold credentials.
	secretNameRegex = regexp.MustCompile(`(?i)(key|token|secret|passwd|password|credential)`)
)

// EnvFileMasker masks the values of secret-looking environment assignments
// while leaving ordinary ones (PATH, HOME, LOG_LEVEL) readable. Tool output
// frequently contains .env dumps and `env` listings; a plain regex over the
// whole blob cannot tell which assignments are sensitive.
type EnvFileMasker struct{}

// Name implements Masker.
func (m *EnvFileMasker) Name() string {
	return "env_file"
}

// AppliesTo implements Masker.
func (m *EnvFileMasker) AppliesTo(data string) bool {
	if !strings.Contains(data, "=") {
		return false
	}
	lower := strings.ToLower(data)
	for _, word := range []string{"key", "token", "secret", "passw", "credential"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// Mask implements Masker.
func (m *EnvFileMasker) Mask(data string) string {
	return envAssignRegex.ReplaceAllStringFunc(data, func(line string) string {
		parts := envAssignRegex.FindStringSubmatch(line)
		if len(parts) != 3 || !secretNameRegex.MatchString(parts[1]) {
			return line
		}
		return parts[1] + "=__MASKED_ENV_VALUE__"
	})
}
