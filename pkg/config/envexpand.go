package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variable references in config content
// using Go template syntax: {{.VAR_NAME}}. Template syntax is used
// instead of $VAR so literal dollar signs survive untouched; config
// files routinely carry regex patterns ("^secret.*$"), passwords, and
// shell snippets ("$PATH").
//
// Missing variables expand to empty string; validation catches required
// fields that end up empty. On template parse or execution errors the
// original bytes are returned so content without template syntax always
// reaches the YAML or JSON parser.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		// Split on the first = only; values may contain =.
		if key, value, ok := strings.Cut(env, "="); ok && key != "" {
			envMap[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}

	return buf.Bytes()
}
