package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvFileMasker_AppliesTo(t *testing.T) {
	m := &EnvFileMasker{}

	tests := []struct {
		name string
		data string
		want bool
	}{
		{"no assignments", "plain prose about tokens", false},
		{"assignment without secret words", "PATH=/usr/bin\nHOME=/root", false},
		{"api key assignment", "API_KEY=abc123", true},
		{"password assignment", "DB_PASSWORD=hunter2", true},
		{"credential in mixed output", "found AWS_CREDENTIALS=... in the pod env", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.AppliesTo(tt.data))
		})
	}
}

func TestEnvFileMasker_MasksSecretValues(t *testing.T) {
	m := &EnvFileMasker{}

	input := "PATH=/usr/bin:/bin\n" +
		"API_KEY=sk-fake-not-real-12345\n" +
		"export GITHUB_TOKEN=ghp_fakefakefakefake\n" +
		"LOG_LEVEL=debug\n" +
		"DB_PASSWORD=hunter2\n"

	masked := m.Mask(input)

	assert.Contains(t, masked, "PATH=/usr/bin:/bin")
	assert.Contains(t, masked, "LOG_LEVEL=debug")
	assert.Contains(t, masked, "API_KEY=__MASKED_ENV_VALUE__")
	assert.Contains(t, masked, "export GITHUB_TOKEN=__MASKED_ENV_VALUE__")
	assert.Contains(t, masked, "DB_PASSWORD=__MASKED_ENV_VALUE__")
	assert.NotContains(t, masked, "sk-fake-not-real-12345")
	assert.NotContains(t, masked, "ghp_fakefakefakefake")
	assert.NotContains(t, masked, "hunter2")
}

func TestEnvFileMasker_LeavesCommentsAlone(t *testing.T) {
	m := &EnvFileMasker{}

	input := "# API_KEY=this-is-a-comment\nAPI_KEY=realvalue"
	masked := m.Mask(input)

	assert.Contains(t, masked, "# API_KEY=this-is-a-comment")
	assert.Contains(t, masked, "API_KEY=__MASKED_ENV_VALUE__")
}

func TestEnvFileMasker_Name(t *testing.T) {
	assert.Equal(t, "env_file", (&EnvFileMasker{}).Name())
}
