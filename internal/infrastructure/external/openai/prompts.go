package openai

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Prompt is one system/user prompt pair with its model parameters
type Prompt struct {
	Temperature  float32 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
	System       string  `yaml:"system"`
	UserTemplate string  `yaml:"user_template"`
}

// PromptConfig holds the prompts used by the normalizer and the extractor
type PromptConfig struct {
	Normalize Prompt `yaml:"normalize"`
	Extract   Prompt `yaml:"extract"`
}

// DefaultPrompts returns the prompts compiled into the binary
func DefaultPrompts() (*PromptConfig, error) {
	return ParsePrompts(defaultPrompts)
}

// LoadPrompts loads prompt configuration from a YAML file. An empty path
// yields the built-in prompts.
func LoadPrompts(promptsPath string) (*PromptConfig, error) {
	if promptsPath == "" {
		return DefaultPrompts()
	}
	data, err := os.ReadFile(promptsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompts file: %w", err)
	}
	return ParsePrompts(data)
}

// ParsePrompts decodes YAML prompt configuration
func ParsePrompts(data []byte) (*PromptConfig, error) {
	var prompts PromptConfig
	if err := yaml.Unmarshal(data, &prompts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prompts: %w", err)
	}
	if prompts.Normalize.UserTemplate == "" || prompts.Extract.UserTemplate == "" {
		return nil, fmt.Errorf("prompts must define normalize and extract user templates")
	}
	return &prompts, nil
}

// renderTemplate renders a template with provided data
func renderTemplate(templateStr string, data interface{}) (string, error) {
	tmpl, err := template.New("prompt").Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}
