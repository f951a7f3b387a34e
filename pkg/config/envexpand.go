package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes environment variables into raw YAML using Go
// template syntax: {{.ANTHROPIC_API_KEY}} becomes the value of
// ANTHROPIC_API_KEY. Shell-style $VAR and ${VAR} are left alone, which
// matters here because FP entity patterns and DSN passwords routinely carry
// literal dollar signs (`^secret.*$`, `p@ss$word`).
//
// Missing variables expand to the empty string; the validator is the layer
// that decides whether an empty credential is fatal. Any template parse or
// execution failure returns the input unchanged so plain YAML, and YAML
// with broken template syntax, falls through to the YAML parser and its
// error reporting.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			env[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
