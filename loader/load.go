// Package loader reads and writes workflow documents as JSON or YAML files.
package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ohler55/ojg/jp"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/petalcanvas/graph"
	"github.com/petal-labs/petalcanvas/nodes"
)

// Format is the serialization of a workflow file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// DetectFormat picks the format from the file extension, falling back to the
// content: a document starting with '{' is JSON, anything else YAML.
func DetectFormat(data []byte, path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	}
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		return FormatJSON
	}
	return FormatYAML
}

// Load reads, decodes and validates the workflow document at path.
func Load(path string) (graph.Document, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return graph.Document{}, fmt.Errorf("reading file %s: %w", path, err)
	}
	return Decode(data, DetectFormat(data, path))
}

// Decode parses a workflow document and rejects structural errors.
// Handle-type mismatches and other warnings do not fail decoding; see
// Validate.
func Decode(data []byte, format Format) (graph.Document, error) {
	jsonData, err := toJSON(data, format)
	if err != nil {
		return graph.Document{}, err
	}
	doc, err := graph.DecodeDocument(jsonData)
	if err != nil {
		return graph.Document{}, err
	}
	if diags := doc.Validate(); graph.HasErrors(diags) {
		return graph.Document{}, &DiagnosticError{Diagnostics: diags}
	}
	return doc, nil
}

// Validate reports every structural and handle-type diagnostic of doc.
func Validate(doc graph.Document) []graph.Diagnostic {
	return doc.ValidateWithHandles(nodes.HandlesFor)
}

// Encode serializes doc in the given format.
func Encode(doc graph.Document, format Format) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	if format != FormatYAML {
		return append(data, '\n'), nil
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	out, err := yaml.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("encoding YAML: %w", err)
	}
	return out, nil
}

// Save writes doc to path in the format its extension names.
func Save(path string, doc graph.Document) error {
	data, err := Encode(doc, DetectFormat(nil, path))
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing file %s: %w", path, err)
	}
	return nil
}

// Query evaluates a JSONPath expression ("$.nodes[*].type") against the
// JSON form of doc.
func Query(doc graph.Document, path string) ([]any, error) {
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONPath expression: %w", err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	return expr.Get(generic), nil
}

func toJSON(data []byte, format Format) ([]byte, error) {
	if format != FormatYAML {
		return data, nil
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("converting YAML: %w", err)
	}
	return out, nil
}

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []graph.Diagnostic
}

func (e *DiagnosticError) Error() string {
	errs := graph.Errors(e.Diagnostics)
	if len(errs) == 1 {
		return fmt.Sprintf("validation error: %s", errs[0].Message)
	}
	return fmt.Sprintf("%d validation errors (first: %s)", len(errs), errs[0].Message)
}
