// Package manifest provides YAML manifest parsing for ironclaw resources.
package manifest

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/anchapin/ironclaw/pkg/apis/v1alpha1"
	"gopkg.in/yaml.v3"
)

// ParseFile reads a YAML file at the given path and parses it into typed
// ironclaw resources. Multi-document YAML (separated by ---) is supported.
func ParseFile(path string) ([]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest file %s: %w", path, err)
	}
	return ParseBytes(data)
}

// ParseBytes parses raw YAML bytes into typed ironclaw resources.
// Multi-document YAML (separated by ---) is supported.
func ParseBytes(data []byte) ([]interface{}, error) {
	return parseDocuments(data)
}

// parseDocuments splits multi-document YAML and decodes each document into
// its concrete resource type.
func parseDocuments(data []byte) ([]interface{}, error) {
	var resources []interface{}

	decoder := yaml.NewDecoder(bytes.NewReader(data))

	for {
		// Decode into a generic yaml.Node so we can re-decode it.
		var node yaml.Node
		if err := decoder.Decode(&node); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decoding yaml document: %w", err)
		}

		// Skip empty documents.
		if node.Kind == 0 {
			continue
		}

		// First pass: extract TypeMeta to determine the Kind.
		var meta v1alpha1.TypeMeta
		if err := node.Decode(&meta); err != nil {
			return nil, fmt.Errorf("decoding type meta: %w", err)
		}

		// Skip completely empty documents.
		if meta.Kind == "" && meta.APIVersion == "" {
			continue
		}

		// Second pass: decode into the concrete type based on Kind.
		resource, err := decodeResource(&node, meta.Kind)
		if err != nil {
			return nil, err
		}

		// Set default APIVersion if empty.
		setDefaultAPIVersion(resource)

		// Validate required fields.
		if err := validateResource(resource); err != nil {
			return nil, err
		}

		resources = append(resources, resource)
	}

	return resources, nil
}

// decodeResource unmarshals a yaml.Node into the correct concrete type
// based on the resource Kind.
func decodeResource(node *yaml.Node, kind string) (interface{}, error) {
	switch kind {
	case v1alpha1.KindProject:
		var r v1alpha1.Project
		if err := node.Decode(&r); err != nil {
			return nil, fmt.Errorf("decoding Project: %w", err)
		}
		return &r, nil

	case v1alpha1.KindToolBackend:
		var r v1alpha1.ToolBackend
		if err := node.Decode(&r); err != nil {
			return nil, fmt.Errorf("decoding ToolBackend: %w", err)
		}
		return &r, nil

	case v1alpha1.KindAgentRun:
		var r v1alpha1.AgentRun
		if err := node.Decode(&r); err != nil {
			return nil, fmt.Errorf("decoding AgentRun: %w", err)
		}
		return &r, nil

	default:
		return nil, fmt.Errorf("unknown resource kind: %q", kind)
	}
}

// setDefaultAPIVersion sets the APIVersion to the default value if it is empty.
func setDefaultAPIVersion(resource interface{}) {
	switch r := resource.(type) {
	case *v1alpha1.Project:
		if r.APIVersion == "" {
			r.APIVersion = v1alpha1.APIVersion
		}
	case *v1alpha1.ToolBackend:
		if r.APIVersion == "" {
			r.APIVersion = v1alpha1.APIVersion
		}
	case *v1alpha1.AgentRun:
		if r.APIVersion == "" {
			r.APIVersion = v1alpha1.APIVersion
		}
	}
}

// validateResource checks that required fields are set on the resource.
func validateResource(resource interface{}) error {
	switch r := resource.(type) {
	case *v1alpha1.Project:
		if r.Metadata.Name == "" {
			return fmt.Errorf("validation failed: Project name must not be empty")
		}
	case *v1alpha1.ToolBackend:
		if r.Metadata.Name == "" {
			return fmt.Errorf("validation failed: ToolBackend name must not be empty")
		}
		if r.Spec.Command == "" {
			return fmt.Errorf("validation failed: ToolBackend %s must set spec.command", r.Metadata.Name)
		}
		for _, tool := range r.Spec.Tools {
			if tool.Name == "" {
				return fmt.Errorf("validation failed: ToolBackend %s has a tool with no name", r.Metadata.Name)
			}
			switch tool.Tier {
			case "", v1alpha1.TierSafe, v1alpha1.TierPrivileged:
			default:
				return fmt.Errorf("validation failed: ToolBackend %s tool %s has unknown tier %q", r.Metadata.Name, tool.Name, tool.Tier)
			}
		}
	case *v1alpha1.AgentRun:
		if r.Metadata.Name == "" {
			return fmt.Errorf("validation failed: AgentRun name must not be empty")
		}
		if r.Spec.Task == "" {
			return fmt.Errorf("validation failed: AgentRun %s must set spec.task", r.Metadata.Name)
		}
		if r.Spec.MaxIterations < 0 {
			return fmt.Errorf("validation failed: AgentRun %s spec.maxIterations must not be negative", r.Metadata.Name)
		}
		switch r.Spec.ApprovalMode {
		case "", "auto", "deny":
		default:
			return fmt.Errorf("validation failed: AgentRun %s has unknown approvalMode %q", r.Metadata.Name, r.Spec.ApprovalMode)
		}
	}
	return nil
}
