package stackstore

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Template is the declarative document the local backend accepts.
//
//	resources:
//	  Gateway:
//	    type: local::process
//	outputs:
//	  Endpoint: http://127.0.0.1:${Port}
//
// A resource with fail set makes create and update roll back, which lets
// tests and dry runs exercise recovery paths.
type Template struct {
	Resources map[string]TemplateResource `yaml:"resources"`
	Outputs   map[string]string           `yaml:"outputs"`
}

// TemplateResource is one logical resource.
type TemplateResource struct {
	Type       string                 `yaml:"type"`
	Properties map[string]interface{} `yaml:"properties,omitempty"`
	Fail       bool                   `yaml:"fail,omitempty"`
}

// ParseTemplate decodes and checks a template body.
func ParseTemplate(body string) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal([]byte(body), &t); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	if len(t.Resources) == 0 {
		return nil, fmt.Errorf("template declares no resources")
	}
	for id, r := range t.Resources {
		if r.Type == "" {
			return nil, fmt.Errorf("resource %s has no type", id)
		}
	}
	return &t, nil
}

// LogicalIDs returns resource ids in a stable order.
func (t *Template) LogicalIDs() []string {
	ids := make([]string, 0, len(t.Resources))
	for id := range t.Resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// failing returns the first resource marked to fail.
func (t *Template) failing() string {
	for _, id := range t.LogicalIDs() {
		if t.Resources[id].Fail {
			return id
		}
	}
	return ""
}

// RenderOutputs expands ${Param} references against the stack parameters.
// StackName is always available.
func (t *Template) RenderOutputs(stackName string, params map[string]string) map[string]string {
	out := make(map[string]string, len(t.Outputs)+1)
	for k, v := range t.Outputs {
		out[k] = os.Expand(v, func(key string) string {
			if key == "StackName" {
				return stackName
			}
			return params[key]
		})
	}
	out["StackName"] = stackName
	return out
}
