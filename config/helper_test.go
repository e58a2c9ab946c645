package config

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func yamlNode(t *testing.T, raw string) *yaml.Node {
	t.Helper()

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("yaml.Unmarshal(%q) error = %v", raw, err)
	}
	if len(doc.Content) == 0 {
		t.Fatalf("yaml document %q has no content", raw)
	}
	return doc.Content[0]
}
