package taxonomy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeTaxonomyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taxonomy.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write taxonomy file: %v", err)
	}
	return path
}

func TestLoadValidTaxonomy(t *testing.T) {
	path := writeTaxonomyFile(t, `
topics:
  - name: tech
    clustering:
      algorithm: hdbscan
      min_cluster_size: 3
  - name: business
  - name: other
fallback: other
`)

	tax, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load taxonomy: %v", err)
	}

	// File order is the dispatch order and must be preserved.
	if diff := cmp.Diff([]string{"tech", "business", "other"}, tax.Names()); diff != "" {
		t.Errorf("Topic order mismatch (-want +got):\n%s", diff)
	}

	params := tax.Params("tech")
	if params.Algorithm != "hdbscan" {
		t.Errorf("Expected algorithm to be 'hdbscan', got %s", params.Algorithm)
	}
	if params.MinClusterSize != 3 {
		t.Errorf("Expected min_cluster_size to be 3, got %d", params.MinClusterSize)
	}

	if got := tax.Params("unknown"); got != (ClusterParams{}) {
		t.Errorf("Expected zero params for unknown topic, got %+v", got)
	}
}

func TestLoadRejectsInvalidTaxonomies(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "no topics",
			content: "topics: []\nfallback: other\n",
		},
		{
			name:    "missing fallback",
			content: "topics:\n  - name: tech\n",
		},
		{
			name:    "duplicate topic",
			content: "topics:\n  - name: tech\n  - name: tech\nfallback: tech\n",
		},
		{
			name:    "fallback not listed",
			content: "topics:\n  - name: tech\nfallback: other\n",
		},
		{
			name:    "empty topic name",
			content: "topics:\n  - name: \"\"\nfallback: other\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTaxonomyFile(t, tt.content)
			if _, err := Load(path); err == nil {
				t.Errorf("Expected Load to fail for %s", tt.name)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Errorf("Expected Load to fail for a missing file")
	}
}

func TestDefaultTaxonomyIsValid(t *testing.T) {
	tax := Default()
	if err := tax.Validate(); err != nil {
		t.Errorf("Expected default taxonomy to validate, got %v", err)
	}
	if tax.Fallback != "other" {
		t.Errorf("Expected default fallback to be 'other', got %s", tax.Fallback)
	}
}
