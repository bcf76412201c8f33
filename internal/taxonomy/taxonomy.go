// Package taxonomy loads the configured topic list and per-topic clustering
// parameters from a YAML file.
package taxonomy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ClusterParams holds algorithm parameters passed to the clustering service
// for one topic.
type ClusterParams struct {
	Algorithm      string `yaml:"algorithm,omitempty"`        // Clustering algorithm name (service-defined)
	MinClusterSize int    `yaml:"min_cluster_size,omitempty"` // Smallest cluster the service should emit
	MaxClusters    int    `yaml:"max_clusters,omitempty"`     // Upper bound on clusters per topic
}

// Topic is one configured topic.
type Topic struct {
	Name       string        `yaml:"name"`
	Clustering ClusterParams `yaml:"clustering,omitempty"`
}

// Taxonomy is the full set of configured topics for a job.
type Taxonomy struct {
	Topics   []Topic `yaml:"topics"`
	Fallback string  `yaml:"fallback"` // Topic assigned to articles with no candidates
}

// Load reads and validates a taxonomy YAML file.
func Load(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read taxonomy file %s: %w", path, err)
	}

	var t Taxonomy
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse taxonomy file %s: %w", path, err)
	}

	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid taxonomy in %s: %w", path, err)
	}
	return &t, nil
}

// Default returns a minimal taxonomy used when no file is configured.
func Default() *Taxonomy {
	return &Taxonomy{
		Topics: []Topic{
			{Name: "tech"},
			{Name: "business"},
			{Name: "science"},
			{Name: "other"},
		},
		Fallback: "other",
	}
}

// Validate checks that topics are non-empty, unique, and that the fallback
// topic is present.
func (t *Taxonomy) Validate() error {
	if len(t.Topics) == 0 {
		return fmt.Errorf("taxonomy must define at least one topic")
	}
	if t.Fallback == "" {
		return fmt.Errorf("taxonomy must define a fallback topic")
	}

	seen := make(map[string]bool, len(t.Topics))
	for i, topic := range t.Topics {
		if topic.Name == "" {
			return fmt.Errorf("topic %d has an empty name", i)
		}
		if seen[topic.Name] {
			return fmt.Errorf("duplicate topic %q", topic.Name)
		}
		seen[topic.Name] = true
	}

	if !seen[t.Fallback] {
		return fmt.Errorf("fallback topic %q is not in the topic list", t.Fallback)
	}
	return nil
}

// Names returns the configured topic names in file order.
func (t *Taxonomy) Names() []string {
	names := make([]string, 0, len(t.Topics))
	for _, topic := range t.Topics {
		names = append(names, topic.Name)
	}
	return names
}

// Params returns the clustering parameters for a topic, or the zero value if
// the topic is unknown.
func (t *Taxonomy) Params(topic string) ClusterParams {
	for _, tp := range t.Topics {
		if tp.Name == topic {
			return tp.Clustering
		}
	}
	return ClusterParams{}
}
