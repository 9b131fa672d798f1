package agenttree

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/taskmesh/taskmesh/pkg/config"
)

// treeFile is the on-disk shape of an agent tree definition. Credentials in
// bindings go through the same template expansion as the engine config.
type treeFile struct {
	Nodes        []treeNode `yaml:"nodes"`
	Dependencies []treeEdge `yaml:"dependencies"`
}

type treeNode struct {
	ID          string `yaml:"id"`
	Parent      string `yaml:"parent"`
	Name        string `yaml:"name"`
	Capability  string `yaml:"capability"`
	Description string `yaml:"description"`
	Datascope   string `yaml:"datascope"`

	Workflow *treeWorkflow `yaml:"workflow"`
	HTTP     *treeHTTP     `yaml:"http"`
	Args     []treeArg     `yaml:"args"`
}

type treeWorkflow struct {
	WorkflowID     string `yaml:"workflow_id"`
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	DiscoverSchema bool   `yaml:"discover_schema"`
}

type treeHTTP struct {
	Method  string            `yaml:"method"`
	Path    string            `yaml:"path"`
	BaseURL string            `yaml:"base_url"`
	Headers map[string]string `yaml:"headers"`
}

type treeArg struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Required    bool   `yaml:"required"`
	Description string `yaml:"description"`
}

type treeEdge struct {
	From   string  `yaml:"from"`
	To     string  `yaml:"to"`
	Weight float64 `yaml:"weight"`
}

// LoadYAML reads an agent tree definition and materializes it as an
// in-memory repository. Nodes may appear in any order; parent linkage is
// resolved after parsing.
func LoadYAML(path string) (*InMemoryRepository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent tree %s: %w", path, err)
	}
	return ParseYAML(config.ExpandEnv(data))
}

// ParseYAML builds a repository from raw YAML content.
func ParseYAML(data []byte) (*InMemoryRepository, error) {
	var file treeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing agent tree: %w", err)
	}
	if len(file.Nodes) == 0 {
		return nil, fmt.Errorf("agent tree defines no nodes")
	}

	repo := NewInMemoryRepository()

	// AddNode requires the parent to exist, so insert in passes until the
	// pending set stops shrinking.
	pending := file.Nodes
	for len(pending) > 0 {
		var blocked []treeNode
		for _, n := range pending {
			node, err := n.toNode()
			if err != nil {
				return nil, err
			}
			if err := repo.AddNode(node); err != nil {
				blocked = append(blocked, n)
			}
		}
		if len(blocked) == len(pending) {
			return nil, fmt.Errorf("agent tree has unresolvable parents (e.g. node %q → parent %q)",
				blocked[0].ID, blocked[0].Parent)
		}
		pending = blocked
	}

	for _, e := range file.Dependencies {
		weight := e.Weight
		if weight == 0 {
			weight = 1
		}
		if err := repo.AddDependency(e.From, e.To, weight); err != nil {
			return nil, fmt.Errorf("agent tree dependency: %w", err)
		}
	}
	return repo, nil
}

func (n treeNode) toNode() (*Node, error) {
	if n.ID == "" {
		return nil, fmt.Errorf("agent tree node without id (name %q)", n.Name)
	}
	node := &Node{
		ID:          n.ID,
		ParentID:    n.Parent,
		Name:        n.Name,
		Capability:  n.Capability,
		Description: n.Description,
		Datascope:   n.Datascope,
	}
	if n.Workflow != nil {
		node.Workflow = &WorkflowBinding{
			WorkflowID:     n.Workflow.WorkflowID,
			APIKey:         n.Workflow.APIKey,
			BaseURL:        n.Workflow.BaseURL,
			DiscoverSchema: n.Workflow.DiscoverSchema,
		}
	}
	if n.HTTP != nil {
		node.HTTP = &HTTPBinding{
			Method:  n.HTTP.Method,
			Path:    n.HTTP.Path,
			BaseURL: n.HTTP.BaseURL,
			Headers: n.HTTP.Headers,
		}
	}
	for _, a := range n.Args {
		node.Args = append(node.Args, ArgSpec{
			Name:        a.Name,
			Type:        a.Type,
			Required:    a.Required,
			Description: a.Description,
		})
	}
	return node, nil
}
