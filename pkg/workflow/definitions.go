package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/courier/pkg/models"
	"gopkg.in/yaml.v3"
)

var ErrEmptyDefinition = errors.New("workflow definition is empty")

// ParseDefinition decodes one YAML workflow definition and checks its graph.
func ParseDefinition(data []byte) (*models.Workflow, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyDefinition
	}

	var workflow models.Workflow
	if err := yaml.Unmarshal(data, &workflow); err != nil {
		return nil, fmt.Errorf("failed to decode workflow definition: %w", err)
	}

	if workflow.Status == "" {
		workflow.Status = models.WorkflowStatusDraft
	}

	for _, node := range workflow.Nodes {
		node.WorkflowID = workflow.ID
	}

	if err := workflow.ValidateGraph(); err != nil {
		return nil, err
	}

	return &workflow, nil
}

// LoadDefinitions reads every *.yaml and *.yml file of dir in name order. A file
// without an id takes its base name. A missing directory yields no workflows.
func LoadDefinitions(dir string) ([]*models.Workflow, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read workflow definitions %s: %w", dir, err)
	}

	var workflows []*models.Workflow

	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		path := filepath.Join(dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}

		workflow, err := ParseDefinition(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		if workflow.ID == "" {
			workflow.ID = strings.TrimSuffix(entry.Name(), ext)
			for _, node := range workflow.Nodes {
				node.WorkflowID = workflow.ID
			}
		}

		workflows = append(workflows, workflow)
	}

	return workflows, nil
}
