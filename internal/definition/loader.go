// Package definition loads workflow template documents from YAML and
// validates templates before they are stored or activated.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/passage/model"
)

// Document is a template parsed from a file, with the file's checksum.
type Document struct {
	Template   model.WorkflowTemplate
	SourceFile string
	Checksum   string
}

// Loader scans directories for YAML template files and parses them.
type Loader struct{}

// NewLoader creates a new template Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll loads every *.yaml and *.yml file found under the given paths.
// A path may name a single file or a directory that is scanned recursively.
func (l *Loader) LoadAll(paths []string) ([]Document, error) {
	var docs []Document

	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			doc, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			docs = append(docs, doc)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", root, err)
		}
	}

	return docs, nil
}

// LoadFile parses a single template file. Steps written without a
// step_number are numbered by their position.
func (l *Loader) LoadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("reading %s: %w", path, err)
	}

	tpl := model.WorkflowTemplate{Active: true}
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return Document{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	NumberSteps(tpl.Steps)

	return Document{
		Template:   tpl,
		SourceFile: path,
		Checksum:   fmt.Sprintf("%x", sha256.Sum256(data)),
	}, nil
}

// NumberSteps assigns 1-based positions as step numbers when none of the
// steps carries one. Explicit numbering is left for the Validator to check.
func NumberSteps(steps []model.WorkflowStep) {
	for _, s := range steps {
		if s.StepNumber != 0 {
			return
		}
	}
	for i := range steps {
		steps[i].StepNumber = i + 1
	}
}
