package schema

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/dbhandler/pkg/models"
)

type declarationFile struct {
	Tables []*models.Table `yaml:"tables"`
}

// LoadFile reads table declarations from a YAML file of the form
//
//	tables:
//	  - name: players
//	    primary_key: [id]
//	    columns:
//	      - {name: id, type: uuid}
//	      - {name: name, type: string, length: 32, not_null: true}
func LoadFile(path string) ([]*models.Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	tables, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tables, nil
}

// Parse decodes YAML table declarations. Unknown keys are rejected.
func Parse(r io.Reader) ([]*models.Table, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file declarationFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	for _, t := range file.Tables {
		if t == nil {
			return nil, fmt.Errorf("parse schema: empty table entry")
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}
	return file.Tables, nil
}
