// Package catalog compiles declarative YAML integration types into replicator types.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/replicator"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalog []byte

// Parse decodes a catalog document. Unknown keys are errors.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	return &f, nil
}

// Compile turns every definition in f into a replicator.Type.
func Compile(f *File, evaluator *expressions.Evaluator, logger ectologger.Logger) ([]replicator.Type, error) {
	if evaluator == nil {
		evaluator = expressions.NewEvaluator()
	}
	types := make([]replicator.Type, 0, len(f.Types))
	var errs []error
	for _, def := range f.Types {
		t, err := compile(def, evaluator, logger)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		types = append(types, t)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return types, nil
}

// Load parses and compiles a catalog.
func Load(r io.Reader, evaluator *expressions.Evaluator, logger ectologger.Logger) ([]replicator.Type, error) {
	f, err := Parse(r)
	if err != nil {
		return nil, err
	}
	return Compile(f, evaluator, logger)
}

// LoadFile loads the catalog at path, or the embedded catalog when path is empty.
func LoadFile(path string, evaluator *expressions.Evaluator, logger ectologger.Logger) ([]replicator.Type, error) {
	if path == "" {
		return Default(evaluator, logger)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog %s: %w", path, err)
	}
	defer file.Close()
	return Load(file, evaluator, logger)
}

// Default compiles the catalog shipped with the binary.
func Default(evaluator *expressions.Evaluator, logger ectologger.Logger) ([]replicator.Type, error) {
	return Load(bytes.NewReader(defaultCatalog), evaluator, logger)
}
