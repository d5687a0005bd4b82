package catalog

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrValidation wraps input-params schema violations (user error, 422).
var ErrValidation = errors.New("validation failed")

// ErrUnknownModel is returned for model IDs not in the catalog.
var ErrUnknownModel = errors.New("unknown model")

//go:embed models/*.json
var modelsFS embed.FS

// Model is a generation model offered to users: the provider identifier, the
// credit cost charged at submission, and the compiled input schema.
type Model struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Kind  string `json:"kind"` // image-to-video | text-to-image
	Cost  int64  `json:"cost"`

	schema *jsonschema.Schema
}

type Catalog struct {
	models map[string]*Model
}

type modelFile struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Kind        string          `json:"kind"`
	Cost        int64           `json:"cost"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// New loads and compiles every embedded model definition.
func New() (*Catalog, error) {
	entries, err := modelsFS.ReadDir("models")
	if err != nil {
		return nil, err
	}
	c := &Catalog{models: make(map[string]*Model)}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := modelsFS.ReadFile("models/" + e.Name())
		if err != nil {
			return nil, err
		}
		var mf modelFile
		if err := json.Unmarshal(raw, &mf); err != nil {
			return nil, fmt.Errorf("parse model file %q: %w", e.Name(), err)
		}
		if mf.ID == "" || mf.Cost <= 0 {
			return nil, fmt.Errorf("model file %q: id and positive cost are required", e.Name())
		}

		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(e.Name(), strings.NewReader(string(mf.InputSchema))); err != nil {
			return nil, fmt.Errorf("add schema for %q: %w", mf.ID, err)
		}
		schema, err := compiler.Compile(e.Name())
		if err != nil {
			return nil, fmt.Errorf("compile schema for %q: %w", mf.ID, err)
		}

		c.models[mf.ID] = &Model{
			ID:     mf.ID,
			Title:  mf.Title,
			Kind:   mf.Kind,
			Cost:   mf.Cost,
			schema: schema,
		}
	}
	if len(c.models) == 0 {
		return nil, errors.New("no models in catalog")
	}
	return c, nil
}

func (c *Catalog) Get(modelID string) (*Model, bool) {
	m, ok := c.models[modelID]
	return m, ok
}

// List returns models sorted by ID for a stable public listing.
func (c *Catalog) List() []*Model {
	out := make([]*Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ValidateInput checks the request params against the model's input schema.
func (c *Catalog) ValidateInput(modelID string, input json.RawMessage) error {
	m, ok := c.models[modelID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return fmt.Errorf("%w: input is not valid JSON: %v", ErrValidation, err)
	}
	if err := m.schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
