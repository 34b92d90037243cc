package modelfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"
)

// Model is the on-disk model document.
type Model struct {
	// Name is the model's display name.
	Name string `json:"name" yaml:"name"`

	// Requires is an optional version constraint (e.g. ">= 9.0") the
	// provider must satisfy to open the document.
	Requires string `json:"requires,omitempty" yaml:"requires,omitempty"`

	// Objects are the model's objects in creation order.
	Objects []Object `json:"objects" yaml:"objects"`

	// UpdatedAt is set on every save.
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Object is one model object.
type Object struct {
	ID         string            `json:"id" yaml:"id"`
	Kind       string            `json:"kind" yaml:"kind"`
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Name returns the object's Name property.
func (o Object) Name() string {
	return o.Properties["Name"]
}

func (m *Model) clone() *Model {
	c := *m
	c.Objects = make([]Object, len(m.Objects))
	for i, o := range m.Objects {
		c.Objects[i] = o
		if o.Properties != nil {
			c.Objects[i].Properties = make(map[string]string, len(o.Properties))
			for k, v := range o.Properties {
				c.Objects[i].Properties[k] = v
			}
		}
	}
	return &c
}

func (m *Model) find(id string) *Object {
	for i := range m.Objects {
		if m.Objects[i].ID == id {
			return &m.Objects[i]
		}
	}
	return nil
}

// FindByName returns the objects of kind whose Name property is name.
func (m *Model) FindByName(kind, name string) []Object {
	var found []Object
	for _, o := range m.Objects {
		if o.Kind == kind && o.Name() == name {
			found = append(found, o)
		}
	}
	return found
}

// checkRequires verifies v against the model's Requires constraint.
func (m *Model) checkRequires(v *version.Version) error {
	if m.Requires == "" {
		return nil
	}
	constraint, err := version.NewConstraint(m.Requires)
	if err != nil {
		return fmt.Errorf("model has invalid requires constraint %q: %w", m.Requires, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("model requires provider %s, have %s", m.Requires, v)
	}
	return nil
}

// Load reads a model document.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}

	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse model %s: %w", path, err)
	}
	for i, o := range m.Objects {
		if o.ID == "" || o.Kind == "" {
			return nil, fmt.Errorf("failed to parse model %s: object %d needs id and kind", path, i)
		}
	}
	return &m, nil
}

// Create writes a new, empty model document. It fails if path exists.
func Create(path, name string) (*Model, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("model %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create model directory: %w", err)
	}

	m := &Model{Name: name, Objects: []Object{}}
	if err := m.write(path); err != nil {
		return nil, err
	}
	return m, nil
}

// write saves the model atomically: a temp file in the target directory is
// synced and renamed over path.
func (m *Model) write(path string) error {
	m.UpdatedAt = time.Now().UTC().Truncate(time.Second)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write model: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close model: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace model: %w", err)
	}
	tmpName = ""
	return nil
}
