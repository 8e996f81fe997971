package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/model"
)

//go:embed sensors.schema.json
var sensorsSchema string

// ErrNoSensors means the document has no sensors list at all.
var ErrNoSensors = errors.New("sensors list is missing")

// ConfigError is a fatal problem with the sensors file.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return "sensors config: " + e.Err.Error()
	}
	return fmt.Sprintf("sensors config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("sensors.schema.json", strings.NewReader(sensorsSchema)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = compiler.Compile("sensors.schema.json")
	})
	return schema, schemaErr
}

// LoadSensors reads and validates the sensors file at path.
func LoadSensors(path string) ([]model.DeviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	devices, err := ParseSensors(data)
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			cfgErr.Path = path
		}
		return nil, err
	}
	return devices, nil
}

// ParseSensors accepts YAML or JSON holding a top level "sensors" list, the
// same shape as the platform block of a Homebridge config.
func ParseSensors(data []byte) ([]model.DeviceConfig, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("parse: %w", err)}
	}
	if m, ok := raw.(map[string]any); !ok || m["sensors"] == nil {
		return nil, &ConfigError{Err: ErrNoSensors}
	}

	// Round trip through JSON so the validator sees JSON types.
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("parse: %w", err)}
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("parse: %w", err)}
	}

	sch, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compile sensors schema: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, &ConfigError{Err: err}
	}

	var file struct {
		Sensors []model.DeviceConfig `json:"sensors"`
	}
	if err := json.Unmarshal(b, &file); err != nil {
		return nil, &ConfigError{Err: err}
	}
	return file.Sensors, nil
}
