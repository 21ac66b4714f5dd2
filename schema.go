package simctl

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"reflect"
	"slices"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed schema_core.yaml
var coreSchema []byte

type FieldType string

const (
	FieldAny    FieldType = "any"
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
	FieldObject FieldType = "object"
	FieldArray  FieldType = "array"
)

// Field describes one named parameter of a command.
type Field struct {
	Type     FieldType `yaml:"type"`
	Required bool      `yaml:"required"`
	Default  any       `yaml:"default"`
	// Enum names a closed value set declared in Schema.Enums.
	Enum string `yaml:"enum"`
}

// CommandSchema lists the parameters a command accepts.
type CommandSchema struct {
	Fields map[string]Field `yaml:"fields"`
}

// Schema is the table of known commands and enumerations. One generic
// Command type plus this table stands in for a type per command.
type Schema struct {
	Enums    map[string][]string           `yaml:"enums"`
	Commands map[CommandName]CommandSchema `yaml:"commands"`
}

// LoadSchema parses and checks a YAML command table.
func LoadSchema(r io.Reader) (*Schema, error) {
	var s Schema
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadSchemaFile reads a YAML command table from path.
func LoadSchemaFile(path string) (*Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadSchema(f)
}

var defaultSchema = sync.OnceValues(func() (*Schema, error) {
	return LoadSchema(bytes.NewReader(coreSchema))
})

// DefaultSchema returns the embedded core command table. The returned
// schema is shared and must not be modified.
func DefaultSchema() *Schema {
	s, err := defaultSchema()
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) check() error {
	if s.Enums == nil {
		s.Enums = map[string][]string{}
	}
	if s.Commands == nil {
		s.Commands = map[CommandName]CommandSchema{}
	}
	for name, values := range s.Enums {
		if len(values) == 0 {
			return fmt.Errorf("schema: enum %s has no values", name)
		}
	}
	for name, cs := range s.Commands {
		if name == "" {
			return fmt.Errorf("schema: empty command name")
		}
		for fname, f := range cs.Fields {
			if fname == DiscriminatorKey {
				return fmt.Errorf("schema: %s: field %q is reserved", name, fname)
			}
			if f.Type == "" {
				f.Type = FieldAny
				if f.Enum != "" {
					f.Type = FieldString
				}
				cs.Fields[fname] = f
			}
			if !knownFieldType(f.Type) {
				return fmt.Errorf("schema: %s.%s: unknown type %q", name, fname, f.Type)
			}
			if f.Enum != "" {
				if f.Type != FieldString {
					return fmt.Errorf("schema: %s.%s: enum field must be a string", name, fname)
				}
				if _, ok := s.Enums[f.Enum]; !ok {
					return fmt.Errorf("schema: %s.%s: undeclared enum %q", name, fname, f.Enum)
				}
			}
			if f.Default != nil {
				if err := s.checkValue(f, f.Default); err != nil {
					return fmt.Errorf("schema: %s.%s default: %w", name, fname, err)
				}
			}
		}
	}
	return nil
}

func knownFieldType(t FieldType) bool {
	switch t {
	case FieldAny, FieldString, FieldInt, FieldFloat, FieldBool, FieldObject, FieldArray:
		return true
	}
	return false
}

// Names returns the known command names, sorted.
func (s *Schema) Names() []CommandName {
	names := make([]CommandName, 0, len(s.Commands))
	for name := range s.Commands {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Enum returns the values of a declared enumeration.
func (s *Schema) Enum(name string) ([]string, bool) {
	v, ok := s.Enums[name]
	return v, ok
}

// Merge adds the enums and commands of other. Redefinitions are rejected.
func (s *Schema) Merge(other *Schema) (*Schema, error) {
	out := &Schema{
		Enums:    make(map[string][]string, len(s.Enums)+len(other.Enums)),
		Commands: make(map[CommandName]CommandSchema, len(s.Commands)+len(other.Commands)),
	}
	for k, v := range s.Enums {
		out.Enums[k] = v
	}
	for k, v := range s.Commands {
		out.Commands[k] = v
	}
	for k, v := range other.Enums {
		if _, ok := out.Enums[k]; ok {
			return nil, fmt.Errorf("schema: enum %s defined twice", k)
		}
		out.Enums[k] = v
	}
	for k, v := range other.Commands {
		if _, ok := out.Commands[k]; ok {
			return nil, fmt.Errorf("schema: command %s defined twice", k)
		}
		out.Commands[k] = v
	}
	if err := out.check(); err != nil {
		return nil, err
	}
	return out, nil
}

// Build creates a command from params, filling in defaults for missing
// fields and validating the result.
func (s *Schema) Build(name CommandName, params map[string]any) (Command, error) {
	cs, ok := s.Commands[name]
	if !ok {
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	cmd := Command{Name: name}
	if len(params) > 0 || len(cs.Fields) > 0 {
		cmd.Parameters = make(map[string]any, len(cs.Fields))
	}
	for k, v := range params {
		cmd.Parameters[k] = v
	}
	for fname, f := range cs.Fields {
		if _, set := cmd.Parameters[fname]; !set && f.Default != nil {
			cmd.Parameters[fname] = cloneValue(f.Default)
		}
	}
	if len(cmd.Parameters) == 0 {
		cmd.Parameters = nil
	}
	if err := s.Validate(cmd); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// Validate checks cmd against the table: the command must be known, every
// parameter declared, required ones present, and each value of the declared
// type.
func (s *Schema) Validate(cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	cs, ok := s.Commands[cmd.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Name)
	}
	for k, v := range cmd.Parameters {
		f, ok := cs.Fields[k]
		if !ok {
			return fmt.Errorf("%w: %s: unknown parameter %q", ErrInvalidCommand, cmd.Name, k)
		}
		if err := s.checkValue(f, v); err != nil {
			return fmt.Errorf("%w: %s.%s: %v", ErrInvalidCommand, cmd.Name, k, err)
		}
	}
	for fname, f := range cs.Fields {
		if _, set := cmd.Parameters[fname]; f.Required && !set {
			return fmt.Errorf("%w: %s: missing required parameter %q", ErrInvalidCommand, cmd.Name, fname)
		}
	}
	return nil
}

func (s *Schema) checkValue(f Field, v any) error {
	if v == nil {
		return fmt.Errorf("null value")
	}
	switch f.Type {
	case FieldAny:
		return nil
	case FieldString:
		str, ok := v.(string)
		if !ok {
			return fmt.Errorf("want string, got %T", v)
		}
		if f.Enum != "" && !slices.Contains(s.Enums[f.Enum], str) {
			return fmt.Errorf("%q is not a %s", str, f.Enum)
		}
		return nil
	case FieldBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("want bool, got %T", v)
		}
		return nil
	case FieldInt:
		if !isInteger(v) {
			return fmt.Errorf("want int, got %v (%T)", v, v)
		}
		return nil
	case FieldFloat:
		if !isNumber(v) {
			return fmt.Errorf("want float, got %T", v)
		}
		return nil
	case FieldObject:
		k := reflect.TypeOf(v).Kind()
		if k != reflect.Map && k != reflect.Struct && !(k == reflect.Pointer && reflect.TypeOf(v).Elem().Kind() == reflect.Struct) {
			return fmt.Errorf("want object, got %T", v)
		}
		return nil
	case FieldArray:
		k := reflect.TypeOf(v).Kind()
		if k != reflect.Slice && k != reflect.Array {
			return fmt.Errorf("want array, got %T", v)
		}
		return nil
	}
	return fmt.Errorf("unknown type %q", f.Type)
}

func isInteger(v any) bool {
	switch n := v.(type) {
	case json.Number:
		_, err := n.Int64()
		return err == nil
	case float32:
		return float64(n) == math.Trunc(float64(n))
	case float64:
		return n == math.Trunc(n) && !math.IsInf(n, 0)
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func isNumber(v any) bool {
	if n, ok := v.(json.Number); ok {
		_, err := n.Float64()
		return err == nil
	}
	if isInteger(v) {
		return true
	}
	switch v.(type) {
	case float32, float64:
		return true
	}
	return false
}

// cloneValue copies the maps and slices a decoded default is made of so
// commands never share them.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	}
	return v
}
