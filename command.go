package simctl

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DiscriminatorKey is the JSON key that carries a command's name.
const DiscriminatorKey = "type"

type CommandName string

// Command is a single instruction for the simulator. On the wire it is one
// flat JSON object: the discriminator plus every parameter as a sibling key.
type Command struct {
	Name       CommandName
	Parameters map[string]any
}

// NewCommand is a shorthand for building a command from alternating
// key/value pairs. A trailing key without a value is ignored.
func NewCommand(name CommandName, kv ...any) Command {
	cmd := Command{Name: name}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		if cmd.Parameters == nil {
			cmd.Parameters = make(map[string]any, len(kv)/2)
		}
		cmd.Parameters[key] = kv[i+1]
	}
	return cmd
}

// Validate checks the structural rules every command must follow,
// independent of any schema.
func (c Command) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidCommand)
	}
	if _, ok := c.Parameters[DiscriminatorKey]; ok {
		return fmt.Errorf("%w: %s: parameter %q is reserved", ErrInvalidCommand, c.Name, DiscriminatorKey)
	}
	return nil
}

func (c Command) MarshalJSON() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	obj := make(map[string]any, len(c.Parameters)+1)
	for k, v := range c.Parameters {
		obj[k] = v
	}
	obj[DiscriminatorKey] = string(c.Name)
	return json.Marshal(obj)
}

func (c *Command) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return err
	}
	if obj == nil {
		return fmt.Errorf("%w: null command", ErrInvalidCommand)
	}

	name, ok := obj[DiscriminatorKey].(string)
	if !ok || name == "" {
		return fmt.Errorf("%w: missing %q", ErrInvalidCommand, DiscriminatorKey)
	}
	delete(obj, DiscriminatorKey)

	c.Name = CommandName(name)
	c.Parameters = nil
	if len(obj) > 0 {
		c.Parameters = obj
	}
	return nil
}
