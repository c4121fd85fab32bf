package pipeline

import (
	"fmt"
	"strings"

	"github.com/smnsjas/go-pshost/engine"
)

// Commands is an ordered command collection built incrementally, in the
// style of a PowerShell object: AddCommand, AddScript, AddParameter,
// AddArgument. Parameters attach to the most recently added command.
type Commands struct {
	list []engine.Command
}

// NewCommands creates an empty command collection.
func NewCommands() *Commands {
	return &Commands{}
}

// AddCommand appends a cmdlet or native command by name.
func (c *Commands) AddCommand(name string) *Commands {
	c.list = append(c.list, engine.Command{Name: name})
	return c
}

// AddScript appends raw script text as a command.
func (c *Commands) AddScript(script string) *Commands {
	c.list = append(c.list, engine.Command{Name: script, IsScript: true})
	return c
}

// AddParameter adds a named parameter to the last added command.
// It is a no-op on an empty collection.
func (c *Commands) AddParameter(name string, value interface{}) *Commands {
	if len(c.list) == 0 {
		return c
	}
	last := &c.list[len(c.list)-1]
	last.Parameters = append(last.Parameters, engine.Parameter{Name: name, Value: value})
	return c
}

// AddArgument adds a positional argument to the last added command.
func (c *Commands) AddArgument(value interface{}) *Commands {
	return c.AddParameter("", value)
}

// Len returns the number of commands in the collection.
func (c *Commands) Len() int {
	return len(c.list)
}

// Clone returns a deep copy of the collection.
func (c *Commands) Clone() *Commands {
	dup := &Commands{list: make([]engine.Command, 0, len(c.list))}
	for _, cmd := range c.list {
		dup.list = append(dup.list, cmd.Clone())
	}
	return dup
}

// Slice returns a copy of the underlying command list for execution.
func (c *Commands) Slice() []engine.Command {
	out := make([]engine.Command, 0, len(c.list))
	for _, cmd := range c.list {
		out = append(out, cmd.Clone())
	}
	return out
}

// Line renders the collection as a single command line, commands joined by
// " | ". This is the text recorded in the history store.
func (c *Commands) Line() string {
	parts := make([]string, 0, len(c.list))
	for _, cmd := range c.list {
		var b strings.Builder
		b.WriteString(cmd.Name)
		for _, p := range cmd.Parameters {
			b.WriteString(" ")
			if p.Name != "" {
				b.WriteString("-")
				b.WriteString(p.Name)
				b.WriteString(" ")
			}
			b.WriteString(formatValue(p.Value))
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, " | ")
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "$null"
	default:
		return fmt.Sprintf("%v", t)
	}
}
