package executor

import "fmt"

// StaticResolver resolves command_name against a fixed allow-list
// configured at startup. User-supplied job bodies are out of scope
// (spec.md §1); this never shells out to an arbitrary string the caller
// provides, only to a binary path the operator registered ahead of time.
type StaticResolver struct {
	commands map[string]registeredCommand
}

type registeredCommand struct {
	binary string
	prefix []string
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{commands: make(map[string]registeredCommand)}
}

// Register binds commandName to a binary and fixed prefix args. Call during
// app bootstrap (internal/app), once per JobDefinition.CommandName the
// deployment expects to run.
func (r *StaticResolver) Register(commandName, binary string, prefixArgs ...string) {
	r.commands[commandName] = registeredCommand{binary: binary, prefix: prefixArgs}
}

func (r *StaticResolver) Resolve(commandName string) (string, []string, error) {
	cmd, ok := r.commands[commandName]
	if !ok {
		return "", nil, fmt.Errorf("executor: command %q is not registered", commandName)
	}
	return cmd.binary, cmd.prefix, nil
}
