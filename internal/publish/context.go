package publish

import "strings"

// Well-known context data keys.
const (
	KeyCurrentFile = "currentFile"
	KeyUser        = "user"
	KeyProject     = "project"
	KeyAsset       = "asset"
	KeyTask        = "task"
	KeyHost        = "host"
	KeyWorkdir     = "workdir"
)

// Context is the shared record of a single publish run. It owns an ordered
// collection of instances; creation order is preserved for iteration.
type Context struct {
	Data map[string]any

	instances []*Instance
	results   []Result
}

// NewContext returns an empty context.
func NewContext() *Context {
	return &Context{Data: map[string]any{}}
}

// CreateInstance appends a new instance and returns it.
func (c *Context) CreateInstance(name, family string) *Instance {
	inst := &Instance{
		ID:      newInstanceID(),
		Name:    strings.TrimSpace(name),
		Family:  strings.TrimSpace(family),
		Publish: true,
		Data:    map[string]any{},
		context: c,
	}
	c.instances = append(c.instances, inst)
	return inst
}

// Adopt attaches an externally built instance (e.g. from a dump) to the context.
func (c *Context) Adopt(inst *Instance) *Instance {
	if inst.ID == "" {
		inst.ID = newInstanceID()
	}
	if inst.Data == nil {
		inst.Data = map[string]any{}
	}
	inst.context = c
	c.instances = append(c.instances, inst)
	return inst
}

// Instances returns the instances in creation order. The slice is a copy; the
// instances are shared.
func (c *Context) Instances() []*Instance {
	return append([]*Instance(nil), c.instances...)
}

// Len returns the number of instances.
func (c *Context) Len() int {
	return len(c.instances)
}

// Instance returns the first instance with the given name.
func (c *Context) Instance(name string) (*Instance, bool) {
	for _, inst := range c.instances {
		if inst.Name == name {
			return inst, true
		}
	}
	return nil, false
}

// Get returns a data value.
func (c *Context) Get(key string) (any, bool) {
	value, ok := c.Data[key]
	return value, ok
}

// String returns a string data value or "".
func (c *Context) String(key string) string {
	value, _ := c.Data[key].(string)
	return value
}

// Set stores a data value.
func (c *Context) Set(key string, value any) {
	if c.Data == nil {
		c.Data = map[string]any{}
	}
	c.Data[key] = value
}

// Results returns a copy of the results recorded so far.
func (c *Context) Results() []Result {
	return append([]Result(nil), c.results...)
}

// Succeeded reports whether every recorded result succeeded.
func (c *Context) Succeeded() bool {
	for _, r := range c.results {
		if !r.Success {
			return false
		}
	}
	return true
}

func (c *Context) record(r Result) {
	c.results = append(c.results, r)
}
