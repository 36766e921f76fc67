package core

import (
	"context"
	"sort"
	"sync"

	"github.com/signalsfoundry/aseba-hub/internal/logging"
)

// HostFunction implements a function added with AddFunction. It receives
// a copy of each argument array and may return replacement values; result
// i is written back into argument i, truncated to its size.
type HostFunction func(n *Node, args [][]int16) [][]int16

// Callbacks maps callback names to host functions. It is shared by all
// nodes of a manager.
type Callbacks struct {
	mu  sync.RWMutex
	fns map[string]HostFunction
}

func NewCallbacks() *Callbacks {
	return &Callbacks{fns: make(map[string]HostFunction)}
}

func (c *Callbacks) Register(name string, fn HostFunction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns[name] = fn
}

func (c *Callbacks) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.fns, name)
}

func (c *Callbacks) Lookup(name string) (HostFunction, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.fns[name]
	return fn, ok
}

// callHostFunction pops the arguments of function id the way the compiler
// pushed them (addresses in declared order, then template sizes from -1
// down), runs the callback and writes results back.
func (n *Node) callHostFunction(id int) {
	ctx := context.Background()
	desc, ok := n.table.Function(id)
	if !ok {
		n.log.Warn(ctx, "call to unknown function", logging.Int("function_id", id))
		return
	}

	addrs := make([]int, len(desc.Arguments))
	for i := range desc.Arguments {
		addrs[i] = n.VM.PopArg()
	}
	var templates []int
	seen := make(map[int16]bool)
	for _, a := range desc.Arguments {
		if a.Size < 0 && !seen[a.Size] {
			seen[a.Size] = true
			templates = append(templates, int(a.Size))
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(templates)))
	sizes := make(map[int16]int, len(templates))
	for _, k := range templates {
		sizes[int16(k)] = n.VM.PopArg()
	}

	args := make([][]int16, len(desc.Arguments))
	for i, a := range desc.Arguments {
		size := int(a.Size)
		if a.Size < 0 {
			size = sizes[a.Size]
		}
		region := n.VM.Slice(addrs[i], size)
		if region == nil && size > 0 {
			return
		}
		args[i] = append([]int16(nil), region...)
	}

	name, _ := n.table.Callback(id)
	fn, ok := n.callbacks.Lookup(name)
	if !ok {
		n.log.Warn(ctx, "host function not registered",
			logging.String("function", desc.Name), logging.String("callback", name))
		return
	}
	n.log.Debug(ctx, "calling host function",
		logging.String("function", desc.Name), logging.Int("arguments", len(args)))

	results := fn(n, args)
	for i := 0; i < len(results) && i < len(args); i++ {
		if region := n.VM.Slice(addrs[i], len(args[i])); region != nil {
			copy(region, results[i])
		}
	}
}
