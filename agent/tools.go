package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/genesis-fabric/genesis/agent/model"
	"github.com/genesis-fabric/genesis/registry"
)

// ToolFunc is a registered internal tool. Arguments arrive as the raw JSON
// object generated by the model; the returned value is serialized to JSON for
// the tool response.
type ToolFunc func(ctx context.Context, args json.RawMessage) (any, error)

type (
	internalTool struct {
		name        string
		description string
		schema      map[string]any
		fn          ToolFunc
	}

	routeKind int

	// routeEntry binds a composed tool name to its execution target.
	routeEntry struct {
		kind     routeKind
		internal internalTool
		peerGUID string
		fn       registry.Function
	}

	// toolset is the per-request snapshot of tools exposed to the model.
	// It is rebuilt from the caches at the start of each request and never
	// mutated afterwards, so the loop can read it without locks.
	toolset struct {
		defs  []model.ToolDefinition
		route map[string]routeEntry
	}
)

const (
	routeInternal routeKind = iota
	routePeerAgent
	routeFunction
)

// RegisterTool registers an internal tool on the agent. Registering the same
// name again replaces the previous binding. Schema is the JSON Schema object
// for the tool parameters; nil means an empty object schema.
func (a *Agent) RegisterTool(name, description string, schema map[string]any, fn ToolFunc) {
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.internal[name] = internalTool{name: name, description: description, schema: schema, fn: fn}
	a.internalRev++
}

// composeToolset builds the tool snapshot for one request: internal tools
// first, then peer-agent tools, then advertised functions. Name collisions
// keep the earlier entry, matching the routing priority.
func (a *Agent) composeToolset() toolset {
	a.mu.Lock()
	internal := make([]internalTool, 0, len(a.internal))
	for _, t := range a.internal {
		internal = append(internal, t)
	}
	a.mu.Unlock()
	sort.Slice(internal, func(i, j int) bool { return internal[i].name < internal[j].name })

	ts := toolset{route: make(map[string]routeEntry)}
	for _, t := range internal {
		ts.add(model.ToolDefinition{Name: t.name, Description: t.description, InputSchema: t.schema},
			routeEntry{kind: routeInternal, internal: t})
	}
	for _, def := range a.peerTools() {
		ts.add(def.def, routeEntry{kind: routePeerAgent, peerGUID: def.guid})
	}
	for _, fn := range a.functionTools() {
		var schema any = map[string]any{"type": "object", "properties": map[string]any{}}
		if len(fn.ParameterSchema) > 0 {
			schema = json.RawMessage(fn.ParameterSchema)
		}
		ts.add(model.ToolDefinition{Name: sanitizeToolName(fn.Name), Description: fn.Description, InputSchema: schema},
			routeEntry{kind: routeFunction, fn: fn})
	}
	return ts
}

func (ts *toolset) add(def model.ToolDefinition, entry routeEntry) {
	if _, taken := ts.route[def.Name]; taken {
		return
	}
	ts.defs = append(ts.defs, def)
	ts.route[def.Name] = entry
}

type peerToolDef struct {
	def  model.ToolDefinition
	guid string
}

// peerTools synthesizes one tool per discovered peer agent. Names derive from
// capabilities, not agent names, so prompts stay stable across restarts;
// collisions append the peer guid.
func (a *Agent) peerTools() []peerToolDef {
	peers := a.agents.Snapshot()
	guids := make([]string, 0, len(peers))
	for guid := range peers {
		guids = append(guids, guid)
	}
	sort.Strings(guids)

	taken := make(map[string]bool, len(guids))
	defs := make([]peerToolDef, 0, len(guids))
	for _, guid := range guids {
		peer := peers[guid]
		name := capabilityToolName(peer.Capabilities)
		if taken[name] {
			name = name + "_" + sanitizeToolName(guid)
		}
		taken[name] = true
		desc := "Ask a peer agent for help."
		if len(peer.Capabilities) > 0 {
			desc = "Agent specializing in: " + strings.Join(peer.Capabilities, ", ")
		}
		defs = append(defs, peerToolDef{
			guid: guid,
			def: model.ToolDefinition{
				Name:        name,
				Description: desc,
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"message": map[string]any{
							"type":        "string",
							"description": "The request to send to the agent.",
						},
					},
					"required": []any{"message"},
				},
			},
		})
	}
	return defs
}

// functionTools returns the advertised functions in stable name order.
func (a *Agent) functionTools() []registry.Function {
	snap := a.functions.Snapshot()
	fns := make([]registry.Function, 0, len(snap))
	for _, fn := range snap {
		fns = append(fns, fn)
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].ID < fns[j].ID })
	return fns
}

// capabilityToolName derives a tool name from the capability list.
func capabilityToolName(capabilities []string) string {
	if len(capabilities) == 0 {
		return "general_agent"
	}
	return sanitizeToolName(capabilities[0]) + "_agent"
}

// sanitizeToolName lowercases and reduces a string to the character set
// providers accept for tool names.
func sanitizeToolName(s string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "tool"
	}
	return out
}

// schemaCache compiles and caches advertised parameter schemas keyed by
// function id. A changed schema recompiles.
type schemaCache struct {
	mu      sync.Mutex
	entries map[string]schemaEntry
}

type schemaEntry struct {
	raw      string
	compiled *jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{entries: make(map[string]schemaEntry)}
}

func (c *schemaCache) compiled(fn registry.Function) (*jsonschema.Schema, error) {
	raw := string(fn.ParameterSchema)
	if raw == "" {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[fn.ID]; ok && e.raw == raw {
		return e.compiled, nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse parameter schema for %s: %w", fn.ID, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("register parameter schema for %s: %w", fn.ID, err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile parameter schema for %s: %w", fn.ID, err)
	}
	c.entries[fn.ID] = schemaEntry{raw: raw, compiled: compiled}
	return compiled, nil
}

// validateArguments checks the model-generated arguments against the
// function's advertised schema.
func (c *schemaCache) validateArguments(fn registry.Function, args string) error {
	compiled, err := c.compiled(fn)
	if err != nil {
		return err
	}
	if compiled == nil {
		return nil
	}
	if args == "" {
		args = "{}"
	}
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(args))
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := compiled.Validate(value); err != nil {
		return fmt.Errorf("arguments do not match parameter schema: %w", err)
	}
	return nil
}
