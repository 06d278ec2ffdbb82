package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"vx/pkg/descriptor"
)

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
}

// ScriptCache holds compiled provider scripts keyed by tool name and script
// content hash.
type ScriptCache struct {
	mu       sync.Mutex
	programs map[string]*starlark.Program
	compiles int
}

func NewScriptCache() *ScriptCache {
	return &ScriptCache{programs: make(map[string]*starlark.Program)}
}

// Program returns the compiled form of script, compiling it on first use.
func (c *ScriptCache) Program(tool, script string) (*starlark.Program, error) {
	sum := sha256.Sum256([]byte(script))
	key := tool + ":" + hex.EncodeToString(sum[:])

	c.mu.Lock()
	defer c.mu.Unlock()
	if prog, ok := c.programs[key]; ok {
		return prog, nil
	}

	_, prog, err := starlark.SourceProgramOptions(fileOptions, tool+".star", script, isPredeclared)
	if err != nil {
		return nil, &descriptor.SchemaError{Source: tool, Field: "script", Message: err.Error()}
	}
	c.programs[key] = prog
	c.compiles++
	return prog, nil
}

// Invalidate drops every compiled program.
func (c *ScriptCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.programs = make(map[string]*starlark.Program)
}

// Len returns the number of cached programs.
func (c *ScriptCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.programs)
}

// Compiles returns how many compilations the cache has performed.
func (c *ScriptCache) Compiles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compiles
}
