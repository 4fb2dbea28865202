package wasm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// Exported function names. Each unit function has the signature
// fn(ptr, len i32) i64 and returns (ptr << 32) | len of a JSON response
// in module memory.
const (
	exportGet   = "unit_get"
	exportTest  = "unit_test"
	exportApply = "unit_apply"
)

// request is the JSON document passed to every unit function.
type request struct {
	Type       string                 `json:"type"`
	Identifier string                 `json:"identifier,omitempty"`
	Settings   map[string]interface{} `json:"settings"`
}

// response is the JSON document unit functions return. Error is set when
// the function could not do its work.
type response struct {
	Error          string                 `json:"error,omitempty"`
	Details        string                 `json:"details,omitempty"`
	Settings       map[string]interface{} `json:"settings,omitempty"`
	InDesiredState bool                   `json:"inDesiredState,omitempty"`
	RebootRequired bool                   `json:"rebootRequired,omitempty"`
}

// bridge moves JSON documents in and out of one module instance.
type bridge struct {
	module api.Module
	memory api.Memory
	malloc api.Function
	free   api.Function
}

func newBridge(module api.Module) (*bridge, error) {
	b := &bridge{
		module: module,
		memory: module.Memory(),
		malloc: module.ExportedFunction("malloc"),
		free:   module.ExportedFunction("free"),
	}
	if b.memory == nil {
		return nil, fmt.Errorf("module does not export memory")
	}
	if b.malloc == nil {
		return nil, fmt.Errorf("module does not export malloc")
	}
	if module.ExportedFunction(exportTest) == nil {
		return nil, fmt.Errorf("module does not export %s", exportTest)
	}
	return b, nil
}

// has reports whether the module exports a unit function.
func (b *bridge) has(name string) bool {
	return b.module.ExportedFunction(name) != nil
}

// invoke calls a unit function with req and decodes its response.
func (b *bridge) invoke(ctx context.Context, name string, req request) (*response, error) {
	fn := b.module.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("module does not export %s", name)
	}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := b.call(ctx, fn, input)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", name, err)
	}

	var resp response
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, fmt.Errorf("%s returned invalid JSON: %w", name, err)
	}
	return &resp, nil
}

func (b *bridge) call(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	ptr, err := b.allocate(ctx, uint32(len(input)))
	if err != nil {
		return nil, err
	}
	defer b.deallocate(ctx, ptr)

	if !b.memory.Write(ptr, input) {
		return nil, fmt.Errorf("failed to write input to module memory")
	}

	results, err := fn.Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("function returned no results")
	}

	outPtr := uint32(results[0] >> 32)
	outLen := uint32(results[0])
	if outLen == 0 {
		return []byte("{}"), nil
	}

	view, ok := b.memory.Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("output out of range: %d bytes at %d", outLen, outPtr)
	}
	// Read returns a view that later calls may overwrite.
	output := make([]byte, len(view))
	copy(output, view)
	b.deallocate(ctx, outPtr)
	return output, nil
}

func (b *bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	if size == 0 {
		size = 1
	}
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return uint32(results[0]), nil
}

// deallocate is a no-op for modules that do not export free.
func (b *bridge) deallocate(ctx context.Context, ptr uint32) {
	if b.free == nil {
		return
	}
	_, _ = b.free.Call(ctx, uint64(ptr))
}
