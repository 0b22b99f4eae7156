// Package script runs user-supplied JavaScript payload transforms via goja.
// A subscription may carry a script defining transform(event); it runs once
// per delivery attempt against the outbound payload.
package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

const (
	maxScriptSize = 64 * 1024 // 64KB
	execTimeout   = 500 * time.Millisecond
)

var (
	ErrScriptTooLarge = errors.New("script exceeds 64KB limit")
	ErrScriptTimeout  = errors.New("script execution timed out")
	ErrNoTransform    = errors.New("script must define a 'transform' function")
)

// Validate checks that the script compiles and exports a 'transform' function.
func Validate(scriptBody string) error {
	if len(scriptBody) > maxScriptSize {
		return ErrScriptTooLarge
	}

	vm := goja.New()
	if _, err := vm.RunString(scriptBody); err != nil {
		return fmt.Errorf("script compilation error: %w", err)
	}

	fn := vm.Get("transform")
	if fn == nil || fn == goja.Undefined() || fn == goja.Null() {
		return ErrNoTransform
	}
	if _, ok := goja.AssertFunction(fn); !ok {
		return ErrNoTransform
	}
	return nil
}

// Transform runs transform(event) against the payload and returns the
// replacement payload as JSON. event carries {payload, event_type, source}.
// A null/undefined return keeps the payload verbatim.
func Transform(scriptBody string, payload json.RawMessage, eventType, source *string) (result json.RawMessage, err error) {
	if len(scriptBody) > maxScriptSize {
		return nil, ErrScriptTooLarge
	}

	// Recover from goja panics (e.g., from vm.Interrupt)
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(*goja.InterruptedError); ok {
				result, err = nil, ErrScriptTimeout
			} else {
				result, err = nil, fmt.Errorf("script panic: %v", r)
			}
		}
	}()

	vm := goja.New()

	timer := time.AfterFunc(execTimeout, func() {
		vm.Interrupt("timeout")
	})
	defer timer.Stop()

	if _, err = vm.RunString(scriptBody); err != nil {
		return nil, fmt.Errorf("script compilation error: %w", err)
	}

	transformFn := vm.Get("transform")
	if transformFn == nil || transformFn == goja.Undefined() || transformFn == goja.Null() {
		return nil, ErrNoTransform
	}
	callable, ok := goja.AssertFunction(transformFn)
	if !ok {
		return nil, ErrNoTransform
	}

	var payloadObj any
	if err := json.Unmarshal(payload, &payloadObj); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	eventObj := map[string]any{"payload": payloadObj}
	if eventType != nil {
		eventObj["event_type"] = *eventType
	}
	if source != nil {
		eventObj["source"] = *source
	}

	ret, err := callable(goja.Undefined(), vm.ToValue(eventObj))
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, ErrScriptTimeout
		}
		return nil, fmt.Errorf("script execution error: %w", err)
	}

	// null/undefined return means deliver the payload unchanged
	if ret == nil || ret == goja.Undefined() || ret == goja.Null() {
		return payload, nil
	}

	jsonBytes, err := json.Marshal(ret.Export())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal script result: %w", err)
	}
	return jsonBytes, nil
}
