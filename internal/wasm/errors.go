package wasm

import (
	"fmt"
	"strings"
)

// Load-time errors. Any of them makes a module unusable as a cassette.

// CompilationError wraps a failure to read or validate module bytes.
type CompilationError struct {
	ModuleName string
	Err        error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("compile %s: %v", e.ModuleName, e.Err)
}

func (e *CompilationError) Unwrap() error { return e.Err }

// InstantiationError wraps a failure to link or start a compiled module.
type InstantiationError struct {
	ModuleName string
	InstanceID string
	Err        error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("instantiate %s as %s: %v", e.ModuleName, e.InstanceID, e.Err)
}

func (e *InstantiationError) Unwrap() error { return e.Err }

// ModuleNotFoundError means Instantiate was asked for a module nobody compiled.
type ModuleNotFoundError struct {
	ModuleName string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("no compiled module named %s", e.ModuleName)
}

// FunctionNotFoundError reports a missing required export.
type FunctionNotFoundError struct {
	ModuleName   string
	FunctionName string
}

func (e *FunctionNotFoundError) Error() string {
	return fmt.Sprintf("%s: missing export %s()", e.ModuleName, e.FunctionName)
}

// MemoryNotFoundError reports a module without an exported linear memory.
type MemoryNotFoundError struct {
	ModuleName string
	ExportName string
}

func (e *MemoryNotFoundError) Error() string {
	return fmt.Sprintf("%s: missing memory export %q", e.ModuleName, e.ExportName)
}

// SignatureMismatchError reports an export whose type differs from the ABI.
type SignatureMismatchError struct {
	ModuleName   string
	FunctionName string
	Want         string
	Got          string
}

func (e *SignatureMismatchError) Error() string {
	return fmt.Sprintf("%s: export %s() is %s, want %s",
		e.ModuleName, e.FunctionName, e.Got, e.Want)
}

// InstanceLimitError is returned once RuntimeConfig.MaxInstances are live.
type InstanceLimitError struct {
	Limit int
}

func (e *InstanceLimitError) Error() string {
	return fmt.Sprintf("instance limit reached (%d)", e.Limit)
}

// Call-time errors.

// MemoryAccessError reports a read or write outside guest memory.
type MemoryAccessError struct {
	Operation string
	Address   uint32
	Length    uint32
	Err       error
}

func (e *MemoryAccessError) Error() string {
	return fmt.Sprintf("guest memory %s of %d bytes at %#x: %v",
		e.Operation, e.Length, e.Address, e.Err)
}

func (e *MemoryAccessError) Unwrap() error { return e.Err }

// AllocationError means alloc_string failed or returned 0.
type AllocationError struct {
	Length uint32
	Err    error
}

func (e *AllocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("guest allocation of %d bytes failed: %v", e.Length, e.Err)
	}
	return fmt.Sprintf("guest allocation of %d bytes failed: null pointer", e.Length)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// NullPointerError means a guest returned 0 where a string was expected.
type NullPointerError struct {
	Function string
}

func (e *NullPointerError) Error() string {
	return fmt.Sprintf("%s() returned null pointer", e.Function)
}

// TrapError wraps any engine failure while guest code ran. The instance may
// be left inconsistent and should be discarded.
type TrapError struct {
	Function string
	Err      error
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("guest function '%s' trapped: %v", e.Function, e.Err)
}

func (e *TrapError) Unwrap() error { return e.Err }

// HostFunctionError wraps a failure to provide the host import module.
type HostFunctionError struct {
	FunctionName string
	Err          error
}

func (e *HostFunctionError) Error() string {
	return fmt.Sprintf("host import host.%s: %v", e.FunctionName, e.Err)
}

func (e *HostFunctionError) Unwrap() error { return e.Err }

// signatureString renders a function type as "(i32,i32)->(i32)".
func signatureString(params, results []string) string {
	return "(" + strings.Join(params, ",") + ")->(" + strings.Join(results, ",") + ")"
}
