package wasm

import (
	"context"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	abi "github.com/woxQAQ/nostr-cassette/api/wasm"
)

// InstanceManager turns compiled cassette modules into running instances.
type InstanceManager struct {
	runtime   *Runtime
	logger    *zap.Logger
	hostFuncs *HostFunctionsImpl
}

func NewInstanceManager(runtime *Runtime, hostFuncs *HostFunctionsImpl, logger *zap.Logger) *InstanceManager {
	return &InstanceManager{
		runtime:   runtime,
		hostFuncs: hostFuncs,
		logger:    logger.With(zap.String("component", "wasm-instance")),
	}
}

// InstanceConfig names the compiled module to start. An empty InstanceID
// gets a fresh ULID.
type InstanceConfig struct {
	ModuleName string
	InstanceID string
}

// ExportTable is the resolved cassette ABI. Optional slots are nil when the
// guest does not export them; they are never looked up again per call.
type ExportTable struct {
	Memory      api.Memory
	Send        api.Function
	AllocString api.Function

	Describe          api.Function
	Info              api.Function
	DeallocString     api.Function
	GetAllocationSize api.Function
}

// Instance is one running cassette module with its ABI resolved.
type Instance struct {
	module  api.Module
	runtime *Runtime

	ID        string
	Name      string
	CreatedAt int64 // unix seconds

	exports *ExportTable
}

type exportSpec struct {
	name     string
	params   []api.ValueType
	results  []api.ValueType
	required bool
	slot     func(t *ExportTable) *api.Function
}

var i32 = api.ValueTypeI32

var cassetteExports = []exportSpec{
	{abi.ExportAllocString, []api.ValueType{i32}, []api.ValueType{i32}, true,
		func(t *ExportTable) *api.Function { return &t.AllocString }},
	{abi.ExportSend, []api.ValueType{i32, i32}, []api.ValueType{i32}, true,
		func(t *ExportTable) *api.Function { return &t.Send }},
	{abi.ExportDescribe, nil, []api.ValueType{i32}, false,
		func(t *ExportTable) *api.Function { return &t.Describe }},
	{abi.ExportInfo, nil, []api.ValueType{i32}, false,
		func(t *ExportTable) *api.Function { return &t.Info }},
	{abi.ExportDeallocString, []api.ValueType{i32, i32}, nil, false,
		func(t *ExportTable) *api.Function { return &t.DeallocString }},
	{abi.ExportGetAllocationSize, []api.ValueType{i32}, []api.ValueType{i32}, false,
		func(t *ExportTable) *api.Function { return &t.GetAllocationSize }},
}

// Instantiate starts config.ModuleName and resolves its cassette exports.
// Missing required exports or wrong signatures close the instance again.
func (m *InstanceManager) Instantiate(ctx context.Context, config *InstanceConfig) (*Instance, error) {
	compiled, ok := m.runtime.GetCompiledModule(config.ModuleName)
	if !ok {
		return nil, &ModuleNotFoundError{ModuleName: config.ModuleName}
	}

	if !m.runtime.hasCapacity() {
		return nil, &InstanceLimitError{Limit: m.runtime.config.MaxInstances}
	}

	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = ulid.Make().String()
	}

	m.logger.Debug("Starting cassette instance",
		zap.String("module", config.ModuleName),
		zap.String("instance_id", instanceID),
	)

	if err := m.runtime.ensureHostModule(ctx, m.hostFuncs); err != nil {
		return nil, err
	}

	// No _start: cassettes are libraries, not commands.
	moduleConfig := wazero.NewModuleConfig().
		WithName(instanceID).
		WithStartFunctions()

	module, err := m.runtime.runtime.InstantiateModule(ctx, compiled.Module, moduleConfig)
	if err != nil {
		return nil, &InstantiationError{
			ModuleName: config.ModuleName,
			InstanceID: instanceID,
			Err:        err,
		}
	}

	exports, err := resolveExports(config.ModuleName, module)
	if err != nil {
		_ = module.Close(ctx)
		return nil, err
	}

	if err := m.runtime.trackInstance(instanceID, module); err != nil {
		_ = module.Close(ctx)
		return nil, err
	}

	instance := &Instance{
		module:    module,
		runtime:   m.runtime,
		ID:        instanceID,
		Name:      config.ModuleName,
		CreatedAt: time.Now().Unix(),
		exports:   exports,
	}

	m.logger.Info("Cassette instance ready",
		zap.String("instance_id", instanceID),
		zap.Bool("describe", exports.Describe != nil),
		zap.Bool("info", exports.Info != nil),
		zap.Bool("dealloc_string", exports.DeallocString != nil),
		zap.Bool("get_allocation_size", exports.GetAllocationSize != nil),
	)

	return instance, nil
}

func (i *Instance) Exports() *ExportTable { return i.exports }

func (i *Instance) Module() api.Module { return i.module }

// Close stops tracking the instance and releases its memory.
func (i *Instance) Close(ctx context.Context) error {
	i.runtime.DeleteInstance(i.ID)
	return i.module.Close(ctx)
}

// resolveExports looks up the memory and every ABI function once, checking
// signatures of whatever is present.
func resolveExports(moduleName string, module api.Module) (*ExportTable, error) {
	table := &ExportTable{}

	table.Memory = module.ExportedMemory(abi.ExportMemory)
	if table.Memory == nil {
		return nil, &MemoryNotFoundError{ModuleName: moduleName, ExportName: abi.ExportMemory}
	}

	for _, spec := range cassetteExports {
		fn := module.ExportedFunction(spec.name)
		if fn == nil {
			if spec.required {
				return nil, &FunctionNotFoundError{ModuleName: moduleName, FunctionName: spec.name}
			}
			continue
		}

		def := fn.Definition()
		if !slices.Equal(def.ParamTypes(), spec.params) || !slices.Equal(def.ResultTypes(), spec.results) {
			return nil, &SignatureMismatchError{
				ModuleName:   moduleName,
				FunctionName: spec.name,
				Want:         signatureString(typeNames(spec.params), typeNames(spec.results)),
				Got:          signatureString(typeNames(def.ParamTypes()), typeNames(def.ResultTypes())),
			}
		}

		*spec.slot(table) = fn
	}

	return table, nil
}

func typeNames(types []api.ValueType) []string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = api.ValueTypeName(t)
	}
	return names
}
