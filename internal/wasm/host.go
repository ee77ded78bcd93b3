package wasm

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	abi "github.com/woxQAQ/nostr-cassette/api/wasm"
)

// HostFunctionsImpl backs the "host" import module offered to cassettes.
// Guests that never import it are unaffected.
type HostFunctionsImpl struct {
	logger *zap.Logger
}

func NewHostFunctions(logger *zap.Logger) *HostFunctionsImpl {
	return &HostFunctionsImpl{
		logger: logger.With(zap.String("component", "cassette-guest")),
	}
}

// guestLevel maps the ABI log levels onto zap. Unknown levels log at info.
func guestLevel(level uint32) zapcore.Level {
	switch level {
	case abi.HostLogLevelDebug:
		return zapcore.DebugLevel
	case abi.HostLogLevelWarn:
		return zapcore.WarnLevel
	case abi.HostLogLevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// logMessage implements log_message(level, ptr, length).
func (h *HostFunctionsImpl) logMessage(_ context.Context, mod api.Module, level, ptr, length uint32) {
	text, ok := mod.Memory().Read(ptr, length)
	if !ok {
		h.logger.Warn("Guest log outside memory",
			zap.String("module", mod.Name()),
			zap.Uint32("ptr", ptr),
			zap.Uint32("length", length),
		)
		return
	}
	if ce := h.logger.Check(guestLevel(level), string(text)); ce != nil {
		ce.Write(zap.String("module", mod.Name()))
	}
}

// ensureHostModule registers the host import module on first use.
func (r *Runtime) ensureHostModule(ctx context.Context, impl *HostFunctionsImpl) error {
	r.hostOnce.Do(func() {
		_, err := r.runtime.NewHostModuleBuilder(abi.HostModuleName).
			NewFunctionBuilder().
			WithFunc(impl.logMessage).
			WithParameterNames("level", "ptr", "length").
			Export(abi.HostLogMessage).
			Instantiate(ctx)
		if err != nil {
			r.hostErr = &HostFunctionError{FunctionName: abi.HostLogMessage, Err: err}
			return
		}
		r.logger.Debug("Host imports registered", zap.String("module", abi.HostModuleName))
	})
	return r.hostErr
}
