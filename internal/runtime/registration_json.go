package runtime

import (
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	handlerpkg "github.com/drblury/flowbus/internal/runtime/handlers"
)

// RegisterJSONHandler converts the typed JSON handler into an endpoint and registers it.
func RegisterJSONHandler[T any, O any](bus *Bus, cfg handlerpkg.JSONHandlerRegistration[T, O]) error {
	if bus == nil {
		return errspkg.ErrBusRequired
	}

	wrapped, err := handlerpkg.BuildJSONHandler(cfg.Handler, bus.Logger)
	if err != nil {
		return err
	}

	return bus.registerHandler(handlerRegistration{
		Name:          cfg.Name,
		InputChannel:  cfg.InputChannel,
		OutputChannel: cfg.OutputChannel,
		Concurrency:   cfg.Concurrency,
		Handler:       wrapped,
	})
}
