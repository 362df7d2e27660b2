package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
)

type httpRoutes struct {
	mux      *http.ServeMux
	patterns map[string]struct{}
}

type httpServer struct {
	server *http.Server
	done   chan struct{}
}

// RegisterHTTPHandler mounts handler on the server listening on port. The
// servers start with the bus. A pattern registered twice keeps the first handler.
func (b *Bus) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	b.httpMu.Lock()
	defer b.httpMu.Unlock()

	if b.httpMuxes == nil {
		b.httpMuxes = make(map[int]*httpRoutes)
	}
	routes, ok := b.httpMuxes[port]
	if !ok {
		routes = &httpRoutes{mux: http.NewServeMux(), patterns: make(map[string]struct{})}
		b.httpMuxes[port] = routes
	}
	if _, dup := routes.patterns[pattern]; dup {
		return
	}
	routes.patterns[pattern] = struct{}{}
	routes.mux.Handle(pattern, handler)
}

func (b *Bus) startHTTPServers() {
	b.httpMu.Lock()
	defer b.httpMu.Unlock()

	for port, routes := range b.httpMuxes {
		srv := &httpServer{
			server: &http.Server{
				Addr:              fmt.Sprintf(":%d", port),
				Handler:           routes.mux,
				ReadHeaderTimeout: 5 * time.Second,
			},
			done: make(chan struct{}),
		}
		b.httpServers = append(b.httpServers, srv)

		b.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.server.Addr})
		go func() {
			defer close(srv.done)
			if err := srv.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.server.Addr})
			}
		}()
	}
}

func (b *Bus) stopHTTPServers(ctx context.Context) error {
	b.httpMu.Lock()
	servers := b.httpServers
	b.httpServers = nil
	b.httpMu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.server.Addr, err))
		}
		<-srv.done
	}
	return errors.Join(errs...)
}
