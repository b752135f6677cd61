/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package runnable

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/manager"
)

// shutdownTimeout bounds graceful shutdown of an HTTP server.
const shutdownTimeout = 5 * time.Second

// HTTPServer converts the given HTTP server into a runnable listening on port.
// The server name is just being used for logging.
func HTTPServer(name string, srv *http.Server, port int) manager.Runnable {
	return manager.RunnableFunc(func(ctx context.Context) error {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return fmt.Errorf("HTTP server failed to listen - %w", err)
		}
		return serveHTTP(ctx, name, srv, lis)
	})
}

// serveHTTP serves on lis until ctx is done, then shuts the server down gracefully.
func serveHTTP(ctx context.Context, name string, srv *http.Server, lis net.Listener) error {
	// Use "name" key as that is what manager.Server does as well.
	log := ctrl.Log.WithValues("name", name)
	log.Info("HTTP server listening", "addr", lis.Addr().String())

	// Make sure the goroutine does not leak.
	doneCh := make(chan struct{})
	defer close(doneCh)
	go func() {
		select {
		case <-ctx.Done():
			log.Info("HTTP server shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error(err, "HTTP server shutdown failed")
			}
		case <-doneCh:
		}
	}()

	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed - %w", err)
	}
	log.Info("HTTP server terminated")
	return nil
}
