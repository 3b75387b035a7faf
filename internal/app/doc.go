// Package app wires the KeyGate service together: configuration loading,
// logging and tracing, the sqlite store, the license admission engine, the
// background expiration sweeper and the HTTP transport.
//
// The typical entry point:
//
//	application, err := app.New(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := application.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Run blocks until SIGINT/SIGTERM or context cancellation, then drains
// in-flight requests within the configured shutdown timeout, flushes traces
// and closes the store.
package app
