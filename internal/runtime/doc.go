// Package runtime wires storage, config, and the streaming pipeline
// into a single-node docnow instance. It exposes Open/Close, a basic
// health check, and the assembled controller and stores used by the
// HTTP layer.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Config: cfg})
//	defer rt.Close()
//	rt.Start()
//	_, _ = rt.Controller().StartStream(ctx, searchID, "")
package runtime
