// Package server runs the bridge's loopback web server.
//
// Architecture:
//   - App: owns the listener, the broadcast channel and the control receiver
//   - RouteProvider: assets, sessions and metrics each contribute routes
//   - A single gin router serves the HTML shell, static assets, the
//     websocket endpoint and status
//
// Lifecycle:
//
//	Created -> Bound -> Running -> Stopping -> Stopped
//
// Bind runs on the caller so a missing asset bundle or a busy port is
// reported synchronously. Serve blocks until a Quit request arrives, every
// control sender is released, or its context is cancelled. Shutdown stops
// the listener first, then closes the broadcast channel so each session
// sends a normal close frame, then waits for the sessions to finish.
package server
