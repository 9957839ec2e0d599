// Package fossawork provides the automation backend for FossaWork —
// fuel-dispenser inspection work orders executed as background jobs with
// real-time progress streamed to connected clients.
//
// FossaWork is designed as a library, not a service. Import it, configure
// a store, register automation handlers, and mount the wire-protocol
// server on any HTTP router.
//
// # Quick Start
//
//	ctrl, err := fossawork.New(
//	    fossawork.WithStore(memStore),
//	    fossawork.WithConcurrency(8),
//	)
//
// # Architecture
//
// Each subsystem (job, schedule) defines its own store interface and a
// single backend implements all of them. Progress flows from automation
// handlers through the extension registry into the stream broker, which
// fans events out to subscribed fwp connections. The client package
// mirrors that stream into a local per-job state map with reconnection
// and backoff.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package fossawork
