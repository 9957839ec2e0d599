// Package job defines the automation job model for FossaWork: inspection
// work submitted against fuel-dispenser work orders, its lifecycle states,
// per-dispenser progress events, typed handler definitions, the handler
// registry, and the persistence contract.
package job
