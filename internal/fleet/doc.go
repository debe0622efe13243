// Package fleet runs one long-lived listener per active tenant.
//
// The Orchestrator keeps an in-memory registry keyed by tenant id. Starting a
// tenant verifies its credential through the channel adapter before anything is
// registered; a listener that exits on its own removes its own entry, so the
// registry never holds a dead handle. The registry lock guards membership only;
// adapter I/O always happens outside it.
//
// Inbound messages upsert the sender as a recipient of the tenant. /start is
// answered with the tenant's welcome template for the sender's language.
package fleet
