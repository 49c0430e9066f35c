/*
errors.go - Shared sentinel errors for the machine domain

PURPOSE:
  Central error values matched with errors.Is across the store, pipeline
  and API layers. Fact extraction itself never errors: malformed event text
  yields an absent fact by contract (see parser.go).
*/
package machine

import "errors"

var (
	// ErrMotorNotFound is returned when a motor id has no row at all,
	// as opposed to a motor that exists but has no sales yet.
	ErrMotorNotFound = errors.New("motor not found")

	// ErrImportBusy is returned when an import or fetch run is requested
	// while another one holds the single-flight guard.
	ErrImportBusy = errors.New("import already in progress")

	// ErrNoEvents is returned when an event payload decodes to an empty
	// batch. Callers typically treat it as a successful no-op sync.
	ErrNoEvents = errors.New("no events in payload")
)
