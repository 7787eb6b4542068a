package pdq

import (
	"context"

	"github.com/ehr/pdq/internal/platform/hl7v2"
)

// Directory searches the patient demographic store.
type Directory interface {
	// Search returns the records matching where, in a stable order. No match
	// is an empty slice, not an error. Failures are *DataAccessError.
	Search(ctx context.Context, where WhereSpec, v Variant) ([]DemographicRecord, error)
}

// ConfigStore loads the supplier configuration snapshot.
type ConfigStore interface {
	Load(ctx context.Context) (Configuration, error)
}

// MessageLog persists request/response exchanges.
type MessageLog = hl7v2.MessageLog
