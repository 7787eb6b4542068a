package pdq

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/pdq/internal/platform/db"
)

type configStorePG struct {
	pool   *pgxpool.Pool
	schema string
}

// NewConfigStore reads the configuration from the pdq_pdq,
// pdq_allowed_applications and hl7_hl7 tables. Without a pdq_pdq row the
// supplier runs with DefaultConfiguration.
func NewConfigStore(pool *pgxpool.Pool, schema string) ConfigStore {
	return &configStorePG{pool: pool, schema: schema}
}

const configCols = `enabled, facility_name, filter_by_allowed_app, encoding_char, country, language`

func (s *configStorePG) Load(ctx context.Context) (Configuration, error) {
	cfg := DefaultConfiguration()
	err := db.ReadOnly(ctx, s.pool, s.schema, func(tx pgx.Tx) error {
		var (
			enabled, filter                  *bool
			facility, charset, country, lang *string
		)
		err := tx.QueryRow(ctx, `SELECT `+configCols+` FROM pdq_pdq ORDER BY id LIMIT 1`).
			Scan(&enabled, &facility, &filter, &charset, &country, &lang)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("pdq configuration: %w", err)
		}
		cfg.Enabled = deref(enabled)
		cfg.FilterByAllowedApp = deref(filter)
		cfg.SendingFacility = deref(facility)
		cfg.CharacterSet = deref(charset)
		cfg.Country = deref(country)
		cfg.Language = deref(lang)

		apps, err := allowedApplications(ctx, tx)
		if err != nil {
			return err
		}
		cfg.AllowedApplications = apps

		var app *string
		err = tx.QueryRow(ctx, `SELECT application_code FROM hl7_hl7 ORDER BY id LIMIT 1`).Scan(&app)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("hl7 configuration: %w", err)
		}
		cfg.SendingApplication = deref(app)
		return nil
	})
	if err != nil {
		return DefaultConfiguration(), err
	}
	return cfg.withDefaults(), nil
}

func allowedApplications(ctx context.Context, tx pgx.Tx) ([]string, error) {
	rows, err := tx.Query(ctx, `SELECT allowed_application FROM pdq_allowed_applications ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("pdq allowed applications: %w", err)
	}
	defer rows.Close()
	var apps []string
	for rows.Next() {
		var app *string
		if err := rows.Scan(&app); err != nil {
			return nil, err
		}
		if v := deref(app); v != "" {
			apps = append(apps, v)
		}
	}
	return apps, rows.Err()
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
