package pdq

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/pdq/internal/platform/db"
)

type directoryPG struct {
	pool   *pgxpool.Pool
	schema string
}

// NewDirectory returns a Directory over the GNU Health tables in schema.
// An empty schema keeps the connection's search_path.
func NewDirectory(pool *pgxpool.Pool, schema string) Directory {
	return &directoryPG{pool: pool, schema: schema}
}

// BuildSearchSQL renders the search query for v. The join shape is fixed per
// variant and the projection follows DemographicFields(v); only the WHERE
// clause depends on the request.
func BuildSearchSQL(where WhereSpec, v Variant) (string, []any) {
	fields := DemographicFields(v)
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Select()
	}
	cond, args := where.SQL(1)

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString("\nFROM gnuhealth_patient AS patient")
	for _, j := range v.Joins() {
		sb.WriteString("\n")
		sb.WriteString(j)
	}
	sb.WriteString("\nWHERE ")
	sb.WriteString(cond)
	sb.WriteString("\nORDER BY patient.id")
	return sb.String(), args
}

func (r *directoryPG) Search(ctx context.Context, where WhereSpec, v Variant) ([]DemographicRecord, error) {
	query, args := BuildSearchSQL(where, v)
	width := len(DemographicFields(v))

	var records []DemographicRecord
	err := db.ReadOnly(ctx, r.pool, r.schema, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanRecord(rows, width)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, &DataAccessError{Op: "search patients", Err: err}
	}
	if records == nil {
		records = []DemographicRecord{}
	}
	return records, nil
}

func scanRecord(row pgx.Row, width int) (DemographicRecord, error) {
	vals := make([]*string, width)
	dest := make([]any, width)
	for i := range vals {
		dest[i] = &vals[i]
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	rec := make(DemographicRecord, width)
	for i, v := range vals {
		if v != nil {
			rec[i] = *v
		}
	}
	return rec, nil
}
