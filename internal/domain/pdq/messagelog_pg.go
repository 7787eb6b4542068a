package pdq

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/pdq/internal/platform/hl7v2"
)

type messageLogPG struct {
	pool  *pgxpool.Pool
	table string
}

// NewMessageLog persists exchanges to hl7_message_log in schema.
func NewMessageLog(pool *pgxpool.Pool, schema string) MessageLog {
	table := "hl7_message_log"
	if schema != "" {
		table = schema + "." + table
	}
	return &messageLogPG{pool: pool, table: table}
}

func (l *messageLogPG) Record(ctx context.Context, e hl7v2.LogEntry) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO `+l.table+` (id, received_at, message_type, control_id, handler, request, response)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), e.ReceivedAt, e.MessageType, e.ControlID, e.Handler, e.Request, e.Response)
	if err != nil {
		return fmt.Errorf("record hl7 message: %w", err)
	}
	return nil
}
