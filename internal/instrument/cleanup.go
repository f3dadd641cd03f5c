package instrument

import (
	"context"
	"database/sql"
	"fmt"

	"fabrica/internal/store"
)

// CleanupOldEvents deletes event rows older than the retention window.
func CleanupOldEvents(ctx context.Context, db *sql.DB, dialect store.Dialect, retentionDays int) {
	pb := dialect.NewParamBuilder()
	whereExpr := dialect.IntervalDeleteExpr("created_at", pb, fmt.Sprintf("%d", retentionDays))
	sqlStr := fmt.Sprintf("DELETE FROM _events WHERE %s", whereExpr)
	result, err := db.ExecContext(ctx, sqlStr, pb.Params()...)
	if err != nil {
		bufferLog.Error().Err(err).Msg("event cleanup")
		return
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return
	}
	if rowsAffected > 0 {
		bufferLog.Info().Int64("deleted", rowsAffected).Msg("event retention cleanup")
	}
}
