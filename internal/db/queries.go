package db

import (
	"context"
	"time"

	"github.com/HanTheDev/orbit-gateway/internal/models"
)

const requestLogSchema = `
        CREATE TABLE IF NOT EXISTS request_logs (
            id BIGSERIAL PRIMARY KEY,
            request_id TEXT NOT NULL,
            adapter TEXT NOT NULL,
            client_id TEXT,
            session_id TEXT,
            template_id TEXT,
            stage TEXT NOT NULL,
            error_kind TEXT,
            status_code INT NOT NULL,
            response_time_ms INT NOT NULL,
            row_count INT NOT NULL DEFAULT 0,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )
    `

func (db *DB) EnsureSchema(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, requestLogSchema)
	return err
}

func (db *DB) LogRequest(ctx context.Context, log *models.RequestLog) error {
	query := `
        INSERT INTO request_logs (request_id, adapter, client_id, session_id, template_id, stage, error_kind, status_code, response_time_ms, row_count)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
    `

	_, err := db.Pool.Exec(ctx, query,
		log.RequestID,
		log.Adapter,
		log.ClientID,
		log.SessionID,
		log.TemplateID,
		log.Stage,
		log.ErrorKind,
		log.StatusCode,
		log.ResponseTimeMs,
		log.RowCount,
	)

	return err
}

// QueryRows runs a read query and returns column names and rows keyed by
// column.
func (db *DB) QueryRows(ctx context.Context, stmt string, args ...any) ([]string, []map[string]any, error) {
	rows, err := db.Pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	var results []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if t, ok := values[i].(time.Time); ok {
				row[col] = t.Format(time.RFC3339)
				continue
			}
			row[col] = values[i]
		}
		results = append(results, row)
	}

	return columns, results, rows.Err()
}
