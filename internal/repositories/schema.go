package repositories

import (
	"context"
	"database/sql"
	"fmt"
)

var mysqlSchema = []string{`
CREATE TABLE IF NOT EXISTS invoices (
    id BIGINT NOT NULL AUTO_INCREMENT,
    external_id VARCHAR(255) NOT NULL,
    children_id BIGINT NOT NULL,
    group_id BIGINT NOT NULL DEFAULT 0,
    amount BIGINT NOT NULL DEFAULT 0,
    status VARCHAR(32) NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NULL DEFAULT NULL,
    PRIMARY KEY (id),
    UNIQUE KEY uniq_invoices_external_id (external_id),
    KEY idx_invoices_children (children_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, `
CREATE TABLE IF NOT EXISTS invoice_journal (
    id BIGINT NOT NULL AUTO_INCREMENT,
    invoice_id BIGINT NOT NULL,
    kind VARCHAR(64) NOT NULL,
    event_id VARCHAR(255) NOT NULL DEFAULT '',
    payload LONGTEXT,
    recorded_at TIMESTAMP(6) NOT NULL,
    PRIMARY KEY (id),
    KEY idx_invoice_journal_invoice (invoice_id, id),
    CONSTRAINT fk_invoice_journal_invoice FOREIGN KEY (invoice_id) REFERENCES invoices (id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, `
CREATE TABLE IF NOT EXISTS payment_webhooks (
    id BIGINT NOT NULL AUTO_INCREMENT,
    provider VARCHAR(32) NOT NULL,
    event_id VARCHAR(255) NOT NULL,
    event_type VARCHAR(128) NOT NULL,
    signature TEXT,
    payload LONGTEXT,
    outcome VARCHAR(32) NOT NULL DEFAULT 'received',
    reason VARCHAR(255) NOT NULL DEFAULT '',
    error TEXT,
    received_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    processed_at TIMESTAMP NULL DEFAULT NULL,
    PRIMARY KEY (id),
    UNIQUE KEY uniq_payment_webhooks_event (event_id),
    KEY idx_payment_webhooks_processed (processed_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

var postgresSchema = []string{`
CREATE TABLE IF NOT EXISTS invoices (
    id BIGSERIAL PRIMARY KEY,
    external_id VARCHAR(255) NOT NULL,
    children_id BIGINT NOT NULL,
    group_id BIGINT NOT NULL DEFAULT 0,
    amount BIGINT NOT NULL DEFAULT 0,
    status VARCHAR(32) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NULL,
    CONSTRAINT uniq_invoices_external_id UNIQUE (external_id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_children ON invoices (children_id)`, `
CREATE TABLE IF NOT EXISTS invoice_journal (
    id BIGSERIAL PRIMARY KEY,
    invoice_id BIGINT NOT NULL REFERENCES invoices (id),
    kind VARCHAR(64) NOT NULL,
    event_id VARCHAR(255) NOT NULL DEFAULT '',
    payload TEXT,
    recorded_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_invoice_journal_invoice ON invoice_journal (invoice_id, id)`, `
CREATE TABLE IF NOT EXISTS payment_webhooks (
    id BIGSERIAL PRIMARY KEY,
    provider VARCHAR(32) NOT NULL,
    event_id VARCHAR(255) NOT NULL,
    event_type VARCHAR(128) NOT NULL,
    signature TEXT,
    payload TEXT,
    outcome VARCHAR(32) NOT NULL DEFAULT 'received',
    reason VARCHAR(255) NOT NULL DEFAULT '',
    error TEXT,
    received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    processed_at TIMESTAMPTZ NULL,
    CONSTRAINT uniq_payment_webhooks_event UNIQUE (event_id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_webhooks_processed ON payment_webhooks (processed_at)`,
}

// EnsureSchema creates the billing tables. children and groups are owned by
// the CRUD modules and must already exist.
func EnsureSchema(ctx context.Context, db *sql.DB, d Dialect) error {
	stmts := mysqlSchema
	if d == Postgres {
		stmts = postgresSchema
	}
	for _, ddl := range stmts {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure billing schema: %w", err)
		}
	}
	return nil
}
