package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// NewSQLiteStore creates a store backed by a SQLite database.
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS lists (
			email TEXT PRIMARY KEY,
			fingerprint TEXT,
			receive_encrypted_only BOOLEAN,
			receive_signed_only BOOLEAN,
			receive_authenticated_only BOOLEAN,
			receive_admin_only BOOLEAN,
			send_encrypted_only BOOLEAN,
			keep_msgid BOOLEAN,
			include_list_headers BOOLEAN,
			include_openpgp_header BOOLEAN,
			include_autocrypt_header BOOLEAN,
			openpgp_header_preference TEXT,
			subject_prefix TEXT,
			subject_prefix_in TEXT,
			subject_prefix_out TEXT,
			public_footer TEXT,
			internal_footer TEXT,
			headers_to_meta TEXT,
			keywords_admin_only TEXT,
			keywords_admin_notify TEXT,
			bounces_drop_on_headers TEXT,
			bounces_drop_all BOOLEAN,
			bounces_notify_admins BOOLEAN
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create lists table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS subscriptions (
			list_email TEXT,
			email TEXT,
			fingerprint TEXT,
			admin BOOLEAN,
			delivery_enabled BOOLEAN,
			PRIMARY KEY (list_email, email)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create subscriptions table: %w", err)
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_subscriptions_fingerprint
		ON subscriptions(list_email, fingerprint)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	return &SQLStore{db: db, logger: logger}, nil
}
