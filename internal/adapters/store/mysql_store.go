package store

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

// NewMySQLStore creates a store backed by a MySQL database.
func NewMySQLStore(dsn string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to MySQL database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS lists (
			email VARCHAR(255) PRIMARY KEY,
			fingerprint VARCHAR(64),
			receive_encrypted_only BOOLEAN,
			receive_signed_only BOOLEAN,
			receive_authenticated_only BOOLEAN,
			receive_admin_only BOOLEAN,
			send_encrypted_only BOOLEAN,
			keep_msgid BOOLEAN,
			include_list_headers BOOLEAN,
			include_openpgp_header BOOLEAN,
			include_autocrypt_header BOOLEAN,
			openpgp_header_preference VARCHAR(32),
			subject_prefix VARCHAR(255),
			subject_prefix_in VARCHAR(255),
			subject_prefix_out VARCHAR(255),
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
			list_email VARCHAR(255),
			email VARCHAR(255),
			fingerprint VARCHAR(64),
			admin BOOLEAN,
			delivery_enabled BOOLEAN,
			PRIMARY KEY (list_email, email),
			INDEX idx_subscriptions_fingerprint (list_email, fingerprint)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create subscriptions table: %w", err)
	}

	return &SQLStore{db: db, logger: logger}, nil
}
