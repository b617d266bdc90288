package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mikey/pgp-list-relay/internal/core"
)

// SQLStore implements the list and subscriber stores over database/sql.
// Both the SQLite and MySQL drivers use ? placeholders, so the queries
// are shared and only schema creation differs per backend.
type SQLStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// GetByEmail returns the list for its main address.
func (s *SQLStore) GetByEmail(ctx context.Context, email string) (*core.List, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT email, fingerprint,
			receive_encrypted_only, receive_signed_only,
			receive_authenticated_only, receive_admin_only,
			send_encrypted_only,
			keep_msgid, include_list_headers, include_openpgp_header,
			include_autocrypt_header, openpgp_header_preference,
			subject_prefix, subject_prefix_in, subject_prefix_out,
			public_footer, internal_footer,
			headers_to_meta, keywords_admin_only, keywords_admin_notify,
			bounces_drop_on_headers, bounces_drop_all, bounces_notify_admins
		FROM lists
		WHERE email = ?
	`, strings.ToLower(email))

	var list core.List
	var headersToMeta, kwAdminOnly, kwAdminNotify, dropOnHeaders string
	err := row.Scan(
		&list.Email, &list.Fingerprint,
		&list.ReceiveEncryptedOnly, &list.ReceiveSignedOnly,
		&list.ReceiveAuthenticatedOnly, &list.ReceiveAdminOnly,
		&list.SendEncryptedOnly,
		&list.KeepMsgid, &list.IncludeListHeaders, &list.IncludeOpenPGPHeader,
		&list.IncludeAutocryptHeader, &list.OpenPGPHeaderPreference,
		&list.SubjectPrefix, &list.SubjectPrefixIn, &list.SubjectPrefixOut,
		&list.PublicFooter, &list.InternalFooter,
		&headersToMeta, &kwAdminOnly, &kwAdminNotify,
		&dropOnHeaders, &list.BouncesDropAll, &list.BouncesNotifyAdmins,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownList, email)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query list: %w", err)
	}

	if err := decodeJSON(headersToMeta, &list.HeadersToMeta); err != nil {
		return nil, fmt.Errorf("bad headers_to_meta for %s: %w", email, err)
	}
	if err := decodeJSON(kwAdminOnly, &list.KeywordsAdminOnly); err != nil {
		return nil, fmt.Errorf("bad keywords_admin_only for %s: %w", email, err)
	}
	if err := decodeJSON(kwAdminNotify, &list.KeywordsAdminNotify); err != nil {
		return nil, fmt.Errorf("bad keywords_admin_notify for %s: %w", email, err)
	}
	if err := decodeJSON(dropOnHeaders, &list.BouncesDropOnHeaders); err != nil {
		return nil, fmt.Errorf("bad bounces_drop_on_headers for %s: %w", email, err)
	}
	return &list, nil
}

// PutList inserts or replaces a list.
func (s *SQLStore) PutList(ctx context.Context, list *core.List) error {
	headersToMeta, err := encodeJSON(list.HeadersToMeta)
	if err != nil {
		return err
	}
	kwAdminOnly, err := encodeJSON(list.KeywordsAdminOnly)
	if err != nil {
		return err
	}
	kwAdminNotify, err := encodeJSON(list.KeywordsAdminNotify)
	if err != nil {
		return err
	}
	dropOnHeaders, err := encodeJSON(list.BouncesDropOnHeaders)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		REPLACE INTO lists (
			email, fingerprint,
			receive_encrypted_only, receive_signed_only,
			receive_authenticated_only, receive_admin_only,
			send_encrypted_only,
			keep_msgid, include_list_headers, include_openpgp_header,
			include_autocrypt_header, openpgp_header_preference,
			subject_prefix, subject_prefix_in, subject_prefix_out,
			public_footer, internal_footer,
			headers_to_meta, keywords_admin_only, keywords_admin_notify,
			bounces_drop_on_headers, bounces_drop_all, bounces_notify_admins
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		strings.ToLower(list.Email), list.Fingerprint,
		list.ReceiveEncryptedOnly, list.ReceiveSignedOnly,
		list.ReceiveAuthenticatedOnly, list.ReceiveAdminOnly,
		list.SendEncryptedOnly,
		list.KeepMsgid, list.IncludeListHeaders, list.IncludeOpenPGPHeader,
		list.IncludeAutocryptHeader, list.OpenPGPHeaderPreference,
		list.SubjectPrefix, list.SubjectPrefixIn, list.SubjectPrefixOut,
		list.PublicFooter, list.InternalFooter,
		headersToMeta, kwAdminOnly, kwAdminNotify,
		dropOnHeaders, list.BouncesDropAll, list.BouncesNotifyAdmins,
	)
	if err != nil {
		return fmt.Errorf("failed to store list: %w", err)
	}
	return nil
}

// Subscribers returns all subscribers of a list, ordered by email.
func (s *SQLStore) Subscribers(ctx context.Context, listEmail string) ([]core.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, fingerprint, admin, delivery_enabled
		FROM subscriptions
		WHERE list_email = ?
		ORDER BY email
	`, strings.ToLower(listEmail))
	if err != nil {
		return nil, fmt.Errorf("failed to query subscribers: %w", err)
	}
	defer rows.Close()

	var out []core.Subscriber
	for rows.Next() {
		var sub core.Subscriber
		if err := rows.Scan(&sub.Email, &sub.Fingerprint, &sub.Admin, &sub.DeliveryEnabled); err != nil {
			return nil, fmt.Errorf("failed to scan subscriber: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// Get returns the subscriber with the given email, or nil.
func (s *SQLStore) Get(ctx context.Context, listEmail, email string) (*core.Subscriber, error) {
	return s.getSubscriber(ctx, `
		SELECT email, fingerprint, admin, delivery_enabled
		FROM subscriptions
		WHERE list_email = ? AND email = ?
	`, strings.ToLower(listEmail), strings.ToLower(email))
}

// ByFingerprint returns the subscriber whose key has the given
// primary fingerprint, or nil.
func (s *SQLStore) ByFingerprint(ctx context.Context, listEmail, fingerprint string) (*core.Subscriber, error) {
	if fingerprint == "" {
		return nil, nil
	}
	return s.getSubscriber(ctx, `
		SELECT email, fingerprint, admin, delivery_enabled
		FROM subscriptions
		WHERE list_email = ? AND UPPER(fingerprint) = ?
	`, strings.ToLower(listEmail), strings.ToUpper(fingerprint))
}

func (s *SQLStore) getSubscriber(ctx context.Context, query string, args ...any) (*core.Subscriber, error) {
	var sub core.Subscriber
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&sub.Email, &sub.Fingerprint, &sub.Admin, &sub.DeliveryEnabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriber: %w", err)
	}
	return &sub, nil
}

// Add inserts or replaces a subscription.
func (s *SQLStore) Add(ctx context.Context, listEmail string, sub core.Subscriber) error {
	_, err := s.db.ExecContext(ctx, `
		REPLACE INTO subscriptions (list_email, email, fingerprint, admin, delivery_enabled)
		VALUES (?, ?, ?, ?, ?)
	`, strings.ToLower(listEmail), strings.ToLower(sub.Email), strings.ToUpper(sub.Fingerprint), sub.Admin, sub.DeliveryEnabled)
	if err != nil {
		return fmt.Errorf("failed to store subscription: %w", err)
	}
	return nil
}

// Remove deletes a subscription and reports whether it existed.
func (s *SQLStore) Remove(ctx context.Context, listEmail, email string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM subscriptions
		WHERE list_email = ? AND email = ?
	`, strings.ToLower(listEmail), strings.ToLower(email))
	if err != nil {
		return false, fmt.Errorf("failed to delete subscription: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		s.logger.Warn("Failed to get rows affected", zap.Error(err))
		return true, nil
	}
	return affected > 0, nil
}

// SetFingerprint updates the key association of a subscription.
func (s *SQLStore) SetFingerprint(ctx context.Context, listEmail, email, fingerprint string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET fingerprint = ?
		WHERE list_email = ? AND email = ?
	`, strings.ToUpper(fingerprint), strings.ToLower(listEmail), strings.ToLower(email))
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("no subscription for %s on %s", email, listEmail)
	}
	return nil
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode list field: %w", err)
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

var (
	_ core.ListStore       = (*SQLStore)(nil)
	_ core.SubscriberStore = (*SQLStore)(nil)
)
