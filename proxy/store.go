// Package proxy persists delegated credentials in the tables the scheduler
// shares its backing store with. Issuance and validation happen upstream;
// this package only stores, retrieves, and expires what it is given.
package proxy

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/gridwms/db"
	"github.com/teranos/gridwms/errors"
)

// Store handles persistence of delegation requests and stored proxies
type Store struct {
	db              *sql.DB
	requestLifetime time.Duration
	log             *zap.SugaredLogger
}

// NewStore creates a proxy store. requestLifetime bounds how long a
// delegation request stays valid.
func NewStore(conn *sql.DB, requestLifetime time.Duration, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{db: conn, requestLifetime: requestLifetime, log: log}
}

// Proxy is one stored credential
type Proxy struct {
	UserDN     string
	UserGroup  string
	PEM        string
	Expiration time.Time
	Persistent bool
}

// CreateRequest records a delegation request and returns its id
func (s *Store) CreateRequest(ctx context.Context, userDN, userGroup, pem string) (int64, error) {
	expiration := time.Now().UTC().Add(s.requestLifetime)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO proxy_requests (user_dn, user_group, pem, expiration_time)
		VALUES (?, ?, ?, ?)
	`, userDN, userGroup, pem, expiration)
	if err != nil {
		return 0, db.ClassifyError(ctx, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, db.ClassifyError(ctx, err)
	}
	return id, nil
}

// RetrieveRequest returns the PEM of a live request owned by the given
// identity. Expired or foreign requests are not found.
func (s *Store) RetrieveRequest(ctx context.Context, requestID int64, userDN, userGroup string) (string, error) {
	var pem string
	err := s.db.QueryRowContext(ctx, `
		SELECT pem FROM proxy_requests
		WHERE request_id = ? AND user_dn = ? AND user_group = ? AND expiration_time > ?
	`, requestID, userDN, userGroup, time.Now().UTC()).Scan(&pem)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.Newf("no request with id %d for %s@%s", requestID, userDN, userGroup)
	}
	if err != nil {
		return "", db.ClassifyError(ctx, err)
	}
	return pem, nil
}

// DeleteRequest removes a delegation request
func (s *Store) DeleteRequest(ctx context.Context, requestID int64) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM proxy_requests WHERE request_id = ?", requestID)
	if err != nil {
		return db.ClassifyError(ctx, err)
	}
	return nil
}

// StoreProxy upserts the proxy for an identity
func (s *Store) StoreProxy(ctx context.Context, p *Proxy) error {
	persistent := 0
	if p.Persistent {
		persistent = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proxy_proxies (user_dn, user_group, pem, expiration_time, persistent)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_dn, user_group) DO UPDATE SET pem = excluded.pem,
			expiration_time = excluded.expiration_time, persistent = excluded.persistent
	`, p.UserDN, p.UserGroup, p.PEM, p.Expiration.UTC(), persistent)
	if err != nil {
		return db.ClassifyError(ctx, err)
	}
	return nil
}

// GetProxy returns the stored proxy for an identity if it still has at
// least requiredLifetime left.
func (s *Store) GetProxy(ctx context.Context, userDN, userGroup string, requiredLifetime time.Duration) (*Proxy, error) {
	cutoff := time.Now().UTC().Add(requiredLifetime)

	p := &Proxy{UserDN: userDN, UserGroup: userGroup}
	var persistent int
	err := s.db.QueryRowContext(ctx, `
		SELECT pem, expiration_time, persistent FROM proxy_proxies
		WHERE user_dn = ? AND user_group = ? AND expiration_time > ?
	`, userDN, userGroup, cutoff).Scan(&p.PEM, &p.Expiration, &persistent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf("no valid proxy for %s@%s", userDN, userGroup)
	}
	if err != nil {
		return nil, db.ClassifyError(ctx, err)
	}
	p.Persistent = persistent == 1
	return p, nil
}

// DeleteProxy removes the proxy for an identity
func (s *Store) DeleteProxy(ctx context.Context, userDN, userGroup string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM proxy_proxies WHERE user_dn = ? AND user_group = ?", userDN, userGroup)
	if err != nil {
		return db.ClassifyError(ctx, err)
	}
	return nil
}

// SetPersistencyFlag marks whether a proxy survives expiry-based purging
func (s *Store) SetPersistencyFlag(ctx context.Context, userDN, userGroup string, persistent bool) error {
	flag := 0
	if persistent {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE proxy_proxies SET persistent = ? WHERE user_dn = ? AND user_group = ?",
		flag, userDN, userGroup)
	if err != nil {
		return db.ClassifyError(ctx, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return db.ClassifyError(ctx, err)
	}
	if n == 0 {
		return errors.Newf("no proxy for %s@%s", userDN, userGroup)
	}
	return nil
}

// UsersWithValidProxies lists identities whose proxy still has at least
// validFor left.
func (s *Store) UsersWithValidProxies(ctx context.Context, validFor time.Duration) ([]Proxy, error) {
	cutoff := time.Now().UTC().Add(validFor)
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_dn, user_group, expiration_time, persistent FROM proxy_proxies
		WHERE expiration_time > ?
		ORDER BY user_dn, user_group
	`, cutoff)
	if err != nil {
		return nil, db.ClassifyError(ctx, err)
	}
	defer rows.Close()

	var out []Proxy
	for rows.Next() {
		var p Proxy
		var persistent int
		if err := rows.Scan(&p.UserDN, &p.UserGroup, &p.Expiration, &persistent); err != nil {
			return nil, db.ClassifyError(ctx, err)
		}
		p.Persistent = persistent == 1
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, db.ClassifyError(ctx, err)
	}
	return out, nil
}

// PurgeExpiredRequests removes expired delegation requests. Housekeeping
// hook; returns the number of rows removed.
func (s *Store) PurgeExpiredRequests(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM proxy_requests WHERE expiration_time < ?", time.Now().UTC())
	if err != nil {
		return 0, db.ClassifyError(ctx, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, db.ClassifyError(ctx, err)
	}
	return int(n), nil
}

// PurgeExpiredProxies removes expired non-persistent proxies. Persistent
// proxies survive so they can be renewed.
func (s *Store) PurgeExpiredProxies(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM proxy_proxies WHERE expiration_time < ? AND persistent = 0", time.Now().UTC())
	if err != nil {
		return 0, db.ClassifyError(ctx, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, db.ClassifyError(ctx, err)
	}
	return int(n), nil
}
