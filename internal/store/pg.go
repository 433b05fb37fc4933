package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

var _ Store = (*PG)(nil)

// PG implements Store using PostgreSQL. The pgx stdlib driver is registered
// by the binary that opens the connection.
type PG struct {
	db *sql.DB
}

// NewPG wraps an open database handle.
func NewPG(db *sql.DB) *PG {
	return &PG{db: db}
}

func (s *PG) GetCredential(ctx context.Context, username string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`select username, user_id, secret, updated_at from credentials where username=$1`, username)
	var cred Credential
	if err := row.Scan(&cred.Username, &cred.UserID, &cred.Secret, &cred.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &cred, nil
}

func (s *PG) PutCredential(ctx context.Context, cred *Credential) error {
	_, err := s.db.ExecContext(ctx,
		`insert into credentials(username, user_id, secret, updated_at) values($1,$2,$3,$4)
		 on conflict (username) do update set secret=excluded.secret, updated_at=excluded.updated_at`,
		cred.Username, cred.UserID, cred.Secret, cred.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

func (s *PG) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`select user_id, username, attributes, created_at from profiles where user_id=$1`, userID)
	var (
		p    Profile
		attr []byte
	)
	if err := row.Scan(&p.UserID, &p.Username, &attr, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	_ = json.Unmarshal(attr, &p.Attributes)
	return &p, nil
}

func (s *PG) PutProfile(ctx context.Context, profile *Profile) error {
	attr, _ := json.Marshal(profile.Attributes)
	_, err := s.db.ExecContext(ctx,
		`insert into profiles(user_id, username, attributes, created_at) values($1,$2,$3,$4)
		 on conflict (user_id) do update set username=excluded.username, attributes=excluded.attributes`,
		profile.UserID, profile.Username, attr, profile.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put profile: %w", err)
	}
	return nil
}
