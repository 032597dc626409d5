package store

import (
	"context"
	"database/sql"
	"sync"
)

type User struct {
	ID    int64
	Email string
	Name  string
}

// Profile is the per-user state pushed in the initial snapshot.
type Profile struct {
	Prefix    string `json:"prefix"`
	Signature string `json:"signature"`
}

// UserIndex holds the by-email and by-id lookup maps. Users are bulk-loaded
// once at process start; there is no live user CRUD.
type UserIndex struct {
	mu      sync.RWMutex
	byEmail map[string]int64
	byID    map[int64]User
}

func LoadUsers(ctx context.Context, b *Backend) *UserIndex {
	index := &UserIndex{
		byEmail: make(map[string]int64),
		byID:    make(map[int64]User),
	}
	rows := Query(ctx, b, scanUser, `SELECT idu, email, name FROM users;`)
	for _, user := range rows {
		index.byEmail[user.Email] = user.ID
		index.byID[user.ID] = user
	}
	return index
}

func scanUser(rows *sql.Rows) (User, error) {
	var user User
	err := rows.Scan(&user.ID, &user.Email, &user.Name)
	return user, err
}

func (x *UserIndex) ByEmail(email string) (int64, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	id, ok := x.byEmail[email]
	return id, ok
}

func (x *UserIndex) ByID(id int64) (User, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	user, ok := x.byID[id]
	return user, ok
}

func (x *UserIndex) Emails() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	emails := make([]string, 0, len(x.byEmail))
	for email := range x.byEmail {
		emails = append(emails, email)
	}
	return emails
}

// UserLogin resolves a (mailbox, name, password) triplet to a user id, 0 when
// the triplet matches nothing.
func (b *Backend) UserLogin(ctx context.Context, mailbox, name, password string) int64 {
	rows := Query(ctx, b, scanID, `SELECT idu FROM users WHERE email = ? AND name = ? AND password = ?;`,
		mailbox, name, password)
	if len(rows) == 1 {
		return rows[0]
	}
	return 0
}

func (b *Backend) UserProfile(ctx context.Context, id int64) Profile {
	scan := func(rows *sql.Rows) (Profile, error) {
		var p Profile
		err := rows.Scan(&p.Prefix, &p.Signature)
		return p, err
	}
	rows := Query(ctx, b, scan, `SELECT name, signature FROM users WHERE idu = ?;`, id)
	if len(rows) == 1 {
		return rows[0]
	}
	return Profile{}
}

func (b *Backend) UserEmail(ctx context.Context, id int64) (string, bool) {
	scan := func(rows *sql.Rows) (string, error) {
		var email string
		err := rows.Scan(&email)
		return email, err
	}
	rows := Query(ctx, b, scan, `SELECT email FROM users WHERE idu = ?;`, id)
	if len(rows) == 1 {
		return rows[0], true
	}
	return "", false
}

func scanID(rows *sql.Rows) (int64, error) {
	var id int64
	err := rows.Scan(&id)
	return id, err
}
