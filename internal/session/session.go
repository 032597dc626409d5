// Package session is the rotating single-use credential directory. A
// credential maps to at most one session, and every successful personal push
// or login exchange consumes it and mints a replacement.
package session

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Session binds a user to a live push connection. ChannelID 0 means
// authenticated but not yet connected.
type Session struct {
	UserID    int64
	ChannelID uint64
	Current   string
}

// Authenticator resolves a credential triplet to a user id, 0 on failure.
type Authenticator interface {
	UserLogin(ctx context.Context, mailbox, name, password string) int64
}

type Directory struct {
	mu          sync.Mutex
	sessions    map[string]Session
	auth        Authenticator
	defaultUser int64
	log         *slog.Logger
}

func NewDirectory(auth Authenticator, defaultUser int64, logger *slog.Logger) *Directory {
	return &Directory{
		sessions:    make(map[string]Session),
		auth:        auth,
		defaultUser: defaultUser,
		log:         logger,
	}
}

func (d *Directory) Resolve(credential string) (Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[credential]
	return s, ok
}

// Take resolves and revokes a credential in one step.
func (d *Directory) Take(credential string) (Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[credential]
	if ok {
		delete(d.sessions, credential)
	}
	return s, ok
}

func (d *Directory) Issue(credential string, s Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s.Current = credential
	d.sessions[credential] = s
}

func (d *Directory) Revoke(credential string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, credential)
}

// Exchange remaps a session from its consumed credential to the freshly
// delivered one. The old credential stays valid until this call, so a lookup
// racing the delivery still succeeds exactly once.
func (d *Directory) Exchange(old, next string, s Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s.Current = next
	d.sessions[next] = s
	delete(d.sessions, old)
}

func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Login handles the credential exchange endpoint body: a single prior
// credential to re-attach, or a (mailbox, name, password) triplet. Returns the
// user id, 0 when not authenticated.
func (d *Directory) Login(ctx context.Context, source []string) int64 {
	switch len(source) {
	case 1:
		if s, ok := d.Take(source[0]); ok {
			return s.UserID
		}
		return d.defaultUser
	case 3:
		return d.auth.UserLogin(ctx, DecodeMailbox(source[0]), source[1], source[2])
	}
	return 0
}

// NewKey mints an opaque credential for a user.
func NewKey(userID int64) string {
	return Hash(fmt.Sprintf("%d-%s", userID, uuid.NewString()))
}

// ClientHash derives the pre-login credential from request fingerprint
// headers, so the login response never carries a token the client did not
// already determine.
func ClientHash(userAgent, remoteAddr, acceptLanguage, acceptEncoding string) string {
	return Hash(fmt.Sprintf("%s-%s-%s-%s", userAgent, remoteAddr, acceptLanguage, acceptEncoding))
}

func Hash(text string) string {
	sum := sha512.Sum512([]byte(text))
	return hex.EncodeToString(sum[:])
}

// DecodeMailbox reverses the client-side mailbox obfuscation:
// "user+name!example+com" becomes "user.name@example.com".
func DecodeMailbox(source string) string {
	parts := strings.Split(source, "!")
	for i, part := range parts {
		parts[i] = strings.ReplaceAll(part, "+", ".")
	}
	return strings.Join(parts, "@")
}
