// Package notes implements the ordered grouped-list engine. Within one parent
// group, positions always form a dense 1..N sequence; every structural change
// ends with a renumber pass over the touched sibling set.
package notes

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"

	"webpost/internal/push"
	"webpost/internal/session"
	"webpost/internal/store"
)

// Event is the recurring-reminder descriptor on a note. An empty date clears
// the stored value.
type Event struct {
	Date   string `json:"date"`
	Delta  int    `json:"delta"`
	Period int    `json:"period"`
}

// Change is the wire format shared by requests and broadcasts. Only the set
// fields are serialized, so a broadcast echoes exactly what changed.
type Change struct {
	IDN      int64   `json:"idn"`
	Remove   *bool   `json:"remove,omitempty"`
	Insert   *bool   `json:"insert,omitempty"`
	Label    *string `json:"label,omitempty"`
	Email    *string `json:"email,omitempty"`
	Content  *string `json:"content,omitempty"`
	Position *int    `json:"position,omitempty"`
	To       *int    `json:"to,omitempty"`
	IDP      *int64  `json:"idp,omitempty"`
	Event    *Event  `json:"event,omitempty"`
}

type Note struct {
	IDN      int64  `json:"idn"`
	IDP      int64  `json:"idp"`
	Position int    `json:"position"`
	Label    string `json:"label"`
	Email    string `json:"email"`
	Content  string `json:"content"`
	Event    *Event `json:"event,omitempty"`
}

type sibling struct {
	idn      int64
	idp      int64
	position int
}

type Engine struct {
	store  *store.Backend
	notify *push.Notifier
	log    *slog.Logger
}

func New(backend *store.Backend, notify *push.Notifier, logger *slog.Logger) *Engine {
	return &Engine{store: backend, notify: notify, log: logger}
}

func (e *Engine) send(s session.Session, c Change) {
	data, err := json.Marshal(c)
	if err != nil {
		e.log.Error("marshal notes change", "error", err)
		return
	}
	e.notify.Channel(s, push.Event{Label: push.LabelNotes, Data: string(data)})
}

// Select loads all notes of a user, groups first, ordered for the initial
// snapshot.
func (e *Engine) Select(ctx context.Context, userID int64) []Note {
	return store.Query(ctx, e.store, scanNote,
		`SELECT idn, idp, position, label, email, content, event FROM notes WHERE idu = ? ORDER BY idp, position;`,
		userID)
}

func scanNote(rows *sql.Rows) (Note, error) {
	var n Note
	var event sql.NullString
	if err := rows.Scan(&n.IDN, &n.IDP, &n.Position, &n.Label, &n.Email, &n.Content, &event); err != nil {
		return Note{}, err
	}
	if event.Valid && event.String != "" {
		var ev Event
		if err := json.Unmarshal([]byte(event.String), &ev); err == nil {
			n.Event = &ev
		}
	}
	return n, nil
}

// Route dispatches a change request to insert, remove or update.
func (e *Engine) Route(ctx context.Context, s session.Session, c Change) {
	switch {
	case c.Remove != nil && *c.Remove:
		e.remove(ctx, s, c.IDN)
	case c.Insert != nil && *c.Insert:
		e.insert(ctx, s, c)
	default:
		e.update(ctx, s, c)
	}
}

func (e *Engine) insert(ctx context.Context, s session.Session, c Change) {
	userID := s.UserID
	var fields []string
	var linked []any
	var values []string

	if c.Label != nil {
		fields = append(fields, "label")
		linked = append(linked, *c.Label)
		values = append(values, "?")
	}
	if c.Email != nil {
		fields = append(fields, "email")
		linked = append(linked, *c.Email)
		values = append(values, "?")
	}
	if c.Content != nil {
		fields = append(fields, "content")
		linked = append(linked, *c.Content)
		values = append(values, "?")
	}

	var parent int64
	if c.IDP != nil {
		parent = *c.IDP
	}
	prev := e.siblings(ctx, userID, parent)

	position := len(prev) + 1
	if c.Position != nil {
		position = *c.Position
	}

	fields = append(fields, "idp", "position", "idu")
	linked = append(linked, parent, position, userID)
	values = append(values, "?", "?", "?")

	statement := "INSERT INTO notes (" + strings.Join(fields, ",") + ") VALUES (" + strings.Join(values, ",") + ") RETURNING idn;"
	rows := store.Query(ctx, e.store, scanIDN, statement, linked...)
	if len(rows) != 1 {
		return
	}
	idn := rows[0]

	insert := true
	e.send(s, Change{
		IDN:      idn,
		Insert:   &insert,
		Label:    c.Label,
		Email:    c.Email,
		Content:  c.Content,
		IDP:      &parent,
		Position: &position,
	})

	prev = splice(prev, sibling{idn: idn, idp: parent, position: position}, position-1)
	e.renumber(ctx, s, prev)
}

func (e *Engine) remove(ctx context.Context, s session.Session, idn int64) {
	userID := s.UserID
	prev := e.siblings(ctx, userID, e.parentOf(ctx, userID, idn))

	if e.childCount(ctx, userID, idn) != 0 {
		return
	}
	if !store.Exec(ctx, e.store, `DELETE FROM notes WHERE idu = ? AND idn = ?;`, userID, idn) {
		return
	}

	removed := true
	e.send(s, Change{IDN: idn, Remove: &removed})

	kept := prev[:0]
	for _, row := range prev {
		if row.idn != idn {
			kept = append(kept, row)
		}
	}
	e.renumber(ctx, s, kept)
}

func (e *Engine) update(ctx context.Context, s session.Session, c Change) {
	userID := s.UserID
	idn := c.IDN

	// A re-parent appends to the end of the new sibling set; a plain reorder
	// keeps the client-requested position.
	position := c.Position
	if c.IDP != nil {
		appended := len(e.siblings(ctx, userID, *c.IDP)) + 1
		position = &appended
	}

	var fields []string
	var args []any
	if c.Label != nil {
		fields = append(fields, "label=?")
		args = append(args, *c.Label)
	}
	if c.Email != nil {
		fields = append(fields, "email=?")
		args = append(args, *c.Email)
	}
	if c.Content != nil {
		fields = append(fields, "content=?")
		args = append(args, *c.Content)
	}
	if position != nil {
		fields = append(fields, "position=?")
		args = append(args, *position)
	}
	if c.IDP != nil {
		fields = append(fields, "idp=?")
		args = append(args, *c.IDP)
	}
	if c.Event != nil {
		if c.Event.Date == "" {
			fields = append(fields, "event=NULL")
		} else if data, err := json.Marshal(c.Event); err == nil {
			fields = append(fields, "event=?")
			args = append(args, string(data))
		}
	}
	if len(fields) == 0 {
		return
	}

	var prev []sibling
	if position != nil || c.IDP != nil {
		prev = e.siblings(ctx, userID, e.parentOf(ctx, userID, idn))
	}

	args = append(args, userID, idn)
	if !store.Exec(ctx, e.store, `UPDATE notes SET `+strings.Join(fields, ",")+` WHERE idu = ? AND idn = ?;`, args...) {
		return
	}

	// For a reorder the broadcast carries the target index in "to"; for a
	// re-parent it carries the appended position directly.
	var to, sentPosition *int
	if c.IDP != nil {
		sentPosition = position
	} else {
		to = position
	}
	e.send(s, Change{
		IDN:      idn,
		Label:    c.Label,
		Email:    c.Email,
		Content:  c.Content,
		Event:    c.Event,
		IDP:      c.IDP,
		Position: sentPosition,
		To:       to,
	})

	switch {
	case c.IDP != nil:
		// The old sibling set closes the gap. The destination set is left as
		// is; the client reconciles from the idp broadcast.
		kept := prev[:0]
		for _, row := range prev {
			if row.idn != idn {
				kept = append(kept, row)
			}
		}
		e.renumber(ctx, s, kept)
	case position != nil:
		for i, row := range prev {
			if row.idn == idn {
				item := prev[i]
				rest := append(prev[:i], prev[i+1:]...)
				prev = splice(rest, item, *position-1)
				break
			}
		}
		e.renumber(ctx, s, prev)
	}
}

// renumber restores the dense 1..N invariant over a sibling list. Idempotent:
// entries already at their index produce no write and no broadcast.
func (e *Engine) renumber(ctx context.Context, s session.Session, list []sibling) {
	for i, item := range list {
		position := i + 1
		if item.position == position {
			continue
		}
		if store.Exec(ctx, e.store, `UPDATE notes SET position = ? WHERE idn = ?;`, position, item.idn) {
			p := position
			e.send(s, Change{IDN: item.idn, Position: &p})
		}
	}
}

func (e *Engine) parentOf(ctx context.Context, userID, idn int64) int64 {
	rows := store.Query(ctx, e.store, scanSibling,
		`SELECT idn, idp, position FROM notes WHERE idu = ? AND idn = ?;`, userID, idn)
	if len(rows) > 0 {
		return rows[0].idp
	}
	return 0
}

func (e *Engine) siblings(ctx context.Context, userID, parent int64) []sibling {
	return store.Query(ctx, e.store, scanSibling,
		`SELECT idn, idp, position FROM notes WHERE idu = ? AND idp = ? ORDER BY position;`, userID, parent)
}

func (e *Engine) childCount(ctx context.Context, userID, idn int64) int64 {
	scan := func(rows *sql.Rows) (int64, error) {
		var count int64
		err := rows.Scan(&count)
		return count, err
	}
	rows := store.Query(ctx, e.store, scan,
		`SELECT COUNT(1) FROM notes WHERE idu = ? AND idp = ?;`, userID, idn)
	if len(rows) == 1 {
		return rows[0]
	}
	return 0
}

func scanSibling(rows *sql.Rows) (sibling, error) {
	var row sibling
	err := rows.Scan(&row.idn, &row.idp, &row.position)
	return row, err
}

func scanIDN(rows *sql.Rows) (int64, error) {
	var idn int64
	err := rows.Scan(&idn)
	return idn, err
}

func splice(list []sibling, item sibling, index int) []sibling {
	if index < 0 {
		index = 0
	}
	if index > len(list) {
		index = len(list)
	}
	list = append(list, sibling{})
	copy(list[index+1:], list[index:])
	list[index] = item
	return list
}
