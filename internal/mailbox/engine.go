// Package mailbox owns box assignment and read/unread/content mutation rules
// for stored messages, plus the draft attachment lifecycle. Insertions go
// through an explicit job queue so ingestion and send paths never wait on push
// delivery.
package mailbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"webpost/internal/mailer"
	"webpost/internal/notes"
	"webpost/internal/push"
	"webpost/internal/session"
	"webpost/internal/store"
)

const dateFormat = "02.01.2006 15:04:05"

// Sender is the outbound mail transport collaborator.
type Sender interface {
	Send(sender, recipient, subject, body string, files []mailer.File) bool
}

// UserEmails resolves users for the send and forward paths.
type UserEmails interface {
	ByID(id int64) (store.User, bool)
	ByEmail(email string) (int64, bool)
}

type addJob struct {
	userID      int64
	box         int
	unread      bool
	sender      Address
	recipient   Address
	subject     string
	content     string
	attachments *Attachments
}

type Engine struct {
	store     *store.Backend
	notify    *push.Notifier
	users     UserEmails
	files     Paths
	mailer    Sender
	notes     *notes.Engine
	log       *slog.Logger
	jobs      chan addJob
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Paths is the slice of the attachment store the engine needs.
type Paths interface {
	TempItem(key string, ind int) string
	Attachment(email, key string, ind int) string
	Rename(src, dst string) error
	Copy(src, dst string) error
	Remove(path string) error
}

func New(backend *store.Backend, notify *push.Notifier, users UserEmails, files Paths, sender Sender, notesEngine *notes.Engine, logger *slog.Logger) *Engine {
	e := &Engine{
		store:  backend,
		notify: notify,
		users:  users,
		files:  files,
		mailer: sender,
		notes:  notesEngine,
		log:    logger,
		jobs:   make(chan addJob, 16),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go e.worker()
	return e
}

// Close stops the insert worker. The jobs channel itself is never closed, so a
// producer racing Close (the ingest watcher, a send in flight) enqueues into a
// dropped queue instead of panicking. Safe to call more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.quit) })
	<-e.done
}

func (e *Engine) worker() {
	defer close(e.done)
	for {
		select {
		case job := <-e.jobs:
			e.insert(context.Background(), job)
		case <-e.quit:
			return
		}
	}
}

// Add enqueues an insertion; the caller does not wait for the store round-trip
// or the push delivery. After Close the job is dropped.
func (e *Engine) Add(userID int64, box int, unread bool, sender, recipient Address, subject, content string, attachments *Attachments) {
	job := addJob{
		userID:      userID,
		box:         box,
		unread:      unread,
		sender:      sender,
		recipient:   recipient,
		subject:     subject,
		content:     content,
		attachments: attachments,
	}
	select {
	case e.jobs <- job:
	case <-e.quit:
	}
}

// AddReceived stores an ingested message for the owner of mailbox email. Spam
// goes to Trash already read; everything else to Inbox unread.
func (e *Engine) AddReceived(spam bool, email string, sender, recipient Address, subject, content string, attachments *Attachments) {
	userID, ok := e.users.ByEmail(email)
	if !ok {
		return
	}
	box, unread := BoxInbox, true
	if spam {
		box, unread = BoxTrash, false
	}
	e.Add(userID, box, unread, sender, recipient, subject, content, attachments)
}

func (e *Engine) insert(ctx context.Context, job addJob) {
	sender, err := json.Marshal(job.sender)
	if err != nil {
		e.log.Error("marshal sender", "error", err)
		return
	}
	recipient, err := json.Marshal(job.recipient)
	if err != nil {
		e.log.Error("marshal recipient", "error", err)
		return
	}
	var attachments any
	if job.attachments != nil {
		data, err := json.Marshal(job.attachments)
		if err != nil {
			e.log.Error("marshal attachments", "error", err)
			return
		}
		attachments = string(data)
	}

	rows := store.Query(ctx, e.store, scanBox,
		`INSERT INTO boxes (idu, box, unread, date, sender, recipient, subject, content, attachments)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
         RETURNING idb, date, unread, sender, recipient, subject, content, attachments;`,
		job.userID, job.box, job.unread, time.Now().Unix(),
		string(sender), string(recipient), job.subject, job.content, attachments)
	if len(rows) != 1 {
		return
	}

	result := PageResponse{EmailBox: job.box, Page: 0, News: true, Data: rows}
	data, err := json.Marshal(result)
	if err != nil {
		e.log.Error("marshal page", "error", err)
		return
	}
	e.notify.Channel(session.Session{UserID: job.userID}, push.Event{Label: push.LabelMessages, Data: string(data)})
}

// Route dispatches a single-message request.
func (e *Engine) Route(ctx context.Context, s session.Session, req MessageRequest) {
	switch {
	case req.Send != nil:
		go e.sendInit(s, req)
	case req.NotesIDP != nil:
		e.copyToNote(ctx, s, *req.NotesIDP, req.IDB)
	case req.Attachments != nil:
		e.attachments(ctx, s, req)
	default:
		e.update(ctx, s, req)
	}
}

// RouteMessages serves one mailbox page to the requesting connection only,
// then rotates its credential.
func (e *Engine) RouteMessages(ctx context.Context, s session.Session, req MessagesRequest) {
	rows := e.page(ctx, s.UserID, req.EmailBox, req.Page)
	result := PageResponse{EmailBox: req.EmailBox, Page: req.Page, News: false, Data: rows}
	data, err := json.Marshal(result)
	if err != nil {
		e.log.Error("marshal page", "error", err)
		return
	}
	e.notify.PersonalChannel(s, push.Event{Label: push.LabelMessages, Data: string(data)})
}

func (e *Engine) page(ctx context.Context, userID int64, box, page int) []Box {
	return store.Query(ctx, e.store, scanBox,
		`SELECT idb, date, unread, sender, recipient, subject, content, attachments
         FROM boxes WHERE idu = ? AND box = ?
         ORDER BY date DESC, idb DESC LIMIT ? OFFSET ?;`,
		userID, box, ByPage, page*ByPage)
}

// update applies the unread/box-target fields that are present. The mutation
// echo goes to all of the user's connections, because box membership and
// unread counts affect every open view.
func (e *Engine) update(ctx context.Context, s session.Session, req MessageRequest) {
	var fields []string
	var args []any
	if req.Unread != nil {
		fields = append(fields, "unread=?")
		args = append(args, *req.Unread)
	}
	if req.BoxTarget != nil {
		fields = append(fields, "box=?")
		args = append(args, *req.BoxTarget)
	}
	if len(fields) == 0 {
		return
	}

	statement := "UPDATE boxes SET " + fields[0]
	for _, f := range fields[1:] {
		statement += "," + f
	}
	statement += " WHERE idb = ? AND idu = ?;"
	args = append(args, req.IDB, s.UserID)
	if !store.Exec(ctx, e.store, statement, args...) {
		return
	}

	data, err := json.Marshal(req)
	if err != nil {
		e.log.Error("marshal message update", "error", err)
		return
	}
	e.notify.Channel(s, push.Event{Label: push.LabelMessage, Data: string(data)})
}

// copyToNote converts a stored message into a note under the target group.
// Ownership is enforced by the query predicate.
func (e *Engine) copyToNote(ctx context.Context, s session.Session, parent, idb int64) {
	box, ok := e.boxByID(ctx, s.UserID, idb)
	if !ok {
		return
	}
	insert := true
	e.notes.Route(ctx, s, notes.Change{
		Insert:  &insert,
		Label:   box.Sender.Name,
		Email:   &box.Sender.Address,
		Content: &box.Content,
		IDP:     &parent,
	})
}

func (e *Engine) boxByID(ctx context.Context, userID, idb int64) (Box, bool) {
	rows := store.Query(ctx, e.store, scanBox,
		`SELECT idb, date, unread, sender, recipient, subject, content, attachments
         FROM boxes WHERE idu = ? AND idb = ?;`, userID, idb)
	if len(rows) == 1 {
		return rows[0], true
	}
	return Box{}, false
}

func scanBox(rows *sql.Rows) (Box, error) {
	var box Box
	var date int64
	var sender, recipient string
	var attachments sql.NullString
	if err := rows.Scan(&box.IDB, &date, &box.Unread, &sender, &recipient, &box.Subject, &box.Content, &attachments); err != nil {
		return Box{}, err
	}
	stored := time.Unix(date, 0)
	box.Date = stored.Format(dateFormat)
	box.Order = int64(time.Since(stored).Seconds())
	if err := json.Unmarshal([]byte(sender), &box.Sender); err != nil {
		return Box{}, err
	}
	if err := json.Unmarshal([]byte(recipient), &box.Recipient); err != nil {
		return Box{}, err
	}
	if attachments.Valid && attachments.String != "" {
		var a Attachments
		if err := json.Unmarshal([]byte(attachments.String), &a); err == nil {
			box.Attachments = &a
		}
	}
	return box, nil
}
