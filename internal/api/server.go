// Package api is the thin HTTP layer: credential exchange, the SSE event
// stream, and the store-mutation endpoints. Every mutating handler resolves
// the User-Key header through the session directory and silently drops the
// request when the credential does not resolve.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"webpost/internal/attach"
	"webpost/internal/config"
	"webpost/internal/mailbox"
	"webpost/internal/notes"
	"webpost/internal/push"
	"webpost/internal/session"
	"webpost/internal/store"
)

const userKeyHeader = "User-Key"

type Server struct {
	cfg    config.Config
	store  *store.Backend
	dir    *session.Directory
	bus    *push.Bus
	notify *push.Notifier
	boxes  *mailbox.Engine
	notes  *notes.Engine
	files  *attach.Files
	logger *slog.Logger
	mux    *http.ServeMux
}

func NewServer(cfg config.Config, backend *store.Backend, dir *session.Directory, bus *push.Bus, notify *push.Notifier, boxes *mailbox.Engine, notesEngine *notes.Engine, files *attach.Files, logger *slog.Logger) *Server {
	server := &Server{
		cfg:    cfg,
		store:  backend,
		dir:    dir,
		bus:    bus,
		notify: notify,
		boxes:  boxes,
		notes:  notesEngine,
		files:  files,
		logger: logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", server.handleLogin)
	mux.HandleFunc("GET /api/event", server.handleEvent)
	mux.HandleFunc("POST /api/msg-update", server.handleMessage)
	mux.HandleFunc("POST /api/msg-list", server.handleMessages)
	mux.HandleFunc("POST /api/notes", server.handleNotes)
	mux.HandleFunc("POST /api/files", server.handleUpload)
	mux.HandleFunc("GET /api/file/", server.handleDownload)
	if cfg.FrontendDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.FrontendDir)))
	}
	server.mux = mux
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// clientHash derives the pre-login credential from the request fingerprint.
func clientHash(r *http.Request) string {
	return session.ClientHash(
		r.Header.Get("User-Agent"),
		r.Header.Get("Remote-Addr"),
		r.Header.Get("Accept-Language"),
		r.Header.Get("Accept-Encoding"),
	)
}

func (s *Server) sessionFrom(r *http.Request) session.Session {
	sess, ok := s.dir.Resolve(r.Header.Get(userKeyHeader))
	if !ok {
		return session.Session{}
	}
	return sess
}

// handleLogin accepts either a single prior credential or a (mailbox, name,
// password) triplet. On success the fingerprint hash becomes the session's
// first credential; the response body only carries the boolean outcome.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var source []string
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 512)).Decode(&source); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	userID := s.dir.Login(r.Context(), source)
	if userID > 0 {
		s.dir.Issue(clientHash(r), session.Session{UserID: userID})
	}
	s.respondJSON(w, map[string]bool{"result": userID > 0})
}

// handleEvent opens the push connection. The fingerprint credential is
// consumed on attach; all further credentials arrive over the stream itself.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.dir.Take(clientHash(r))
	if !ok {
		http.NotFound(w, r)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	channelID, stream, cancel := s.bus.Register(sess.UserID)
	defer cancel()

	// Handshake frame, then the initial snapshot off the handler goroutine.
	fmt.Fprint(w, "data: \n\n")
	flusher.Flush()
	go s.initData(r.Context(), session.Session{UserID: sess.UserID, ChannelID: channelID})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-stream:
			if !ok {
				return
			}
			if ev.Label == "" {
				fmt.Fprintf(w, "data: %s\n\n", ev.Data)
			} else {
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Label, ev.Data)
			}
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

type initialSnapshot struct {
	Notes []notes.Note  `json:"notes"`
	User  store.Profile `json:"user"`
}

// initData pushes the first mailbox page and the notes/user snapshot to the
// fresh connection, rotating the credential after each personal delivery.
func (s *Server) initData(ctx context.Context, sess session.Session) {
	s.boxes.RouteMessages(ctx, sess, mailbox.MessagesRequest{EmailBox: mailbox.BoxInbox, Page: 0})

	snapshot := initialSnapshot{
		Notes: s.notes.Select(ctx, sess.UserID),
		User:  s.store.UserProfile(ctx, sess.UserID),
	}
	if snapshot.Notes == nil {
		snapshot.Notes = []notes.Note{}
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		s.logger.Error("marshal init", "error", err)
		return
	}
	s.notify.PersonalChannel(sess, push.Event{Label: push.LabelInit, Data: string(data)})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFrom(r)
	if sess.UserID > 0 {
		var req mailbox.MessageRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err == nil {
			s.boxes.Route(r.Context(), sess, req)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFrom(r)
	if sess.UserID > 0 {
		var req mailbox.MessagesRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 100<<10)).Decode(&req); err == nil {
			s.boxes.RouteMessages(r.Context(), sess, req)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleNotes(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFrom(r)
	if sess.UserID > 0 {
		var change notes.Change
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 100<<10)).Decode(&change); err == nil {
			s.notes.Route(r.Context(), sess, change)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// handleDownload serves one attachment by its "key-index" tail, from the temp
// zone during composition or from the owner's permanent area otherwise. The
// presented credential is rotated either way.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/api/file/")
	q := r.URL.Query()
	sess, ok := s.dir.Resolve(q.Get("user"))
	if !ok || sess.UserID == 0 {
		http.NotFound(w, r)
		return
	}

	var path string
	if q.Get("temp") == "1" {
		path = s.files.TempKey(tail)
	} else {
		path = s.files.AttachmentKey(q.Get("email"), tail)
	}
	s.notify.NextKey(sess)

	data, err := s.files.Read(path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if name := q.Get("filename"); name != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	}
	w.Write(data)
}

func (s *Server) respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(payload)
}
