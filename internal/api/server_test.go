package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"webpost/internal/attach"
	"webpost/internal/config"
	"webpost/internal/mailbox"
	"webpost/internal/notes"
	"webpost/internal/push"
	"webpost/internal/session"
	"webpost/internal/store"
)

type harness struct {
	server  *Server
	backend *store.Backend
	dir     *session.Directory
	bus     *push.Bus
	files   *attach.Files
	notes   *notes.Engine
	userID  int64
}

func newTestServer(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	logger := slog.Default()

	backend, err := store.Open(ctx, "", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	if err := backend.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if !store.Exec(ctx, backend, `INSERT INTO users (email, name, password, signature) VALUES (?, ?, ?, ?);`,
		"bob@example.com", "Bob", "secret", "-- Bob") {
		t.Fatal("insert user")
	}
	users := store.LoadUsers(ctx, backend)
	userID, _ := users.ByEmail("bob@example.com")

	dir := session.NewDirectory(backend, 0, logger)
	bus := push.NewBus(logger)
	notify := &push.Notifier{Bus: bus, Dir: dir, Log: logger}
	files := &attach.Files{Root: t.TempDir(), Log: logger}
	files.EnsureRoot()
	notesEngine := notes.New(backend, notify, logger)
	boxes := mailbox.New(backend, notify, users, files, nil, notesEngine, logger)
	t.Cleanup(boxes.Close)

	server := NewServer(config.Config{}, backend, dir, bus, notify, boxes, notesEngine, files, logger)
	return &harness{
		server:  server,
		backend: backend,
		dir:     dir,
		bus:     bus,
		files:   files,
		notes:   notesEngine,
		userID:  userID,
	}
}

func fingerprint(r *http.Request) {
	r.Header.Set("User-Agent", "test-agent")
	r.Header.Set("Remote-Addr", "10.0.0.1")
	r.Header.Set("Accept-Language", "en")
	r.Header.Set("Accept-Encoding", "gzip")
}

func TestLoginTriplet(t *testing.T) {
	h := newTestServer(t)
	body, _ := json.Marshal([]string{"bob!example+com", "Bob", "secret"})
	r := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body))
	fingerprint(r)
	w := httptest.NewRecorder()

	h.server.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var result map[string]bool
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !result["result"] {
		t.Fatal("login rejected valid triplet")
	}
	sess, ok := h.dir.Resolve(clientHash(r))
	if !ok || sess.UserID != h.userID {
		t.Fatalf("fingerprint credential = (%+v, %v)", sess, ok)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	h := newTestServer(t)
	body, _ := json.Marshal([]string{"bob!example+com", "Bob", "nope"})
	r := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body))
	fingerprint(r)
	w := httptest.NewRecorder()

	h.server.ServeHTTP(w, r)

	var result map[string]bool
	json.Unmarshal(w.Body.Bytes(), &result)
	if result["result"] {
		t.Fatal("login accepted wrong password")
	}
	if _, ok := h.dir.Resolve(clientHash(r)); ok {
		t.Fatal("credential issued for failed login")
	}
}

func TestLoginBadJSON(t *testing.T) {
	h := newTestServer(t)
	r := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader("{"))
	w := httptest.NewRecorder()

	h.server.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestNotesRequiresCredential(t *testing.T) {
	h := newTestServer(t)
	yes := true
	label := "x"
	body, _ := json.Marshal(notes.Change{Insert: &yes, Label: &label})
	r := httptest.NewRequest(http.MethodPost, "/api/notes", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.server.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := h.notes.Select(context.Background(), h.userID); len(got) != 0 {
		t.Fatalf("unauthenticated request created notes: %+v", got)
	}
}

func TestNotesWithCredential(t *testing.T) {
	h := newTestServer(t)
	h.dir.Issue("cred", session.Session{UserID: h.userID})

	yes := true
	label := "todo"
	body, _ := json.Marshal(notes.Change{Insert: &yes, Label: &label})
	r := httptest.NewRequest(http.MethodPost, "/api/notes", bytes.NewReader(body))
	r.Header.Set("User-Key", "cred")
	w := httptest.NewRecorder()

	h.server.ServeHTTP(w, r)

	got := h.notes.Select(context.Background(), h.userID)
	if len(got) != 1 || got[0].Label != "todo" || got[0].Position != 1 {
		t.Fatalf("notes = %+v", got)
	}
}

func TestDownloadTempFile(t *testing.T) {
	h := newTestServer(t)
	h.dir.Issue("cred", session.Session{UserID: h.userID})
	if err := h.files.Write(h.files.TempKey("k-1"), []byte("payload")); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/api/file/k-1?temp=1&user=cred", nil)
	w := httptest.NewRecorder()

	h.server.ServeHTTP(w, r)

	if w.Code != http.StatusOK || w.Body.String() != "payload" {
		t.Fatalf("download = (%d, %q)", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Fatalf("content type = %q", ct)
	}
}

func TestDownloadRequiresCredential(t *testing.T) {
	h := newTestServer(t)
	h.files.Write(h.files.TempKey("k-1"), []byte("payload"))

	r := httptest.NewRequest(http.MethodGet, "/api/file/k-1?temp=1&user=unknown", nil)
	w := httptest.NewRecorder()

	h.server.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestUploadStagesFiles(t *testing.T) {
	h := newTestServer(t)
	channelID, stream, cancel := h.bus.Register(h.userID)
	defer cancel()
	h.dir.Issue("cred", session.Session{UserID: h.userID, ChannelID: channelID})

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, _ := form.CreateFormFile("file", "a.txt")
	part.Write([]byte("hello"))
	form.Close()

	r := httptest.NewRequest(http.MethodPost, "/api/files", &body)
	r.Header.Set("Content-Type", form.FormDataContentType())
	r.Header.Set("User-Key", "cred")
	w := httptest.NewRecorder()

	h.server.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var echo mailbox.MessageRequest
	deadline := time.After(2 * time.Second)
	for echo.Attachments == nil {
		select {
		case ev := <-stream:
			if ev.Label == push.LabelMessage {
				if err := json.Unmarshal([]byte(ev.Data), &echo); err != nil {
					t.Fatalf("unmarshal echo: %v", err)
				}
			}
		case <-deadline:
			t.Fatal("no upload echo received")
		}
	}
	if len(echo.Attachments.List) != 1 {
		t.Fatalf("echo = %+v, want one staged item", echo)
	}
	item := echo.Attachments.List[0]
	if item.ID != 1 || item.FileName != "a.txt" || item.Size != 5 {
		t.Fatalf("item = %+v", item)
	}
	if _, err := os.Stat(h.files.TempItem(echo.Attachments.Key, 1)); err != nil {
		t.Fatalf("staged file missing: %v", err)
	}
}

func TestDownloadRejectsTraversal(t *testing.T) {
	h := newTestServer(t)
	h.dir.Issue("cred", session.Session{UserID: h.userID})

	targets := []string{
		"/api/file/k-1?user=cred&email=..%2F..%2Fbob",
		"/api/file/..%5C..%5Csecret-1?temp=1&user=cred",
	}
	for _, target := range targets {
		r := httptest.NewRequest(http.MethodGet, target, nil)
		w := httptest.NewRecorder()
		h.server.ServeHTTP(w, r)
		if w.Code != http.StatusNotFound {
			t.Fatalf("GET %s = %d, want 404", target, w.Code)
		}
	}
}

func TestUploadWithoutFilesNoEcho(t *testing.T) {
	h := newTestServer(t)
	channelID, stream, cancel := h.bus.Register(h.userID)
	defer cancel()
	h.dir.Issue("cred", session.Session{UserID: h.userID, ChannelID: channelID})

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	form.Close()

	r := httptest.NewRequest(http.MethodPost, "/api/files", &body)
	r.Header.Set("Content-Type", form.FormDataContentType())
	r.Header.Set("User-Key", "cred")
	w := httptest.NewRecorder()

	h.server.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	select {
	case ev := <-stream:
		t.Fatalf("empty upload echoed %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
	if _, ok := h.dir.Resolve("cred"); !ok {
		t.Fatal("credential rotated without a staged file")
	}
}

func TestUploadBadSetNoEcho(t *testing.T) {
	h := newTestServer(t)
	channelID, stream, cancel := h.bus.Register(h.userID)
	defer cancel()
	h.dir.Issue("cred", session.Session{UserID: h.userID, ChannelID: channelID})

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	form.WriteField("attachments", "{not json")
	part, _ := form.CreateFormFile("file", "a.txt")
	part.Write([]byte("hello"))
	form.Close()

	r := httptest.NewRequest(http.MethodPost, "/api/files", &body)
	r.Header.Set("Content-Type", form.FormDataContentType())
	r.Header.Set("User-Key", "cred")
	w := httptest.NewRecorder()

	h.server.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	select {
	case ev := <-stream:
		t.Fatalf("bad set echoed %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
	if _, ok := h.dir.Resolve("cred"); !ok {
		t.Fatal("credential rotated on an unparsable set")
	}
}

func TestEventStreamDeliversInitialSnapshot(t *testing.T) {
	h := newTestServer(t)
	ts := httptest.NewServer(h.server)
	defer ts.Close()

	// The fingerprint credential must exist before the stream attaches.
	seed := httptest.NewRequest(http.MethodGet, "/api/event", nil)
	fingerprint(seed)
	h.dir.Issue(clientHash(seed), session.Session{UserID: h.userID})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/event", nil)
	fingerprint(r)
	resp, err := http.DefaultClient.Do(r)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	seen := map[string]bool{}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if label, ok := strings.CutPrefix(line, "event: "); ok {
			seen[label] = true
		}
		if seen[push.LabelMessages] && seen[push.LabelInit] && seen[push.LabelUserKey] {
			return
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		t.Logf("stream ended: %v", err)
	}
	t.Fatalf("stream closed with labels %v", seen)
}

func TestEventRequiresCredential(t *testing.T) {
	h := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "/api/event", nil)
	fingerprint(r)
	w := httptest.NewRecorder()

	h.server.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
