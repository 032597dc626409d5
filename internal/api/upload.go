package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"

	"webpost/internal/mailbox"
	"webpost/internal/push"
)

const maxUploadBytes = 25 << 20

// handleUpload stages multipart file parts into the temp zone and echoes the
// merged attachment set back on the personal channel. The "attachments" form
// field carries the current set; a missing or empty set starts a new one.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFrom(r)
	if sess.UserID == 0 {
		http.NotFound(w, r)
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	set := &mailbox.Attachments{Key: uuid.NewString(), List: []mailbox.AttachmentItem{}}
	if field := r.FormValue("attachments"); field != "" {
		var current mailbox.Attachments
		if err := json.Unmarshal([]byte(field), &current); err != nil {
			s.logger.Warn("upload: bad attachment set", "error", err)
			w.WriteHeader(http.StatusOK)
			return
		}
		if current.Key != "" {
			set = &current
		}
	}

	staged := 0
	nextID := 0
	for _, item := range set.List {
		if item.ID > nextID {
			nextID = item.ID
		}
	}

	if r.MultipartForm != nil {
		for _, headers := range r.MultipartForm.File {
			for _, header := range headers {
				file, err := header.Open()
				if err != nil {
					s.logger.Error("open upload", "name", header.Filename, "error", err)
					continue
				}
				data, err := io.ReadAll(file)
				file.Close()
				if err != nil {
					s.logger.Error("read upload", "name", header.Filename, "error", err)
					continue
				}
				nextID++
				path := s.files.TempItem(set.Key, nextID)
				if err := s.files.Write(path, data); err != nil {
					s.logger.Error("stage upload", "path", path, "error", err)
					nextID--
					continue
				}
				set.List = append(set.List, mailbox.AttachmentItem{
					ID:       nextID,
					FileName: header.Filename,
					Size:     int64(len(data)),
				})
				staged++
			}
		}
	}

	// The echo (and its credential rotation) only follows an actual staging.
	if staged == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	data, err := json.Marshal(mailbox.MessageRequest{Attachments: set})
	if err != nil {
		s.logger.Error("marshal upload echo", "error", err)
		return
	}
	s.notify.PersonalChannel(sess, push.Event{Label: push.LabelMessage, Data: string(data)})
	w.WriteHeader(http.StatusOK)
}
