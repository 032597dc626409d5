package ingest

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"webpost/internal/mailbox"
	"webpost/internal/sanitize"
)

// prepare decodes one raw message and hands it to the mailbox engine. The
// attachment files are durable before the insert is enqueued, so the stored
// manifest never references missing files.
func (w *Watcher) prepare(raw []byte, currentEmail string) error {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create reader: %w", err)
	}

	subject, _ := reader.Header.Subject()
	sender := firstAddress(reader.Header, "From")
	recipient := firstAddress(reader.Header, "To")
	rawTo := reader.Header.Get("To")

	var htmlBody, textBody string
	key := uuid.NewString()
	var list []mailbox.AttachmentItem

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("next part: %w", err)
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, _, _ := header.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(mediaType, "text/html"):
				if htmlBody == "" {
					htmlBody = string(body)
				}
			case strings.HasPrefix(mediaType, "text/plain") || mediaType == "":
				if textBody == "" {
					textBody = string(body)
				}
			}
		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			if strings.TrimSpace(filename) == "" {
				continue
			}
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			id := len(list) + 1
			path := w.files.Attachment(currentEmail, key, id)
			if err := w.files.Write(path, body); err != nil {
				w.log.Error("save attachment", "path", path, "error", err)
				continue
			}
			list = append(list, mailbox.AttachmentItem{ID: id, FileName: filename, Size: int64(len(body))})
		}
	}

	var content string
	switch {
	case htmlBody != "":
		cleaned, err := sanitize.Clean(htmlBody)
		if err != nil {
			w.log.Error("clean html", "error", err)
		} else {
			content = cleaned
		}
	case textBody != "":
		content = sanitize.Wrap(textBody)
	}

	var attachments *mailbox.Attachments
	if len(list) > 0 {
		attachments = &mailbox.Attachments{Key: key, List: list}
	}

	// Spam when the message's own recipient header does not name the mailbox
	// it was dropped into.
	spam := !strings.Contains(strings.ToLower(rawTo), strings.ToLower(currentEmail))
	w.log.Info("mail received", "sender", sender.Address, "trusted", isTrusted(sender.Address), "spam", spam)

	w.boxes.AddReceived(spam, currentEmail, sender, recipient, subject, content, attachments)
	return nil
}

func firstAddress(header mail.Header, field string) mailbox.Address {
	list, err := header.AddressList(field)
	if err != nil || len(list) == 0 {
		return mailbox.Address{}
	}
	result := mailbox.Address{Address: list[0].Address}
	if list[0].Name != "" {
		name := list[0].Name
		result.Name = &name
	}
	return result
}

func isTrusted(address string) bool {
	for _, suffix := range trustedSuffixes {
		if strings.HasSuffix(address, suffix) {
			return true
		}
	}
	return false
}
