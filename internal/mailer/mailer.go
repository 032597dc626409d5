// Package mailer builds and submits outbound messages: a
// multipart/alternative body (text derived from the HTML), optionally wrapped
// in multipart/mixed with the draft attachments.
package mailer

import (
	"bytes"
	"io"
	"log/slog"
	"mime"
	netmail "net/mail"
	"os"
	"path/filepath"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"

	"webpost/internal/sanitize"
)

// File is one attachment to include, already resolved to a path on disk.
type File struct {
	Path string
	Name string
}

type Mailer struct {
	Addr string
	Log  *slog.Logger
}

// Send submits one message. A missing or unreadable attachment file is
// skipped; only transport or address failures fail the whole send.
func (m *Mailer) Send(sender, recipient, subject, body string, files []File) bool {
	from, err := netmail.ParseAddress(sender)
	if err != nil {
		m.Log.Warn("send: bad sender", "sender", sender, "error", err)
		return false
	}
	to, err := netmail.ParseAddress(recipient)
	if err != nil {
		m.Log.Warn("send: bad recipient", "recipient", recipient, "error", err)
		return false
	}

	var buf bytes.Buffer
	if err := m.build(&buf, from, to, subject, body, files); err != nil {
		m.Log.Error("build message", "error", err)
		return false
	}

	if err := smtp.SendMail(m.Addr, nil, from.Address, []string{to.Address}, &buf); err != nil {
		m.Log.Error("send mail", "addr", m.Addr, "error", err)
		return false
	}
	return true
}

func (m *Mailer) build(buf *bytes.Buffer, from, to *netmail.Address, subject, body string, files []File) error {
	var header mail.Header
	header.SetDate(time.Now())
	header.SetAddressList("From", []*mail.Address{{Name: from.Name, Address: from.Address}})
	header.SetAddressList("To", []*mail.Address{{Name: to.Name, Address: to.Address}})
	header.SetSubject(subject)

	w, err := mail.CreateWriter(buf, header)
	if err != nil {
		return err
	}
	defer w.Close()

	iw, err := w.CreateInline()
	if err != nil {
		return err
	}
	var textHeader mail.InlineHeader
	textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	pw, err := iw.CreatePart(textHeader)
	if err != nil {
		return err
	}
	io.WriteString(pw, sanitize.ToText(body))
	pw.Close()

	var htmlHeader mail.InlineHeader
	htmlHeader.Set("Content-Type", "text/html; charset=utf-8")
	pw, err = iw.CreatePart(htmlHeader)
	if err != nil {
		return err
	}
	io.WriteString(pw, body)
	pw.Close()
	iw.Close()

	for _, file := range files {
		data, err := os.ReadFile(file.Path)
		if err != nil {
			m.Log.Warn("attachment skipped", "path", file.Path, "error", err)
			continue
		}
		contentType := mime.TypeByExtension(filepath.Ext(file.Name))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		var attachHeader mail.AttachmentHeader
		attachHeader.Set("Content-Type", contentType)
		attachHeader.SetFilename(file.Name)
		aw, err := w.CreateAttachment(attachHeader)
		if err != nil {
			return err
		}
		aw.Write(data)
		aw.Close()
	}
	return nil
}
