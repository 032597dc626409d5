package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	netmail "net/mail"

	"github.com/google/uuid"

	"webpost/internal/mailer"
	"webpost/internal/push"
	"webpost/internal/session"
)

func (e *Engine) messagePersonal(s session.Session, req MessageRequest) {
	data, err := json.Marshal(req)
	if err != nil {
		e.log.Error("marshal message", "error", err)
		return
	}
	e.notify.PersonalChannel(s, push.Event{Label: push.LabelMessage, Data: string(data)})
}

// attachments handles the draft-set transitions: discard the whole temp set,
// remove one item, start a forward copy from a stored message, or mint an
// empty set with a fresh key.
func (e *Engine) attachments(ctx context.Context, s session.Session, req MessageRequest) {
	if req.RemoveID == nil && req.IDB == 0 && req.Attachments != nil && len(req.Attachments.List) > 0 {
		// Compose discarded: drop every temp file of the set, no echo.
		for _, item := range req.Attachments.List {
			e.files.Remove(e.files.TempItem(req.Attachments.Key, item.ID))
		}
		return
	}

	key := uuid.NewString()
	next := &Attachments{Key: key, List: []AttachmentItem{}}

	switch {
	case req.RemoveID != nil && req.Attachments != nil:
		// Remove a single item, keeping the set's key.
		list := req.Attachments.List
		for i, item := range req.Attachments.List {
			if item.ID == *req.RemoveID {
				e.files.Remove(e.files.TempItem(req.Attachments.Key, item.ID))
				list = append(append([]AttachmentItem{}, list[:i]...), list[i+1:]...)
				break
			}
		}
		next = &Attachments{Key: req.Attachments.Key, List: list}

	case req.IDB > 0:
		// Forwarding: materialize a new temp set as physical copies of the
		// source message's permanent attachments, re-indexed from 1.
		box, ok := e.boxByID(ctx, s.UserID, req.IDB)
		if !ok {
			break
		}
		user, ok := e.users.ByID(s.UserID)
		if !ok {
			break
		}
		if box.Attachments == nil || len(box.Attachments.List) == 0 {
			break
		}
		ind := 0
		list := []AttachmentItem{}
		for _, item := range box.Attachments.List {
			source := e.files.Attachment(user.Email, box.Attachments.Key, item.ID)
			if err := e.files.Copy(source, e.files.TempItem(key, ind+1)); err != nil {
				e.log.Warn("forward copy", "source", source, "error", err)
				continue
			}
			ind++
			list = append(list, AttachmentItem{ID: ind, FileName: item.FileName, Size: item.Size})
		}
		next = &Attachments{Key: key, List: list}
	}

	e.messagePersonal(s, MessageRequest{IDB: 0, Attachments: next})
}

// sendInit runs the compose-send flow off the request path: submit the
// message, promote the temp attachments to the sender's permanent area, store
// the Sent copy, then report the result on the personal channel.
func (e *Engine) sendInit(s session.Session, req MessageRequest) {
	user, ok := e.users.ByID(s.UserID)
	if !ok {
		return
	}
	sender := fmt.Sprintf("%s <%s>", user.Name, user.Email)
	recipient := stringValue(req.Recipient)
	subject := stringValue(req.Subject)
	content := stringValue(req.Content)

	var files []mailer.File
	if req.Attachments != nil {
		for _, item := range req.Attachments.List {
			files = append(files, mailer.File{
				Path: e.files.TempItem(req.Attachments.Key, item.ID),
				Name: item.FileName,
			})
		}
	}

	result := e.mailer.Send(sender, recipient, subject, content, files)

	if result {
		senderAddr := parseAddress(sender)
		if req.Attachments != nil {
			for _, item := range req.Attachments.List {
				source := e.files.TempItem(req.Attachments.Key, item.ID)
				target := e.files.Attachment(senderAddr.Address, req.Attachments.Key, item.ID)
				if err := e.files.Rename(source, target); err != nil {
					e.log.Error("promote attachment", "source", source, "error", err)
				}
			}
		}
		e.Add(s.UserID, BoxSent, true, senderAddr, parseAddress(recipient), subject, content, req.Attachments)
	}

	e.messagePersonal(s, MessageRequest{Send: &result})
}

func parseAddress(text string) Address {
	addr, err := netmail.ParseAddress(text)
	if err != nil {
		return Address{}
	}
	result := Address{Address: addr.Address}
	if addr.Name != "" {
		name := addr.Name
		result.Name = &name
	}
	return result
}

func stringValue(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
