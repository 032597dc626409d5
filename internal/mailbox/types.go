package mailbox

// Box numbers. Notes is not a box: stored messages live in exactly one of the
// first four.
const (
	BoxInbox = 0
	BoxReady = 1
	BoxSent  = 2
	BoxTrash = 3
)

// ByPage is the fixed mailbox page size.
const ByPage = 30

// Address is one side of a message envelope as stored.
type Address struct {
	Name    *string `json:"name,omitempty"`
	Address string  `json:"address"`
}

type AttachmentItem struct {
	ID       int    `json:"id"`
	FileName string `json:"fileName"`
	Size     int64  `json:"size"`
}

// Attachments is a draft or stored attachment manifest: an opaque key plus a
// 1-based list of items.
type Attachments struct {
	Key  string           `json:"key"`
	List []AttachmentItem `json:"list"`
}

// Box is a stored mailbox entry as serialized to the browser.
type Box struct {
	IDB         int64        `json:"idb"`
	Date        string       `json:"date"`
	Order       int64        `json:"order"`
	Unread      bool         `json:"unread"`
	Sender      Address      `json:"sender"`
	Recipient   Address      `json:"recipient"`
	Subject     string       `json:"subject"`
	Content     string       `json:"content"`
	Attachments *Attachments `json:"attachments,omitempty"`
}

// PageResponse carries one mailbox page, or a single freshly-arrived item when
// News is set.
type PageResponse struct {
	EmailBox int   `json:"email_box"`
	Page     int   `json:"page"`
	News     bool  `json:"news"`
	Data     []Box `json:"data"`
}

type MessagesRequest struct {
	EmailBox int `json:"email_box"`
	Page     int `json:"page"`
}

// MessageRequest multiplexes the single-message operations: send, unread/box
// update, copy-to-note, and draft attachment transitions.
type MessageRequest struct {
	IDB         int64        `json:"idb"`
	Send        *bool        `json:"send,omitempty"`
	Unread      *bool        `json:"unread,omitempty"`
	BoxCurrent  *int         `json:"box_current,omitempty"`
	BoxTarget   *int         `json:"box_target,omitempty"`
	NotesIDP    *int64       `json:"notes_idp,omitempty"`
	Attachments *Attachments `json:"attachments,omitempty"`
	RemoveID    *int         `json:"remove_id,omitempty"`
	Content     *string      `json:"content,omitempty"`
	Subject     *string      `json:"subject,omitempty"`
	Recipient   *string      `json:"recipient,omitempty"`
}
