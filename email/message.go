package email

import (
	"fmt"
	"mime"
	"net/mail"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultContentType is used for bodies that don't declare a content type.
const DefaultContentType = "text/plain; charset=utf-8"

// Disposition is the Content-Disposition of an attachment.
type Disposition string

const (
	DispositionAttachment Disposition = "attachment"
	DispositionInline     Disposition = "inline"
)

// Attachment is a file sent along with the body of a message.
type Attachment struct {
	Filename string
	// ContentType is guessed from the filename extension if empty.
	ContentType string
	Data        []byte
	Disposition Disposition
	// Size is the size the caller expects Data to have. Zero means the
	// caller didn't declare one.
	Size int64
}

// Recipient is a parsed mailbox. Senders are represented the same way.
type Recipient struct {
	Name    string
	Address string
}

// String formats the recipient for use in a header, e.g.,
// "Jane Doe <jane@example.com>".
func (r Recipient) String() string {
	a := mail.Address{Name: r.Name, Address: r.Address}
	return a.String()
}

func (r Recipient) mailAddress() *mail.Address {
	return &mail.Address{Name: r.Name, Address: r.Address}
}

// Draft is unvalidated user input for a message. Use Compose to turn a Draft
// into a Message.
type Draft struct {
	From        string
	To          []string
	Subject     string
	ContentType string
	Body        []byte
	Attachments []Attachment
	// Date defaults to the time Compose is called.
	Date time.Time
	// MaxSize limits the size of the rendered plain message. Zero means no
	// limit.
	MaxSize int64
}

// Message is a validated message. It's a value: the getters return copies,
// and nothing mutates a Message once Compose has returned it. The ID and
// Date are fixed at composition time so that every rendering of the same
// Message carries the same headers.
type Message struct {
	id          string
	date        time.Time
	from        Recipient
	to          []Recipient
	subject     string
	contentType string
	body        []byte
	attachments []Attachment
}

// Compose validates d and returns the Message it describes.
func Compose(d Draft) (Message, error) {
	from, err := parseMailbox(d.From)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %q: %v", ErrInvalidSender, d.From, err)
	}

	if len(d.To) == 0 {
		return Message{}, ErrEmptyRecipientList
	}

	to := make([]Recipient, 0, len(d.To))
	seen := make(map[string]struct{}, len(d.To))
	for _, raw := range d.To {
		r, err := parseMailbox(raw)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %q: %v", ErrInvalidRecipient, raw, err)
		}
		// Sending the same message twice to one mailbox is never what the
		// caller wants, so duplicates collapse into the first occurrence.
		k := strings.ToLower(r.Address)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		to = append(to, r)
	}

	ct := strings.TrimSpace(d.ContentType)
	if ct == "" {
		ct = DefaultContentType
	}
	if _, _, err := mime.ParseMediaType(ct); err != nil {
		return Message{}, fmt.Errorf("%w: %q: %v", ErrInvalidContentType, ct, err)
	}

	atts := make([]Attachment, 0, len(d.Attachments))
	for _, a := range d.Attachments {
		na, err := checkAttachment(a)
		if err != nil {
			return Message{}, err
		}
		atts = append(atts, na)
	}

	date := d.Date
	if date.IsZero() {
		date = time.Now()
	}

	m := Message{
		id:          fmt.Sprintf("%v@%v", uuid.NewString(), domainOf(from.Address)),
		date:        date,
		from:        from,
		to:          to,
		subject:     d.Subject,
		contentType: ct,
		body:        append([]byte(nil), d.Body...),
		attachments: atts,
	}

	if d.MaxSize > 0 {
		b, err := m.Plain()
		if err != nil {
			return Message{}, err
		}
		if int64(len(b)) > d.MaxSize {
			return Message{}, fmt.Errorf(
				"%w: %v bytes, limit is %v bytes",
				ErrMessageTooLarge, len(b), d.MaxSize,
			)
		}
	}

	return m, nil
}

// ID returns the Message-ID without angle brackets.
func (m Message) ID() string { return m.id }

func (m Message) Date() time.Time { return m.date }

func (m Message) From() Recipient { return m.from }

// To returns the recipients in the order they were given, without
// duplicates.
func (m Message) To() []Recipient {
	return append([]Recipient(nil), m.to...)
}

// Addresses returns the bare addresses of the recipients.
func (m Message) Addresses() []string {
	r := make([]string, len(m.to))
	for i, t := range m.to {
		r[i] = t.Address
	}
	return r
}

func (m Message) Subject() string { return m.subject }

func (m Message) ContentType() string { return m.contentType }

// Body returns a copy of the unencoded body.
func (m Message) Body() []byte {
	return append([]byte(nil), m.body...)
}

// Attachments returns copies of the message's attachments.
func (m Message) Attachments() []Attachment {
	r := make([]Attachment, len(m.attachments))
	for i, a := range m.attachments {
		a.Data = append([]byte(nil), a.Data...)
		r[i] = a
	}
	return r
}

// parseMailbox accepts either a bare address or one with a display name.
func parseMailbox(s string) (Recipient, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Recipient{}, fmt.Errorf("empty address")
	}
	a, err := mail.ParseAddress(s)
	if err != nil {
		return Recipient{}, err
	}
	return Recipient{Name: a.Name, Address: a.Address}, nil
}

func domainOf(addr string) string {
	i := strings.LastIndex(addr, "@")
	if i < 0 || i == len(addr)-1 {
		return "localhost"
	}
	return addr[i+1:]
}

// checkAttachment validates a and fills in defaults, returning a copy.
func checkAttachment(a Attachment) (Attachment, error) {
	if strings.TrimSpace(a.Filename) == "" {
		return Attachment{}, fmt.Errorf("%w: missing filename", ErrInvalidAttachment)
	}
	if a.Size != 0 && a.Size != int64(len(a.Data)) {
		return Attachment{}, fmt.Errorf(
			"%w: %q declares %v bytes but has %v",
			ErrAttachmentSize, a.Filename, a.Size, len(a.Data),
		)
	}

	switch a.Disposition {
	case "":
		a.Disposition = DispositionAttachment
	case DispositionAttachment, DispositionInline:
	default:
		return Attachment{}, fmt.Errorf(
			"%w: %q has unknown disposition %q",
			ErrInvalidAttachment, a.Filename, a.Disposition,
		)
	}

	if a.ContentType == "" {
		a.ContentType = mime.TypeByExtension(filepath.Ext(a.Filename))
	}
	if a.ContentType == "" {
		a.ContentType = "application/octet-stream"
	}
	if _, _, err := mime.ParseMediaType(a.ContentType); err != nil {
		return Attachment{}, fmt.Errorf("%w: %q: %v", ErrInvalidContentType, a.ContentType, err)
	}

	a.Data = append([]byte(nil), a.Data...)
	return a, nil
}
