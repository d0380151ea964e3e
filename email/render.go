package email

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/ptgott/relaymail/html"
)

// Name of the part carrying the ciphertext of a PGP/MIME message. Mail
// clients show this name if they can't decrypt the message.
const encryptedPartName = "encrypted.asc"

// partCreator creates the writer for one entity, either a top-level message
// or a part within a multipart entity.
type partCreator func(h message.Header) (*message.Writer, error)

// Plain renders the complete message without any encryption.
func (m Message) Plain() ([]byte, error) {
	var buf bytes.Buffer
	h := m.header()
	if err := m.writeEntity(topLevel(&buf), h.Header); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Entity renders only the content of the message, i.e., the body and
// attachments with their MIME headers but none of the addressing headers.
// This is what gets encrypted for PGP/MIME.
func (m Message) Entity() ([]byte, error) {
	var buf bytes.Buffer
	var h message.Header
	if err := m.writeEntity(topLevel(&buf), h); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encrypted renders the complete message as an RFC 3156 multipart/encrypted
// message wrapping armored, which must be an ASCII-armored OpenPGP message
// whose plaintext is the output of Entity.
func (m Message) Encrypted(armored []byte) ([]byte, error) {
	var buf bytes.Buffer
	h := m.header()
	h.SetContentType("multipart/encrypted", map[string]string{
		"protocol": "application/pgp-encrypted",
		"boundary": m.boundary("encrypted"),
	})

	mw, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("can't create the PGP/MIME message: %v", err)
	}

	var vh message.Header
	vh.SetContentType("application/pgp-encrypted", nil)
	vh.Set("Content-Description", "PGP/MIME version identification")
	if err := writePart(mw.CreatePart, vh, []byte("Version: 1\r\n")); err != nil {
		return nil, err
	}

	var dh message.Header
	dh.SetContentType("application/octet-stream", map[string]string{"name": encryptedPartName})
	dh.SetContentDisposition("inline", map[string]string{"filename": encryptedPartName})
	dh.Set("Content-Description", "OpenPGP encrypted message")
	if err := writePart(mw.CreatePart, dh, crlf(armored)); err != nil {
		return nil, err
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("can't finish the PGP/MIME message: %v", err)
	}
	return buf.Bytes(), nil
}

// header returns the addressing headers shared by every rendering.
func (m Message) header() mail.Header {
	var h mail.Header
	h.SetAddressList("From", []*mail.Address{m.from.mailAddress()})
	to := make([]*mail.Address, len(m.to))
	for i, r := range m.to {
		to[i] = r.mailAddress()
	}
	h.SetAddressList("To", to)
	h.SetSubject(m.subject)
	h.SetDate(m.date)
	h.SetMessageID(m.id)
	h.Set("MIME-Version", "1.0")
	return h
}

// boundary derives a multipart boundary from the message ID so that
// rendering the same Message twice yields the same bytes.
func (m Message) boundary(kind string) string {
	local := m.id
	if i := strings.Index(local, "@"); i >= 0 {
		local = local[:i]
	}
	return "=_" + kind + "_" + local
}

func topLevel(w io.Writer) partCreator {
	return func(h message.Header) (*message.Writer, error) {
		return message.CreateWriter(w, h)
	}
}

// writeEntity writes the body and attachments using h as the header of the
// outermost entity.
func (m Message) writeEntity(create partCreator, h message.Header) error {
	if len(m.attachments) == 0 {
		return m.writeBody(create, h)
	}

	h.SetContentType("multipart/mixed", map[string]string{"boundary": m.boundary("mixed")})
	mw, err := create(h)
	if err != nil {
		return fmt.Errorf("can't create the multipart/mixed entity: %v", err)
	}

	var bh message.Header
	if err := m.writeBody(mw.CreatePart, bh); err != nil {
		return err
	}

	for _, a := range m.attachments {
		mt, params, _ := mime.ParseMediaType(a.ContentType)
		if params == nil {
			params = map[string]string{}
		}
		params["name"] = a.Filename

		var ah message.Header
		ah.SetContentType(mt, params)
		ah.SetContentDisposition(string(a.Disposition), map[string]string{"filename": a.Filename})
		ah.Set("Content-Transfer-Encoding", "base64")
		if err := writePart(mw.CreatePart, ah, a.Data); err != nil {
			return fmt.Errorf("can't write attachment %q: %v", a.Filename, err)
		}
	}

	return mw.Close()
}

// writeBody writes the body on its own, or as multipart/alternative with a
// generated text rendering if the body is HTML.
func (m Message) writeBody(create partCreator, h message.Header) error {
	mt, _, _ := mime.ParseMediaType(m.contentType)
	if mt != "text/html" {
		setBodyHeader(&h, m.contentType)
		return writePart(create, h, m.body)
	}

	text, err := html.TextFromBytes(m.body)
	if err != nil {
		return err
	}

	h.SetContentType("multipart/alternative", map[string]string{"boundary": m.boundary("alternative")})
	aw, err := create(h)
	if err != nil {
		return fmt.Errorf("can't create the multipart/alternative entity: %v", err)
	}

	var th message.Header
	setBodyHeader(&th, DefaultContentType)
	if err := writePart(aw.CreatePart, th, []byte(text)); err != nil {
		return err
	}

	var hh message.Header
	setBodyHeader(&hh, m.contentType)
	if err := writePart(aw.CreatePart, hh, m.body); err != nil {
		return err
	}

	return aw.Close()
}

// setBodyHeader sets the content type and a transfer encoding that survives
// 7-bit transports: quoted-printable for text, base64 for everything else.
func setBodyHeader(h *message.Header, contentType string) {
	h.Set("Content-Type", contentType)
	if strings.HasPrefix(strings.ToLower(contentType), "text/") {
		h.Set("Content-Transfer-Encoding", "quoted-printable")
	} else {
		h.Set("Content-Transfer-Encoding", "base64")
	}
}

func writePart(create partCreator, h message.Header, data []byte) error {
	w, err := create(h)
	if err != nil {
		return fmt.Errorf("can't create a MIME part: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("can't write a MIME part: %v", err)
	}
	return w.Close()
}

// crlf normalizes line endings to CRLF. Armored OpenPGP output uses bare
// LFs, which some relays reject.
func crlf(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(b, []byte("\n"), []byte("\r\n"))
}
