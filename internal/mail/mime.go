package mail

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// Identity is the sender the message appears to come from.
type Identity struct {
	Name    string
	Email   string
	ReplyTo string
}

func (id Identity) domain() string {
	at := strings.IndexByte(id.Email, '@')
	if at < 0 {
		return "localhost"
	}
	return id.Email[at+1:]
}

// Build writes the full MIME document for m to w and returns the generated
// Message-ID (in angle-bracket form). Both bodies present yields a
// multipart/alternative part with the plain text first, per convention.
func Build(w io.Writer, from Identity, m Message) (string, error) {
	id := uuid.NewString() + "@" + from.domain()

	var h gomail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*gomail.Address{{Name: from.Name, Address: from.Email}})
	h.SetAddressList("To", []*gomail.Address{{Address: m.To}})
	h.SetSubject(m.Subject)
	h.SetMessageID(id)

	if len(m.CC) > 0 {
		cc := make([]*gomail.Address, 0, len(m.CC))
		for _, a := range m.CC {
			cc = append(cc, &gomail.Address{Address: a})
		}
		h.SetAddressList("Cc", cc)
	}
	// BCC recipients go on the envelope only, never into the headers.

	replyTo := m.ReplyTo
	if replyTo == "" {
		replyTo = from.ReplyTo
	}
	if replyTo != "" && replyTo != from.Email {
		h.SetAddressList("Reply-To", []*gomail.Address{{Address: replyTo}})
	}

	for name, value := range m.Headers {
		h.Set(name, value)
	}

	mw, err := gomail.CreateWriter(w, h)
	if err != nil {
		return "", fmt.Errorf("create mime writer: %w", err)
	}

	if err := writeBodies(mw, m); err != nil {
		return "", err
	}

	for _, path := range m.Attachments {
		if err := writeAttachment(mw, path); err != nil {
			return "", err
		}
	}

	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finish mime message: %w", err)
	}
	return "<" + id + ">", nil
}

func writeBodies(mw *gomail.Writer, m Message) error {
	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("create body part: %w", err)
	}

	if m.TextBody != "" {
		var th gomail.InlineHeader
		th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		pw, err := iw.CreatePart(th)
		if err != nil {
			return fmt.Errorf("create text part: %w", err)
		}
		if _, err := io.WriteString(pw, m.TextBody); err != nil {
			return fmt.Errorf("write text body: %w", err)
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}

	if m.HTMLBody != "" {
		var hh gomail.InlineHeader
		hh.SetContentType("text/html", map[string]string{"charset": "utf-8"})
		pw, err := iw.CreatePart(hh)
		if err != nil {
			return fmt.Errorf("create html part: %w", err)
		}
		if _, err := io.WriteString(pw, m.HTMLBody); err != nil {
			return fmt.Errorf("write html body: %w", err)
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}

	return iw.Close()
}

func writeAttachment(mw *gomail.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	ctype := mime.TypeByExtension(filepath.Ext(path))
	if ctype == "" {
		ctype = "application/octet-stream"
	}

	var ah gomail.AttachmentHeader
	ah.SetFilename(filepath.Base(path))
	ah.SetContentType(ctype, nil)

	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return fmt.Errorf("create attachment part: %w", err)
	}
	if _, err := io.Copy(aw, f); err != nil {
		return fmt.Errorf("write attachment %s: %w", filepath.Base(path), err)
	}
	return aw.Close()
}
