// Package mail holds the message value type, input validation, and MIME
// assembly for outbound email.
package mail

import (
	"errors"
	"strings"
)

// Message is one outbound email. Treat it as immutable once constructed:
// it is handed by value to the store and the delivery engine and never
// mutated afterwards.
type Message struct {
	To       string
	Subject  string
	HTMLBody string
	TextBody string

	CC          []string
	BCC         []string
	Attachments []string

	// ReplyTo overrides the sender-level reply address when set.
	ReplyTo string

	// Headers are extra header name/value pairs appended verbatim.
	Headers map[string]string
}

// Option configures an optional Message field.
type Option func(*Message)

func WithHTML(body string) Option { return func(m *Message) { m.HTMLBody = body } }
func WithText(body string) Option { return func(m *Message) { m.TextBody = body } }
func WithCC(addrs ...string) Option {
	return func(m *Message) { m.CC = append(m.CC, addrs...) }
}
func WithBCC(addrs ...string) Option {
	return func(m *Message) { m.BCC = append(m.BCC, addrs...) }
}
func WithAttachments(paths ...string) Option {
	return func(m *Message) { m.Attachments = append(m.Attachments, paths...) }
}
func WithReplyTo(addr string) Option { return func(m *Message) { m.ReplyTo = addr } }
func WithHeader(name, value string) Option {
	return func(m *Message) {
		if m.Headers == nil {
			m.Headers = map[string]string{}
		}
		m.Headers[name] = value
	}
}

// NewMessage builds a Message and enforces the body invariant: at least one
// of the HTML and plain-text bodies must be present.
func NewMessage(to, subject string, opts ...Option) (Message, error) {
	m := Message{To: to, Subject: subject}
	for _, opt := range opts {
		if opt != nil {
			opt(&m)
		}
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Validate checks the structural invariants that must hold before a message
// may be stored or sent. Recipient address syntax is checked separately by
// ValidateAddress.
func (m Message) Validate() error {
	if strings.TrimSpace(m.To) == "" {
		return errors.New("message has no recipient")
	}
	if m.HTMLBody == "" && m.TextBody == "" {
		return errors.New("message must have either an HTML or a plain text body")
	}
	return nil
}

// Recipients returns To plus CC plus BCC, the full envelope recipient set.
func (m Message) Recipients() []string {
	out := make([]string, 0, 1+len(m.CC)+len(m.BCC))
	out = append(out, m.To)
	out = append(out, m.CC...)
	out = append(out, m.BCC...)
	return out
}

// Mask shortens the local part of an address for log output, so recipient
// lists do not leak into log files: "johndoe@example.com" -> "jo***@example.com".
func Mask(addr string) string {
	at := strings.IndexByte(addr, '@')
	if at <= 0 {
		return addr
	}
	local := addr[:at]
	if len(local) <= 2 {
		return local[:1] + "***" + addr[at:]
	}
	return local[:2] + "***" + addr[at:]
}
