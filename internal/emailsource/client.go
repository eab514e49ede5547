// Package emailsource implements the EmailSource task from spec.md §4.2:
// it polls a mailbox, extracts candidate fanfiction URLs from unread
// messages, tags each with a normalized site, and emits Story arrivals
// into the Coordinator's ingress channel. Grounded on the original
// url_ingester.py polling loop (connect, extract, route, sleep), reworked
// onto emersion/go-imap for the protocol and goquery for HTML link
// extraction per SPEC_FULL.md §6.
package emailsource

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// ErrAuthFailed marks an IMAP login failure, which EmailSource treats as
// fatal to the task rather than retried like a transient network error.
var ErrAuthFailed = errors.New("emailsource: imap authentication failed")

// Message is one fetched mailbox message, reduced to the parts URL
// extraction needs.
type Message struct {
	Subject  string
	TextBody string
	HTMLBody string
}

// EmailClient is the collaborator boundary EmailSource depends on. The
// production implementation is IMAPClient; tests substitute a fake that
// never touches the network.
type EmailClient interface {
	FetchUnseen(ctx context.Context) ([]Message, error)
}

// IMAPClient fetches unseen messages from a single mailbox over IMAP,
// dialing and logging out on every call rather than holding a persistent
// connection, matching the original implementation's per-cycle connect.
type IMAPClient struct {
	Addr     string
	Username string
	Password string
	Mailbox  string
}

// NewIMAPClient builds an IMAPClient. addr must include the port, e.g.
// "imap.gmail.com:993".
func NewIMAPClient(addr, username, password, mailbox string) *IMAPClient {
	if mailbox == "" {
		mailbox = "INBOX"
	}
	return &IMAPClient{Addr: addr, Username: username, Password: password, Mailbox: mailbox}
}

// FetchUnseen connects, selects the configured mailbox, searches for
// messages without the \Seen flag, fetches their bodies, and logs out.
// The mailbox is selected read-write and bodies are fetched without PEEK,
// so the server marks each fetched message \Seen and a later poll does not
// return it again; EmailSource still dedupes against ActiveSet.
func (c *IMAPClient) FetchUnseen(ctx context.Context) ([]Message, error) {
	conn, err := client.DialTLS(c.Addr, nil)
	if err != nil {
		return nil, fmt.Errorf("emailsource: dial %s: %w", c.Addr, err)
	}
	defer conn.Logout()

	if err := conn.Login(c.Username, c.Password); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	if _, err := conn.Select(c.Mailbox, false); err != nil {
		return nil, fmt.Errorf("emailsource: select mailbox %q: %w", c.Mailbox, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := conn.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("emailsource: search: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}

	messages := make(chan *imap.Message, len(ids))
	done := make(chan error, 1)
	go func() { done <- conn.Fetch(seqset, items, messages) }()

	var out []Message
	for msg := range messages {
		lit := msg.GetBody(section)
		if lit == nil {
			continue
		}
		parsed, err := parseMessage(lit)
		if err != nil {
			continue
		}
		if msg.Envelope != nil {
			parsed.Subject = msg.Envelope.Subject
		}
		out = append(out, parsed)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("emailsource: fetch: %w", err)
	}
	return out, nil
}

// parseMessage walks a raw RFC 822 message, collecting every text/plain
// and text/html part it finds (recursing through multipart/* bodies up to
// a bounded depth to avoid a pathological nesting bomb).
func parseMessage(r io.Reader) (Message, error) {
	m, err := mail.ReadMessage(r)
	if err != nil {
		return Message{}, err
	}
	var out Message
	collectParts(m.Header.Get("Content-Type"), m.Header.Get("Content-Transfer-Encoding"), m.Body, &out, 0)
	return out, nil
}

const maxMIMEDepth = 8

func collectParts(contentType, transferEncoding string, body io.Reader, out *Message, depth int) {
	if depth > maxMIMEDepth {
		return
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return
		}
		mr := multipart.NewReader(body, boundary)
		for {
			part, err := mr.NextPart()
			if err != nil {
				return
			}
			collectParts(part.Header.Get("Content-Type"), part.Header.Get("Content-Transfer-Encoding"), part, out, depth+1)
		}
	}

	data, err := decodeTransferEncoding(transferEncoding, body)
	if err != nil {
		return
	}
	switch mediaType {
	case "text/html":
		out.HTMLBody += string(data)
	default:
		out.TextBody += string(data)
	}
}

func decodeTransferEncoding(encoding string, r io.Reader) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return io.ReadAll(base64.NewDecoder(base64.StdEncoding, r))
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	default:
		return io.ReadAll(r)
	}
}

var bareURLPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// ExtractURLs pulls every candidate URL out of a message: anchor hrefs
// from the HTML part via goquery, and bare http(s) tokens from the plain
// text part via regexp. Results are deduplicated and order is not
// significant to callers.
func ExtractURLs(m Message) []string {
	seen := map[string]bool{}
	var out []string
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}

	if m.HTMLBody != "" {
		if doc, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(m.HTMLBody))); err == nil {
			doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
				if href, ok := sel.Attr("href"); ok && bareURLPattern.MatchString(href) {
					add(href)
				}
			})
		}
	}

	for _, u := range bareURLPattern.FindAllString(m.TextBody, -1) {
		add(u)
	}
	for _, u := range bareURLPattern.FindAllString(m.HTMLBody, -1) {
		add(u)
	}

	return out
}
