package utils

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"mailcadence/models"
)

// InboundMessage is one inbound email as seen by the reply detector
type InboundMessage struct {
	InternalID  uint32 // IMAP UID, used to mark the message processed
	MessageID   string
	InReplyTo   string
	References  []string
	FromAddress string
	Subject     string
	ReceivedAt  time.Time
}

// ReferenceIDs returns every transport id this message claims to answer
func (m *InboundMessage) ReferenceIDs() []string {
	ids := make([]string, 0, len(m.References)+1)
	if m.InReplyTo != "" {
		ids = append(ids, m.InReplyTo)
	}
	for _, ref := range m.References {
		if ref != "" && ref != m.InReplyTo {
			ids = append(ids, ref)
		}
	}
	return ids
}

// InboundClient is one polling pass over a sender's mailbox: connect,
// stream a finite batch of messages, mark them processed, close. The
// stream is restartable on the next pass.
type InboundClient interface {
	Connect(ctx context.Context) error
	// Messages streams unprocessed messages, at most limit (0 = no cap).
	// After the channel closes, Err reports any fetch failure.
	Messages(ctx context.Context, limit int) (<-chan InboundMessage, error)
	Err() error
	MarkProcessed(ctx context.Context, internalID uint32) error
	Close() error
}

// InboundDialer builds a client for one sender's mailbox
type InboundDialer func(sender *models.Sender) InboundClient

// IMAPInbound implements InboundClient over go-imap. Processed messages
// are flagged \Seen so a later pass never re-evaluates them.
type IMAPInbound struct {
	sender      *models.Sender
	dialTimeout time.Duration

	mu      sync.Mutex
	cl      *client.Client
	fetched error
}

func NewIMAPInbound(sender *models.Sender, dialTimeout time.Duration) *IMAPInbound {
	return &IMAPInbound{sender: sender, dialTimeout: dialTimeout}
}

// DialIMAP is the InboundDialer used in production
func DialIMAP(timeout time.Duration) InboundDialer {
	return func(sender *models.Sender) InboundClient {
		return NewIMAPInbound(sender, timeout)
	}
}

func (c *IMAPInbound) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cl != nil {
		return nil
	}

	password, err := Decrypt(c.sender.IMAPPassword)
	if err != nil {
		return fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}

	timeout := c.dialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	addr := fmt.Sprintf("%s:%d", c.sender.IMAPHost, c.sender.IMAPPort)
	tlsConfig := &tls.Config{ServerName: c.sender.IMAPHost}
	dialer := &net.Dialer{Timeout: timeout}

	var cl *client.Client
	switch strings.ToUpper(c.sender.IMAPEncryption) {
	case "SSL", "TLS":
		cl, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
	case "STARTTLS":
		cl, err = client.DialWithDialer(dialer, addr)
		if err == nil {
			err = cl.StartTLS(tlsConfig)
		}
	default:
		cl, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	cl.Timeout = timeout

	if err := cl.Login(c.sender.IMAPUsername, password); err != nil {
		cl.Logout()
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	mailbox := c.sender.IMAPMailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := cl.Select(mailbox, false); err != nil {
		cl.Logout()
		return fmt.Errorf("failed to select mailbox %s: %w", mailbox, err)
	}

	c.cl = cl
	return nil
}

func (c *IMAPInbound) Messages(ctx context.Context, limit int) (<-chan InboundMessage, error) {
	c.mu.Lock()
	cl := c.cl
	c.mu.Unlock()
	if cl == nil {
		return nil, fmt.Errorf("not connected")
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := cl.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}

	out := make(chan InboundMessage)
	if len(uids) == 0 {
		close(out)
		return out, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier}, Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- cl.UidFetch(seqset, items, messages)
	}()

	go func() {
		defer close(out)
		for msg := range messages {
			parsed := parseInbound(msg, section)
			select {
			case out <- parsed:
			case <-ctx.Done():
				// Drain so UidFetch can finish.
				for range messages {
				}
			}
		}
		c.mu.Lock()
		c.fetched = <-done
		c.mu.Unlock()
	}()

	return out, nil
}

func (c *IMAPInbound) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetched
}

func (c *IMAPInbound) MarkProcessed(ctx context.Context, internalID uint32) error {
	c.mu.Lock()
	cl := c.cl
	c.mu.Unlock()
	if cl == nil {
		return fmt.Errorf("not connected")
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(internalID)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}
	if err := cl.UidStore(seqset, item, flags, nil); err != nil {
		return fmt.Errorf("failed to mark message processed: %w", err)
	}
	return nil
}

func (c *IMAPInbound) Close() error {
	c.mu.Lock()
	cl := c.cl
	c.cl = nil
	c.mu.Unlock()
	if cl == nil {
		return nil
	}
	return cl.Logout()
}

// parseInbound lifts envelope and reference headers out of a raw message
func parseInbound(msg *imap.Message, section *imap.BodySectionName) InboundMessage {
	parsed := InboundMessage{InternalID: msg.Uid}

	if msg.Envelope != nil {
		parsed.MessageID = msg.Envelope.MessageId
		parsed.InReplyTo = msg.Envelope.InReplyTo
		parsed.Subject = msg.Envelope.Subject
		parsed.ReceivedAt = msg.Envelope.Date
		if len(msg.Envelope.From) > 0 {
			parsed.FromAddress = msg.Envelope.From[0].Address()
		}
	}

	// References is not part of the envelope; read it from the headers.
	if literal := msg.GetBody(section); literal != nil {
		if mr, err := mail.CreateReader(literal); err == nil {
			refs := mr.Header.Get("References")
			for _, ref := range strings.Fields(refs) {
				parsed.References = append(parsed.References, ref)
			}
			if parsed.InReplyTo == "" {
				parsed.InReplyTo = strings.TrimSpace(mr.Header.Get("In-Reply-To"))
			}
		}
	}

	return parsed
}
