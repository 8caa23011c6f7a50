package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadnexy/config"
	"leadnexy/engine"
	"leadnexy/models"
)

// ReplyWorker polls the shared reply inbox over IMAP and turns each new
// message from a known lead into a reply event, which stops that lead's
// active sequences.
type ReplyWorker struct {
	DB       *gorm.DB
	Ingestor *engine.Ingestor
	Config   config.IMAPConfig
	Logger   *logrus.Logger
}

func NewReplyWorker(db *gorm.DB, ingestor *engine.Ingestor, cfg config.IMAPConfig, logger *logrus.Logger) *ReplyWorker {
	return &ReplyWorker{
		DB:       db,
		Ingestor: ingestor,
		Config:   cfg,
		Logger:   logger,
	}
}

func (rw *ReplyWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	time.Sleep(10 * time.Second)

	rw.Logger.Info("Reply worker started")

	interval := rw.Config.PollInterval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rw.Logger.Info("Reply worker shutting down...")
			return
		case <-ticker.C:
			if err := rw.fetchReplies(ctx); err != nil {
				rw.Logger.WithError(err).Error("Reply inbox poll failed")
			}
		}
	}
}

func (rw *ReplyWorker) fetchReplies(ctx context.Context) error {
	imapClient, err := rw.connect()
	if err != nil {
		return err
	}
	defer imapClient.Logout()

	if err := imapClient.Login(rw.Config.Username, rw.Config.Password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %v", err)
	}

	if _, err := imapClient.Select("INBOX", false); err != nil {
		return fmt.Errorf("failed to select mailbox: %v", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{"\\Seen"}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %v", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchItem("BODY.PEEK[]")}, messages)
	}()

	for msg := range messages {
		if err := rw.processMessage(ctx, msg); err != nil {
			rw.Logger.WithError(err).WithField("seq", msg.SeqNum).Warn("Failed to process reply message")
			continue
		}
	}
	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %v", err)
	}

	// Mark the batch as seen so the next poll skips it
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := imapClient.Store(seqset, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		rw.Logger.WithError(err).Warn("Failed to flag replies as seen")
	}
	return nil
}

func (rw *ReplyWorker) connect() (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", rw.Config.Host, rw.Config.Port)

	var imapClient *client.Client
	var err error
	switch strings.ToUpper(rw.Config.Encryption) {
	case "SSL", "TLS":
		imapClient, err = client.DialTLS(addr, &tls.Config{
			ServerName: rw.Config.Host,
		})
	case "STARTTLS":
		imapClient, err = client.Dial(addr)
		if err == nil {
			err = imapClient.StartTLS(&tls.Config{
				ServerName: rw.Config.Host,
			})
		}
	default:
		imapClient, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %v", err)
	}
	return imapClient, nil
}

func (rw *ReplyWorker) processMessage(ctx context.Context, msg *imap.Message) error {
	if msg.Envelope == nil || len(msg.Envelope.From) == 0 {
		return fmt.Errorf("message has no sender")
	}
	from := msg.Envelope.From[0]
	fromAddr := strings.ToLower(from.MailboxName + "@" + from.HostName)

	var lead models.Lead
	if err := rw.DB.Where("email = ?", fromAddr).First(&lead).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			// not a lead we track, leave it for the agents
			return nil
		}
		return err
	}

	eventID := msg.Envelope.MessageId
	if eventID == "" {
		eventID = uuid.NewString()
	}
	occurredAt := msg.Envelope.Date
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	ev := engine.InboundEvent{
		ID:     eventID,
		LeadID: lead.ID,
		Kind:   engine.EventReply,
		Payload: map[string]string{
			"subject": msg.Envelope.Subject,
			"snippet": snippetOf(msg),
		},
		OccurredAt: occurredAt,
	}
	if err := rw.Ingestor.Ingest(ctx, ev); err != nil {
		return err
	}

	rw.Logger.WithFields(logrus.Fields{
		"lead_id": lead.ID,
		"from":    fromAddr,
	}).Info("Reply received; sequences stopped")
	return nil
}

// snippetOf extracts the first chunk of the plain-text part for the event
// payload. Best effort; an empty snippet is fine.
func snippetOf(msg *imap.Message) string {
	section := imap.BodySectionName{}
	literal := msg.GetBody(&section)
	if literal == nil {
		return ""
	}

	mr, err := mail.CreateReader(literal)
	if err != nil {
		return ""
	}
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return ""
		}
		if h, ok := p.Header.(*mail.InlineHeader); ok {
			contentType, _, _ := h.ContentType()
			if strings.Contains(contentType, "text/plain") {
				b, err := io.ReadAll(io.LimitReader(p.Body, 512))
				if err != nil {
					return ""
				}
				return strings.TrimSpace(string(b))
			}
		}
	}
	return ""
}
