package notes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

type DeliveryOutcome string

const (
	DeliverySent    DeliveryOutcome = "sent"
	DeliverySkipped DeliveryOutcome = "skipped"
)

type DeliveryOptions struct {
	// ReserveBeforeSend writes the marker with create-if-absent before the
	// send and removes it again if the send fails.
	ReserveBeforeSend bool
	Logger            *slog.Logger
	Observer          Observer
	Now               func() time.Time
}

type DeliveryGuard struct {
	cache    *Cache
	mailer   Mailer
	reserve  bool
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

type deliveryRecord struct {
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Text      string    `json:"text"`
	Status    string    `json:"status"`
	MessageID string    `json:"message_id,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

func NewDeliveryGuard(cache *Cache, mailer Mailer, opts DeliveryOptions) *DeliveryGuard {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &DeliveryGuard{
		cache:    cache,
		mailer:   mailer,
		reserve:  opts.ReserveBeforeSend,
		logger:   opts.Logger,
		observer: observerOrNoop(opts.Observer),
		now:      opts.Now,
	}
}

// ParticipantKey maps an email address to a cache-safe token.
func ParticipantKey(email string) string {
	email = strings.ToLower(norm.NFC.String(strings.TrimSpace(email)))
	var b strings.Builder
	b.WriteString("email_")
	for _, r := range email {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

func (g *DeliveryGuard) Delivered(ctx context.Context, documentID, participant string) (bool, error) {
	_, ok, err := g.cache.Get(ctx, documentID, NotifiedArtifact(ParticipantKey(participant)))
	return ok, err
}

// NotifyOnce sends the rendered email unless the participant already has a
// notified marker for the document.
func (g *DeliveryGuard) NotifyOnce(ctx context.Context, documentID, participant string, render func() (Email, error)) (DeliveryOutcome, error) {
	artifact := NotifiedArtifact(ParticipantKey(participant))
	if g.reserve {
		return g.notifyReserved(ctx, documentID, participant, artifact, render)
	}

	if _, ok, err := g.cache.Get(ctx, documentID, artifact); err != nil {
		return "", err
	} else if ok {
		g.skipped(documentID, participant)
		return DeliverySkipped, nil
	}
	msg, err := render()
	if err != nil {
		return "", fmt.Errorf("render email for %s: %w", participant, err)
	}
	msg.To = participant
	messageID, err := g.mailer.Send(ctx, msg)
	if err != nil {
		g.failed(documentID, participant, err)
		return "", fmt.Errorf("send to %s: %w", participant, err)
	}
	if err := g.writeRecord(ctx, documentID, artifact, msg, messageID, "sent"); err != nil {
		return "", err
	}
	g.sent(documentID, participant, messageID)
	return DeliverySent, nil
}

func (g *DeliveryGuard) notifyReserved(ctx context.Context, documentID, participant, artifact string, render func() (Email, error)) (DeliveryOutcome, error) {
	msg, err := render()
	if err != nil {
		return "", fmt.Errorf("render email for %s: %w", participant, err)
	}
	msg.To = participant
	reservation, err := json.Marshal(deliveryRecord{To: participant, Subject: msg.Subject, Status: "reserved", SentAt: g.now().UTC()})
	if err != nil {
		return "", err
	}
	created, err := g.cache.Create(ctx, documentID, artifact, string(reservation))
	if err != nil {
		return "", err
	}
	if !created {
		g.skipped(documentID, participant)
		return DeliverySkipped, nil
	}
	messageID, err := g.mailer.Send(ctx, msg)
	if err != nil {
		g.failed(documentID, participant, err)
		if delErr := g.cache.Delete(ctx, documentID, artifact); delErr != nil {
			g.logger.Error("reservation_release_failed", "document_id", documentID, "participant", participant, "error", delErr)
		}
		return "", fmt.Errorf("send to %s: %w", participant, err)
	}
	if err := g.writeRecord(ctx, documentID, artifact, msg, messageID, "sent"); err != nil {
		g.logger.Error("delivery_record_failed", "document_id", documentID, "participant", participant, "error", err)
	}
	g.sent(documentID, participant, messageID)
	return DeliverySent, nil
}

func (g *DeliveryGuard) writeRecord(ctx context.Context, documentID, artifact string, msg Email, messageID, status string) error {
	record, err := json.Marshal(deliveryRecord{
		To:        msg.To,
		Subject:   msg.Subject,
		Text:      msg.Text,
		Status:    status,
		MessageID: messageID,
		SentAt:    g.now().UTC(),
	})
	if err != nil {
		return err
	}
	return g.cache.Put(ctx, documentID, artifact, string(record))
}

func (g *DeliveryGuard) sent(documentID, participant, messageID string) {
	g.logger.Info("email_sent", "document_id", documentID, "participant", participant, "message_id", messageID)
	g.observer.Observe(Activity{Kind: ActivityEmailSent, DocumentID: documentID, Participant: participant})
}

func (g *DeliveryGuard) skipped(documentID, participant string) {
	g.logger.Info("email_skipped", "document_id", documentID, "participant", participant, "reason", "already notified")
	g.observer.Observe(Activity{Kind: ActivityEmailSkipped, DocumentID: documentID, Participant: participant})
}

func (g *DeliveryGuard) failed(documentID, participant string, err error) {
	g.logger.Error("email_failed", "document_id", documentID, "participant", participant, "error", err)
	g.observer.Observe(Activity{Kind: ActivityEmailFailed, DocumentID: documentID, Participant: participant, Detail: err.Error()})
}
