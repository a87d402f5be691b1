package notes

import (
	"fmt"
	"log/slog"
	"strings"
)

const DefaultDocumentLinkFormat = "https://docs.google.com/document/d/%s/edit?usp=drivesdk"

type Decision struct {
	Event    TranscriptEvent
	Accepted bool
	Reason   string
}

// DirectPayload is the body of a direct invocation naming a document.
type DirectPayload struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	OwnerEmail string `json:"owner_email"`
	Link       string `json:"link"`
}

type Normalizer struct {
	linkFormat string
	logger     *slog.Logger
}

func NewNormalizer(linkFormat string, logger *slog.Logger) *Normalizer {
	if strings.TrimSpace(linkFormat) == "" {
		linkFormat = DefaultDocumentLinkFormat
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{linkFormat: linkFormat, logger: logger}
}

func IsTranscriptTitle(title string) bool {
	return strings.HasSuffix(title, TranscriptTitleSuffix)
}

// NormalizeChange turns a change-feed entry observed in user's feed into an
// event, or explains why it was dropped.
func (n *Normalizer) NormalizeChange(user string, change Change) Decision {
	var reason string
	switch {
	case change.Type != ChangeTypeFile:
		reason = "not a file change"
	case change.Removed || change.File == nil:
		reason = "file removed"
	case change.File.Kind != DriveFileKind:
		reason = "unexpected kind " + change.File.Kind
	case change.File.MimeType != GoogleDocMimeType:
		reason = "not a document"
	case !IsTranscriptTitle(change.File.Name):
		reason = "title is not a transcript"
	case strings.TrimSpace(change.File.ID) == "":
		reason = "missing document id"
	}
	if reason != "" {
		n.logger.Debug("change_dropped", "user", user, "file_id", change.FileID, "reason", reason)
		return Decision{Reason: reason}
	}
	return Decision{
		Accepted: true,
		Event: TranscriptEvent{
			DocumentID: change.File.ID,
			Title:      change.File.Name,
			OwnerEmail: user,
			Link:       n.link(change.File.ID),
		},
	}
}

func (n *Normalizer) NormalizeDirect(payload DirectPayload) Decision {
	id := strings.TrimSpace(payload.ID)
	if id == "" {
		return Decision{Reason: "missing document id"}
	}
	event := TranscriptEvent{
		DocumentID: id,
		Title:      payload.Title,
		OwnerEmail: strings.TrimSpace(payload.OwnerEmail),
		Link:       strings.TrimSpace(payload.Link),
	}
	if !IsTranscriptTitle(payload.Title) {
		n.logger.Debug("direct_event_dropped", "document_id", id, "title", payload.Title)
		return Decision{Event: event, Reason: fmt.Sprintf("Document ID %s is not a transcript (%s)", id, payload.Title)}
	}
	if event.OwnerEmail == "" {
		return Decision{Event: event, Reason: "missing owner_email"}
	}
	if event.Link == "" {
		event.Link = n.link(id)
	}
	return Decision{Event: event, Accepted: true}
}

func (n *Normalizer) link(documentID string) string {
	return fmt.Sprintf(n.linkFormat, documentID)
}

// EventDeduper drops repeated document ids within one poll.
type EventDeduper struct {
	seen map[string]struct{}
}

func NewEventDeduper() *EventDeduper {
	return &EventDeduper{seen: map[string]struct{}{}}
}

func (d *EventDeduper) First(event TranscriptEvent) bool {
	if _, ok := d.seen[event.DocumentID]; ok {
		return false
	}
	d.seen[event.DocumentID] = struct{}{}
	return true
}

func DedupeEvents(events []TranscriptEvent) []TranscriptEvent {
	deduper := NewEventDeduper()
	out := make([]TranscriptEvent, 0, len(events))
	for _, event := range events {
		if deduper.First(event) {
			out = append(out, event)
		}
	}
	return out
}
