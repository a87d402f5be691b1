package notes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

type ProcessorOptions struct {
	Render RenderOptions
	Logger *slog.Logger
}

// Processor is the queue consumer: one call handles one transcript event
// for every participant of the document.
type Processor struct {
	cache        *Cache
	docs         DocumentSource
	preprocessor *Preprocessor
	summarizer   *Summarizer
	guard        *DeliveryGuard
	render       RenderOptions
	logger       *slog.Logger
}

type ProcessResult struct {
	DocumentID   string   `json:"file_id"`
	OwnerEmail   string   `json:"owner_email"`
	Participants []string `json:"participant_emails"`
	Sent         []string `json:"sent,omitempty"`
	Skipped      []string `json:"skipped,omitempty"`
	Failed       []string `json:"failed,omitempty"`
}

func NewProcessor(cache *Cache, docs DocumentSource, preprocessor *Preprocessor, summarizer *Summarizer, guard *DeliveryGuard, opts ProcessorOptions) *Processor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Processor{
		cache:        cache,
		docs:         docs,
		preprocessor: preprocessor,
		summarizer:   summarizer,
		guard:        guard,
		render:       opts.Render,
		logger:       opts.Logger,
	}
}

// Participants returns the distinct email addresses with access to the
// document, excluding the owner.
func Participants(permissions []Permission, owner string) []string {
	ownerKey := strings.ToLower(strings.TrimSpace(owner))
	ownerBase := strings.ToLower(StripAddressTag(owner))
	seen := map[string]struct{}{}
	var out []string
	for _, permission := range permissions {
		email := strings.TrimSpace(permission.EmailAddress)
		if email == "" {
			continue
		}
		key := strings.ToLower(email)
		if key == ownerKey || key == ownerBase {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, email)
	}
	return out
}

// StripAddressTag removes a +tag from the local part of an address.
func StripAddressTag(email string) string {
	email = strings.TrimSpace(email)
	local, domain, ok := strings.Cut(email, "@")
	if !ok {
		return email
	}
	if base, _, tagged := strings.Cut(local, "+"); tagged {
		return base + "@" + domain
	}
	return email
}

func (p *Processor) Process(ctx context.Context, event TranscriptEvent) (ProcessResult, error) {
	result := ProcessResult{DocumentID: event.DocumentID, OwnerEmail: event.OwnerEmail}
	if event.DocumentID == "" || event.OwnerEmail == "" {
		return result, ErrInvalidInput
	}
	permissions, err := p.docs.ListPermissions(ctx, event.DocumentID, event.OwnerEmail)
	if err != nil {
		return result, fmt.Errorf("list permissions for %s: %w", event.DocumentID, err)
	}
	result.Participants = Participants(permissions, event.OwnerEmail)

	var pending []string
	for _, participant := range result.Participants {
		done, err := p.guard.Delivered(ctx, event.DocumentID, participant)
		if err != nil {
			return result, err
		}
		if done {
			result.Skipped = append(result.Skipped, participant)
			continue
		}
		pending = append(pending, participant)
	}
	if len(pending) == 0 {
		p.logger.Info("document_already_delivered", "document_id", event.DocumentID, "participants", len(result.Participants))
		return result, nil
	}

	header, summary, err := p.summary(ctx, event)
	if err != nil {
		return result, err
	}

	var failures []error
	for _, participant := range pending {
		outcome, err := p.guard.NotifyOnce(ctx, event.DocumentID, participant, func() (Email, error) {
			return RenderEmail(event, header, summary, p.render), nil
		})
		switch {
		case err != nil:
			result.Failed = append(result.Failed, participant)
			failures = append(failures, err)
		case outcome == DeliverySkipped:
			result.Skipped = append(result.Skipped, participant)
		default:
			result.Sent = append(result.Sent, participant)
		}
	}
	if len(failures) > 0 {
		return result, fmt.Errorf("%w: %d of %d participants: %w", ErrPartialDelivery, len(failures), len(pending), errors.Join(failures...))
	}
	return result, nil
}

func (p *Processor) summary(ctx context.Context, event TranscriptEvent) (header, summary string, err error) {
	summary, haveSummary, err := p.cache.Get(ctx, event.DocumentID, ArtifactFinalSummary)
	if err != nil {
		return "", "", err
	}
	header, haveHeader, err := p.cache.Get(ctx, event.DocumentID, ArtifactHeader)
	if err != nil {
		return "", "", err
	}
	if haveSummary && haveHeader {
		return header, summary, nil
	}

	header, body, err := p.preprocessor.FetchAndCondense(ctx, event.DocumentID, event.OwnerEmail)
	if err != nil {
		return "", "", err
	}
	if haveSummary {
		if err := p.cache.Put(ctx, event.DocumentID, ArtifactHeader, header); err != nil {
			return "", "", err
		}
		return header, summary, nil
	}
	summary, err = p.summarizer.Summarize(ctx, event.DocumentID, body, Artifact{Name: ArtifactHeader, Body: header})
	if err != nil {
		return "", "", err
	}
	return header, summary, nil
}
