package notes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
)

type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

type DispatcherOptions struct {
	SiteVerification string
	Logger           *slog.Logger
	Observer         Observer
}

type Dispatcher struct {
	renewer    *Renewer
	cursors    *CursorManager
	normalizer *Normalizer
	intake     *Intake
	processor  TaskProcessor
	landing    []byte
	logger     *slog.Logger
	observer   Observer
}

func NewDispatcher(renewer *Renewer, cursors *CursorManager, normalizer *Normalizer, intake *Intake, processor TaskProcessor, opts DispatcherOptions) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if normalizer == nil {
		normalizer = NewNormalizer("", opts.Logger)
	}
	return &Dispatcher{
		renewer:    renewer,
		cursors:    cursors,
		normalizer: normalizer,
		intake:     intake,
		processor:  processor,
		landing:    LandingPage(opts.SiteVerification),
		logger:     opts.Logger,
		observer:   observerOrNoop(opts.Observer),
	}
}

func LandingPage(siteVerification string) []byte {
	return []byte(fmt.Sprintf(`<HTML>
<HEAD>
<TITLE>Meeting Notes</TITLE>
<meta name="google-site-verification" content="%s" />
</HEAD>
<BODY>
<H1>Meeting Notes</H1>
</BODY>
</HTML>`, html.EscapeString(siteVerification)))
}

func (d *Dispatcher) Dispatch(ctx context.Context, trigger Trigger) Response {
	switch t := trigger.(type) {
	case ScheduledTrigger:
		return d.scheduled(ctx, t)
	case QueueBatchTrigger:
		return d.queueBatch(ctx, t)
	case PlatformWebhookTrigger:
		return d.webhook(ctx, t)
	case DirectTrigger:
		return d.direct(ctx, t)
	case UnrecognizedTrigger:
		d.logger.Info("unrecognized_invocation", "source_ip", t.SourceIP, "reason", t.Reason)
		return Response{Status: http.StatusOK, ContentType: "text/html", Body: d.landing}
	default:
		return Response{Status: http.StatusOK, ContentType: "text/html", Body: d.landing}
	}
}

func (d *Dispatcher) scheduled(ctx context.Context, t ScheduledTrigger) Response {
	if d.renewer == nil {
		return jsonResponse(http.StatusServiceUnavailable, map[string]string{"message": "renewal not configured"})
	}
	report := d.renewer.RenewAllTo(ctx, t.WebhookURL)
	return jsonResponse(http.StatusOK, report)
}

type batchItemResult struct {
	MessageID string         `json:"message_id"`
	Result    *ProcessResult `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

func (d *Dispatcher) queueBatch(ctx context.Context, t QueueBatchTrigger) Response {
	status := http.StatusOK
	results := make([]batchItemResult, 0, len(t.Records))
	for _, record := range t.Records {
		item := batchItemResult{MessageID: record.MessageID}
		if record.Err != nil {
			d.logger.Error("queue_record_invalid", "message_id", record.MessageID, "error", record.Err)
			item.Error = record.Err.Error()
			results = append(results, item)
			continue
		}
		d.logger.Info("queue_record_processing", "message_id", record.MessageID, "document_id", record.Event.DocumentID)
		result, err := d.processor.Process(ctx, record.Event)
		item.Result = &result
		if err != nil {
			d.logger.Error("queue_record_failed", "message_id", record.MessageID, "document_id", record.Event.DocumentID, "error", err)
			item.Error = err.Error()
			status = http.StatusInternalServerError
		}
		results = append(results, item)
	}
	return jsonResponse(status, map[string]any{"records": results})
}

func (d *Dispatcher) webhook(ctx context.Context, t PlatformWebhookTrigger) Response {
	if t.ResourceState == "sync" {
		d.logger.Info("webhook_sync", "user", t.User, "channel_id", t.ChannelID)
		return jsonResponse(http.StatusOK, map[string]string{"message": "sync acknowledged"})
	}
	result, err := d.cursors.Poll(ctx, t.User, t.PageToken, func(ctx context.Context, event TranscriptEvent) error {
		_, err := d.intake.Enqueue(ctx, event)
		return err
	})
	if err != nil {
		d.logger.Error("webhook_poll_failed", "user", t.User, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, ErrQueueFull) {
			status = http.StatusTooManyRequests
		}
		return jsonResponse(status, map[string]string{"message": err.Error()})
	}
	d.logger.Info("webhook_processed", "user", t.User, "pages", result.Pages, "accepted", result.Accepted, "dropped", result.Dropped)
	return jsonResponse(http.StatusOK, map[string]any{
		"message":  "Processed change notifications for user " + t.User,
		"accepted": result.Accepted,
		"dropped":  result.Dropped,
	})
}

func (d *Dispatcher) direct(ctx context.Context, t DirectTrigger) Response {
	decision := d.normalizer.NormalizeDirect(t.Payload)
	if !decision.Accepted {
		d.observer.Observe(Activity{Kind: ActivityEventFiltered, DocumentID: t.Payload.ID, Detail: decision.Reason})
		return Response{Status: http.StatusCreated, ContentType: "text/plain", Body: []byte(decision.Reason)}
	}
	result, err := d.intake.Enqueue(ctx, decision.Event)
	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			return jsonResponse(http.StatusTooManyRequests, map[string]string{"message": err.Error()})
		}
		return jsonResponse(http.StatusInternalServerError, map[string]string{"message": err.Error()})
	}
	return jsonResponse(http.StatusOK, result)
}

func jsonResponse(status int, body any) Response {
	data, err := json.Marshal(body)
	if err != nil {
		return Response{Status: http.StatusInternalServerError, ContentType: "text/plain", Body: []byte(err.Error())}
	}
	return Response{Status: status, ContentType: "application/json", Body: data}
}
