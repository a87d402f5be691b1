package notes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const defaultMaxPollPages = 100

type CursorOptions struct {
	MaxPages int
	Logger   *slog.Logger
	Observer Observer
}

// CursorManager owns the per-user change-feed position. Cursors live in the
// cache under tokens/<user key>.
type CursorManager struct {
	cache      *Cache
	feed       ChangeFeed
	normalizer *Normalizer
	maxPages   int
	logger     *slog.Logger
	observer   Observer
}

type PollResult struct {
	Pages      int
	Accepted   int
	Dropped    int
	Duplicates int
	Cursor     string
}

func NewCursorManager(cache *Cache, feed ChangeFeed, normalizer *Normalizer, opts CursorOptions) *CursorManager {
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPollPages
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if normalizer == nil {
		normalizer = NewNormalizer("", opts.Logger)
	}
	return &CursorManager{
		cache:      cache,
		feed:       feed,
		normalizer: normalizer,
		maxPages:   opts.MaxPages,
		logger:     opts.Logger,
		observer:   observerOrNoop(opts.Observer),
	}
}

func cursorDocumentID(user string) string {
	return "tokens/" + ParticipantKey(user)
}

func (m *CursorManager) Get(ctx context.Context, user string) (string, bool, error) {
	if strings.TrimSpace(user) == "" {
		return "", false, ErrInvalidInput
	}
	token, ok, err := m.cache.Get(ctx, cursorDocumentID(user), ArtifactPageToken)
	if err != nil || !ok {
		return "", false, err
	}
	token = strings.TrimSpace(token)
	return token, token != "", nil
}

func (m *CursorManager) Set(ctx context.Context, user, token string) error {
	token = strings.TrimSpace(token)
	if strings.TrimSpace(user) == "" || token == "" {
		return ErrInvalidInput
	}
	if err := m.cache.Put(ctx, cursorDocumentID(user), ArtifactPageToken, token); err != nil {
		return err
	}
	m.observer.Observe(Activity{Kind: ActivityCursorSaved, User: user, Detail: token})
	return nil
}

// ResolveStart prefers the persisted cursor, then fallback, then a fresh
// start token from the feed. fresh reports the last case.
func (m *CursorManager) ResolveStart(ctx context.Context, user, fallback string) (token string, fresh bool, err error) {
	token, ok, err := m.Get(ctx, user)
	if err != nil {
		return "", false, err
	}
	if ok {
		return token, false, nil
	}
	if fallback = strings.TrimSpace(fallback); fallback != "" {
		return fallback, false, nil
	}
	token, err = m.feed.StartPageToken(ctx, user)
	if err != nil {
		return "", false, fmt.Errorf("start page token for %s: %w", user, err)
	}
	return token, true, nil
}

// Poll reads the user's change feed from the resolved start position. Each
// accepted event goes to handle before the page's continuation token is
// saved; a handler error stops the poll with the cursor left in place so the
// page is delivered again.
func (m *CursorManager) Poll(ctx context.Context, user, fallback string, handle func(context.Context, TranscriptEvent) error) (PollResult, error) {
	var result PollResult
	token, _, err := m.ResolveStart(ctx, user, fallback)
	if err != nil {
		return result, err
	}
	deduper := NewEventDeduper()
	for result.Pages < m.maxPages {
		page, err := m.feed.ListChanges(ctx, user, token)
		if err != nil {
			return result, fmt.Errorf("list changes for %s: %w", user, err)
		}
		result.Pages++
		for _, change := range page.Changes {
			decision := m.normalizer.NormalizeChange(user, change)
			if !decision.Accepted {
				result.Dropped++
				continue
			}
			if !deduper.First(decision.Event) {
				result.Duplicates++
				continue
			}
			if err := handle(ctx, decision.Event); err != nil {
				return result, fmt.Errorf("handle %s: %w", decision.Event.DocumentID, err)
			}
			result.Accepted++
		}

		next := page.NextPageToken
		if next == "" {
			next = page.NewStartPageToken
		}
		if next == "" {
			m.logger.Warn("change_page_without_token", "user", user, "page_token", token)
			return result, nil
		}
		if err := m.Set(ctx, user, next); err != nil {
			return result, err
		}
		result.Cursor = next
		if page.NextPageToken == "" {
			return result, nil
		}
		token = next
	}
	m.logger.Warn("change_poll_page_limit", "user", user, "pages", result.Pages)
	return result, nil
}
