package notes

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultChannelPrefix = "meeting-transcripts"
	DefaultChannelTTL    = 7 * 24 * time.Hour
)

type RenewerOptions struct {
	WebhookURL    string
	ChannelPrefix string
	ChannelTTL    time.Duration
	// Users returns the current renewal list. It is called on every run so
	// reloaded configuration takes effect without a restart.
	Users    func() []string
	Logger   *slog.Logger
	Observer Observer
	Now      func() time.Time
}

type Renewer struct {
	cursors    *CursorManager
	subscriber Subscriber
	opts       RenewerOptions
	logger     *slog.Logger
	observer   Observer
}

type RenewReport struct {
	Renewed []string          `json:"renewed"`
	Failed  map[string]string `json:"failed,omitempty"`
	Skipped string            `json:"skipped,omitempty"`
}

func NewRenewer(cursors *CursorManager, subscriber Subscriber, opts RenewerOptions) *Renewer {
	if opts.ChannelPrefix == "" {
		opts.ChannelPrefix = DefaultChannelPrefix
	}
	if opts.ChannelTTL <= 0 {
		opts.ChannelTTL = DefaultChannelTTL
	}
	if opts.Users == nil {
		opts.Users = func() []string { return nil }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Renewer{
		cursors:    cursors,
		subscriber: subscriber,
		opts:       opts,
		logger:     opts.Logger,
		observer:   observerOrNoop(opts.Observer),
	}
}

// CleanUsers trims the list and drops entries that are not email addresses.
func CleanUsers(users []string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, user := range users {
		user = strings.TrimSpace(user)
		if user == "" || !strings.Contains(user, "@") {
			continue
		}
		if _, dup := seen[strings.ToLower(user)]; dup {
			continue
		}
		seen[strings.ToLower(user)] = struct{}{}
		out = append(out, user)
	}
	return out
}

// RenewAll re-registers the change-feed subscription for every configured
// user. A failure for one user is recorded and the rest still run.
func (r *Renewer) RenewAll(ctx context.Context) RenewReport {
	return r.RenewAllTo(ctx, "")
}

// RenewAllTo is RenewAll with the notification address replaced by
// webhookURL when it is non-empty.
func (r *Renewer) RenewAllTo(ctx context.Context, webhookURL string) RenewReport {
	var report RenewReport
	address := strings.TrimSpace(webhookURL)
	if address == "" {
		address = strings.TrimSpace(r.opts.WebhookURL)
	}
	if address == "" {
		r.logger.Warn("renew_skipped", "reason", "webhook url not configured")
		report.Skipped = "webhook url not configured"
		return report
	}
	users := CleanUsers(r.opts.Users())
	if len(users) == 0 {
		r.logger.Warn("renew_skipped", "reason", "no users configured")
		report.Skipped = "no users configured"
		return report
	}
	for _, user := range users {
		if err := r.renew(ctx, user, address); err != nil {
			if report.Failed == nil {
				report.Failed = map[string]string{}
			}
			report.Failed[user] = err.Error()
			r.logger.Error("renew_failed", "user", user, "error", err)
			r.observer.Observe(Activity{Kind: ActivityRenewFailed, User: user, Detail: err.Error()})
			continue
		}
		report.Renewed = append(report.Renewed, user)
	}
	return report
}

func (r *Renewer) Renew(ctx context.Context, user string) error {
	return r.renew(ctx, user, r.opts.WebhookURL)
}

func (r *Renewer) renew(ctx context.Context, user, address string) error {
	token, fresh, err := r.cursors.ResolveStart(ctx, user, "")
	if err != nil {
		return err
	}
	if fresh {
		if err := r.cursors.Set(ctx, user, token); err != nil {
			return err
		}
	}
	now := r.opts.Now()
	channel, err := r.subscriber.Watch(ctx, WatchRequest{
		User:       user,
		ChannelID:  r.ChannelID(user, now),
		Address:    address,
		Token:      url.QueryEscape(user),
		PageToken:  token,
		Expiration: now.Add(r.opts.ChannelTTL),
	})
	if err != nil {
		return fmt.Errorf("watch changes for %s: %w", user, err)
	}
	r.logger.Info("subscription_renewed", "user", user, "channel_id", channel.ID, "expires_at", channel.Expiration)
	r.observer.Observe(Activity{Kind: ActivityRenewed, User: user, Detail: channel.ID})
	return nil
}

// ChannelID is unique per run; the platform rejects reusing an id for a new
// channel.
func (r *Renewer) ChannelID(user string, now time.Time) string {
	local, _, _ := strings.Cut(strings.TrimSpace(user), "@")
	local = strings.TrimPrefix(ParticipantKey(local), "email_")
	return fmt.Sprintf("%s-%s-%d", r.opts.ChannelPrefix, local, now.Unix())
}
