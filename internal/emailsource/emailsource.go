package emailsource

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/storywatch/internal/activeset"
	"github.com/agentworkforce/storywatch/internal/coordinator"
	"github.com/agentworkforce/storywatch/internal/model"
	"github.com/agentworkforce/storywatch/internal/notify"
)

// Logger is the minimal logging surface EmailSource needs.
type Logger interface {
	Debugw(msg string, kv ...any)
	Infow(msg string, kv ...any)
	Warnw(msg string, kv ...any)
	Errorw(msg string, kv ...any)
}

// Notifier is the minimal notification surface used for disabled-site
// acknowledgements; satisfied by *notify.Dispatcher.
type Notifier interface {
	Dispatch(ctx context.Context, msg notify.Message) error
}

// PendingChecker reports whether a story identity is currently waiting out
// a scheduled retry delay; satisfied by *delay.Scheduler. A nil checker
// disables the pending-retry half of the duplicate-ingestion guard.
type PendingChecker interface {
	Contains(id model.Identity) bool
}

// Source polls a mailbox on an interval and feeds discovered stories into
// a Coordinator's ingress channel.
type Source struct {
	client   EmailClient
	active   *activeset.ActiveSet
	pending  PendingChecker
	ingress  chan<- coordinator.Message
	notifier Notifier
	disabled map[string]bool
	interval time.Duration
	log      Logger
}

// New builds a Source. sleepInterval below 5s is clamped to 5s, matching
// spec.md §4.2's polling floor (config.Validate already enforces this at
// load time; the clamp here is a defensive backstop for direct callers).
// pending may be nil, in which case only ActiveSet membership guards
// against duplicate ingestion.
func New(client EmailClient, active *activeset.ActiveSet, pending PendingChecker, ingress chan<- coordinator.Message, notifier Notifier, disabledSites []string, sleepInterval time.Duration, log Logger) *Source {
	if sleepInterval < 5*time.Second {
		sleepInterval = 5 * time.Second
	}
	disabled := make(map[string]bool, len(disabledSites))
	for _, s := range disabledSites {
		disabled[model.NormalizeSite(s)] = true
	}
	return &Source{
		client:   client,
		active:   active,
		pending:  pending,
		ingress:  ingress,
		notifier: notifier,
		disabled: disabled,
		interval: sleepInterval,
		log:      log,
	}
}

// Run polls until ctx is cancelled or the mailbox rejects authentication,
// per spec.md §4.2's failure contract: transient IMAP errors are logged
// and retried after one interval, authentication failure is logged at
// error and ends the task.
func (s *Source) Run(ctx context.Context) {
	for {
		if fatal := s.poll(ctx); fatal {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.interval):
		}
	}
}

// poll runs one fetch-extract-route cycle, reporting whether the task
// should stop entirely.
func (s *Source) poll(ctx context.Context) (fatal bool) {
	messages, err := s.client.FetchUnseen(ctx)
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			s.log.Errorw("email authentication failed, stopping email source", "err", err)
			return true
		}
		s.log.Warnw("email fetch failed, will retry next interval", "err", err)
		return false
	}

	for _, msg := range messages {
		for _, rawURL := range ExtractURLs(msg) {
			s.route(ctx, rawURL)
		}
	}
	return false
}

func (s *Source) route(ctx context.Context, rawURL string) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		s.log.Debugw("discarding unparsable url", "url", rawURL)
		return
	}
	site := model.NormalizeSite(parsed.Host)

	if s.disabled[site] {
		if s.notifier != nil {
			_ = s.notifier.Dispatch(ctx, notify.Message{
				Subject:  "fanfiction site disabled",
				Body:     rawURL,
				Severity: notify.SeverityInfo,
			})
		}
		return
	}

	story := model.Story{
		URL:           rawURL,
		Site:          site,
		Behavior:      model.BehaviorUpdate,
		CorrelationID: uuid.NewString(),
		QueuedAt:      time.Now(),
	}
	id := story.Identity()
	if s.active.Contains(id) {
		s.log.Debugw("discarding arrival already in active set", "url", rawURL, "site", site)
		return
	}
	if s.pending != nil && s.pending.Contains(id) {
		s.log.Debugw("discarding arrival already pending a scheduled retry", "url", rawURL, "site", site)
		return
	}

	s.ingress <- coordinator.Arrival{Story: story}
}
