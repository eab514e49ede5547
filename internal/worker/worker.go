// Package worker implements SiteWorker from spec.md §4.4: it drains one
// site channel at a time, runs each story through library lookup, fetcher
// invocation, outcome classification, and retry/library dispatch, and
// reports WorkerIdle back to the Coordinator between assignments.
package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/agentworkforce/storywatch/internal/activeset"
	"github.com/agentworkforce/storywatch/internal/coordinator"
	"github.com/agentworkforce/storywatch/internal/delay"
	"github.com/agentworkforce/storywatch/internal/fetcherclient"
	"github.com/agentworkforce/storywatch/internal/model"
	"github.com/agentworkforce/storywatch/internal/notify"
	"github.com/agentworkforce/storywatch/internal/overrides"
	"github.com/agentworkforce/storywatch/internal/retrypolicy"
)

// Logger is the minimal logging surface SiteWorker needs.
type Logger interface {
	Debugw(msg string, kv ...any)
	Infow(msg string, kv ...any)
	Warnw(msg string, kv ...any)
	Errorw(msg string, kv ...any)
}

// Notifier is the notification surface used for per-story user-visible
// events (success, penultimate failure, force-suppressed give-up).
type Notifier interface {
	Dispatch(ctx context.Context, msg notify.Message) error
}

// Fetcher is the collaborator boundary for invoking the external
// story-fetcher CLI; satisfied by *fetcherclient.Client.
type Fetcher interface {
	Fetch(ctx context.Context, scratchDir, url string, mode fetcherclient.Mode) (fetcherclient.Outcome, error)
}

// Library is the collaborator boundary for the library CLI; satisfied by
// *libraryclient.Client.
type Library interface {
	Lookup(ctx context.Context, url string) (libraryID string, found bool, err error)
}

// ScratchAllocator provides exclusive, uniquely named scratch directories.
// The production implementation allocates under a configured base
// directory; tests substitute t.TempDir()-backed allocators.
type ScratchAllocator interface {
	Acquire() (dir string, release func(), err error)
}

// DirScratchAllocator allocates scratch directories as uniquely named
// subdirectories of Base via os.MkdirTemp, which picks a random suffix
// and always creates a new directory rather than reusing an existing one.
type DirScratchAllocator struct {
	Base string
}

func (a *DirScratchAllocator) Acquire() (string, func(), error) {
	dir, err := os.MkdirTemp(a.Base, "scratch-")
	if err != nil {
		return "", nil, fmt.Errorf("worker: allocate scratch dir: %w", err)
	}
	release := func() { _ = os.RemoveAll(dir) }
	return dir, release, nil
}

// Worker is a single SiteWorker instance. ID is stable for the worker's
// lifetime even though the site it is assigned to may change.
type Worker struct {
	ID      string
	coord   *coordinator.Coordinator
	active  *activeset.ActiveSet
	delay   *delay.Scheduler
	fetcher Fetcher
	library Library
	integr  func(ctx context.Context, libraryID, scratchDir string) (string, error)
	scratch ScratchAllocator
	notify  Notifier
	overr   *overrides.Set
	retry   retrypolicy.Config
	method  retrypolicy.UpdateMethod
	log     Logger
}

// Options configures a Worker. New applies no defaults: the caller
// supplies Integrate, normally libraryclient.Integrate bound to a concrete
// *libraryclient.Client; it is a function field rather than an interface method so
// strategy dispatch stays free functions, matching libraryclient's design.
type Options struct {
	ID        string
	Coord     *coordinator.Coordinator
	Active    *activeset.ActiveSet
	Delay     *delay.Scheduler
	Fetcher   Fetcher
	Library   Library
	Integrate func(ctx context.Context, libraryID, scratchDir string) (string, error)
	Scratch   ScratchAllocator
	Notify    Notifier
	Overrides *overrides.Set
	Retry     retrypolicy.Config
	Method    retrypolicy.UpdateMethod
	Log       Logger
}

// New builds a Worker from opts.
func New(opts Options) *Worker {
	return &Worker{
		ID:      opts.ID,
		coord:   opts.Coord,
		active:  opts.Active,
		delay:   opts.Delay,
		fetcher: opts.Fetcher,
		library: opts.Library,
		integr:  opts.Integrate,
		scratch: opts.Scratch,
		notify:  opts.Notify,
		overr:   opts.Overrides,
		retry:   opts.Retry,
		method:  opts.Method,
		log:     opts.Log,
	}
}

// Run registers the worker with the Coordinator and processes assigned
// sites until ctx is cancelled. It observes cancellation at every loop
// boundary: between stories, and between site assignments. The same ctx is
// passed to the library lookup, the fetcher and library integration of the
// story in progress, so cancelling it also ends an external process that is
// still running; no separate grace period applies to that story.
func (w *Worker) Run(ctx context.Context) {
	assignCh := w.coord.RegisterWorker(w.ID)
	currentSite := ""

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var siteCh <-chan model.Story
		if currentSite != "" {
			siteCh = w.coord.SiteChannel(currentSite)
		}

		select {
		case <-ctx.Done():
			return
		case story, ok := <-siteCh:
			if !ok {
				return
			}
			w.processStory(ctx, story)
			continue
		default:
		}

		// Site channel empty (or no site assigned): report idle and block
		// for the next assignment.
		w.coord.Ingress() <- coordinator.WorkerIdle{WorkerID: w.ID, FinishedSite: currentSite}

		select {
		case <-ctx.Done():
			return
		case currentSite = <-assignCh:
		}
	}
}

func (w *Worker) processStory(ctx context.Context, story model.Story) {
	id := story.Identity()
	if inserted, present := w.active.TryInsert(id); !inserted {
		if !present {
			w.log.Errorw("active set store insert failed, treating as transient", "url", story.URL, "site", story.Site)
			w.handleTransientFailure(ctx, story, w.retry, "active set store insert failed")
			return
		}
		w.log.Debugw("discarding duplicate story already in active set", "url", story.URL, "site", story.Site)
		return
	}

	retryCfg := w.retry
	method := w.method
	if w.overr != nil {
		retryCfg = w.overr.ApplyRetryConfig(story.Site, retryCfg)
		method = w.overr.UpdateMethodFor(story.Site, method)
	}

	scratchDir, release, err := w.scratch.Acquire()
	if err != nil {
		w.log.Errorw("failed to allocate scratch directory, treating as transient", "url", story.URL, "err", err)
		w.handleTransientFailure(ctx, story, retryCfg, "scratch directory allocation failed")
		return
	}
	defer release()

	if story.LibraryID == "" {
		if libID, found, err := w.library.Lookup(ctx, story.URL); err == nil && found {
			story.LibraryID = libID
		}
	}

	modifier, _ := retrypolicy.ResolveCommand(method, story.Behavior)
	outcome, err := w.fetcher.Fetch(ctx, scratchDir, story.URL, fetcherclient.Mode(modifier))
	if err != nil {
		w.log.Warnw("fetcher invocation failed, treating as transient", "url", story.URL, "err", err)
		w.handleTransientFailure(ctx, story, retryCfg, err.Error())
		return
	}

	switch outcome.Kind {
	case fetcherclient.OutcomeSuccess:
		w.handleSuccess(ctx, story, scratchDir)
	case fetcherclient.OutcomeForceIndicated:
		w.handleForceIndicated(ctx, story, outcome, method, retryCfg)
	case fetcherclient.OutcomeTransientFailure:
		w.handleTransientFailure(ctx, story, retryCfg, outcome.Reason)
	case fetcherclient.OutcomePermanentFailure:
		w.handlePermanentFailure(ctx, story, outcome.Reason)
	}
}

func (w *Worker) handleSuccess(ctx context.Context, story model.Story, scratchDir string) {
	newID, err := w.integr(ctx, story.LibraryID, scratchDir)
	if err != nil {
		w.log.Warnw("library integration failed, treating as transient", "url", story.URL, "err", err)
		w.handleTransientFailure(ctx, story, w.retry, "library integration failed: "+err.Error())
		return
	}
	w.log.Infow("story updated successfully", "url", story.URL, "site", story.Site, "library_id", newID)
	w.dispatchNotification(ctx, notify.Message{
		Subject:  "story updated",
		Body:     story.URL,
		Severity: notify.SeverityInfo,
	})
	w.active.Remove(story.Identity())
}

// handleForceIndicated promotes the story to force and reinjects it at the
// ingress for a fresh dispatch, unless update_no_force forbids force
// promotion entirely (spec.md §4.8), in which case the outcome is treated
// as an ordinary transient failure with the force-suppressed flag set so
// the eventual give-up notification says so.
func (w *Worker) handleForceIndicated(ctx context.Context, story model.Story, outcome fetcherclient.Outcome, method retrypolicy.UpdateMethod, retryCfg retrypolicy.Config) {
	if !retrypolicy.AllowsForcePromotion(method) {
		w.handleTransientFailureSuppressed(ctx, story, retryCfg, outcome.Reason, true)
		return
	}
	promoted := story
	promoted.Behavior = model.BehaviorForce
	w.active.Remove(story.Identity())
	w.log.Infow("force-indicated outcome, reinjecting with behavior=force",
		"url", story.URL, "site", story.Site, "reason", outcome.Reason)
	w.coord.Ingress() <- coordinator.Arrival{Story: promoted}
}

func (w *Worker) handleTransientFailure(ctx context.Context, story model.Story, retryCfg retrypolicy.Config, reason string) {
	w.handleTransientFailureSuppressed(ctx, story, retryCfg, reason, false)
}

func (w *Worker) handleTransientFailureSuppressed(ctx context.Context, story model.Story, retryCfg retrypolicy.Config, reason string, forceSuppressed bool) {
	next := story
	next.Attempts++
	next.LastStatus = model.StatusTransient

	decision := retrypolicy.Decide(next.Attempts, retryCfg, forceSuppressed)
	switch decision.Action {
	case retrypolicy.ActionRequeue:
		w.delay.Schedule(next, time.Now().Add(decision.Delay))
	case retrypolicy.ActionFinalAttempt:
		if decision.PromoteToForce {
			next.Behavior = model.BehaviorForce
		}
		next.LastStatus = model.StatusFinalPending
		w.delay.Schedule(next, time.Now().Add(decision.Delay))
		if decision.NotifyPenultimate {
			w.dispatchNotification(ctx, notify.Message{
				Subject:  "final retry attempt scheduled",
				Body:     fmt.Sprintf("%s: %s", story.URL, reason),
				Severity: notify.SeverityWarning,
			})
		}
	case retrypolicy.ActionGiveUp:
		next.LastStatus = model.StatusGivenUp
		// Silent on an ordinary give-up (spec.md §4.7/§8): a failed final
		// attempt or exhaustion with final_attempt_enabled=false does not
		// repeat a failure notification. Only the force-suppressed case,
		// where update_no_force blocked the usual force promotion, is
		// user-visible.
		if decision.NotifyForceSuppressed {
			w.dispatchNotification(ctx, notify.Message{
				Subject:  "story given up, force suppressed by update_no_force",
				Body:     fmt.Sprintf("%s: %s", story.URL, reason),
				Severity: notify.SeverityError,
			})
		}
	}
	w.active.Remove(story.Identity())
}

func (w *Worker) handlePermanentFailure(ctx context.Context, story model.Story, reason string) {
	w.log.Warnw("permanent failure, discarding story", "url", story.URL, "site", story.Site, "reason", reason)
	w.dispatchNotification(ctx, notify.Message{
		Subject:  "story failed permanently",
		Body:     fmt.Sprintf("%s: %s", story.URL, reason),
		Severity: notify.SeverityError,
	})
	w.active.Remove(story.Identity())
}

func (w *Worker) dispatchNotification(ctx context.Context, msg notify.Message) {
	if w.notify == nil {
		return
	}
	if err := w.notify.Dispatch(ctx, msg); err != nil {
		w.log.Warnw("notification dispatch failed", "subject", msg.Subject, "err", err)
	}
}
