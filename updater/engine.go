// Package updater implements the update coordination engine: it reconciles a
// remotely configured version policy, the platform update service's own
// asynchronous lifecycle and user interaction into one observable update
// state, without duplicate or contradictory prompts.
package updater

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"

	"github.com/iamhariomsharma/update-kit/platform"
	"github.com/iamhariomsharma/update-kit/policy"
)

const (
	defaultCooldown              = 30 * time.Minute
	defaultInstallTimeout        = 5 * time.Minute
	defaultSupervisionInterval   = 10 * time.Second
	defaultRetriggerDelay        = 500 * time.Millisecond
	defaultFinalizeGrace         = 3 * time.Second
	defaultStaleInstallThreshold = 2 * time.Minute
)

// Config carries the caller-overridable knobs of the engine. Zero values take
// defaults, negative values are clamped to them with a warning.
type Config struct {
	// Cooldown suppresses advisory prompts after a dismissal.
	Cooldown time.Duration
	// InstallTimeout bounds how long a stuck install is supervised before
	// it is failed.
	InstallTimeout time.Duration
	// SupervisionInterval is the install status poll interval.
	SupervisionInterval time.Duration
	// RetriggerDelay debounces the mandatory re-prompt after a cancel.
	RetriggerDelay time.Duration
	// FinalizeGrace is how long a downloaded update may sit before it is
	// finalized automatically.
	FinalizeGrace time.Duration
	// StaleInstallThreshold marks an Installing state as stale on resume.
	StaleInstallThreshold time.Duration
	// StoreURL is the fallback store page for the custom mandatory prompt.
	StoreURL string
}

func (c Config) withDefaults() Config {
	fix := func(name string, v *time.Duration, def time.Duration) {
		if *v == 0 {
			*v = def
			return
		}
		if *v < 0 {
			log.Warnf("invalid %s %s, using default %s", name, *v, def)
			*v = def
		}
	}
	fix("cooldown", &c.Cooldown, defaultCooldown)
	fix("install timeout", &c.InstallTimeout, defaultInstallTimeout)
	fix("supervision interval", &c.SupervisionInterval, defaultSupervisionInterval)
	fix("re-trigger delay", &c.RetriggerDelay, defaultRetriggerDelay)
	fix("finalize grace", &c.FinalizeGrace, defaultFinalizeGrace)
	fix("stale install threshold", &c.StaleInstallThreshold, defaultStaleInstallThreshold)
	return c
}

// checkResolution is the outcome of a check computed outside the engine lock
// and applied under it.
type checkResolution struct {
	state            State
	err              error
	pendingMandatory bool
	// resumeMandatory is set when the platform is already mid-flow and the
	// mandatory path must be re-invoked immediately.
	resumeMandatory bool
}

// Engine is the update coordination engine and the sole writer of State.
// One instance is owned by the host's composition root and handed to
// consumers by reference; there is no ambient singleton.
//
// All state mutations happen under one mutex, whether driven by explicit
// calls or by the platform's push callback. Collaborator calls run outside
// the lock and their results are applied under it, guarded by the attachment
// generation so results of a detached span are discarded.
type Engine struct {
	log      *log.Entry
	cfg      Config
	source   policy.Source
	service  platform.Service
	metrics  *Metrics
	notifier *notifier

	mu               sync.Mutex
	state            State
	revision         uint64
	attached         bool
	generation       uint64
	session          *session
	pendingMandatory bool
	flowInFlight     bool
	checkWait        chan struct{}
	supervisor       *installSupervisor
	installingSince  time.Time
	finalizeTimer    *time.Timer
	attachCtx        context.Context
	attachCancel     context.CancelFunc
}

// NewEngine creates an engine around the given policy source and platform
// service. The engine does nothing until Attach.
func NewEngine(cfg Config, source policy.Source, service platform.Service) *Engine {
	return &Engine{
		log:      log.WithField("component", "update-engine"),
		cfg:      cfg.withDefaults(),
		source:   source,
		service:  service,
		notifier: newNotifier(),
		state:    State{Phase: PhaseIdle},
	}
}

// WithMetrics attaches otel metrics recording to the engine.
func (e *Engine) WithMetrics(metrics *Metrics) *Engine {
	e.metrics = metrics
	return e
}

// Attach opens a session and subscribes to platform status pushes. The first
// call wins; repeated calls before Detach are logged no-ops and neither
// re-register the listener nor reset the running session.
func (e *Engine) Attach(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.attached {
		e.log.Debugf("already attached, ignoring repeated attach")
		return
	}

	e.attached = true
	e.generation++
	gen := e.generation
	e.attachCtx, e.attachCancel = context.WithCancel(ctx)
	e.session = newSession(e.cfg.Cooldown)
	e.service.RegisterStatusListener(func(status platform.InstallStatus) {
		e.handleInstallStatus(gen, status)
	})
	e.log.Infof("attached, session %s", e.session.id)
}

// Detach unsubscribes from platform pushes, cancels supervision and pending
// timers and releases the attachment. Safe from any state; idempotent.
// In-flight collaborator calls may complete, their results are discarded.
func (e *Engine) Detach() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.attached {
		e.log.Debugf("not attached, ignoring detach")
		return
	}

	e.attached = false
	e.service.UnregisterStatusListener()
	e.attachCancel()
	e.stopSupervisionLocked()
	e.stopFinalizeTimerLocked()
	if e.checkWait != nil {
		// release waiters of the in-flight check; its resolution will be
		// discarded by the generation guard
		close(e.checkWait)
		e.checkWait = nil
	}
	if e.state.Phase == PhaseChecking {
		// the discarded check would otherwise leave the next attachment
		// stuck behind a phase no entry point accepts
		e.setStateLocked(State{Phase: PhaseIdle})
	}
	e.pendingMandatory = false
	e.flowInFlight = false
	e.log.Infof("detached")
}

// Close detaches and releases the collaborators that support it, dropping
// all subscriptions. The engine must not be used afterwards.
func (e *Engine) Close() error {
	e.Detach()

	var result *multierror.Error
	if closer, ok := e.service.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close platform service: %w", err))
		}
	}
	if closer, ok := e.source.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close policy source: %w", err))
		}
	}
	e.notifier.closeAll()
	return result.ErrorOrNil()
}

// Status returns the current state snapshot.
func (e *Engine) Status() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscribe returns a state subscription; the current state is delivered
// immediately, later transitions as they happen.
func (e *Engine) Subscribe() *StateSubscription {
	return e.notifier.subscribeStates()
}

// Unsubscribe removes a state subscription and closes its channel.
func (e *Engine) Unsubscribe(sub *StateSubscription) {
	e.notifier.unsubscribeStates(sub)
}

// SubscribeEvents returns a subscription for one-shot notifications. Past
// events are never replayed.
func (e *Engine) SubscribeEvents() *EventSubscription {
	return e.notifier.subscribeEvents()
}

// UnsubscribeEvents removes an event subscription and closes its channel.
func (e *Engine) UnsubscribeEvents(sub *EventSubscription) {
	e.notifier.unsubscribeEvents(sub)
}

// EventHistory returns the most recent one-shot events for diagnostics.
func (e *Engine) EventHistory() []*Event {
	return e.notifier.eventHistory()
}

// CheckForUpdate resolves the policy verdict against the platform's
// availability and commits the outcome. It blocks until resolution. A check
// arriving while another is in flight waits for that one instead of starting
// a second query chain; a check in a phase that does not allow checking
// leaves the state untouched.
func (e *Engine) CheckForUpdate(ctx context.Context) (State, error) {
	e.mu.Lock()
	if !e.attached {
		state := e.state
		e.mu.Unlock()
		return state, ErrNotAttached
	}

	if e.checkWait != nil {
		wait := e.checkWait
		e.mu.Unlock()
		select {
		case <-ctx.Done():
			return e.Status(), ctx.Err()
		case <-wait:
		}
		return e.Status(), nil
	}

	switch e.state.Phase {
	case PhaseIdle, PhaseNoUpdate, PhaseFailed, PhaseMaintenance:
	default:
		state := e.state
		e.mu.Unlock()
		e.log.Debugf("check ignored in phase %s", state.Phase)
		return state, nil
	}

	gen := e.generation
	wait := make(chan struct{})
	e.checkWait = wait
	e.setStateLocked(State{Phase: PhaseChecking})
	e.mu.Unlock()

	started := time.Now()
	resolution := e.resolveCheck(ctx, gen)

	e.mu.Lock()
	if e.checkWait == wait {
		close(wait)
		e.checkWait = nil
	}
	if !e.attached || gen != e.generation {
		state := e.state
		e.mu.Unlock()
		e.log.Debugf("discarding check result from a stale attachment")
		return state, nil
	}
	e.applyResolutionLocked(resolution)
	state := e.state
	e.mu.Unlock()

	e.metrics.CountCheck(time.Since(started), state.Phase)

	if resolution.resumeMandatory {
		go e.retriggerMandatory(gen)
	}
	return state, nil
}

// resolveCheck runs the policy fetch, classification and platform
// consultation outside the engine lock.
func (e *Engine) resolveCheck(ctx context.Context, gen uint64) checkResolution {
	build := e.source.CurrentBuild()

	if reporter, ok := e.source.(policy.MaintenanceReporter); ok {
		inMaintenance, err := reporter.InMaintenance(ctx)
		switch {
		case err != nil:
			e.log.Debugf("maintenance probe failed, assuming no maintenance: %v", err)
		case inMaintenance:
			e.log.Infof("policy source reports maintenance")
			return checkResolution{state: State{Phase: PhaseMaintenance}}
		}
	}

	thresholds, err := e.source.Thresholds(ctx)
	if err != nil {
		// fail open: a broken policy source never blocks the app
		e.log.Debugf("policy source unavailable, failing open: %v", err)
		thresholds = nil
	}

	classification := policy.Classify(build, thresholds)
	e.log.Debugf("build %d classified as %s", build, classification)

	if classification == policy.Advisory && e.advisorySuppressed(gen) {
		return checkResolution{state: State{Phase: PhaseNoUpdate}}
	}

	return e.consultPlatform(ctx, classification)
}

// advisorySuppressed applies the noise-reduction guarantee: at most one
// advisory prompt per session and none within the cooldown window after a
// dismissal. Mandatory updates never pass through here.
func (e *Engine) advisorySuppressed(gen uint64) bool {
	e.mu.Lock()
	sess := e.session
	attached := e.attached && gen == e.generation
	e.mu.Unlock()

	if !attached {
		return true
	}
	if sess.shownThisSession() {
		e.log.Debugf("advisory already shown this session, skipping prompt")
		return true
	}
	if dismissedAt, ok := sess.lastDismissal(); ok {
		e.log.Debugf("advisory dismissed at %s, still in cooldown", dismissedAt.Format(time.RFC3339))
		return true
	}
	return false
}

// consultPlatform resolves the offered flow against what the platform
// actually allows right now.
func (e *Engine) consultPlatform(ctx context.Context, classification policy.Classification) checkResolution {
	availability, err := e.service.Availability(ctx)
	if err != nil {
		return checkResolution{
			state: State{Phase: PhaseFailed, Reason: ReasonUnknown},
			err:   fmt.Errorf("query update availability: %w", err),
		}
	}

	forceMandatory := classification == policy.Mandatory

	switch availability.Status {
	case platform.StatusUpdateInProgress:
		// a flow started by another trigger is still running, fold into it
		state := State{
			Phase:            PhaseInProgress,
			Classification:   classification,
			Flow:             platform.FlowFlexible,
			CanUseNativeFlow: true,
			TargetBuild:      availability.AvailableBuild,
		}
		if forceMandatory {
			state.Flow = platform.FlowImmediate
		}
		return checkResolution{
			state:            state,
			pendingMandatory: forceMandatory,
			resumeMandatory:  forceMandatory,
		}

	case platform.StatusUpdateAvailable:
		state := State{
			Phase:          PhaseAvailable,
			Classification: classification,
			TargetBuild:    availability.AvailableBuild,
		}

		switch classification {
		case policy.Mandatory:
			switch {
			case availability.Allows(platform.FlowImmediate):
				state.Flow = platform.FlowImmediate
				state.CanUseNativeFlow = true
			case availability.Allows(platform.FlowFlexible):
				state.Flow = platform.FlowFlexible
				state.CanUseNativeFlow = true
			default:
				// policy demands an update the native flow cannot run;
				// the host shows its own screen with a store redirect
				state.Flow = platform.FlowImmediate
				state.NeedsCustomPrompt = true
			}
			return checkResolution{state: state, pendingMandatory: true}

		case policy.Advisory:
			switch {
			case availability.Allows(platform.FlowFlexible):
				state.Flow = platform.FlowFlexible
				state.CanUseNativeFlow = true
			case availability.Allows(platform.FlowImmediate):
				state.Flow = platform.FlowImmediate
				state.CanUseNativeFlow = true
			default:
				return checkResolution{state: State{Phase: PhaseNoUpdate}}
			}
			return checkResolution{state: state}

		default:
			// no remote signal, reflect what the platform offers on its own
			switch {
			case availability.Allows(platform.FlowFlexible):
				state.Flow = platform.FlowFlexible
				state.CanUseNativeFlow = true
			case availability.Allows(platform.FlowImmediate):
				state.Flow = platform.FlowImmediate
				state.CanUseNativeFlow = true
			default:
				return checkResolution{state: State{Phase: PhaseNoUpdate}}
			}
			return checkResolution{state: state}
		}

	default:
		return checkResolution{state: State{Phase: PhaseNoUpdate}}
	}
}

func (e *Engine) applyResolutionLocked(resolution checkResolution) {
	e.pendingMandatory = resolution.pendingMandatory

	if resolution.state.Phase == PhaseFailed {
		e.failLocked(resolution.state.Reason, resolution.err)
		return
	}

	e.setStateLocked(resolution.state)

	if resolution.state.Phase == PhaseAvailable {
		e.notifier.publishEvent(EventPromptShown, fmt.Sprintf("%s update available", resolution.state.Classification), ReasonNone)
		e.metrics.CountPrompt(resolution.state.Classification.String())
	}
}

// StartFlow hands the resolved offer to the platform's native flow. It
// requires a prior Available state with a matching kind; re-entrant starts
// are rejected while a previous start has not delivered its result.
func (e *Engine) StartFlow(ctx context.Context, kind platform.FlowKind) error {
	e.mu.Lock()
	if !e.attached {
		e.mu.Unlock()
		return ErrNotAttached
	}
	if e.flowInFlight {
		e.mu.Unlock()
		e.log.Debugf("flow start ignored, previous start still in flight")
		return ErrFlowInFlight
	}
	if e.state.Phase != PhaseAvailable || e.state.Flow != kind || !e.state.CanUseNativeFlow {
		e.failLocked(ReasonUpdateNotAvailable, nil)
		e.mu.Unlock()
		return ErrUpdateNotAvailable
	}
	if e.state.Classification == policy.Advisory {
		// marked at invocation, not completion: a crash mid-flow still
		// counts as shown and cannot re-prompt in a crash loop
		e.session.markAdvisoryShown()
	}
	gen := e.generation
	e.mu.Unlock()

	if err := e.startFlowInternal(ctx, gen, kind); err != nil {
		if errors.Is(err, ErrFlowInFlight) || errors.Is(err, ErrNotAttached) {
			return err
		}
		e.mu.Lock()
		if e.attached && gen == e.generation {
			e.failLocked(ReasonInstallFailed, err)
		}
		e.mu.Unlock()
		return fmt.Errorf("start update flow: %w", err)
	}
	return nil
}

// startFlowInternal runs the platform flow start and commits InProgress
// before the result consumer is launched, so a result can never be processed
// ahead of its own start.
func (e *Engine) startFlowInternal(ctx context.Context, gen uint64, kind platform.FlowKind) error {
	e.mu.Lock()
	if !e.attached || gen != e.generation {
		e.mu.Unlock()
		return ErrNotAttached
	}
	if e.flowInFlight {
		e.mu.Unlock()
		return ErrFlowInFlight
	}
	e.flowInFlight = true
	e.mu.Unlock()

	resultChan, err := e.service.StartFlow(ctx, kind)

	e.mu.Lock()
	if !e.attached || gen != e.generation {
		e.mu.Unlock()
		e.log.Debugf("discarding flow start result from a stale attachment")
		return nil
	}
	if err != nil {
		e.flowInFlight = false
		e.mu.Unlock()
		return err
	}
	switch e.state.Phase {
	case PhaseAvailable, PhaseInProgress:
		state := e.state
		state.Phase = PhaseInProgress
		state.Flow = kind
		e.setStateLocked(state)
	default:
		// a push moved the state while the flow was starting; the flow is
		// running, so its result still gets consumed, but the fresher state
		// must not regress to InProgress
		e.log.Debugf("flow started but state moved to %s, keeping it", e.state.Phase)
	}
	e.mu.Unlock()

	go e.consumeFlowResult(gen, resultChan)
	return nil
}

func (e *Engine) consumeFlowResult(gen uint64, resultChan <-chan platform.FlowResult) {
	result, ok := <-resultChan

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.attached || gen != e.generation {
		e.log.Debugf("discarding flow result from a stale attachment")
		return
	}
	e.flowInFlight = false

	if !ok {
		e.failLocked(ReasonUnknown, errors.New("flow result channel closed without a result"))
		return
	}

	switch result {
	case platform.ResultAccepted:
		e.pendingMandatory = false
		e.log.Debugf("update flow accepted")

	case platform.ResultCanceled:
		if e.pendingMandatory {
			// a mandatory update cannot be waved away: re-query after a
			// short debounce and re-prompt while the platform still
			// reports the update
			e.log.Infof("mandatory update flow canceled, scheduling re-prompt")
			state := e.state
			state.Phase = PhaseAvailable
			e.setStateLocked(state)
			go e.retriggerMandatory(gen)
			return
		}
		e.session.recordDismissal()
		e.session.markAdvisoryShown()
		e.metrics.CountDismissal()
		e.notifier.publishEvent(EventDismissed, "advisory update dismissed", ReasonNone)
		e.failLocked(ReasonUserCancelled, nil)

	default:
		e.failLocked(ReasonInstallFailed, nil)
	}
}

// retriggerMandatory re-invokes the mandatory flow after a debounce delay,
// repeating while the platform still reports the update. The loop is bounded
// by platform truth, not by a local attempt counter: it ends on a successful
// start, on availability disappearing or on detach.
func (e *Engine) retriggerMandatory(gen uint64) {
	e.mu.Lock()
	if !e.attached || gen != e.generation {
		e.mu.Unlock()
		return
	}
	ctx := e.attachCtx
	e.mu.Unlock()

	ticker := backoff.NewTicker(backoff.WithContext(backoff.NewConstantBackOff(e.cfg.RetriggerDelay), ctx))
	defer ticker.Stop()

	for t := range ticker.C {
		if t.IsZero() {
			return
		}

		e.mu.Lock()
		if !e.attached || gen != e.generation || !e.pendingMandatory {
			e.mu.Unlock()
			return
		}
		if e.flowInFlight {
			e.mu.Unlock()
			continue
		}
		e.mu.Unlock()

		availability, err := e.service.Availability(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.mu.Lock()
			if e.attached && gen == e.generation {
				e.failLocked(ReasonUnknown, fmt.Errorf("re-query availability: %w", err))
			}
			e.mu.Unlock()
			return
		}

		if availability.Status != platform.StatusUpdateAvailable && availability.Status != platform.StatusUpdateInProgress {
			// the platform no longer reports the update, stop re-prompting
			e.log.Infof("mandatory update no longer available, stopping re-prompt loop")
			e.mu.Lock()
			if e.attached && gen == e.generation {
				e.pendingMandatory = false
				e.setStateLocked(State{Phase: PhaseNoUpdate})
			}
			e.mu.Unlock()
			return
		}

		kind := platform.FlowImmediate
		if !availability.Allows(platform.FlowImmediate) && availability.Allows(platform.FlowFlexible) {
			kind = platform.FlowFlexible
		}

		e.metrics.CountRetrigger()
		e.log.Debugf("re-invoking mandatory update flow (%s)", kind)
		if err := e.startFlowInternal(ctx, gen, kind); err != nil {
			e.log.Debugf("mandatory flow re-invocation failed: %v", err)
			continue
		}
		return
	}
}

// handleInstallStatus is the platform push entry point. It serializes onto
// the engine lock with everything else; pushes from a detached span are
// discarded.
func (e *Engine) handleInstallStatus(gen uint64, status platform.InstallStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.attached || gen != e.generation {
		e.log.Debugf("discarding install status %s from a stale attachment", status)
		return
	}
	e.applyInstallStatusLocked(status)
}

func (e *Engine) applyInstallStatusLocked(status platform.InstallStatus) {
	switch status {
	case platform.InstallPending, platform.InstallDownloading:
		e.setPhaseLocked(PhaseInProgress)

	case platform.InstallDownloaded:
		e.stopSupervisionLocked()
		e.setPhaseLocked(PhaseDownloaded)
		// a flexible download left un-finalized blocks forward progress
		e.scheduleAutoFinalizeLocked()

	case platform.InstallInstalling:
		if e.state.Phase == PhaseInstalling {
			return
		}
		e.setPhaseLocked(PhaseInstalling)
		e.installingSince = time.Now()
		e.startSupervisionLocked()

	case platform.InstallInstalled:
		e.stopSupervisionLocked()
		e.stopFinalizeTimerLocked()
		e.setPhaseLocked(PhaseCompleted)
		e.notifier.publishEvent(EventCompleted, "update installed", ReasonNone)
		go e.finalizeInstalled(e.generation)

	case platform.InstallFailed:
		e.stopSupervisionLocked()
		e.failLocked(ReasonInstallFailed, nil)

	case platform.InstallCanceled:
		e.stopSupervisionLocked()
		e.failLocked(ReasonUserCancelled, nil)

	default:
		e.log.Debugf("ignoring install status %s", status)
	}
}

// finalizeInstalled attempts the finalize-restart once the platform reports
// the package installed. Failures are only logged: the update itself is done.
func (e *Engine) finalizeInstalled(gen uint64) {
	e.mu.Lock()
	if !e.attached || gen != e.generation {
		e.mu.Unlock()
		return
	}
	ctx := e.attachCtx
	e.mu.Unlock()

	if err := e.service.Finalize(ctx); err != nil && !errors.Is(err, platform.ErrNoPendingInstall) {
		e.log.Warnf("finalize after install failed: %v", err)
	}
}

// Finalize completes a downloaded update on explicit host action, typically
// a "Restart now" button.
func (e *Engine) Finalize(ctx context.Context) error {
	e.mu.Lock()
	if !e.attached {
		e.mu.Unlock()
		return ErrNotAttached
	}
	if e.state.Phase != PhaseDownloaded && e.state.Phase != PhaseCompleted {
		e.mu.Unlock()
		return ErrNoDownloadedUpdate
	}
	e.stopFinalizeTimerLocked()
	gen := e.generation
	e.mu.Unlock()

	if err := e.service.Finalize(ctx); err != nil {
		if errors.Is(err, platform.ErrNoPendingInstall) {
			return ErrNoDownloadedUpdate
		}
		e.mu.Lock()
		if e.attached && gen == e.generation {
			e.failLocked(ReasonInstallFailed, err)
		}
		e.mu.Unlock()
		return fmt.Errorf("finalize update: %w", err)
	}
	return nil
}

// Retry clears a failed state and re-runs the check. Only valid from Failed.
func (e *Engine) Retry(ctx context.Context) (State, error) {
	e.mu.Lock()
	if !e.attached {
		state := e.state
		e.mu.Unlock()
		return state, ErrNotAttached
	}
	if e.state.Phase != PhaseFailed {
		state := e.state
		e.mu.Unlock()
		return state, ErrNothingToRetry
	}
	e.setStateLocked(State{Phase: PhaseIdle})
	e.mu.Unlock()

	return e.CheckForUpdate(ctx)
}

// Dismiss records an advisory dismissal from the host's own pre-prompt UI:
// the cooldown starts and no advisory prompt shows again this session.
// Mandatory offers cannot be dismissed; the call is logged and ignored.
func (e *Engine) Dismiss() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.attached {
		return ErrNotAttached
	}
	if e.state.Phase != PhaseAvailable {
		e.log.Debugf("dismiss ignored in phase %s", e.state.Phase)
		return nil
	}
	if e.pendingMandatory || e.state.Classification == policy.Mandatory {
		e.log.Infof("ignoring dismissal of a mandatory update prompt")
		return nil
	}

	e.session.recordDismissal()
	e.session.markAdvisoryShown()
	e.metrics.CountDismissal()
	e.notifier.publishEvent(EventDismissed, "advisory update dismissed", ReasonNone)
	e.setStateLocked(State{Phase: PhaseNoUpdate})
	return nil
}

// ReattachOnResume reconciles the engine with platform truth after the UI
// returns to the foreground: status pushes can be missed while detached. A
// stale Installing state is re-detected against the platform; a still-pending
// mandatory flow is reconfirmed against the policy source before it is
// re-triggered, so a server-side relaxation stops the re-prompting.
func (e *Engine) ReattachOnResume(ctx context.Context) (State, error) {
	e.mu.Lock()
	if !e.attached {
		state := e.state
		e.mu.Unlock()
		return state, ErrNotAttached
	}
	gen := e.generation
	stale := e.state.Phase == PhaseInstalling && time.Since(e.installingSince) > e.cfg.StaleInstallThreshold
	mandatoryPending := e.pendingMandatory && !e.flowInFlight
	e.mu.Unlock()

	if stale {
		return e.recoverStaleInstall(ctx, gen)
	}

	if mandatoryPending {
		build := e.source.CurrentBuild()
		thresholds, err := e.source.Thresholds(ctx)
		if err != nil {
			e.log.Debugf("policy source unavailable on resume, failing open: %v", err)
			thresholds = nil
		}
		if policy.Classify(build, thresholds) != policy.Mandatory {
			e.log.Infof("mandatory requirement relaxed while pending, not re-prompting")
			e.mu.Lock()
			if e.attached && gen == e.generation {
				e.pendingMandatory = false
				e.setStateLocked(State{Phase: PhaseIdle})
			}
			e.mu.Unlock()
			return e.CheckForUpdate(ctx)
		}
		go e.retriggerMandatory(gen)
	}

	return e.Status(), nil
}

func (e *Engine) recoverStaleInstall(ctx context.Context, gen uint64) (State, error) {
	e.log.Infof("install state stale after resume, re-running detection")

	availability, err := e.service.Availability(ctx)
	if err != nil {
		e.mu.Lock()
		if e.attached && gen == e.generation {
			e.failLocked(ReasonUnknown, fmt.Errorf("re-query availability: %w", err))
		}
		state := e.state
		e.mu.Unlock()
		return state, nil
	}

	e.mu.Lock()
	if !e.attached || gen != e.generation {
		state := e.state
		e.mu.Unlock()
		return state, nil
	}
	if availability.Install != platform.InstallUnknown {
		e.applyInstallStatusLocked(availability.Install)
		state := e.state
		e.mu.Unlock()
		return state, nil
	}
	// the platform no longer knows about the install, reclassify from scratch
	e.stopSupervisionLocked()
	e.setStateLocked(State{Phase: PhaseIdle})
	e.mu.Unlock()

	return e.CheckForUpdate(ctx)
}

// OpenStore opens the configured store page, the direct action behind the
// custom mandatory prompt when the native flow cannot run.
func (e *Engine) OpenStore() error {
	if e.cfg.StoreURL == "" {
		return ErrNoStoreURL
	}
	if err := open.Run(e.cfg.StoreURL); err != nil {
		return fmt.Errorf("open store page: %w", err)
	}
	return nil
}

func (e *Engine) setStateLocked(state State) {
	e.revision++
	state.Revision = e.revision
	e.state = state
	e.notifier.publishState(state)
}

// setPhaseLocked moves the phase while keeping the offer description.
func (e *Engine) setPhaseLocked(phase Phase) {
	state := e.state
	state.Phase = phase
	state.Reason = ReasonNone
	e.setStateLocked(state)
}

func (e *Engine) failLocked(reason Reason, err error) {
	if err != nil {
		e.log.Errorf("update failed (%s): %v", reason, err)
	} else {
		e.log.Debugf("update failed: %s", reason)
	}
	e.metrics.CountFailure(reason)

	state := e.state
	state.Phase = PhaseFailed
	state.Reason = reason
	e.setStateLocked(state)
	e.notifier.publishEvent(EventFailure, fmt.Sprintf("update failed: %s", reason), reason)
}

func (e *Engine) startSupervisionLocked() {
	if e.supervisor != nil {
		return
	}
	gen := e.generation
	e.supervisor = newInstallSupervisor(
		e.log,
		e.cfg.SupervisionInterval,
		e.cfg.InstallTimeout,
		e.pollInstallStatus,
		func(status platform.InstallStatus) { e.handleInstallStatus(gen, status) },
		func() { e.handleSupervisionTimeout(gen) },
	)
	e.supervisor.Start(e.attachCtx)
}

func (e *Engine) stopSupervisionLocked() {
	if e.supervisor == nil {
		return
	}
	e.supervisor.Stop()
	e.supervisor = nil
}

func (e *Engine) pollInstallStatus(ctx context.Context) (platform.InstallStatus, error) {
	availability, err := e.service.Availability(ctx)
	if err != nil {
		return platform.InstallUnknown, err
	}
	return availability.Install, nil
}

func (e *Engine) handleSupervisionTimeout(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.attached || gen != e.generation {
		return
	}
	e.supervisor = nil
	e.metrics.CountSupervisionTimeout()
	e.failLocked(ReasonTimeout, nil)
}

func (e *Engine) scheduleAutoFinalizeLocked() {
	e.stopFinalizeTimerLocked()
	gen := e.generation
	e.finalizeTimer = time.AfterFunc(e.cfg.FinalizeGrace, func() {
		e.autoFinalize(gen)
	})
}

func (e *Engine) stopFinalizeTimerLocked() {
	if e.finalizeTimer == nil {
		return
	}
	e.finalizeTimer.Stop()
	e.finalizeTimer = nil
}

func (e *Engine) autoFinalize(gen uint64) {
	e.mu.Lock()
	if !e.attached || gen != e.generation || e.state.Phase != PhaseDownloaded {
		e.mu.Unlock()
		return
	}
	ctx := e.attachCtx
	e.mu.Unlock()

	e.log.Debugf("auto-finalizing downloaded update")
	if err := e.service.Finalize(ctx); err != nil && !errors.Is(err, platform.ErrNoPendingInstall) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.attached || gen != e.generation {
			return
		}
		e.failLocked(ReasonInstallFailed, fmt.Errorf("auto-finalize: %w", err))
	}
}
