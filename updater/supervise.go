package updater

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamhariomsharma/update-kit/platform"
)

// statusPollFunc queries the platform's current install status.
type statusPollFunc func(ctx context.Context) (platform.InstallStatus, error)

// installSupervisor bounds an otherwise unbounded wait on a platform install
// that may silently stall. It polls the platform status on a fixed interval;
// a terminal status ends supervision early, exceeding either the poll count
// or the wall-clock timeout while still installing forces a timeout.
type installSupervisor struct {
	log      *log.Entry
	interval time.Duration
	maxPolls int
	timeout  time.Duration

	poll      statusPollFunc
	onStatus  func(platform.InstallStatus)
	onTimeout func()

	cancel context.CancelFunc
	done   chan struct{}
}

func newInstallSupervisor(
	logEntry *log.Entry,
	interval, timeout time.Duration,
	poll statusPollFunc,
	onStatus func(platform.InstallStatus),
	onTimeout func(),
) *installSupervisor {
	maxPolls := int(timeout / interval)
	if maxPolls < 1 {
		maxPolls = 1
	}
	return &installSupervisor{
		log:       logEntry,
		interval:  interval,
		maxPolls:  maxPolls,
		timeout:   timeout,
		poll:      poll,
		onStatus:  onStatus,
		onTimeout: onTimeout,
		done:      make(chan struct{}),
	}
}

// Start launches the supervision loop. Call at most once per supervisor.
func (s *installSupervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.superviseLoop(ctx)
}

// Stop ends supervision. It does not wait for the loop: the timeout and
// status callbacks take the engine lock, so waiting here could deadlock a
// caller that holds it. The loop exits on the next select.
func (s *installSupervisor) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
}

func (s *installSupervisor) superviseLoop(ctx context.Context) {
	defer close(s.done)

	started := time.Now()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Debugf("start installation supervision, interval: %s, timeout: %s", s.interval, s.timeout)

	for polls := 0; ; {
		select {
		case <-ctx.Done():
			s.log.Debugf("context is done, stop supervision loop")
			return
		case <-ticker.C:
		}

		polls++
		if polls > s.maxPolls || time.Since(started) > s.timeout {
			s.log.Warnf("installation stuck after %d polls over %s, giving up", polls-1, time.Since(started))
			s.onTimeout()
			return
		}

		status, err := s.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Debugf("status poll failed: %v", err)
			continue
		}

		if status != platform.InstallInstalling {
			s.onStatus(status)
			if status.Terminal() {
				s.log.Debugf("terminal status %s, stop supervision loop", status)
				return
			}
		}
	}
}
