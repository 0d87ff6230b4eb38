package updater

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/iamhariomsharma/update-kit/platform"
)

func TestInstallSupervisor_TimesOutOnStuckInstall(t *testing.T) {
	var polls atomic.Int64
	timeoutChan := make(chan struct{}, 1)

	supervisor := newInstallSupervisor(
		log.WithField("component", "test"),
		2*time.Millisecond,
		10*time.Millisecond,
		func(context.Context) (platform.InstallStatus, error) {
			polls.Add(1)
			return platform.InstallInstalling, nil
		},
		func(platform.InstallStatus) {
			t.Error("no status callback expected while stuck installing")
		},
		func() {
			timeoutChan <- struct{}{}
		},
	)
	supervisor.Start(context.Background())

	select {
	case <-timeoutChan:
	case <-time.After(time.Second):
		t.Fatal("supervision did not time out")
	}

	select {
	case <-supervisor.done:
	case <-time.After(time.Second):
		t.Fatal("supervision loop did not terminate")
	}

	// no polls after the loop ended
	afterTimeout := polls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, afterTimeout, polls.Load())
}

func TestInstallSupervisor_TerminalStatusEndsEarly(t *testing.T) {
	statusChan := make(chan platform.InstallStatus, 1)

	supervisor := newInstallSupervisor(
		log.WithField("component", "test"),
		2*time.Millisecond,
		time.Minute,
		func(context.Context) (platform.InstallStatus, error) {
			return platform.InstallInstalled, nil
		},
		func(status platform.InstallStatus) {
			select {
			case statusChan <- status:
			default:
			}
		},
		func() {
			t.Error("no timeout expected for a terminal status")
		},
	)
	supervisor.Start(context.Background())

	select {
	case status := <-statusChan:
		assert.Equal(t, platform.InstallInstalled, status)
	case <-time.After(time.Second):
		t.Fatal("terminal status was not reported")
	}

	select {
	case <-supervisor.done:
	case <-time.After(time.Second):
		t.Fatal("supervision loop did not terminate")
	}
}

func TestInstallSupervisor_StopCancelsLoop(t *testing.T) {
	supervisor := newInstallSupervisor(
		log.WithField("component", "test"),
		2*time.Millisecond,
		time.Minute,
		func(context.Context) (platform.InstallStatus, error) {
			return platform.InstallInstalling, nil
		},
		func(platform.InstallStatus) {},
		func() {
			t.Error("no timeout expected after stop")
		},
	)
	supervisor.Start(context.Background())
	supervisor.Stop()
	supervisor.Stop()

	select {
	case <-supervisor.done:
	case <-time.After(time.Second):
		t.Fatal("supervision loop did not terminate after stop")
	}
}
