package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

const (
	manifestFile = "manifest.json"
	statusFile   = "status.json"
	commandFile  = "command.json"
	resultFile   = "result.json"

	dirProbeInterval = 300 * time.Millisecond
)

// manifest is the availability announcement dropped by the updater sidecar.
type manifest struct {
	AvailableBuild int64    `json:"availableBuild"`
	AllowedKinds   []string `json:"allowedKinds"`
	Priority       int      `json:"priority"`
}

type statusEntry struct {
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type commandEntry struct {
	Action   string    `json:"action"`
	Kind     string    `json:"kind,omitempty"`
	IssuedAt time.Time `json:"issuedAt"`
}

type resultEntry struct {
	Result string `json:"result"`
}

// FileService is a Service implementation for hosts whose update machinery
// is an external sidecar process. The two sides communicate through files in
// one directory: the sidecar drops a manifest (availability) and a status
// file (progress pushes), the service writes a command file (flow start,
// finalize) and reads the sidecar's result file. The service itself never
// downloads or installs anything.
type FileService struct {
	dir string
	log *log.Entry

	mux        sync.Mutex
	listener   StatusListener
	lastStatus InstallStatus

	closeCtx context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewFileService creates the bridge over the given exchange directory and
// starts watching the sidecar's status file.
func NewFileService(dir string) (*FileService, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create exchange directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &FileService{
		dir:      dir,
		log:      log.WithField("component", "file-update-service"),
		closeCtx: ctx,
		cancel:   cancel,
	}

	s.wg.Add(1)
	go s.watchStatus(ctx)
	return s, nil
}

// Availability reads the sidecar's manifest and status files. A missing
// manifest means no update is announced.
func (s *FileService) Availability(ctx context.Context) (Availability, error) {
	if err := ctx.Err(); err != nil {
		return Availability{}, err
	}

	install := s.readInstallStatus()
	availability := Availability{
		Status:  StatusNoUpdate,
		Install: install,
	}

	m, err := s.readManifest()
	if err != nil {
		if os.IsNotExist(err) {
			return availability, nil
		}
		return Availability{Status: StatusUnknown, Install: install}, fmt.Errorf("read update manifest: %w", err)
	}

	availability.Status = StatusUpdateAvailable
	availability.AvailableBuild = m.AvailableBuild
	availability.Priority = m.Priority
	for _, name := range m.AllowedKinds {
		kind, ok := kindFromName(name)
		if !ok {
			s.log.Warnf("ignoring unknown flow kind %q in manifest", name)
			continue
		}
		availability.AllowedKinds = append(availability.AllowedKinds, kind)
	}

	switch install {
	case InstallPending, InstallDownloading, InstallDownloaded, InstallInstalling:
		availability.Status = StatusUpdateInProgress
	}
	return availability, nil
}

// StartFlow writes a start command for the sidecar and reports its result
// entry through the returned channel.
func (s *FileService) StartFlow(ctx context.Context, kind FlowKind) (<-chan FlowResult, error) {
	availability, err := s.Availability(ctx)
	if err != nil {
		return nil, err
	}
	if availability.Status == StatusNoUpdate || availability.Status == StatusUnknown {
		return nil, fmt.Errorf("%w: no update announced", ErrFlowNotStarted)
	}
	if availability.Status == StatusUpdateAvailable && !availability.Allows(kind) {
		return nil, fmt.Errorf("%w: kind %s not allowed", ErrFlowNotStarted, kind)
	}

	// a result of an earlier flow must not satisfy this one
	if err := os.Remove(filepath.Join(s.dir, resultFile)); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale result file: %w", err)
	}

	cmd := commandEntry{Action: "start", Kind: kindName(kind), IssuedAt: time.Now()}
	if err := s.writeCommand(cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFlowNotStarted, err)
	}

	resultChan := make(chan FlowResult, 1)
	s.wg.Add(1)
	go s.watchResult(ctx, resultChan)
	return resultChan, nil
}

// RegisterStatusListener subscribes to status pushes, replacing any previous
// listener.
func (s *FileService) RegisterStatusListener(l StatusListener) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.listener = l
}

// UnregisterStatusListener removes the current listener.
func (s *FileService) UnregisterStatusListener() {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.listener = nil
}

// Finalize asks the sidecar to complete a downloaded update.
func (s *FileService) Finalize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch s.readInstallStatus() {
	case InstallDownloaded, InstallInstalled:
	default:
		return ErrNoPendingInstall
	}

	cmd := commandEntry{Action: "finalize", IssuedAt: time.Now()}
	if err := s.writeCommand(cmd); err != nil {
		return fmt.Errorf("write finalize command: %w", err)
	}
	return nil
}

// Close stops the watchers and removes the files this side owns.
func (s *FileService) Close() error {
	s.cancel()
	s.wg.Wait()

	var result *multierror.Error
	for _, name := range []string{commandFile, resultFile} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, fmt.Errorf("remove %s: %w", name, err))
		}
	}
	return result.ErrorOrNil()
}

// watchStatus delivers sidecar status pushes to the registered listener in
// write order, deduplicating repeats.
func (s *FileService) watchStatus(ctx context.Context) {
	defer s.wg.Done()

	// the sidecar may have written a status before we started watching
	if status, err := s.tryReadStatus(); err == nil {
		s.deliver(status)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Errorf("failed to create status watcher: %v", err)
		s.pollStatus(ctx)
		return
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			s.log.Warnf("failed to close status watcher: %v", err)
		}
	}()

	// watch the directory, the status file may not exist yet
	if err := watcher.Add(s.dir); err != nil {
		s.log.Errorf("failed to watch exchange directory: %v", err)
		s.pollStatus(ctx)
		return
	}

	// the ticker backs up the watcher: a write racing the watcher setup
	// would otherwise be missed forever, deduplication keeps it cheap
	ticker := time.NewTicker(dirProbeInterval)
	defer ticker.Stop()

	statusPath := filepath.Join(s.dir, statusFile)
	for {
		select {
		case <-ctx.Done():
			s.log.Debugf("context is done, stop status watch")
			return
		case <-ticker.C:
			if status, err := s.tryReadStatus(); err == nil {
				s.deliver(status)
			}
		case event, ok := <-watcher.Events:
			if !ok {
				s.log.Errorf("status watcher closed unexpectedly")
				return
			}
			if event.Name != statusPath {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			status, err := s.tryReadStatus()
			if err != nil {
				s.log.Debugf("error while reading status: %v", err)
				continue
			}
			s.deliver(status)
		case err, ok := <-watcher.Errors:
			if !ok {
				s.log.Errorf("status watcher closed unexpectedly")
				return
			}
			s.log.Warnf("status watcher error: %v", err)
		}
	}
}

// pollStatus is the fallback when no filesystem watcher is available.
func (s *FileService) pollStatus(ctx context.Context) {
	ticker := time.NewTicker(dirProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := s.tryReadStatus()
			if err != nil {
				continue
			}
			s.deliver(status)
		}
	}
}

// watchResult waits for the sidecar's result entry of a started flow and
// delivers exactly one FlowResult.
func (s *FileService) watchResult(ctx context.Context, resultChan chan<- FlowResult) {
	defer s.wg.Done()
	defer close(resultChan)

	resultPath := filepath.Join(s.dir, resultFile)

	ticker := time.NewTicker(dirProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Debugf("context is done, stop result watch")
			return
		case <-s.closeCtx.Done():
			s.log.Debugf("service is closing, stop result watch")
			return
		case <-ticker.C:
		}

		data, err := os.ReadFile(resultPath)
		if err != nil {
			if !os.IsNotExist(err) {
				s.log.Debugf("error while reading result: %v", err)
			}
			continue
		}

		var entry resultEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			s.log.Debugf("invalid result format: %v", err)
			continue
		}
		if err := os.Remove(resultPath); err != nil && !os.IsNotExist(err) {
			s.log.Warnf("failed to remove result file: %v", err)
		}

		s.log.Infof("sidecar flow result: %s", entry.Result)
		resultChan <- resultFromName(entry.Result)
		return
	}
}

// deliver invokes the listener outside the service mutex so a listener that
// re-enters the service cannot deadlock.
func (s *FileService) deliver(status InstallStatus) {
	s.mux.Lock()
	if status == s.lastStatus {
		s.mux.Unlock()
		return
	}
	s.lastStatus = status
	listener := s.listener
	s.mux.Unlock()

	if listener == nil {
		return
	}
	listener(status)
}

func (s *FileService) readManifest() (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, manifestFile))
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest format: %w", err)
	}
	return &m, nil
}

func (s *FileService) readInstallStatus() InstallStatus {
	status, err := s.tryReadStatus()
	if err != nil {
		return InstallUnknown
	}
	return status
}

func (s *FileService) tryReadStatus() (InstallStatus, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, statusFile))
	if err != nil {
		return InstallUnknown, err
	}
	var entry statusEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return InstallUnknown, fmt.Errorf("invalid status format: %w", err)
	}
	return statusFromName(entry.Status), nil
}

// writeCommand writes the command file atomically: temp file first, then
// rename, so the sidecar never reads a half-written command.
func (s *FileService) writeCommand(cmd commandEntry) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	path := filepath.Join(s.dir, commandFile)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("create temp command file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		if cleanupErr := os.Remove(tmpPath); cleanupErr != nil {
			s.log.Warnf("failed to remove temp command file: %v", cleanupErr)
		}
		return fmt.Errorf("rename command file: %w", err)
	}
	return nil
}

func kindName(kind FlowKind) string {
	switch kind {
	case FlowFlexible:
		return "flexible"
	case FlowImmediate:
		return "immediate"
	default:
		return "unknown"
	}
}

func kindFromName(name string) (FlowKind, bool) {
	switch name {
	case "flexible":
		return FlowFlexible, true
	case "immediate":
		return FlowImmediate, true
	default:
		return FlowFlexible, false
	}
}

func statusFromName(name string) InstallStatus {
	switch name {
	case "pending":
		return InstallPending
	case "downloading":
		return InstallDownloading
	case "downloaded":
		return InstallDownloaded
	case "installing":
		return InstallInstalling
	case "installed":
		return InstallInstalled
	case "failed":
		return InstallFailed
	case "canceled":
		return InstallCanceled
	default:
		return InstallUnknown
	}
}

func resultFromName(name string) FlowResult {
	switch name {
	case "accepted":
		return ResultAccepted
	case "canceled":
		return ResultCanceled
	default:
		return ResultFailed
	}
}
