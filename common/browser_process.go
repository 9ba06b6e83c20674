package common

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/ProfFahad/stealthwright/log"
	"github.com/ProfFahad/stealthwright/storage"
)

// BrowserProcess supervises a running browser. There is no readiness
// handshake with the process itself; attachment happens out of band through
// the HTTP discovery endpoint, so the process is considered started as soon
// as exec succeeds.
type BrowserProcess struct {
	ctx    context.Context
	cancel context.CancelFunc

	process *os.Process
	dataDir *storage.Dir

	// Channels for managing termination.
	lostConnection             chan struct{}
	processIsGracefullyClosing chan struct{}
	processDone                chan struct{}

	logger *log.Logger
}

// NewBrowserProcess starts a local browser process with the given
// executable and arguments.
func NewBrowserProcess(
	ctx context.Context, path string, args []string, dataDir *storage.Dir,
	ctxCancel context.CancelFunc, logger *log.Logger,
) (*BrowserProcess, error) {
	cmd, done, err := execute(ctx, path, args, dataDir, logger)
	if err != nil {
		return nil, err
	}

	p := BrowserProcess{
		ctx:                        ctx,
		cancel:                     ctxCancel,
		process:                    cmd.Process,
		dataDir:                    dataDir,
		lostConnection:             make(chan struct{}),
		processIsGracefullyClosing: make(chan struct{}),
		processDone:                done,
		logger:                     logger,
	}

	go p.handleClose(ctx)

	return &p, nil
}

// handleClose cancels the process context when the channel to the browser is
// lost, unless a clean browser-initiated close is already in progress.
func (p *BrowserProcess) handleClose(ctx context.Context) {
	select {
	case <-p.lostConnection:
	case <-ctx.Done():
	}

	select {
	case <-p.processIsGracefullyClosing:
	default:
		p.cancel()
	}
}

func (p *BrowserProcess) didLoseConnection() {
	close(p.lostConnection)
}

func (p *BrowserProcess) isConnected() bool {
	var ok bool
	select {
	case _, ok = <-p.lostConnection:
	default:
		ok = true
	}
	return ok
}

// GracefulClose marks the process as closing cleanly so the lost channel is
// not treated as a crash.
func (p *BrowserProcess) GracefulClose() {
	p.logger.Debugf("BrowserProcess:GracefulClose", "")
	close(p.processIsGracefullyClosing)
}

// Terminate kills the browser process.
func (p *BrowserProcess) Terminate() {
	p.logger.Debugf("BrowserProcess:Terminate", "pid:%d", p.Pid())
	p.cancel()
}

// Done returns a channel closed when the process exits.
func (p *BrowserProcess) Done() <-chan struct{} {
	return p.processDone
}

// Pid returns the browser process ID.
func (p *BrowserProcess) Pid() int {
	return p.process.Pid
}

// Cleanup removes the process's temporary user data directory.
func (p *BrowserProcess) Cleanup() error {
	return p.dataDir.Cleanup()
}

func execute(
	ctx context.Context, path string, args []string,
	dataDir *storage.Dir, logger *log.Logger,
) (*exec.Cmd, chan struct{}, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	killAfterParent(cmd)

	// Start before Wait, otherwise the two race.
	err := cmd.Start()
	if os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("file does not exist: %s: %w", path, ErrLaunchFailed)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("starting %s: %v: %w", path, err, ErrLaunchFailed)
	}
	if ctx.Err() != nil {
		return nil, nil, fmt.Errorf("%w", ctx.Err())
	}

	done := make(chan struct{})
	go func() {
		defer func() {
			if err := dataDir.Cleanup(); err != nil {
				logger.Errorf("browser", "cleaning up the user data directory: %v", err)
			}
			close(done)
		}()

		if err := cmd.Wait(); err != nil {
			logger.Errorf("browser",
				"process with PID %d unexpectedly ended: %v",
				cmd.Process.Pid, err)
		}
	}()

	return cmd, done, nil
}
