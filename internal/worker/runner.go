// Package worker invokes the external domain92 process. The worker does
// the slow, network-bound domain registration; this package only spawns
// it, bounds it, and harvests its output.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/Cyabanz/new-domain92/internal/config"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ErrTimeout reports a worker killed because its deadline expired.
var ErrTimeout = errors.New("worker: timed out")

// Request describes one worker invocation.
type Request struct {
	TargetAddress string
	Count         int
	// Webhook is forwarded verbatim; "none" disables worker-side posting.
	Webhook string
	// AutoSolve enables the worker's automatic captcha solving.
	AutoSolve bool
}

// Result captures everything the worker reported.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// ArtifactText is the content of the worker's output file, when the
	// worker wrote one. It is the authoritative result text.
	ArtifactText string
	Duration     time.Duration
}

// ResultText returns the authoritative text to extract identifiers from:
// the output artifact when present, standard output otherwise.
func (r Result) ResultText() string {
	if r.ArtifactText != "" {
		return r.ArtifactText
	}
	return r.Stdout
}

// Runner launches worker processes with configuration-derived defaults.
type Runner struct {
	cfg config.Worker
}

// NewRunner builds a Runner from the worker configuration.
func NewRunner(cfg config.Worker) *Runner {
	return &Runner{cfg: cfg}
}

// Timeout returns the configured per-invocation deadline.
func (r *Runner) Timeout() time.Duration {
	return r.cfg.Timeout.Std()
}

// buildArgs assembles the worker argument list for one request.
func (r *Runner) buildArgs(req Request, outfile string) []string {
	webhook := req.Webhook
	if webhook == "" {
		webhook = "none"
	}
	args := []string{
		"--ip", req.TargetAddress,
		"--number", strconv.Itoa(req.Count),
		"--webhook", webhook,
		"--silent",
		"--proxy", "none",
		"--type", r.cfg.RecordType,
		"--pages", r.cfg.Pages,
		"--subdomains", r.cfg.Subdomains,
		"--outfile", outfile,
	}
	if req.AutoSolve {
		args = append(args, "--auto")
	}
	return args
}

// Run executes the worker and returns its output. The process is killed
// when ctx expires; that case reports ErrTimeout. A non-zero exit
// returns the populated Result together with the exec error. The output
// artifact is always removed before returning.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	if req.Count < 1 {
		return Result{}, fmt.Errorf("worker: count must be >= 1, got %d", req.Count)
	}

	outfile := filepath.Join(r.cfg.WorkDir, fmt.Sprintf("domainlist_%s.txt", uuid.NewString()))
	defer func() {
		if errRemove := os.Remove(outfile); errRemove != nil && !os.IsNotExist(errRemove) {
			log.Warnf("worker: remove artifact %s: %v", outfile, errRemove)
		}
	}()

	args := r.buildArgs(req, outfile)
	cmd := exec.CommandContext(ctx, r.cfg.Command, args...)

	// The worker forks helpers that inherit our output pipes. Give it
	// its own process group so cancellation reaps the whole tree;
	// otherwise Run blocks until every surviving child exits.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		errKill := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(errKill, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return errKill
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	errRun := cmd.Run()
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	// Harvest the artifact even on failure; partial output is still
	// worth surfacing to the caller.
	if data, errRead := os.ReadFile(outfile); errRead == nil {
		result.ArtifactText = string(data)
	}

	if errCtx := ctx.Err(); errCtx != nil {
		if errors.Is(errCtx, context.DeadlineExceeded) {
			return result, fmt.Errorf("%w after %s", ErrTimeout, result.Duration.Round(time.Millisecond))
		}
		return result, fmt.Errorf("worker: canceled after %s: %w", result.Duration.Round(time.Millisecond), errCtx)
	}
	if errRun != nil {
		return result, fmt.Errorf("worker: %s exited: %w", r.cfg.Command, errRun)
	}
	return result, nil
}
