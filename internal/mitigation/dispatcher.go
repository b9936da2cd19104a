// Package mitigation runs the external executor that blocks or rate-limits
// attacking addresses.
package mitigation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"hipswatch/internal/auth"
	"hipswatch/internal/common"
	"hipswatch/internal/config"
	"hipswatch/internal/metrics"
	"hipswatch/internal/state"
)

// Outcome is the result class of one executor invocation.
type Outcome int

const (
	Success Outcome = iota
	PartialFailure
	Failure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case PartialFailure:
		return "partial_failure"
	default:
		return "failure"
	}
}

// ErrLaunch marks a Failure where the executor never ran: the token or the
// vars file could not be prepared, or the process could not be started.
var ErrLaunch = errors.New("executor not started")

// Request describes one mitigation: the targets and the flows that caused it.
type Request struct {
	Addresses []string
	FlowIDs   []string
	Action    common.MitigationAction
	Group     string
}

// Result reports what happened to a Request.
type Result struct {
	Outcome  Outcome
	ExitCode int
	TimedOut bool
	Duration time.Duration
	Err      error
}

// Applier is the capability the watchdog loop depends on.
type Applier interface {
	Apply(ctx context.Context, req Request) Result
}

// varsDocument is handed to the executor so it can call the feed API itself.
type varsDocument struct {
	TargetIPs   []string `json:"target_ips"`
	FlowIDs     []string `json:"flow_ids"`
	AccessToken string   `json:"access_token"`
	Action      string   `json:"action"`
}

// Dispatcher invokes the executor with a bounded duration.
type Dispatcher struct {
	path        string
	args        []string
	timeout     time.Duration
	partialCode int
	varsFile    string
	inventory   string
	playbook    string
	privateKey  string
	sshUser     string
	tokens      auth.TokenSource
	log         *slog.Logger
}

func NewDispatcher(cfg *config.Config, tokens auth.TokenSource, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		path:        cfg.ExecutorPath,
		args:        cfg.ExecutorArgs,
		timeout:     cfg.ExecutorTimeout,
		partialCode: cfg.ExecutorPartialExitCode,
		varsFile:    cfg.VarsFile,
		inventory:   cfg.InventoryPath,
		playbook:    cfg.PlaybookPath,
		privateKey:  cfg.PrivateKeyFile,
		sshUser:     cfg.SSHUser,
		tokens:      tokens,
		log:         logger.With("component", "dispatcher"),
	}
}

// Apply runs the executor once for req. It never retries; a timeout kills the
// process and yields Failure. Cancellation of ctx does not interrupt a running
// executor, only the timeout does.
func (d *Dispatcher) Apply(ctx context.Context, req Request) Result {
	start := time.Now()
	res := d.run(context.WithoutCancel(ctx), req)
	res.Duration = time.Since(start)

	metrics.DispatchOutcomes.WithLabelValues(res.Outcome.String()).Inc()
	metrics.DispatchDuration.Observe(res.Duration.Seconds())
	return res
}

func (d *Dispatcher) run(ctx context.Context, req Request) Result {
	if req.Action == "" {
		req.Action = common.ActionBlock
	}
	if req.Group == "" {
		req.Group = common.DefaultInventoryGroup
	}
	log := d.log.With("addresses", req.Addresses, "flow_ids", req.FlowIDs, "action", req.Action)

	tok, err := d.tokens.GetValidToken(ctx)
	if err != nil {
		return launchFailure(fmt.Errorf("token for vars file: %w", err))
	}
	if err := d.writeVars(req, tok.Value); err != nil {
		return launchFailure(err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	args := d.expandArgs(req)
	cmd := exec.CommandContext(ctx, d.path, args...)
	cmd.WaitDelay = 5 * time.Second
	cmd.Env = os.Environ()
	if d.privateKey != "" {
		cmd.Env = append(cmd.Env, "ANSIBLE_PRIVATE_KEY_FILE="+d.privateKey)
	}

	var wg sync.WaitGroup
	stdout := d.streamToLog(log, "stdout", &wg)
	stderr := d.streamToLog(log, "stderr", &wg)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	log.Info("starting executor", "path", d.path, "args", args, "timeout", d.timeout)
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		wg.Wait()
		return launchFailure(fmt.Errorf("start %s: %w", d.path, err))
	}
	waitErr := cmd.Wait()
	stdout.Close()
	stderr.Close()
	wg.Wait()

	res := d.classify(ctx, waitErr)
	if res.Err != nil {
		log.Error("executor failed", "outcome", res.Outcome, "exit_code", res.ExitCode, "timed_out", res.TimedOut, "err", res.Err)
	} else {
		log.Info("executor finished", "outcome", res.Outcome, "exit_code", res.ExitCode)
	}
	return res
}

func (d *Dispatcher) classify(ctx context.Context, waitErr error) Result {
	if waitErr != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Result{
			Outcome:  Failure,
			ExitCode: -1,
			TimedOut: true,
			Err:      fmt.Errorf("executor exceeded %s", d.timeout),
		}
	}
	if waitErr == nil {
		return Result{Outcome: Success}
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return Result{Outcome: Failure, ExitCode: -1, Err: waitErr}
	}
	code := exitErr.ExitCode()
	if code == d.partialCode {
		return Result{
			Outcome:  PartialFailure,
			ExitCode: code,
			Err:      fmt.Errorf("executor reported unreachable targets (exit %d)", code),
		}
	}
	return Result{Outcome: Failure, ExitCode: code, Err: fmt.Errorf("executor: %w", waitErr)}
}

func launchFailure(err error) Result {
	return Result{Outcome: Failure, ExitCode: -1, Err: fmt.Errorf("%w: %w", ErrLaunch, err)}
}

// streamToLog returns a writer whose lines are logged as they arrive.
func (d *Dispatcher) streamToLog(log *slog.Logger, stream string, wg *sync.WaitGroup) io.WriteCloser {
	pr, pw := io.Pipe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(nil, 4*1024*1024)
		for scanner.Scan() {
			log.Info(scanner.Text(), "stream", stream)
		}
		if err := scanner.Err(); err != nil {
			log.Warn("reading executor output", "stream", stream, "err", err)
		}
		// Unblock the writer if the scanner stopped early.
		_, _ = io.Copy(io.Discard, pr)
	}()
	return pw
}

func (d *Dispatcher) expandArgs(req Request) []string {
	targets := make([]string, len(req.Addresses))
	for i, a := range req.Addresses {
		targets[i] = state.HostName(d.sshUser, a)
	}
	r := strings.NewReplacer(
		"{targets}", strings.Join(targets, ","),
		"{flow_ids}", strings.Join(req.FlowIDs, ","),
		"{vars_file}", d.varsFile,
		"{inventory}", d.inventory,
		"{playbook}", d.playbook,
		"{private_key}", d.privateKey,
		"{group}", req.Group,
		"{action}", string(req.Action),
	)
	out := make([]string, 0, len(d.args))
	for _, a := range d.args {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, r.Replace(a))
		}
	}
	return out
}

func (d *Dispatcher) writeVars(req Request, token string) error {
	if d.varsFile == "" {
		return nil
	}
	data, err := json.Marshal(varsDocument{
		TargetIPs:   req.Addresses,
		FlowIDs:     req.FlowIDs,
		AccessToken: token,
		Action:      string(req.Action),
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(d.varsFile), 0o700); err != nil {
		return fmt.Errorf("create vars dir: %w", err)
	}
	if err := atomic.WriteFile(d.varsFile, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write vars file: %w", err)
	}
	return os.Chmod(d.varsFile, 0o600)
}
