package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/executor/approvals"
	"github.com/agentdeck/agentdeck/internal/executor/logs"
	"github.com/agentdeck/agentdeck/internal/executor/msgstore"
	"github.com/agentdeck/agentdeck/internal/executor/process"
	"github.com/agentdeck/agentdeck/internal/executor/session"
	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

const defaultStopGrace = 10 * time.Second

// Launcher composes the executor subsystem: it builds commands, spawns
// supervised processes, wires their output through the per-variant
// normalizer into the message store, and connects the approval
// protocol.
type Launcher struct {
	store     *msgstore.Store
	sessions  *session.Manager
	approvals *approvals.Manager
	log       *logger.Logger

	lineRules map[Variant][]logs.Rule
	stopGrace time.Duration
}

// LauncherOption configures a Launcher.
type LauncherOption func(*Launcher)

// WithLineRules installs per-variant classifier rules for line-mode
// output. Variants without an entry fall back to the defaults.
func WithLineRules(rules map[Variant][]logs.Rule) LauncherOption {
	return func(l *Launcher) { l.lineRules = rules }
}

// WithStopGrace sets how long Stop waits between interrupt and kill.
func WithStopGrace(d time.Duration) LauncherOption {
	return func(l *Launcher) { l.stopGrace = d }
}

// NewLauncher wires the launcher to its collaborators.
func NewLauncher(store *msgstore.Store, sessions *session.Manager, approvalMgr *approvals.Manager, log *logger.Logger, opts ...LauncherOption) *Launcher {
	if log == nil {
		log = logger.Default()
	}
	l := &Launcher{
		store:     store,
		sessions:  sessions,
		approvals: approvalMgr,
		log:       log.WithFields(zap.String("component", "launcher")),
		stopGrace: defaultStopGrace,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run is one supervised agent process appending into a session's patch
// log.
type Run struct {
	Session *session.Session

	handle    *process.Handle
	client    *claudecode.Client
	stopGrace time.Duration
	done      chan struct{}
	exit      logs.ExitStatus
	log       *logger.Logger
}

// Done is closed once the run is fully finished: process exited, output
// drained, approvals cancelled, terminal patch committed.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes or ctx is cancelled.
func (r *Run) Wait(ctx context.Context) (logs.ExitStatus, error) {
	select {
	case <-r.done:
		return r.exit, nil
	case <-ctx.Done():
		return logs.ExitStatus{}, ctx.Err()
	}
}

// State reports the underlying process lifecycle phase.
func (r *Run) State() process.State { return r.handle.State() }

// Stop shuts the run down gracefully: interrupt first, kill after the
// grace period. For protocol variants the agent is asked to stop its
// turn before the process is signalled; the interrupt is skipped when
// the process has already exited.
func (r *Run) Stop(ctx context.Context) error {
	if r.client != nil && !r.exited() {
		ictx, cancel := context.WithTimeout(ctx, r.stopGrace)
		if err := r.client.Interrupt(ictx, r.stopGrace); err != nil {
			r.log.Debug("interrupt request failed", zap.Error(err))
		}
		cancel()
	}
	if err := r.handle.Stop(ctx, r.stopGrace); err != nil {
		return err
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Run) exited() bool {
	select {
	case <-r.handle.Done():
		return true
	default:
		return false
	}
}

// Kill terminates the run immediately. It returns once output is
// drained, pending approvals are cancelled and the terminal patch is
// committed.
func (r *Run) Kill(ctx context.Context) error {
	if err := r.handle.Kill(ctx); err != nil {
		return err
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Spawn starts a fresh session with the given prompt.
func (l *Launcher) Spawn(ctx context.Context, cfg AgentConfig, prompt string) (*Run, error) {
	p, ok := profiles[cfg.Variant]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVariant, cfg.Variant)
	}
	sess := l.sessions.Create(string(cfg.Variant), cfg.Workdir)
	return l.launch(ctx, p, cfg, sess, prompt, "")
}

// FollowUp resumes an existing session with a new prompt. It fails
// with ErrFollowUpNotSupported, before any process is spawned, when the
// variant cannot resume or the session never revealed its native id.
func (l *Launcher) FollowUp(ctx context.Context, sessionID string, cfg AgentConfig, prompt string) (*Run, error) {
	p, ok := profiles[cfg.Variant]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVariant, cfg.Variant)
	}
	sess, err := l.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if !p.capabilities.SessionFork || p.resumeArgs == nil {
		return nil, fmt.Errorf("%w: variant %s cannot resume", ErrFollowUpNotSupported, cfg.Variant)
	}
	nativeID, err := sess.NativeID()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFollowUpNotSupported, err)
	}
	if err := l.store.Reopen(sess.ID); err != nil && !errors.Is(err, msgstore.ErrNoSession) {
		return nil, err
	}
	return l.launch(ctx, p, cfg, sess, prompt, nativeID)
}

func (l *Launcher) launch(ctx context.Context, p *profile, cfg AgentConfig, sess *session.Session, prompt, nativeID string) (*Run, error) {
	fullPrompt := applySuffix(cfg, prompt)
	argPrompt := fullPrompt
	if p.promptOverStdin {
		argPrompt = ""
	}
	var args []string
	if nativeID != "" {
		args = p.resumeArgs(nativeID, argPrompt)
	} else {
		args = p.initialArgs(argPrompt)
	}

	builder, err := buildCommand(cfg, args)
	if err != nil {
		return nil, err
	}
	inv, err := builder.Resolve()
	if err != nil {
		return nil, err
	}

	runLog := l.log.WithSessionID(sess.ID).WithVariant(string(cfg.Variant))
	if inv.ViaNpx {
		runLog.Info("agent binary missing, running through npx")
	}

	handle, err := process.Start(ctx, inv, runLog)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", cfg.Variant, err)
	}
	sess.RecordSpawn()

	r := &Run{
		Session:   sess,
		handle:    handle,
		stopGrace: l.stopGrace,
		done:      make(chan struct{}),
		log:       runLog,
	}

	tracker := logs.NewTrackerAt(l.store.EntryCount(sess.ID))
	appendPatch := func(patch logs.Patch) error {
		committed, err := l.store.Append(sess.ID, patch)
		if err != nil {
			runLog.Error("patch append rejected", zap.Error(err))
			return err
		}
		if committed.Entry != nil && committed.Entry.SessionIDMarker != "" {
			sess.SetNativeID(committed.Entry.SessionIDMarker)
		}
		return nil
	}
	emitEntry := func(e *logs.NormalizedEntry) error {
		return appendPatch(tracker.Insert(e))
	}
	emitStderr := func(e *logs.NormalizedEntry) error {
		if e.Metadata == nil {
			e.Metadata = map[string]any{}
		}
		e.Metadata["stream"] = "stderr"
		return appendPatch(tracker.Insert(e))
	}

	var g errgroup.Group
	g.Go(func() error {
		return logs.NewLineNormalizer(l.rulesFor(cfg.Variant), emitStderr).Run(handle.Stderr().Reader())
	})

	switch p.mode {
	case ingestStructured:
		translate := newCodexTranslator()
		g.Go(func() error {
			return logs.NewStreamNormalizer(tracker, translate, appendPatch).Run(handle.Stdout().Reader())
		})
	case ingestProtocol:
		client := claudecode.NewClient(stdinWriter{handle}, handle.Stdout().Reader(), runLog)
		r.client = client
		translator := newClaudeTranslator(tracker)
		client.OnMessage(func(msg *claudecode.StreamMessage) {
			for _, patch := range translator.translate(msg) {
				if err := appendPatch(patch); err != nil {
					return
				}
			}
		})
		client.OnPermissionRequest(l.permissionHandler(r, cfg, client))
		client.Start(ctx)
		g.Go(func() error {
			<-client.Done()
			return nil
		})
		if err := client.SendPrompt(fullPrompt); err != nil {
			killCtx, cancel := context.WithTimeout(context.Background(), l.stopGrace)
			defer cancel()
			_ = handle.Kill(killCtx)
			// The session may already hold entries from the stderr
			// normalizer; settle it so the log still ends with a
			// terminal patch.
			l.supervise(r, &g, appendPatch)
			return nil, fmt.Errorf("send prompt: %w", err)
		}
	default:
		g.Go(func() error {
			return logs.NewLineNormalizer(l.rulesFor(cfg.Variant), emitEntry).Run(handle.Stdout().Reader())
		})
	}

	go l.supervise(r, &g, appendPatch)
	return r, nil
}

// supervise joins the process and its normalizers, then settles the
// session: outstanding approvals are cancelled before the terminal
// patch is committed, so nothing is left pending on a finished run.
func (l *Launcher) supervise(r *Run, g *errgroup.Group, appendPatch func(logs.Patch) error) {
	res, _ := r.handle.Wait(context.Background())
	if err := g.Wait(); err != nil {
		r.log.Warn("normalizer ended with error", zap.Error(err))
	}
	if r.client != nil {
		r.client.Stop()
	}

	if n := l.approvals.CancelSession(r.Session.ID, "process exited"); n > 0 {
		r.log.Info("cancelled pending approvals", zap.Int("count", n))
	}

	exit := logs.ExitStatus{Code: res.Code, Signal: res.Signal}
	if res.Err != nil {
		exit.Failed = true
		exit.Reason = res.Err.Error()
	}
	r.exit = exit
	if err := appendPatch(logs.Exit(exit)); err != nil {
		r.log.Error("terminal patch rejected", zap.Error(err))
	}
	close(r.done)
}

func (l *Launcher) permissionHandler(r *Run, cfg AgentConfig, client *claudecode.Client) claudecode.PermissionHandler {
	return func(requestID string, preq *claudecode.PermissionRequest) {
		if !cfg.ApprovalsEnabled {
			if err := client.RespondToPermission(requestID, claudecode.Allow()); err != nil {
				r.log.Warn("auto-allow failed", zap.Error(err))
			}
			return
		}
		responder := func(ctx context.Context, req *approvals.Request, decision approvals.Decision, reason string) error {
			result, err := decisionToPermission(decision, reason, req.UpdatedInput)
			if err != nil {
				return err
			}
			return client.RespondToPermission(req.CorrelationID, result)
		}
		if _, err := l.approvals.Create(r.Session.ID, requestID, preq.ToolName, preq.Input, responder); err != nil {
			// Duplicate correlation ids are a protocol violation by the
			// agent; drop the request rather than fail the run.
			r.log.Warn("approval request dropped",
				zap.String("request_id", requestID),
				zap.Error(err))
		}
	}
}

func (l *Launcher) rulesFor(v Variant) []logs.Rule {
	if rules, ok := l.lineRules[v]; ok {
		return rules
	}
	return nil
}

// stdinWriter adapts the handle's serialized Send to io.Writer for the
// protocol client.
type stdinWriter struct{ h *process.Handle }

func (w stdinWriter) Write(p []byte) (int, error) {
	if err := w.h.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
