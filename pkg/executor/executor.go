// Package executor runs the per-chunk, per-target case-execution pipeline:
// fingerprint, select matching cases, acquire a session, verify each case
// under timeout, record statistics, and report progress. Verify failures
// never propagate past this package; they become fail/timeout stat
// records.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/vulnscan/pkg/auth"
	"github.com/cuemby/vulnscan/pkg/fingerprint"
	"github.com/cuemby/vulnscan/pkg/log"
	"github.com/cuemby/vulnscan/pkg/metrics"
	"github.com/cuemby/vulnscan/pkg/probe"
	"github.com/cuemby/vulnscan/pkg/registry"
	"github.com/cuemby/vulnscan/pkg/storage"
	"github.com/cuemby/vulnscan/pkg/types"
)

// ProgressFunc reports that one more target in a chunk has finished
// (completedDelta = 1), for the caller to publish a progress result.
type ProgressFunc func(taskID string, completedDelta int)

// Executor wires together the Fingerprint Engine, Case Registry and Auth
// Manager to run a task's selected cases against each target in a chunk.
type Executor struct {
	fingerprints   *fingerprint.Engine
	registry       *registry.Registry
	tools          *registry.ToolRegistry
	auth           *auth.Manager
	store          storage.Store
	prober         *probe.ServiceProber
	defaultTimeout time.Duration
	rateLimit      chan struct{}
}

// WithProber attaches a service-port prober whose fingerprints are merged
// with the HTTP-derived ones for each target.
func (e *Executor) WithProber(p *probe.ServiceProber) *Executor {
	e.prober = p
	return e
}

// New builds an Executor. rateLimit bounds the number of concurrent
// verify attempts across the whole process (default 100, per
// scanner_rate_limit).
func New(fp *fingerprint.Engine, reg *registry.Registry, tools *registry.ToolRegistry, am *auth.Manager, store storage.Store, defaultTimeout time.Duration, rateLimit int) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if rateLimit <= 0 {
		rateLimit = 100
	}
	if tools != nil {
		// Shared components become tools so cases can reach them by name
		// instead of holding their own instances.
		tools.Register("auth_manager", am)
		tools.Register("fingerprint_engine", fp)
	}
	return &Executor{
		fingerprints:   fp,
		registry:       reg,
		tools:          tools,
		auth:           am,
		store:          store,
		defaultTimeout: defaultTimeout,
		rateLimit:      make(chan struct{}, rateLimit),
	}
}

// RunChunk executes task's selected cases against every target in chunk,
// invoking progress after each target completes.
func (e *Executor) RunChunk(ctx context.Context, task *types.Task, chunk *types.Chunk, progress ProgressFunc) []types.VulnResult {
	var results []types.VulnResult
	for _, target := range chunk.Targets {
		results = append(results, e.runTarget(ctx, task, target)...)
		if progress != nil {
			progress(task.ID, 1)
		}
	}
	return results
}

func (e *Executor) runTarget(ctx context.Context, task *types.Task, target string) []types.VulnResult {
	fps := e.fingerprints.Identify(ctx, target, 0, true)
	if e.prober != nil {
		fps = append(fps, e.prober.Services(ctx, target)...)
	}
	caseIDs := e.registry.Matching(fps, task.Policy, task.VulnIDs)

	session := e.acquireSession(ctx, task, target)

	var results []types.VulnResult
	for _, caseID := range caseIDs {
		c, ok := e.registry.Lookup(caseID)
		if !ok {
			continue
		}
		result := e.runCase(ctx, c, task.ID, target, fps, session)
		results = append(results, result)
	}
	return results
}

func (e *Executor) acquireSession(ctx context.Context, task *types.Task, target string) *auth.Session {
	if len(task.Auth) == 0 {
		return auth.AnonymousFor(target)
	}

	// The auth flow supports a single login point per task; the first
	// key in the mapping wins.
	var loginPoint string
	for lp := range task.Auth {
		loginPoint = lp
		break
	}
	creds := task.Auth[loginPoint]
	e.auth.SetCredentials(loginPoint, creds)

	baseURL := fingerprint.BaseURL(target, 0)
	return e.auth.GetSession(ctx, loginPoint, baseURL, false)
}

func (e *Executor) runCase(ctx context.Context, c registry.Case, taskID, target string, fps []types.Fingerprint, session *auth.Session) types.VulnResult {
	// The slot gates verify attempts: on timeout it is released when
	// runCase returns even though the abandoned goroutine may still be
	// draining, so in-flight goroutines can briefly exceed the limit.
	select {
	case e.rateLimit <- struct{}{}:
		defer func() { <-e.rateLimit }()
	case <-ctx.Done():
		return types.VulnResult{CaseID: c.Metadata().ID, Target: target}
	}

	caseID := c.Metadata().ID
	timer := metrics.NewTimer()
	start := time.Now()

	verifyCtx, cancel := context.WithTimeout(ctx, e.defaultTimeout)
	defer cancel()

	resultCh := make(chan types.VulnResult, 1)
	errCh := make(chan error, 1)
	go func() {
		// A panicking plugin verify must not take the node down; it is
		// just another verify failure.
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("verify panicked: %v", r)
			}
		}()
		r, err := c.Verify(verifyCtx, target, session, fps)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- r
	}()

	var result types.VulnResult
	status := types.StatSuccess

	select {
	case <-verifyCtx.Done():
		status = types.StatTimeout
		result = types.VulnResult{CaseID: caseID, Target: target}
		metrics.CasesExecuted.WithLabelValues(string(status)).Inc()
	case err := <-errCh:
		status = types.StatFail
		result = types.VulnResult{CaseID: caseID, Target: target}
		log.Logger.Error().Err(err).Str("case_id", caseID).Str("target", target).Msg("case verify failed")
		metrics.CasesExecuted.WithLabelValues(string(status)).Inc()
	case r := <-resultCh:
		result = r
		metrics.CasesExecuted.WithLabelValues(string(status)).Inc()
	}
	timer.ObserveDurationVec(metrics.CaseDuration, caseID)

	e.cleanup(ctx, c, target, session)
	e.recordStat(caseID, target, taskID, start, status)

	return result
}

func (e *Executor) cleanup(ctx context.Context, c registry.Case, target string, session *auth.Session) {
	defer func() {
		if r := recover(); r != nil {
			log.Logger.Debug().Interface("recover", r).Msg("case cleanup panicked")
		}
	}()
	if err := c.Cleanup(ctx, target, session); err != nil {
		log.Logger.Debug().Err(err).Msg("case cleanup failed")
	}
}

func (e *Executor) recordStat(caseID, target, taskID string, start time.Time, status types.StatStatus) {
	end := time.Now()
	rec := &types.StatRecord{
		ID:         uuid.NewString(),
		VulnID:     caseID,
		TargetID:   target,
		TaskID:     taskID,
		StartTime:  start,
		EndTime:    end,
		DurationMS: end.Sub(start).Milliseconds(),
		Status:     status,
	}
	if err := e.store.AppendStatRecord(rec); err != nil {
		log.Logger.Error().Err(err).Msg("failed to persist stat record")
	}
}
