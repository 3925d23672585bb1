// Package pipeline orchestrates one provisioning request end to end:
// validate the session, reserve quota, run the worker, extract the
// resulting names, and commit them to the ledger.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Cyabanz/new-domain92/internal/extract"
	"github.com/Cyabanz/new-domain92/internal/ledger"
	"github.com/Cyabanz/new-domain92/internal/models"
	"github.com/Cyabanz/new-domain92/internal/notify"
	"github.com/Cyabanz/new-domain92/internal/session"
	"github.com/Cyabanz/new-domain92/internal/worker"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Options tunes one provisioning request.
type Options struct {
	// Webhook overrides the worker-side webhook; empty means none.
	Webhook string
	// AutoSolve enables the worker's automatic captcha solving.
	AutoSolve bool
	// Timeout bounds the worker invocation; zero uses the runner default.
	Timeout time.Duration
}

// Outcome is the result of a successful provisioning run. Created may
// be empty: the worker completed without producing identifiers.
type Outcome struct {
	RunID     string
	Created   []string
	RawOutput string
	// Warning carries soft problems (webhook delivery) that do not fail
	// the run.
	Warning string
}

// Pipeline wires the session store, quota ledger, worker runner,
// extractor, and notifier together.
type Pipeline struct {
	db        *gorm.DB
	sessions  *session.Store
	ledger    *ledger.Ledger
	runner    *worker.Runner
	extractor *extract.Extractor
	notifier  *notify.Notifier
}

// New builds a Pipeline. All collaborators are required except the
// notifier, which may be disabled.
func New(db *gorm.DB, sessions *session.Store, quota *ledger.Ledger, runner *worker.Runner, extractor *extract.Extractor, notifier *notify.Notifier) (*Pipeline, error) {
	if db == nil || sessions == nil || quota == nil || runner == nil || extractor == nil {
		return nil, fmt.Errorf("pipeline: missing collaborator")
	}
	if notifier == nil {
		notifier = notify.New("")
	}
	return &Pipeline{
		db:        db,
		sessions:  sessions,
		ledger:    quota,
		runner:    runner,
		extractor: extractor,
		notifier:  notifier,
	}, nil
}

// Provision runs one request through the full pipeline. The returned
// error, when non-nil, is always a *Failure. A failed run never
// consumes quota.
func (p *Pipeline) Provision(ctx context.Context, principalID uint64, displayName string, count int, opts Options) (Outcome, error) {
	runID := uuid.NewString()

	// Validating.
	if count < 1 {
		return Outcome{}, newFailure(KindInvalidInput, StageValidating,
			fmt.Errorf("requested count must be >= 1, got %d", count))
	}
	sess, hasSession := p.sessions.Get(principalID)
	if !hasSession {
		return Outcome{}, newFailure(KindNoSession, StageValidating,
			errors.New("no target selected"))
	}

	if errUpsert := p.ledger.Upsert(ctx, principalID, displayName); errUpsert != nil {
		return Outcome{}, newFailure(KindStorageFailure, StageValidating, errUpsert)
	}

	// Reserving.
	unlimited, errFlag := p.ledger.IsUnlimited(ctx, principalID)
	if errFlag != nil {
		return Outcome{}, newFailure(KindStorageFailure, StageReserving, errFlag)
	}
	reservation, decision, errReserve := p.ledger.CheckAndReserve(ctx, principalID, count, unlimited)
	if errReserve != nil {
		return Outcome{}, newFailure(KindStorageFailure, StageReserving, errReserve)
	}
	if !decision.Allowed {
		failure := newFailure(KindQuotaExceeded, StageReserving,
			fmt.Errorf("%d active, %d remaining, requested %d", decision.Current, decision.Remaining, count))
		failure.Current = decision.Current
		failure.Remaining = decision.Remaining
		failure.Requested = count
		p.recordRun(principalID, sess, count, nil, failure, 0)
		return Outcome{}, failure
	}
	// Any exit before a successful commit must give the slots back.
	defer reservation.Release()

	// Executing.
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.runner.Timeout()
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Infof("provision %s: principal=%d target=%s count=%d", runID, principalID, sess.TargetName, count)
	result, errRun := p.runner.Run(runCtx, worker.Request{
		TargetAddress: sess.TargetAddress,
		Count:         count,
		Webhook:       opts.Webhook,
		AutoSolve:     opts.AutoSolve,
	})
	if errRun != nil {
		kind := KindWorkerFailure
		if errors.Is(errRun, worker.ErrTimeout) {
			kind = KindWorkerTimeout
		}
		failure := newFailure(kind, StageExecuting, errRun)
		p.recordRun(principalID, sess, count, nil, failure, result.Duration)
		return Outcome{}, failure
	}

	// Extracting. Zero names is not an error: the worker completed and
	// simply produced nothing to commit.
	names := p.extractor.Extract(result.ResultText())
	if len(names) == 0 {
		p.recordRun(principalID, sess, count, nil, nil, result.Duration)
		log.Infof("provision %s: worker completed, no identifiers extracted", runID)
		return Outcome{RunID: runID, RawOutput: result.ResultText()}, nil
	}

	// Committing.
	if errCommit := reservation.Commit(ctx, displayName, names, sess.TargetName, sess.TargetAddress); errCommit != nil {
		kind := KindStorageFailure
		if errors.Is(errCommit, ledger.ErrQuotaRaceLost) {
			kind = KindQuotaRaceLost
		}
		failure := newFailure(kind, StageCommitting, errCommit)
		p.recordRun(principalID, sess, count, nil, failure, result.Duration)
		return Outcome{}, failure
	}

	p.recordRun(principalID, sess, count, names, nil, result.Duration)

	outcome := Outcome{RunID: runID, Created: names, RawOutput: result.ResultText()}
	if p.notifier.Enabled() {
		delivered := p.notifier.Deliver(ctx, notify.Event{
			PrincipalID: principalID,
			DisplayName: displayName,
			TargetName:  sess.TargetName,
			Requested:   count,
			Created:     names,
			At:          time.Now(),
		})
		if !delivered {
			outcome.Warning = "result webhook delivery failed"
		}
	}

	log.Infof("provision %s: committed %d links for principal %d", runID, len(names), principalID)
	return outcome, nil
}

// recordRun writes the audit row for a run. Audit trouble is logged and
// swallowed; it must never change the request outcome.
func (p *Pipeline) recordRun(principalID uint64, sess session.Session, requested int, names []string, failure *Failure, duration time.Duration) {
	row := models.ProvisionRun{
		PrincipalID:   principalID,
		TargetName:    sess.TargetName,
		TargetAddress: sess.TargetAddress,
		Requested:     requested,
		Created:       len(names),
		DurationMS:    duration.Milliseconds(),
	}
	if len(names) > 0 {
		if encoded, errMarshal := json.Marshal(names); errMarshal == nil {
			row.Names = datatypes.JSON(encoded)
		}
	}
	if failure != nil {
		row.Failed = true
		row.FailureKind = string(failure.KindOf())
	}
	if errCreate := p.db.Create(&row).Error; errCreate != nil {
		log.Warnf("provision audit record failed: %v", errCreate)
	}
}
