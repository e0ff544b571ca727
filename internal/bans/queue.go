// Package bans owns the ban lifecycle: applying detection decisions, the
// per-integration operation queue that feeds firewall providers, the
// periodic desired-vs-actual sync and the expiry sweep.
package bans

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/aegisproxy/aegis/backend/internal/credcrypto"
	"github.com/aegisproxy/aegis/backend/internal/errdefs"
	"github.com/aegisproxy/aegis/backend/internal/logger"
	"github.com/aegisproxy/aegis/backend/internal/metrics"
	"github.com/aegisproxy/aegis/backend/internal/models"
	"github.com/aegisproxy/aegis/backend/internal/providers"
)

// Operation actions.
const (
	ActionBan   = "ban"
	ActionUnban = "unban"
)

const (
	// defaultFlushInterval is both the flusher cadence and the minimum
	// spacing between flushes of the same integration.
	defaultFlushInterval = 5 * time.Second
	// interOpSpacing throttles individual operations against providers
	// without batch support.
	interOpSpacing = 100 * time.Millisecond
	// maxRetries is how many flush cycles an operation survives before it
	// is dropped.
	maxRetries = 3
)

// Operation is one queued ban or unban toward a single integration.
type Operation struct {
	Action        string
	IP            string
	Reason        string
	Duration      time.Duration
	Severity      string
	BanRecordID   *uint
	ProviderBanID string

	retries int
}

// priorityFor ranks operations: CRITICAL flushes first, unknown severities
// last. Within a class the queue is FIFO.
func priorityFor(severity string) int {
	switch severity {
	case models.SeverityCritical:
		return 1
	case models.SeverityHigh:
		return 2
	case models.SeverityMedium:
		return 3
	case models.SeverityLow:
		return 4
	default:
		return 5
	}
}

// Queue is the rate-limited per-integration operation queue. Any goroutine
// enqueues; a single ticker dispatches flushes, at most one in flight per
// integration and at least the flush interval apart.
type Queue struct {
	db       *gorm.DB
	registry *providers.Registry
	crypter  *credcrypto.Crypter
	log      *logrus.Entry

	flushInterval time.Duration
	opSpacing     time.Duration

	mu         sync.Mutex
	queues     map[uint][]Operation
	processing map[uint]bool
	lastFlush  map[uint]time.Time

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewQueue wires the queue over the store, provider registry and credential
// crypter.
func NewQueue(db *gorm.DB, registry *providers.Registry, crypter *credcrypto.Crypter) *Queue {
	return &Queue{
		db:            db,
		registry:      registry,
		crypter:       crypter,
		log:           logger.WithComponent("banqueue"),
		flushInterval: defaultFlushInterval,
		opSpacing:     interOpSpacing,
		queues:        make(map[uint][]Operation),
		processing:    make(map[uint]bool),
		lastFlush:     make(map[uint]time.Time),
	}
}

// SetFlushInterval overrides the default flush cadence. Call before Start.
func (q *Queue) SetFlushInterval(d time.Duration) {
	if d > 0 {
		q.flushInterval = d
	}
}

// Start launches the flusher ticker. Calling Start on a running queue is a
// no-op.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.FlushDue(ctx)
			}
		}
	}()
}

// Stop cancels the flusher and waits for in-flight flushes to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

// Enqueue adds one operation to an integration's queue, ordered by severity
// priority and FIFO within a class. A duplicate (ip, action) already queued
// for that integration is dropped.
func (q *Queue) Enqueue(integrationID uint, op Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[integrationID]
	for _, existing := range queue {
		if existing.IP == op.IP && existing.Action == op.Action {
			return
		}
	}

	p := priorityFor(op.Severity)
	idx := len(queue)
	for i, existing := range queue {
		if priorityFor(existing.Severity) > p {
			idx = i
			break
		}
	}
	queue = append(queue, Operation{})
	copy(queue[idx+1:], queue[idx:])
	queue[idx] = op
	q.queues[integrationID] = queue
}

// EnqueueForAll enqueues op on every enabled integration and returns how
// many received it.
func (q *Queue) EnqueueForAll(op Operation) (int, error) {
	var ids []uint
	err := q.db.Model(&models.BanIntegration{}).Where("enabled = ?", true).Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("list enabled integrations: %w", err)
	}
	for _, id := range ids {
		q.Enqueue(id, op)
	}
	return len(ids), nil
}

// Pending returns the queued operation count for an integration.
func (q *Queue) Pending(integrationID uint) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[integrationID])
}

// PendingTotal returns the queued operation count across all integrations.
func (q *Queue) PendingTotal() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, queue := range q.queues {
		total += len(queue)
	}
	return total
}

// FlushDue dispatches a flush for every integration with queued work that is
// neither mid-flight nor inside its rate-limit window. Flushes run in
// parallel across integrations.
func (q *Queue) FlushDue(ctx context.Context) {
	now := time.Now()

	q.mu.Lock()
	var due []uint
	for id, queue := range q.queues {
		if len(queue) == 0 || q.processing[id] {
			continue
		}
		if last, ok := q.lastFlush[id]; ok && now.Sub(last) < q.flushInterval {
			continue
		}
		q.processing[id] = true
		due = append(due, id)
	}
	q.mu.Unlock()

	for _, id := range due {
		q.wg.Add(1)
		go func(id uint) {
			defer q.wg.Done()
			q.flushIntegration(ctx, id)
		}(id)
	}
}

// flushIntegration drains one integration's queue against its provider.
// Failed operations are requeued with a bumped retry count; operations past
// maxRetries are dropped and the error lands on the integration row.
func (q *Queue) flushIntegration(ctx context.Context, id uint) {
	defer func() {
		q.mu.Lock()
		q.processing[id] = false
		q.lastFlush[id] = time.Now()
		q.mu.Unlock()
	}()

	q.mu.Lock()
	ops := q.queues[id]
	q.queues[id] = nil
	q.mu.Unlock()
	if len(ops) == 0 {
		return
	}

	var integ models.BanIntegration
	if err := q.db.First(&integ, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			q.log.WithField("integration_id", id).
				Warn("dropping queued operations for deleted integration")
			return
		}
		q.requeue(id, ops, fmt.Errorf("load integration: %w", err))
		return
	}
	if !integ.Enabled {
		q.log.WithField("integration", integ.Name).
			Debug("dropping queued operations for disabled integration")
		return
	}

	provider, err := q.BuildProvider(&integ)
	if err != nil {
		q.recordFailure(&integ, err)
		q.requeue(id, ops, err)
		return
	}

	var done, failed []Operation
	if bp, ok := provider.(providers.BatchProvider); ok && provider.Capabilities().SupportsBatch {
		done, failed = q.flushBatched(ctx, bp, ops)
	} else {
		done, failed = q.flushIndividually(ctx, provider, ops)
	}

	q.bookkeep(&integ, done, len(failed) == 0)
	if len(failed) > 0 {
		q.recordFailure(&integ, fmt.Errorf("%d of %d operations failed", len(failed), len(ops)))
		q.requeue(id, failed, nil)
	}
}

// flushBatched sends all bans in one call, then all unbans.
func (q *Queue) flushBatched(ctx context.Context, p providers.BatchProvider, ops []Operation) (done, failed []Operation) {
	var bans, unbans []Operation
	for _, op := range ops {
		if op.Action == ActionBan {
			bans = append(bans, op)
		} else {
			unbans = append(unbans, op)
		}
	}

	if len(bans) > 0 {
		reqs := make([]providers.BanRequest, 0, len(bans))
		for _, op := range bans {
			reqs = append(reqs, providers.BanRequest{IP: op.IP, Reason: op.Reason, Duration: op.Duration})
		}
		results, err := p.BatchBan(ctx, reqs)
		if err != nil {
			q.countOps(ActionBan, "failure", len(bans))
			failed = append(failed, bans...)
		} else {
			q.countOps(ActionBan, "success", len(bans))
			byIP := make(map[string]string, len(results))
			for _, r := range results {
				byIP[r.IP] = r.BanID
			}
			for i := range bans {
				bans[i].ProviderBanID = byIP[bans[i].IP]
			}
			done = append(done, bans...)
		}
	}

	if len(unbans) > 0 {
		ips := make([]string, 0, len(unbans))
		for _, op := range unbans {
			ips = append(ips, op.IP)
		}
		if _, err := p.BatchUnban(ctx, ips); err != nil {
			q.countOps(ActionUnban, "failure", len(unbans))
			failed = append(failed, unbans...)
		} else {
			q.countOps(ActionUnban, "success", len(unbans))
			done = append(done, unbans...)
		}
	}
	return done, failed
}

// flushIndividually walks the queue in priority order with a fixed delay
// between operations.
func (q *Queue) flushIndividually(ctx context.Context, p providers.Provider, ops []Operation) (done, failed []Operation) {
	for i, op := range ops {
		if i > 0 {
			select {
			case <-ctx.Done():
				failed = append(failed, ops[i:]...)
				return done, failed
			case <-time.After(q.opSpacing):
			}
		}

		var err error
		switch op.Action {
		case ActionBan:
			var res providers.BanResult
			res, err = p.BanIP(ctx, providers.BanRequest{IP: op.IP, Reason: op.Reason, Duration: op.Duration})
			if err == nil {
				op.ProviderBanID = res.BanID
			}
		case ActionUnban:
			err = p.UnbanIP(ctx, op.IP, op.ProviderBanID)
		default:
			q.log.WithField("action", op.Action).Warn("dropping operation with unknown action")
			continue
		}

		if err != nil {
			metrics.IncBanOp(op.Action, "failure")
			failed = append(failed, op)
			continue
		}
		metrics.IncBanOp(op.Action, "success")
		done = append(done, op)
	}
	return done, failed
}

// bookkeep persists the outcome of delivered operations: integration
// counters, last_success and the ban rows' integrations_notified lists.
// last_error is cleared only when the whole flush succeeded, so a partial
// success does not erase the failure it left behind.
func (q *Queue) bookkeep(integ *models.BanIntegration, done []Operation, clean bool) {
	if len(done) == 0 {
		return
	}
	now := time.Now()
	bansSent, unbansSent := 0, 0
	for _, op := range done {
		switch op.Action {
		case ActionBan:
			bansSent++
			q.recordNotification(integ, op)
		case ActionUnban:
			unbansSent++
		}
	}

	updates := map[string]interface{}{
		"total_bans_sent":   gorm.Expr("total_bans_sent + ?", bansSent),
		"total_unbans_sent": gorm.Expr("total_unbans_sent + ?", unbansSent),
		"last_success":      now,
	}
	if clean {
		updates["last_error"] = ""
	}
	err := q.db.Model(&models.BanIntegration{}).Where("id = ?", integ.ID).Updates(updates).Error
	if err != nil {
		q.log.WithError(err).WithField("integration", integ.Name).Warn("persist flush outcome")
	}
}

// recordNotification appends this integration to the ban row's delivery
// list, carrying the provider ban id needed for a later unban.
func (q *Queue) recordNotification(integ *models.BanIntegration, op Operation) {
	if op.BanRecordID == nil {
		return
	}
	var ban models.IPBan
	if err := q.db.First(&ban, *op.BanRecordID).Error; err != nil {
		return
	}
	list := ban.Notifications()
	for _, n := range list {
		if n.IntegrationID == integ.ID {
			return
		}
	}
	list = append(list, models.IntegrationNotification{
		IntegrationID: integ.ID,
		Name:          integ.Name,
		BanID:         op.ProviderBanID,
		NotifiedAt:    time.Now(),
	})
	ban.SetNotifications(list)
	if err := q.db.Model(&models.IPBan{}).Where("id = ?", ban.ID).
		Update("integrations_notified", ban.IntegrationsNotified).Error; err != nil {
		q.log.WithError(err).WithField("ban_id", ban.ID).Warn("record integration notification")
	}
}

// requeue puts failed operations back into the queue with bumped retry
// counts; exhausted operations are dropped and logged. The merged queue is
// re-sorted so operations enqueued during the flush keep their severity
// rank ahead of requeued lower-priority failures.
func (q *Queue) requeue(id uint, ops []Operation, cause error) {
	kept := make([]Operation, 0, len(ops))
	for _, op := range ops {
		op.retries++
		if op.retries > maxRetries {
			q.log.WithFields(logrus.Fields{
				"integration_id": id, "action": op.Action, "ip": op.IP,
			}).Warn("dropping operation after repeated failures")
			continue
		}
		kept = append(kept, op)
	}

	q.mu.Lock()
	merged := append(kept, q.queues[id]...)
	sort.SliceStable(merged, func(i, j int) bool {
		return priorityFor(merged[i].Severity) < priorityFor(merged[j].Severity)
	})
	q.queues[id] = merged
	q.mu.Unlock()

	if cause != nil {
		q.log.WithError(cause).WithField("integration_id", id).Warn("flush failed, operations requeued")
	}
}

func (q *Queue) countOps(action, result string, n int) {
	for i := 0; i < n; i++ {
		metrics.IncBanOp(action, result)
	}
}

// recordFailure persists a flush error on the integration row.
func (q *Queue) recordFailure(integ *models.BanIntegration, cause error) {
	err := q.db.Model(&models.BanIntegration{}).Where("id = ?", integ.ID).
		Update("last_error", cause.Error()).Error
	if err != nil {
		q.log.WithError(err).WithField("integration", integ.Name).Warn("persist integration error")
	}
}

// BuildProvider instantiates an integration's provider, decrypting its
// credential payload at the point of use.
func (q *Queue) BuildProvider(integ *models.BanIntegration) (providers.Provider, error) {
	creds := map[string]string{}
	if integ.CredentialID != nil {
		var cred models.Credential
		if err := q.db.First(&cred, *integ.CredentialID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: credential %d", errdefs.ErrNotFound, *integ.CredentialID)
			}
			return nil, fmt.Errorf("load credential: %w", err)
		}
		if err := q.crypter.DecryptJSON(cred.CredentialsEncrypted, &creds); err != nil {
			return nil, err
		}
	}
	return q.registry.Provider(integ.Type, providers.Config{
		Settings:    json.RawMessage(integ.ConfigJSON),
		Credentials: creds,
	})
}

// TestIntegration builds the provider and probes connectivity, persisting
// the outcome on the row.
func (q *Queue) TestIntegration(ctx context.Context, id uint) error {
	var integ models.BanIntegration
	if err := q.db.First(&integ, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: integration %d", errdefs.ErrNotFound, id)
		}
		return fmt.Errorf("load integration: %w", err)
	}
	provider, err := q.BuildProvider(&integ)
	if err == nil {
		err = provider.TestConnection(ctx)
	}
	if err != nil {
		q.recordFailure(&integ, err)
		return err
	}
	now := time.Now()
	return q.db.Model(&models.BanIntegration{}).Where("id = ?", id).
		Updates(map[string]interface{}{"last_success": now, "last_error": ""}).Error
}
