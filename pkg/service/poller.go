package service

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/cadenceio/cadence/pkg/models"
	"github.com/cadenceio/cadence/pkg/storage"
	"github.com/google/uuid"
)

const (
	DefaultPollInterval   = 30 * time.Second
	DefaultClaimTTL       = 10 * time.Minute
	DefaultStuckThreshold = 24 * time.Hour
	DefaultBatchSize      = 100
)

// requeueBackoff spaces out retries of a step whose execution already has a
// dispatch in flight, so a waiting worker doesn't spin on the channel.
const requeueBackoff = 10 * time.Millisecond

// PollerConfig carries the deployment parameters of the due-step scan.
// Zero values fall back to the defaults above.
type PollerConfig struct {
	Interval       time.Duration
	Workers        int
	BatchSize      int
	ClaimTTL       time.Duration
	StuckThreshold time.Duration
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = DefaultClaimTTL
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = DefaultStuckThreshold
	}
	return c
}

// Poller scans for due steps once per tick and fans them out to a bounded
// worker pool. The scan enumerates organizations explicitly, one scoped claim
// query per tenant, instead of issuing a single cross-tenant query. Multiple
// pollers may run concurrently against the same store: the claim query is the
// arbitration point.
type Poller struct {
	store      storage.Store
	dispatcher *Dispatcher
	logger     Logger
	cfg        PollerConfig

	workChan chan models.StepExecution
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	// Execution IDs with a dispatch in flight. Guards the within-instance
	// ordering rule: step N+1 must not dispatch while step N may still stop
	// the campaign.
	inFlight map[int64]struct{}
	mu       sync.Mutex
}

func NewPoller(mainCtx context.Context, store storage.Store, dispatcher *Dispatcher, logger Logger, cfg PollerConfig) *Poller {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(mainCtx)
	return &Poller{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
		workChan:   make(chan models.StepExecution, cfg.Workers+cfg.BatchSize),
		ctx:        ctx,
		cancel:     cancel,
		inFlight:   make(map[int64]struct{}),
	}
}

// Start launches the workers and the tick loop.
func (p *Poller) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.wg.Add(1)
	go p.loop()
	p.logger.Infof("Poller started: interval %s, %d workers", p.cfg.Interval, p.cfg.Workers)
}

// Stop cancels the loop and waits for in-flight dispatches to finish.
func (p *Poller) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Poller) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.Tick()
		}
	}
}

// Tick performs one scan: recover expired claims, surface stuck executions,
// then claim and enqueue due steps per organization. Tick enqueues and
// returns; it never waits for dispatch completion.
func (p *Poller) Tick() {
	now := time.Now()

	released, err := p.store.ReleaseExpiredClaims(now.Add(-p.cfg.ClaimTTL))
	if err != nil {
		p.logger.Errorf("Failed to release expired claims: %v", err)
	} else if released > 0 {
		p.logger.Infof("Released %d expired step claims back to pending", released)
	}

	stuck, err := p.store.FindStuckExecutions(now.Add(-p.cfg.StuckThreshold))
	if err != nil {
		p.logger.Errorf("Failed to scan for stuck executions: %v", err)
	}
	for _, exec := range stuck {
		// Surfaced for the operator; the engine never resurrects these itself.
		p.logger.Errorf("Execution %d (org %d, subject %s) has overdue steps older than %s",
			exec.ID, exec.OrgID, exec.SubjectID, p.cfg.StuckThreshold)
	}

	orgs, err := p.store.ListOrganizations()
	if err != nil {
		p.logger.Errorf("Failed to enumerate organizations: %v", err)
		return
	}
	for _, org := range orgs {
		if p.ctx.Err() != nil {
			return
		}
		token := uuid.NewString()
		claimed, err := p.store.ClaimDueSteps(org.ID, now, p.cfg.BatchSize, token)
		if err != nil {
			// One tenant's bad query must not abort the scan for the rest.
			p.logger.Errorf("Failed to claim due steps for org %d: %v", org.ID, err)
			continue
		}
		if len(claimed) == 0 {
			continue
		}
		p.logger.Infof("Claimed %d due steps for org %d (token %s)", len(claimed), org.ID, token)
		for _, se := range claimed {
			p.enqueue(se)
		}
	}
}

// enqueue hands a claimed step to the pool. If the pool is saturated the item
// stays claimed; the claim TTL sweep returns it to pending on a later tick.
func (p *Poller) enqueue(se models.StepExecution) {
	select {
	case p.workChan <- se:
	case <-p.ctx.Done():
	default:
		p.logger.Infof("Worker pool saturated, leaving step execution %d claimed for a later tick", se.ID)
	}
}

// worker drains the pool until the poller context is cancelled. The channel
// is never closed: items still queued at shutdown stay claimed and the TTL
// sweep returns them to pending.
func (p *Poller) worker() {
	defer p.wg.Done()
	for {
		var se models.StepExecution
		select {
		case <-p.ctx.Done():
			return
		case se = <-p.workChan:
		}

		p.mu.Lock()
		if _, busy := p.inFlight[se.ExecutionID]; busy {
			p.mu.Unlock()
			// Another step of the same execution is mid-dispatch and might
			// still stop the campaign. Back off, then requeue behind it.
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(requeueBackoff):
			}
			p.enqueue(se)
			continue
		}
		p.inFlight[se.ExecutionID] = struct{}{}
		p.mu.Unlock()

		p.safeDispatch(se)

		p.mu.Lock()
		delete(p.inFlight, se.ExecutionID)
		p.mu.Unlock()
	}
}

// safeDispatch isolates one worker's panic: the item is left claimed (we
// don't know what happened, so it is neither sent nor failed) and the TTL
// sweep will surface it again later.
func (p *Poller) safeDispatch(se models.StepExecution) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("Dispatch worker panicked on step execution %d: %v", se.ID, r)
		}
	}()
	p.dispatcher.Dispatch(p.ctx, se)
}

// RunOnce performs a single synchronous scan-and-dispatch pass, serially.
// Used by the CLI poll command and by tests.
func (p *Poller) RunOnce(ctx context.Context) (dispatched int, err error) {
	now := time.Now()
	if _, err := p.store.ReleaseExpiredClaims(now.Add(-p.cfg.ClaimTTL)); err != nil {
		p.logger.Errorf("Failed to release expired claims: %v", err)
	}
	orgs, err := p.store.ListOrganizations()
	if err != nil {
		return 0, err
	}
	for _, org := range orgs {
		token := uuid.NewString()
		claimed, err := p.store.ClaimDueSteps(org.ID, now, p.cfg.BatchSize, token)
		if err != nil {
			p.logger.Errorf("Failed to claim due steps for org %d: %v", org.ID, err)
			continue
		}
		for _, se := range claimed {
			if p.dispatcher.Dispatch(ctx, se) {
				dispatched++
			}
		}
	}
	return dispatched, nil
}
