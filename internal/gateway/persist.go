package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/relay/internal/log"
	"github.com/koopa0/relay/internal/session"
	"github.com/koopa0/relay/internal/usage"
)

const (
	// DefaultPersistBuffer is the queue depth before new jobs are dropped.
	DefaultPersistBuffer = 256
	// persistTimeout bounds each database write in the worker.
	persistTimeout = 10 * time.Second
)

// persistJob captures everything needed to record a finished exchange:
// the user message, the assistant message, and the usage event.
type persistJob struct {
	sessionID       uuid.UUID
	userID          string
	botID           *uuid.UUID
	modelName       string
	userText        string
	userTokens      int
	assistantText   string
	assistantTokens int
	usage           Usage
}

// Persister writes finished exchanges to storage off the request path.
// Enqueue never blocks the caller; when the buffer is full the job is
// dropped and logged. Close drains jobs already accepted.
type Persister struct {
	store     SessionStore
	usage     UsageRecorder
	logger    log.Logger
	jobs      chan persistJob
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPersister creates a Persister and starts its worker.
func NewPersister(store SessionStore, recorder UsageRecorder, buffer int, logger log.Logger) *Persister {
	if buffer <= 0 {
		buffer = DefaultPersistBuffer
	}
	if logger == nil {
		logger = log.NewNop()
	}
	p := &Persister{
		store:  store,
		usage:  recorder,
		logger: logger,
		jobs:   make(chan persistJob, buffer),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// enqueue hands a job to the worker without blocking.
func (p *Persister) enqueue(job persistJob) {
	select {
	case p.jobs <- job:
	default:
		p.logger.Error("persistence queue full, dropping exchange",
			"session_id", job.sessionID)
	}
}

// Close stops accepting jobs and waits for accepted ones to finish.
func (p *Persister) Close() {
	p.closeOnce.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}

func (p *Persister) run() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.process(job)
	}
}

// process writes one exchange. Order matters for replay: the user message
// must precede the assistant message in the session sequence. Individual
// failures are logged and do not abort the remaining writes.
func (p *Persister) process(job persistJob) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := p.store.AppendMessage(ctx, job.sessionID, session.RoleUser, job.userText, job.userTokens); err != nil {
		p.logger.Error("persist user message failed",
			"session_id", job.sessionID, "error", err)
	}
	if err := p.store.AppendMessage(ctx, job.sessionID, session.RoleAssistant, job.assistantText, job.assistantTokens); err != nil {
		p.logger.Error("persist assistant message failed",
			"session_id", job.sessionID, "error", err)
	}

	event := usage.Event{
		UserID:           job.userID,
		SessionID:        job.sessionID,
		BotID:            job.botID,
		ModelName:        job.modelName,
		PromptTokens:     job.usage.PromptTokens,
		CompletionTokens: job.usage.CompletionTokens,
		TotalTokens:      job.usage.TotalTokens,
		Cost:             job.usage.EstimatedCost,
	}
	if err := p.usage.Record(ctx, event); err != nil {
		p.logger.Error("persist usage event failed",
			"session_id", job.sessionID, "error", err)
	}
}
