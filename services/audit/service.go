package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/upb/identity-service/models"
	"go.uber.org/zap"
)

// Sink persists auth events. repositories.AuthEventRepository satisfies it.
type Sink interface {
	Insert(ctx context.Context, event *models.AuthEvent) error
}

// AuditEvent represents an event to be audited
type AuditEvent struct {
	Event *models.AuthEvent
}

// RequestMeta identifies the HTTP request an event came from
type RequestMeta struct {
	RequestID string
	IPAddress string
	UserAgent string
}

// AuditService writes auth events in the background so logins never wait on the sink
type AuditService struct {
	sink        Sink
	logger      *zap.Logger
	eventChan   chan *AuditEvent
	workerCount int
	bufferSize  int
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	stopped     bool
	dropped     atomic.Int64
	mu          sync.RWMutex
}

// Config holds configuration for the AuditService
type Config struct {
	BufferSize  int // Size of the event buffer channel
	WorkerCount int // Number of concurrent workers
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:  1000,
		WorkerCount: 2,
	}
}

// NewAuditService creates a new AuditService instance
func NewAuditService(sink Sink, logger *zap.Logger, config Config) *AuditService {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultConfig().WorkerCount
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &AuditService{
		sink:        sink,
		logger:      logger,
		eventChan:   make(chan *AuditEvent, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start starts the background workers
func (s *AuditService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started audit service",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize))

	return nil
}

// Stop gracefully stops the audit service, draining queued events until timeout
func (s *AuditService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("audit service not running")
	}
	s.stopped = true
	s.logger.Info("stopping audit service", zap.Int("pending_events", len(s.eventChan)))
	close(s.eventChan)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("audit service stopped gracefully")
		s.cancel()
		return nil
	case <-time.After(timeout):
		s.cancel()
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// LogEvent queues an event without blocking. A full buffer drops the event.
func (s *AuditService) LogEvent(event *AuditEvent) error {
	if s == nil {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started || s.stopped {
		return fmt.Errorf("audit service not running")
	}

	select {
	case s.eventChan <- event:
		return nil
	default:
		s.dropped.Add(1)
		s.logger.Warn("audit event channel full, dropping event",
			zap.String("action", string(event.Event.Action)),
			zap.String("email", event.Event.Email))
		return fmt.Errorf("audit event buffer full")
	}
}

// LogEventBlocking waits until the event is queued or ctx is done
func (s *AuditService) LogEventBlocking(ctx context.Context, event *AuditEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started || s.stopped {
		return fmt.Errorf("audit service not running")
	}

	select {
	case s.eventChan <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return fmt.Errorf("audit service stopped")
	}
}

func (s *AuditService) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("audit worker started", zap.Int("worker_id", id))

	for event := range s.eventChan {
		if err := s.processEvent(event); err != nil {
			s.logger.Error("failed to process audit event",
				zap.Int("worker_id", id),
				zap.Error(err),
				zap.String("action", string(event.Event.Action)))
		}
	}

	s.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

func (s *AuditService) processEvent(event *AuditEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.sink.Insert(ctx, event.Event); err != nil {
		return fmt.Errorf("failed to insert auth event: %w", err)
	}
	return nil
}

// GetStats returns statistics about the audit service
func (s *AuditService) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		BufferSize:    s.bufferSize,
		PendingEvents: len(s.eventChan),
		WorkerCount:   s.workerCount,
		Started:       s.started && !s.stopped,
		Dropped:       s.dropped.Load(),
	}
}

// Stats represents audit service statistics
type Stats struct {
	BufferSize    int
	PendingEvents int
	WorkerCount   int
	Started       bool
	Dropped       int64
}

func (s *AuditService) record(event *models.AuthEvent, meta RequestMeta) error {
	event.WithRequest(meta.RequestID, meta.IPAddress, meta.UserAgent)
	return s.LogEvent(&AuditEvent{Event: event})
}

// Convenience methods for logging auth outcomes. All of them are no-ops on a nil service.

// LogRegistration logs a new local account
func (s *AuditService) LogRegistration(account *models.Account, meta RequestMeta) error {
	if s == nil {
		return nil
	}
	event := models.NewAuthEvent(models.AuthActionRegister, account.Email, account.Provider).
		WithAccount(account.ID)
	return s.record(event, meta)
}

// LogLoginSucceeded logs a successful password login
func (s *AuditService) LogLoginSucceeded(identity models.ResolvedIdentity, meta RequestMeta) error {
	if s == nil {
		return nil
	}
	event := models.NewAuthEvent(models.AuthActionLoginSucceeded, identity.Email, models.ProviderLocal).
		WithAccount(identity.AccountID)
	return s.record(event, meta)
}

// LogLoginFailed logs a rejected password login. reason is the error code, never the password.
func (s *AuditService) LogLoginFailed(email, reason string, meta RequestMeta) error {
	if s == nil {
		return nil
	}
	event := models.NewAuthEvent(models.AuthActionLoginFailed, email, models.ProviderLocal).
		WithDetails(map[string]interface{}{"reason": reason})
	return s.record(event, meta)
}

// LogOIDCLogin logs a completed external login
func (s *AuditService) LogOIDCLogin(identity models.ResolvedIdentity, provider models.ProviderTag, created, linkedLocal bool, meta RequestMeta) error {
	if s == nil {
		return nil
	}
	action := models.AuthActionOIDCLogin
	if linkedLocal {
		action = models.AuthActionAccountLinked
	}
	event := models.NewAuthEvent(action, identity.Email, provider).
		WithAccount(identity.AccountID).
		WithDetails(map[string]interface{}{"account_created": created})
	return s.record(event, meta)
}

// LogOIDCFailed logs an external login that produced no token
func (s *AuditService) LogOIDCFailed(email string, provider models.ProviderTag, reason string, meta RequestMeta) error {
	if s == nil {
		return nil
	}
	event := models.NewAuthEvent(models.AuthActionOIDCFailed, email, provider).
		WithDetails(map[string]interface{}{"reason": reason})
	return s.record(event, meta)
}

// LogLogout logs a cookie clear. accountID is nil when the caller was anonymous.
func (s *AuditService) LogLogout(accountID *uuid.UUID, email string, meta RequestMeta) error {
	if s == nil {
		return nil
	}
	event := models.NewAuthEvent(models.AuthActionLogout, email, models.ProviderLocal)
	if accountID != nil {
		event.WithAccount(*accountID)
	}
	return s.record(event, meta)
}
