package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Service writes usage records to a Sink. Before Start it writes inline;
// after Start it buffers records and a worker pool drains them. Write
// failures are logged and never surface to the execution that produced them.
type Service struct {
	sink         Sink
	logger       *zap.Logger
	recordChan   chan *UsageRecord
	workerCount  int
	bufferSize   int
	batchSize    int
	writeTimeout time.Duration
	wg           sync.WaitGroup
	started      bool
	stopped      bool
	mu           sync.Mutex

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// Config holds configuration for the ledger Service
type Config struct {
	BufferSize   int           // Size of the record buffer channel
	WorkerCount  int           // Number of concurrent writers
	BatchSize    int           // Most records one writer hands a BatchSink at once
	WriteTimeout time.Duration // Bound on a single sink write
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:   10000,
		WorkerCount:  4,
		BatchSize:    100,
		WriteTimeout: 5 * time.Second,
	}
}

// NewService creates a new ledger Service
func NewService(sink Sink, logger *zap.Logger, config Config) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}

	return &Service{
		sink:         sink,
		logger:       logger,
		recordChan:   make(chan *UsageRecord, config.BufferSize),
		workerCount:  config.WorkerCount,
		bufferSize:   config.BufferSize,
		batchSize:    config.BatchSize,
		writeTimeout: config.WriteTimeout,
	}
}

// Start starts the background writers
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("ledger service already started")
	}
	if s.stopped {
		return fmt.Errorf("ledger service already stopped")
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started ledger service",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize))
	return nil
}

// Stop drains buffered records, waiting at most timeout
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("ledger service not running")
	}
	s.stopped = true
	close(s.recordChan)
	s.mu.Unlock()

	s.logger.Info("stopping ledger service", zap.Int("pending_records", len(s.recordChan)))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("ledger service stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("ledger service stop timeout after %v", timeout)
	}
}

// Record appends one usage record. It never returns an error to the caller.
func (s *Service) Record(ctx context.Context, record *UsageRecord) {
	if record == nil {
		return
	}

	s.mu.Lock()
	if s.started && !s.stopped {
		select {
		case s.recordChan <- record:
			s.mu.Unlock()
			return
		default:
		}
		s.mu.Unlock()
		s.dropped.Add(1)
		s.logger.Warn("ledger buffer full, dropping usage record",
			zap.String("request_id", record.RequestID),
			zap.String("tenant_id", record.TenantID),
			zap.Float64("total_cost", record.TotalCost))
		return
	}
	s.mu.Unlock()

	s.write(context.WithoutCancel(ctx), record)
}

func (s *Service) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("ledger worker started", zap.Int("worker_id", id))
	batcher, batching := s.sink.(BatchSink)
	if !batching || s.batchSize == 1 {
		for record := range s.recordChan {
			s.write(context.Background(), record)
		}
		s.logger.Debug("ledger worker stopped", zap.Int("worker_id", id))
		return
	}

	batch := make([]*UsageRecord, 0, s.batchSize)
	for record := range s.recordChan {
		batch = append(batch[:0], record)
		batch = s.fill(batch)
		if len(batch) == 1 {
			s.write(context.Background(), record)
			continue
		}
		s.writeBatch(context.Background(), batcher, batch)
	}
	s.logger.Debug("ledger worker stopped", zap.Int("worker_id", id))
}

// fill tops batch up with whatever is already buffered, without waiting
func (s *Service) fill(batch []*UsageRecord) []*UsageRecord {
	for len(batch) < s.batchSize {
		select {
		case record, ok := <-s.recordChan:
			if !ok {
				return batch
			}
			batch = append(batch, record)
		default:
			return batch
		}
	}
	return batch
}

// writeBatch falls back to single writes when the batch is rejected, so
// one bad record does not take its neighbours down with it
func (s *Service) writeBatch(ctx context.Context, sink BatchSink, batch []*UsageRecord) {
	batchCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	err := sink.AppendBatch(batchCtx, batch)
	cancel()
	if err == nil {
		s.written.Add(uint64(len(batch)))
		return
	}

	s.logger.Warn("usage batch rejected, writing records one by one",
		zap.Int("records", len(batch)),
		zap.Error(err))
	for _, record := range batch {
		s.write(ctx, record)
	}
}

func (s *Service) write(ctx context.Context, record *UsageRecord) {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	if err := s.sink.Append(ctx, record); err != nil {
		s.failed.Add(1)
		s.logger.Error("failed to write usage record",
			zap.Error(err),
			zap.String("request_id", record.RequestID),
			zap.String("tenant_id", record.TenantID),
			zap.String("provider", record.Provider),
			zap.String("model", record.Model))
		return
	}
	s.written.Add(1)
}

// GetStats returns statistics about the ledger service
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		BufferSize:     s.bufferSize,
		PendingRecords: len(s.recordChan),
		WorkerCount:    s.workerCount,
		Started:        s.started && !s.stopped,
		Written:        s.written.Load(),
		Dropped:        s.dropped.Load(),
		Failed:         s.failed.Load(),
	}
}

// Stats represents ledger service statistics
type Stats struct {
	BufferSize     int    `json:"buffer_size"`
	PendingRecords int    `json:"pending_records"`
	WorkerCount    int    `json:"worker_count"`
	Started        bool   `json:"started"`
	Written        uint64 `json:"written"`
	Dropped        uint64 `json:"dropped"`
	Failed         uint64 `json:"failed"`
}
