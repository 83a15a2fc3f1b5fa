package execution

import (
	"context"
	"errors"
	"sync"

	"github.com/upb/llm-execution-core/services"
	"github.com/upb/llm-execution-core/services/providers"
	"go.uber.org/zap"
)

// chunkBuffer bounds how far the provider may run ahead of a slow reader
const chunkBuffer = 64

// Chunk is one content increment
type Chunk struct {
	Index int    `json:"index"`
	Delta string `json:"delta"`
}

// StreamHandle delivers increments in arrival order, then a final result.
// Readers must drain Chunks or cancel the context passed to Stream.
type StreamHandle struct {
	chunks chan Chunk
	done   chan struct{}
	result *Result
	err    error
}

func newStreamHandle() *StreamHandle {
	return &StreamHandle{
		chunks: make(chan Chunk, chunkBuffer),
		done:   make(chan struct{}),
	}
}

// completedHandle wraps an already finished result as a single chunk
func completedHandle(result *Result, err error) *StreamHandle {
	h := newStreamHandle()
	if err == nil && result != nil && result.Content != nil {
		h.chunks <- Chunk{Index: 0, Delta: *result.Content}
	}
	h.finish(result, err)
	return h
}

// Chunks yields increments; it is closed before Wait returns
func (h *StreamHandle) Chunks() <-chan Chunk {
	return h.chunks
}

// Wait blocks until the stream ends
func (h *StreamHandle) Wait() (*Result, error) {
	<-h.done
	return h.result, h.err
}

// Done is closed once the final result is available
func (h *StreamHandle) Done() <-chan struct{} {
	return h.done
}

func (h *StreamHandle) finish(result *Result, err error) {
	h.result, h.err = result, err
	close(h.chunks)
	close(h.done)
}

// StreamingStrategy relays provider increments to the caller as they arrive
type StreamingStrategy struct {
	deps *Deps
	wg   sync.WaitGroup
}

// NewStreamingStrategy creates the streaming strategy
func NewStreamingStrategy(deps *Deps) *StreamingStrategy {
	return &StreamingStrategy{deps: deps.withDefaults()}
}

// Name implements Strategy
func (s *StreamingStrategy) Name() StrategyName { return StrategyStreaming }

// CanHandle implements Strategy
func (s *StreamingStrategy) CanHandle(req *Request) bool {
	if req.Urgency != UrgencyInteractive {
		return false
	}
	res, err := s.deps.resolve(req)
	return err == nil && res.SupportsStreaming()
}

// Execute implements Strategy by draining the stream
func (s *StreamingStrategy) Execute(ctx context.Context, req *Request) (*Result, error) {
	h, err := s.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	for range h.Chunks() {
	}
	return h.Wait()
}

// Stream starts the provider call and returns at once. Canceling ctx stops
// delivery; tokens the provider already generated may still be billed.
// Identical cacheable streams share one provider call: the caller that
// leads the flight receives increments as they arrive, the others receive
// the finished content as a single chunk.
func (s *StreamingStrategy) Stream(ctx context.Context, req *Request) (*StreamHandle, error) {
	res, err := s.deps.resolve(req)
	if err != nil {
		return nil, err
	}
	if !res.SupportsStreaming() {
		return nil, services.NewValidationError("model does not support streaming", nil).
			WithDetail("provider", res.Family).
			WithDetail("model", res.Model)
	}

	h := newStreamHandle()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		h.finish(s.relay(ctx, res, req, h))
	}()
	return h, nil
}

// Wait blocks until every stream started by this strategy has finished
func (s *StreamingStrategy) Wait() {
	s.wg.Wait()
}

func (s *StreamingStrategy) relay(ctx context.Context, res *providers.Resolution, req *Request, h *StreamHandle) (*Result, error) {
	for {
		streamed := false
		result, err := s.deps.cached(ctx, req, s.Name(), func(callCtx context.Context) (*Result, error) {
			streamed = true
			return s.run(ctx, callCtx, res, req, h)
		})

		// A leader canceled by its own caller takes the flight down with it
		if err != nil && !streamed && errors.Is(err, context.Canceled) && ctx.Err() == nil {
			continue
		}
		if err != nil || streamed {
			return result, err
		}

		if result.Content != nil && *result.Content != "" {
			select {
			case h.chunks <- Chunk{Index: 0, Delta: *result.Content}:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return result, nil
	}
}

// run makes the provider call. Delivery follows the caller's ctx while the
// call itself runs under callCtx.
func (s *StreamingStrategy) run(ctx, callCtx context.Context, res *providers.Resolution, req *Request, h *StreamHandle) (*Result, error) {
	start := s.deps.Now()
	index := 0
	onChunk := func(delta string) error {
		if delta == "" {
			return nil
		}
		select {
		case h.chunks <- Chunk{Index: index, Delta: delta}:
			index++
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	resp, err := s.deps.invoke(callCtx, res, req, onChunk)
	if err != nil {
		return nil, err
	}

	result := completedResult(req, res, resp, s.Name(), s.deps.Now().Sub(start), s.deps.Now())
	s.deps.Logger.Debug("stream finished",
		zap.String("request_id", req.ID),
		zap.String("provider", res.Family),
		zap.Int("chunks", index))
	return &result, nil
}
