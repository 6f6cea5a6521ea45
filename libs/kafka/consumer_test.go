package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/IBM/sarama"
)

type handlerFunc func(context.Context, *sarama.ConsumerMessage) error

func (h handlerFunc) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return h(ctx, msg)
}

type stubPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

type publishCall struct {
	topic string
	key   string
	value any
}

func (s *stubPublisher) PublishAsync(topic, key string, value any, ack AckFunc) {
	s.mu.Lock()
	s.calls = append(s.calls, publishCall{topic: topic, key: key, value: value})
	err := s.err
	s.mu.Unlock()
	ack(err)
}

func (s *stubPublisher) Close() error { return nil }

type stubSession struct {
	ctx    context.Context
	marked int
}

func (s *stubSession) Context() context.Context                         { return s.ctx }
func (s *stubSession) Claims() map[string][]int32                       { return map[string][]int32{} }
func (s *stubSession) MemberID() string                                 { return "" }
func (s *stubSession) GenerationID() int32                              { return 0 }
func (s *stubSession) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *stubSession) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *stubSession) MarkMessage(_ *sarama.ConsumerMessage, _ string)  { s.marked++ }
func (s *stubSession) Commit()                                          {}

type stubClaim struct {
	msgCh chan *sarama.ConsumerMessage
}

func (c *stubClaim) Topic() string                            { return "matching_commands" }
func (c *stubClaim) Partition() int32                         { return 0 }
func (c *stubClaim) InitialOffset() int64                     { return 0 }
func (c *stubClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *stubClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgCh }

func singleMessageClaim(value string) *stubClaim {
	msgCh := make(chan *sarama.ConsumerMessage, 1)
	msgCh <- &sarama.ConsumerMessage{Topic: "matching_commands", Partition: 0, Offset: 1, Value: []byte(value)}
	close(msgCh)
	return &stubClaim{msgCh: msgCh}
}

func TestConsumerGroupHandlerMarksOnSuccess(t *testing.T) {
	handler := &consumerGroupHandler{
		handler: handlerFunc(func(_ context.Context, _ *sarama.ConsumerMessage) error {
			return nil
		}),
		logger: slog.Default(),
	}
	session := &stubSession{ctx: context.Background()}

	if err := handler.ConsumeClaim(session, singleMessageClaim("ok")); err != nil {
		t.Fatalf("consume claim error: %v", err)
	}
	if session.marked != 1 {
		t.Fatalf("expected message to be marked, got %d", session.marked)
	}
}

func TestConsumerGroupHandlerDLQsAndMarks(t *testing.T) {
	dlq := &stubPublisher{}
	handler := &consumerGroupHandler{
		handler: handlerFunc(func(_ context.Context, _ *sarama.ConsumerMessage) error {
			return DLQ(errors.New("decode failed"), "decode")
		}),
		logger:   slog.Default(),
		dlq:      dlq,
		dlqTopic: "matching_dlq",
	}
	session := &stubSession{ctx: context.Background()}

	if err := handler.ConsumeClaim(session, singleMessageClaim("bad")); err != nil {
		t.Fatalf("consume claim error: %v", err)
	}
	if session.marked != 1 {
		t.Fatalf("expected dead-lettered message to be marked, got %d", session.marked)
	}
	if len(dlq.calls) != 1 {
		t.Fatalf("expected dlq publish, got %d", len(dlq.calls))
	}
	if dlq.calls[0].topic != "matching_dlq" {
		t.Fatalf("expected dlq topic, got %s", dlq.calls[0].topic)
	}
	payload, ok := dlq.calls[0].value.(DLQPayload)
	if !ok {
		t.Fatalf("expected DLQPayload, got %T", dlq.calls[0].value)
	}
	if payload.OriginalTopic != "matching_commands" {
		t.Fatalf("expected original topic, got %s", payload.OriginalTopic)
	}
}

func TestConsumerGroupHandlerHaltsWithoutMarking(t *testing.T) {
	fatal := errors.New("state diverged")
	handler := &consumerGroupHandler{
		handler: handlerFunc(func(_ context.Context, _ *sarama.ConsumerMessage) error {
			return fatal
		}),
		logger: slog.Default(),
	}
	session := &stubSession{ctx: context.Background()}

	err := handler.ConsumeClaim(session, singleMessageClaim("poison"))
	if err == nil {
		t.Fatal("expected halt error")
	}
	if !errors.Is(err, fatal) {
		t.Fatalf("halt must wrap the handler error, got %v", err)
	}
	if session.marked != 0 {
		t.Fatal("fatal message must not be marked")
	}
}
