package invalidation_test

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/illmade-knight/go-querysync/pkg/invalidation"
)

// MockMessageConsumer is a MessageConsumer fed by Push.
type MockMessageConsumer struct {
	msgChan  chan invalidation.Message
	doneChan chan struct{}
	stopOnce sync.Once
	startErr error
}

func NewMockMessageConsumer(bufferSize int) *MockMessageConsumer {
	return &MockMessageConsumer{
		msgChan:  make(chan invalidation.Message, bufferSize),
		doneChan: make(chan struct{}),
	}
}

func (m *MockMessageConsumer) Messages() <-chan invalidation.Message { return m.msgChan }

func (m *MockMessageConsumer) Start(ctx context.Context) error {
	if m.startErr != nil {
		return m.startErr
	}
	go func() {
		<-ctx.Done()
		_ = m.Stop(context.Background())
	}()
	return nil
}

func (m *MockMessageConsumer) Stop(context.Context) error {
	m.stopOnce.Do(func() {
		close(m.doneChan)
		close(m.msgChan)
	})
	return nil
}

func (m *MockMessageConsumer) Done() <-chan struct{} { return m.doneChan }

func (m *MockMessageConsumer) Push(msg invalidation.Message) { m.msgChan <- msg }

// ackRecorder builds messages whose ack handles count calls.
type ackRecorder struct {
	acks  atomic.Int32
	nacks atomic.Int32
}

func (r *ackRecorder) message(id string, attrs map[string]string, payload []byte) invalidation.Message {
	return invalidation.Message{
		ID:         id,
		Attributes: attrs,
		Payload:    payload,
		Ack:        func() { r.acks.Add(1) },
		Nack:       func() { r.nacks.Add(1) },
	}
}
