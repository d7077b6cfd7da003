package bridge

import (
	"testing"
	"time"
)

func TestQueueCapacity(t *testing.T) {
	q := NewQueue()
	for i := 0; i < QueueCapacity; i++ {
		select {
		case q <- []byte{byte(i)}:
		default:
			t.Fatalf("queue filled before reaching capacity %d (at %d)", QueueCapacity, i)
		}
	}
	select {
	case q <- []byte{0xFF}:
		t.Fatalf("queue accepted a packet beyond capacity %d", QueueCapacity)
	default:
	}
}

// TestQueueProducerBlocksWhenFull exercises the documented back-pressure
// policy (spec section 3 / SPEC_FULL.md section 9): the producer blocks,
// it does not drop the newest packet.
func TestQueueProducerBlocksWhenFull(t *testing.T) {
	q := make(Queue, 1)
	q <- []byte("first")

	sent := make(chan struct{})
	go func() {
		q <- []byte("second")
		close(sent)
	}()

	select {
	case <-sent:
		t.Fatalf("send on a full queue did not block")
	case <-time.After(50 * time.Millisecond):
	}

	<-q // drain "first"
	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatalf("blocked send never unblocked after drain")
	}
}
