package queue

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ledgerRecord struct {
	ID            string            `json:"id"`
	Body          string            `json:"body"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	SentAt        time.Time         `json:"sentAt"`
	VisibleAt     time.Time         `json:"visibleAt"`
	ReceiptHandle string            `json:"receiptHandle,omitempty"`
	ReceiveCount  int               `json:"receiveCount"`
}

// ledger is the message state shared by the in-process and file queues.
// Callers serialize access.
type ledger struct {
	Items []ledgerRecord `json:"items"`
}

func (l *ledger) push(body string, capacity int, now time.Time) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", ErrInvalidInput
	}
	if capacity > 0 && len(l.Items) >= capacity {
		return "", ErrQueueFull
	}
	id := uuid.NewString()
	l.Items = append(l.Items, ledgerRecord{
		ID:        id,
		Body:      body,
		SentAt:    now,
		VisibleAt: now,
	})
	return id, nil
}

func (l *ledger) receive(now time.Time, max int, visibility time.Duration) []Message {
	out := []Message{}
	for i := range l.Items {
		if len(out) >= max {
			break
		}
		record := &l.Items[i]
		if record.VisibleAt.After(now) {
			continue
		}
		record.ReceiptHandle = uuid.NewString()
		record.ReceiveCount++
		record.VisibleAt = now.Add(visibility)
		out = append(out, Message{
			ID:            record.ID,
			ReceiptHandle: record.ReceiptHandle,
			Body:          record.Body,
			Attributes:    record.attributes(),
		})
	}
	return out
}

func (l *ledger) delete(receiptHandle string) error {
	receiptHandle = strings.TrimSpace(receiptHandle)
	if receiptHandle == "" {
		return ErrInvalidInput
	}
	for i, record := range l.Items {
		if record.ReceiptHandle == receiptHandle {
			l.Items = append(l.Items[:i], l.Items[i+1:]...)
			return nil
		}
	}
	return ErrUnknownReceipt
}

// nextVisible reports how long until the earliest hidden message becomes
// visible again, or zero when nothing is hidden.
func (l *ledger) nextVisible(now time.Time) time.Duration {
	var next time.Duration
	for _, record := range l.Items {
		if !record.VisibleAt.After(now) {
			continue
		}
		d := record.VisibleAt.Sub(now)
		if next == 0 || d < next {
			next = d
		}
	}
	return next
}

func (r ledgerRecord) attributes() map[string]string {
	attrs := map[string]string{
		"ApproximateReceiveCount": strconv.Itoa(r.ReceiveCount),
		"SentTimestamp":           strconv.FormatInt(r.SentAt.UnixMilli(), 10),
	}
	for key, value := range r.Attributes {
		attrs[key] = value
	}
	return attrs
}
