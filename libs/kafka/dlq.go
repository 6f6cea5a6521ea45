package kafka

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// DLQError marks a message as poison: the consumer routes it to the dead
// letter topic and keeps going instead of halting the claim.
type DLQError struct {
	Err    error
	Reason string
}

func (e *DLQError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DLQError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func DLQ(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &DLQError{Err: err, Reason: reason}
}

type DLQPayload struct {
	OriginalTopic string    `json:"original_topic"`
	Partition     int32     `json:"partition"`
	Offset        int64     `json:"offset"`
	Key           string    `json:"key,omitempty"`
	Error         string    `json:"error"`
	Reason        string    `json:"reason,omitempty"`
	Payload       string    `json:"payload_base64"`
	Timestamp     time.Time `json:"timestamp"`
}

func BuildDLQPayload(msg *sarama.ConsumerMessage, err *DLQError) DLQPayload {
	var key string
	if msg != nil && len(msg.Key) > 0 {
		key = string(msg.Key)
	}
	payload := ""
	if msg != nil && len(msg.Value) > 0 {
		payload = base64.StdEncoding.EncodeToString(msg.Value)
	}

	p := DLQPayload{
		Key:       key,
		Error:     err.Error(),
		Reason:    err.Reason,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if msg != nil {
		p.OriginalTopic = msg.Topic
		p.Partition = msg.Partition
		p.Offset = msg.Offset
	}
	return p
}
