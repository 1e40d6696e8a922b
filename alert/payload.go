// Package alert builds, dedups and dispatches the webhook notifications
// emitted for triggered transactions.
package alert

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/txguard/txguard/core"
	"github.com/txguard/txguard/log"
	"github.com/txguard/txguard/rules"
)

// Payload is the alert body posted to the webhook sink. Field order follows
// the canonical (alphabetical) key order the dedup hash is computed over.
type Payload struct {
	Amount          float64  `json:"amount"`
	CorrelationID   string   `json:"correlation_id"`
	Criticality     string   `json:"criticality"`
	MLProbability   *float64 `json:"ml_probability"`
	ReceiverAccount string   `json:"receiver_account"`
	RulesTriggered  []string `json:"rules_triggered"`
	SenderAccount   string   `json:"sender_account"`
	Timestamp       *string  `json:"timestamp"`
	TransactionID   string   `json:"transaction_id"`
	TransactionLink string   `json:"transaction_link"`
}

// NewPayload builds the alert body for one triggered transaction. An unknown
// criticality falls back to medium.
func NewPayload(rec *core.Record, rulesTriggered []string, criticality, frontendBase string) *Payload {
	if !rules.ValidCriticality(criticality) {
		criticality = rules.CritMedium
	}
	cid := rec.CorrelationID
	if cid == "" {
		cid = "unknown"
	}
	var ts *string
	if rec.Timestamp != nil {
		s := rec.Timestamp.Format(time.RFC3339Nano)
		ts = &s
	}
	if rulesTriggered == nil {
		rulesTriggered = []string{}
	}
	return &Payload{
		Amount:          rec.Amount,
		CorrelationID:   cid,
		Criticality:     criticality,
		ReceiverAccount: rec.ReceiverAccount,
		RulesTriggered:  rulesTriggered,
		SenderAccount:   rec.SenderAccount,
		Timestamp:       ts,
		TransactionID:   rec.TransactionID,
		TransactionLink: frontendBase + "?correlation_id=" + cid,
	}
}

// Hash is the SHA-1 over the canonical JSON form, used for the send-once
// dedup window.
func (p *Payload) Hash() string {
	body, _ := json.Marshal(p)
	sum := sha1.Sum(body)
	return hex.EncodeToString(sum[:])
}

// Queue is the enqueue-side slice of the alert queue.
type Queue interface {
	WasSent(hash string) (bool, error)
	MarkSent(hash string) error
	Push(payload []byte) error
}

// Sender enqueues alert payloads with payload-hash deduplication.
type Sender struct {
	queue  Queue
	logger *zap.SugaredLogger
}

func NewSender(queue Queue) *Sender {
	return &Sender{queue: queue, logger: log.NewModuleLogger("alert")}
}

// Send pushes the payload unless an identical one was dispatched inside the
// dedup window. Failures are logged, never returned to the worker loop.
func (s *Sender) Send(p *Payload) {
	hash := p.Hash()
	if sent, err := s.queue.WasSent(hash); err == nil && sent {
		s.logger.Infow("alert skipped", "event", "alert_skipped_dedup", "tx", p.TransactionID)
		return
	}
	body, err := json.Marshal(p)
	if err != nil {
		s.logger.Errorw("alert marshal failed", "event", "alert_enqueue_failed", "error", err.Error())
		return
	}
	if err := s.queue.Push(body); err != nil {
		s.logger.Errorw("alert enqueue failed", "event", "alert_enqueue_failed", "error", err.Error())
		return
	}
	if err := s.queue.MarkSent(hash); err != nil {
		s.logger.Warnw("alert dedup mark failed", "event", "alert_dedup_mark_failed", "error", err.Error())
	}
	s.logger.Infow("alert enqueued",
		"event", "alert_enqueued",
		"tx", p.TransactionID,
		"criticality", p.Criticality)
}
