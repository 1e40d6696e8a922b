// Package ingest implements the HTTP ingestion surface: batch validation,
// sanitation, fingerprinting, idempotency, deduplication and fan-out onto
// the transactions stream, plus the read-side endpoints for transactions,
// rules and analytics.
package ingest

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/txguard/txguard/core"
	"github.com/txguard/txguard/log"
	"github.com/txguard/txguard/params"
)

// Streamer is the slice of the stream client the ingestion path needs.
type Streamer interface {
	Append(records []map[string]interface{}, chunk int) (int, error)
	Trim() error
}

// Deduper is the dedup-token filter contract.
type Deduper interface {
	Tokens(get func(field string) string) []string
	Seen(tokens []string) (map[string]bool, error)
	Insert(tokens []string) error
}

// IdemCache caches full responses keyed by (mode, idempotency key).
type IdemCache interface {
	Get(mode, key string) ([]byte, bool, error)
	Set(mode, key string, body []byte) error
}

// Fingerprints remembers previously accepted batch fingerprints.
type Fingerprints interface {
	Seen(fingerprint string) (bool, error)
	Record(fingerprint string) error
}

// IDLookup answers which transaction ids are already persisted.
type IDLookup interface {
	ExistingIDs(ids []string, chunk int) (map[string]bool, error)
}

// Service runs the ingestion pipeline.
type Service struct {
	cfg    *params.Config
	stream Streamer
	dedup  Deduper
	idem   IdemCache
	fpg    Fingerprints
	store  IDLookup
	logger *zap.SugaredLogger
}

func NewService(cfg *params.Config, stream Streamer, dedup Deduper, idem IdemCache, fpg Fingerprints, store IDLookup) *Service {
	return &Service{
		cfg:    cfg,
		stream: stream,
		dedup:  dedup,
		idem:   idem,
		fpg:    fpg,
		store:  store,
		logger: log.NewModuleLogger("ingest"),
	}
}

// Options carries the per-request mode switches.
type Options struct {
	ReprocessYes   bool
	ReprocessAuto  bool
	IdempotencyKey string
}

// Summary is the ingestion outcome counters.
type Summary struct {
	Received     int `json:"received"`
	Queued       int `json:"queued"`
	Invalid      int `json:"invalid"`
	DedupDropped int `json:"dedup_dropped"`
}

// Idempotency describes how the request was keyed and routed.
type Idempotency struct {
	KeyUsed          bool   `json:"key_used"`
	Mode             string `json:"mode"`
	BatchFingerprint string `json:"batch_fingerprint"`
	Cached           bool   `json:"cached,omitempty"`
	DuplicateOf      string `json:"duplicate_of,omitempty"`
}

// ItemError is one validation failure preview.
type ItemError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// Response is the ingestion endpoint body.
type Response struct {
	Summary     Summary     `json:"summary"`
	Idempotency Idempotency `json:"idempotency"`
	Errors      []ItemError `json:"errors,omitempty"`
}

const maxErrorPreviews = 100

// Fingerprint hashes the sorted "<tid>|<cid>" list of a batch.
func Fingerprint(items []map[string]interface{}) string {
	keys := make([]string, 0, len(items))
	for _, it := range items {
		tid := strings.TrimSpace(stringify(it["transaction_id"]))
		cid := strings.TrimSpace(stringify(it["correlation_id"]))
		keys = append(keys, tid+"|"+cid)
	}
	sort.Strings(keys)
	sum := sha1.Sum([]byte(strings.Join(keys, ",")))
	return hex.EncodeToString(sum[:])
}

// Ingest runs steps 1-9 of the pipeline over an already normalised batch.
// The second return is the HTTP status (200 for an idempotency-cache hit,
// 202 otherwise).
func (s *Service) Ingest(items []map[string]interface{}, opts Options) (*Response, int) {
	fingerprint := Fingerprint(items)

	auto, yes := opts.ReprocessAuto, opts.ReprocessYes
	if !yes && !auto {
		if seen, err := s.fpg.Seen(fingerprint); err == nil && seen {
			auto = true
		}
	}
	mode := "normal"
	if yes {
		mode = "reprocess"
	}
	if auto {
		mode = "auto"
	}

	if opts.IdempotencyKey != "" {
		if cached, ok, err := s.idem.Get(mode, opts.IdempotencyKey); err == nil && ok {
			var resp Response
			if json.Unmarshal(cached, &resp) == nil {
				resp.Idempotency.KeyUsed = true
				resp.Idempotency.Cached = true
				resp.Idempotency.DuplicateOf = opts.IdempotencyKey
				resp.Idempotency.Mode = mode
				resp.Idempotency.BatchFingerprint = fingerprint
				return &resp, 200
			}
		}
	}

	resp := &Response{
		Summary: Summary{Received: len(items)},
		Idempotency: Idempotency{
			KeyUsed:          opts.IdempotencyKey != "",
			Mode:             mode,
			BatchFingerprint: fingerprint,
		},
	}

	now := time.Now().UTC()
	chunk := s.cfg.ValidateChunk
	if chunk <= 0 {
		chunk = 10000
	}
	for start := 0; start < len(items); start += chunk {
		end := start + chunk
		if end > len(items) {
			end = len(items)
		}
		var valid []*core.Record
		for i, item := range items[start:end] {
			rec, err := ValidateItem(item, now)
			if err != nil {
				resp.Summary.Invalid++
				if len(resp.Errors) < maxErrorPreviews {
					resp.Errors = append(resp.Errors, ItemError{Index: start + i, Error: err.Error()})
				}
				continue
			}
			valid = append(valid, rec)
		}
		if len(valid) == 0 {
			continue
		}

		switch {
		case auto:
			s.routeAuto(valid, resp)
		case yes:
			for _, rec := range valid {
				rec.Recalc = true
			}
			resp.Summary.Queued += s.appendRecords(valid)
		default:
			survivors, dropped := s.dedupPartition(valid)
			resp.Summary.DedupDropped += dropped
			resp.Summary.Queued += s.appendRecords(survivors)
		}
	}

	if err := s.stream.Trim(); err != nil {
		s.logger.Warnw("stream trim failed", "event", "xtrim_failed", "error", err.Error())
	}

	s.logger.Infow("batch queued",
		"event", "queued_to_stream",
		"received", resp.Summary.Received,
		"queued", resp.Summary.Queued,
		"invalid", resp.Summary.Invalid,
		"dedup_dropped", resp.Summary.DedupDropped,
		"mode", mode,
	)

	if opts.IdempotencyKey != "" {
		if body, err := json.Marshal(resp); err == nil {
			if err := s.idem.Set(mode, opts.IdempotencyKey, body); err != nil {
				s.logger.Warnw("idempotency cache write failed",
					"event", "idempotency_cache_set_failed", "error", err.Error())
			}
		}
	}
	if err := s.fpg.Record(fingerprint); err != nil {
		s.logger.Warnw("fingerprint record failed",
			"event", "fingerprint_record_failed", "error", err.Error())
	}
	return resp, 202
}

// routeAuto splits the chunk into known ids (recalc), dedup-promoted
// resubmissions (recalc) and genuinely fresh items.
func (s *Service) routeAuto(valid []*core.Record, resp *Response) {
	ids := make([]string, 0, len(valid))
	for _, rec := range valid {
		ids = append(ids, rec.TransactionID)
	}
	existing, err := s.store.ExistingIDs(ids, s.cfg.LookupChunk)
	if err != nil {
		s.logger.Errorw("existing-id lookup failed",
			"event", "lookup_failed", "error", err.Error())
		existing = map[string]bool{}
	}

	var oldSide, newSide []*core.Record
	for _, rec := range valid {
		if existing[rec.TransactionID] {
			rec.Recalc = true
			oldSide = append(oldSide, rec)
		} else {
			newSide = append(newSide, rec)
		}
	}

	// A dedup-token hit on a fresh-looking item means it was accepted before
	// but never persisted; promote it to re-classification instead of
	// dropping it.
	seenTokens := s.seenTokens(newSide)
	var fresh []*core.Record
	for i, rec := range newSide {
		if seenTokens[i] {
			rec.Recalc = true
			oldSide = append(oldSide, rec)
		} else {
			fresh = append(fresh, rec)
		}
	}

	resp.Summary.Queued += s.appendRecords(oldSide)
	survivors, dropped := s.dedupPartition(fresh)
	resp.Summary.DedupDropped += dropped
	resp.Summary.Queued += s.appendRecords(survivors)
}

// seenTokens flags each record whose dedup tokens include one already in the
// dedup set.
func (s *Service) seenTokens(recs []*core.Record) map[int]bool {
	out := map[int]bool{}
	if len(recs) == 0 {
		return out
	}
	perRecord := make([][]string, len(recs))
	var flat []string
	for i, rec := range recs {
		perRecord[i] = s.tokensFor(rec)
		flat = append(flat, perRecord[i]...)
	}
	seen, err := s.dedup.Seen(flat)
	if err != nil {
		s.logger.Errorw("dedup check failed", "event", "dedup_check_failed", "error", err.Error())
		return out
	}
	for i, tokens := range perRecord {
		for _, t := range tokens {
			if seen[t] {
				out[i] = true
				break
			}
		}
	}
	return out
}

func (s *Service) tokensFor(rec *core.Record) []string {
	return s.dedup.Tokens(func(field string) string {
		v, _ := rec.Field(field)
		return v
	})
}

// dedupPartition drops records whose tokens are already in the dedup set and
// registers the survivors' tokens. Disabled filters pass everything through.
func (s *Service) dedupPartition(recs []*core.Record) ([]*core.Record, int) {
	if !s.cfg.UseDedup || len(recs) == 0 {
		return recs, 0
	}
	seenIdx := s.seenTokens(recs)
	var survivors []*core.Record
	var newTokens []string
	dropped := 0
	for i, rec := range recs {
		if seenIdx[i] {
			dropped++
			continue
		}
		survivors = append(survivors, rec)
		newTokens = append(newTokens, s.tokensFor(rec)...)
	}
	if len(newTokens) > 0 {
		if err := s.dedup.Insert(newTokens); err != nil {
			s.logger.Errorw("dedup insert failed", "event", "dedup_insert_failed", "error", err.Error())
		}
	}
	return survivors, dropped
}

func (s *Service) appendRecords(recs []*core.Record) int {
	if len(recs) == 0 {
		return 0
	}
	values := make([]map[string]interface{}, len(recs))
	for i, rec := range recs {
		values[i] = rec.StreamValues()
	}
	queued, err := s.stream.Append(values, s.cfg.XAddChunk)
	if err != nil {
		s.logger.Errorw("stream append failed", "event", "xadd_failed", "error", err.Error())
	}
	return queued
}
