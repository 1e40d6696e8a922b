package ingest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/txguard/txguard/core"
	"github.com/txguard/txguard/rules"
	"github.com/txguard/txguard/storage"
)

func (s *Server) publishReload() {
	if err := s.pub.PublishRulesReload(); err != nil {
		s.logger.Warnw("rules reload publish failed",
			"event", "rules_reload_publish_failed", "error", err.Error())
	}
}

// handleRulesIndex is GET /api/rules/.
func (s *Server) handleRulesIndex(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	set, err := s.rules.All()
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, set)
}

// handleRuleFamily is GET /api/rules/:rule/. The test route shares the
// parameter slot and is dispatched here.
func (s *Server) handleRuleFamily(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	kind := ps.ByName("rule")
	if kind == "test" {
		s.handleRuleTest(w, r)
		return
	}
	set, err := s.rules.All()
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch kind {
	case storage.KindThreshold:
		writeJSON(w, http.StatusOK, set.ThresholdRules)
	case storage.KindComposite:
		writeJSON(w, http.StatusOK, set.CompositeRules)
	case storage.KindPattern:
		writeJSON(w, http.StatusOK, set.PatternRules)
	case storage.KindML:
		writeJSON(w, http.StatusOK, set.MLRules)
	default:
		errorJSON(w, http.StatusBadRequest, "Неизвестный тип правила")
	}
}

// handleRuleGet is GET /api/rules/:rule/:id/.
func (s *Server) handleRuleGet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := strconv.Atoi(ps.ByName("id"))
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "Некорректный id правила")
		return
	}
	rule, err := s.rules.Get(ps.ByName("rule"), uint(id))
	if err == storage.ErrUnknownRuleKind {
		errorJSON(w, http.StatusBadRequest, "Неизвестный тип правила")
		return
	}
	if err == storage.ErrRuleNotFound {
		errorJSON(w, http.StatusNotFound, "Правило не найдено")
		return
	}
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func emptyRuleModel(kind string) storage.Validator {
	switch kind {
	case storage.KindThreshold:
		return &storage.ThresholdRule{}
	case storage.KindComposite:
		return &storage.CompositeRule{}
	case storage.KindPattern:
		return &storage.PatternRule{}
	case storage.KindML:
		return &storage.MLRule{}
	}
	return nil
}

// handleRuleCreate is POST /api/rules/create/.
func (s *Server) handleRuleCreate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := readBody(r)
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "Некорректный JSON")
		return
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		errorJSON(w, http.StatusBadRequest, "Некорректный JSON")
		return
	}
	if envelope.Type == "" {
		errorJSON(w, http.StatusBadRequest, "Поле 'type' обязательно (threshold/composite/pattern/ml)")
		return
	}
	model := emptyRuleModel(envelope.Type)
	if model == nil {
		errorJSON(w, http.StatusBadRequest, fmt.Sprintf("Неизвестный тип правила '%s'", envelope.Type))
		return
	}
	if err := json.Unmarshal(body, model); err != nil {
		errorJSON(w, http.StatusBadRequest, "Некорректный JSON")
		return
	}
	if err := s.rules.Create(model); err != nil {
		errorJSON(w, http.StatusBadRequest, err.Error())
		return
	}
	s.publishReload()
	writeJSON(w, http.StatusCreated, model)
}

// handleRuleUpdate is PUT /api/rules/update/:rule/:id/. Partial bodies only
// overwrite the fields they carry.
func (s *Server) handleRuleUpdate(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	kind := ps.ByName("rule")
	id, err := strconv.Atoi(ps.ByName("id"))
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "Некорректный id правила")
		return
	}
	existing, err := s.rules.Get(kind, uint(id))
	if err == storage.ErrUnknownRuleKind {
		errorJSON(w, http.StatusBadRequest, "Неизвестный тип правила")
		return
	}
	if err == storage.ErrRuleNotFound {
		errorJSON(w, http.StatusNotFound, "Правило не найдено")
		return
	}
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	body, err := readBody(r)
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "Некорректный JSON")
		return
	}
	if err := json.Unmarshal(body, existing); err != nil {
		errorJSON(w, http.StatusBadRequest, "Некорректный JSON")
		return
	}
	model, ok := existing.(storage.Validator)
	if !ok {
		errorJSON(w, http.StatusInternalServerError, "Неизвестный тип правила")
		return
	}
	if err := s.rules.Save(model); err != nil {
		errorJSON(w, http.StatusBadRequest, err.Error())
		return
	}
	s.publishReload()
	writeJSON(w, http.StatusOK, model)
}

// handleRuleDelete is DELETE /api/rules/delete/:rule/:id/.
func (s *Server) handleRuleDelete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := strconv.Atoi(ps.ByName("id"))
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "Некорректный id правила")
		return
	}
	err = s.rules.Delete(ps.ByName("rule"), uint(id))
	if err == storage.ErrUnknownRuleKind {
		errorJSON(w, http.StatusBadRequest, "Неизвестный тип правила")
		return
	}
	if err == storage.ErrRuleNotFound {
		errorJSON(w, http.StatusNotFound, "Правило не найдено")
		return
	}
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.publishReload()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Правило удалено"})
}

// looseRecord builds an evaluation record from an arbitrary test item
// without the ingestion validation pass.
func looseRecord(item map[string]interface{}) *core.Record {
	values := make(map[string]interface{}, len(item))
	for k, v := range item {
		values[k] = stringify(v)
	}
	return core.FromStreamValues(values)
}

type ruleTestResult struct {
	TransactionID string `json:"transaction_id"`
	Triggered     bool   `json:"triggered"`
	Reason        string `json:"reason"`
}

// handleRuleTest is GET /api/rules/test/?type=&id= with a JSON batch body.
func (s *Server) handleRuleTest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, idStr := q.Get("type"), q.Get("id")
	if kind == "" || idStr == "" {
		errorJSON(w, http.StatusBadRequest,
			"Нужно указать параметры type и id, например ?type=threshold&id=3")
		return
	}
	switch kind {
	case storage.KindThreshold, storage.KindComposite, storage.KindPattern:
	default:
		errorJSON(w, http.StatusBadRequest, fmt.Sprintf("Неизвестный тип правила '%s'", kind))
		return
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "Некорректный id правила")
		return
	}
	rule, err := s.rules.Get(kind, uint(id))
	if err == storage.ErrRuleNotFound {
		errorJSON(w, http.StatusNotFound, fmt.Sprintf("Правило %s id=%d не найдено", kind, id))
		return
	}
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}

	var payload interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		errorJSON(w, http.StatusBadRequest, fmt.Sprintf("Ошибка чтения JSON: %v", err))
		return
	}
	items := ensureList(payload)
	if len(items) == 0 {
		errorJSON(w, http.StatusBadRequest, "Тело запроса не содержит массива транзакций")
		return
	}

	results := make([]ruleTestResult, 0, len(items))
	triggeredCount := 0
	for _, item := range items {
		rec := looseRecord(item)
		var triggered bool
		var reason string
		switch v := rule.(type) {
		case *storage.ThresholdRule:
			var err error
			triggered, reason, err = rules.Threshold(rec, v.ColumnName, v.Value, v.Operator)
			if err != nil {
				triggered, reason = false, fmt.Sprintf("Ошибка при проверке: %v", err)
			}
		case *storage.CompositeRule:
			tree, err := v.Tree()
			if err != nil {
				triggered, reason = false, fmt.Sprintf("Ошибка при проверке: %v", err)
			} else {
				triggered, reason = rules.Composite(rec, tree)
			}
		case *storage.PatternRule:
			triggered, reason = rules.Pattern(rec, v.Params(), rules.EmptyBatchStats())
		}
		if triggered {
			triggeredCount++
		}
		results = append(results, ruleTestResult{
			TransactionID: rec.TransactionID,
			Triggered:     triggered,
			Reason:        reason,
		})
	}

	pct := 0.0
	if len(results) > 0 {
		pct = float64(int(float64(triggeredCount)/float64(len(results))*100*100+0.5)) / 100
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"summary": map[string]interface{}{
			"rule_type":       kind,
			"rule_id":         id,
			"tested":          len(results),
			"triggered_count": triggeredCount,
			"triggered_pct":   pct,
		},
		"results": results,
	})
}

// Analytics endpoints.

func (s *Server) handleAnalyticsStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stats, err := s.txs.Stats()
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAnalyticsTypes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	counts, err := s.txs.CountsBy("transaction_type", 0)
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleAnalyticsChannels(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	counts, err := s.txs.CountsBy("payment_channel", 10)
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleAnalyticsStatuses(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	dist, err := s.txs.StatusDistribution()
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dist)
}

func (s *Server) handleAnalyticsDetailed(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stats, err := s.txs.DetailedStats()
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
