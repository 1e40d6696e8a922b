package ingest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/txguard/txguard/core"
	"github.com/txguard/txguard/storage"
)

// ProbabilityReader reads back async ML scoring results.
type ProbabilityReader interface {
	Probability(txID string) (float64, bool, error)
}

// ReloadPublisher notifies workers of rule mutations.
type ReloadPublisher interface {
	PublishRulesReload() error
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}

func errorJSON(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ensureList normalises the accepted payload shapes (single object,
// {transactions: [...]}, bare list) into one item list.
func ensureList(payload interface{}) []map[string]interface{} {
	switch t := payload.(type) {
	case map[string]interface{}:
		if raw, ok := t["transactions"]; ok {
			if list, ok := raw.([]interface{}); ok {
				return itemList(list)
			}
			return nil
		}
		return []map[string]interface{}{t}
	case []interface{}:
		return itemList(t)
	}
	return nil
}

func itemList(list []interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(list))
	for _, v := range list {
		if m, ok := v.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

func reprocessFlags(r *http.Request) (yes, auto bool) {
	val := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	q := val(r.URL.Query().Get("reprocess"))
	h := val(r.Header.Get("X-Reprocess"))
	auto = q == "auto" || h == "auto"
	for _, v := range []string{q, h} {
		switch v {
		case "1", "true", "yes":
			yes = true
		}
	}
	return yes, auto
}

// handleStream is POST /api/transactions/stream/.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	if !strings.HasPrefix(ct, "application/json") {
		errorJSON(w, http.StatusUnsupportedMediaType, "Поддерживается только application/json")
		return
	}
	var payload interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		errorJSON(w, http.StatusBadRequest, "Некорректный JSON")
		return
	}
	items := ensureList(payload)
	if len(items) == 0 {
		errorJSON(w, http.StatusBadRequest, "Нет транзакций для обработки")
		return
	}
	if len(items) > s.cfg.MaxBatch {
		errorJSON(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("Слишком большой батч JSON: %d > %d. Отправьте несколькими запросами.",
				len(items), s.cfg.MaxBatch))
		return
	}

	yes, auto := reprocessFlags(r)
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		idemKey = r.URL.Query().Get("idempotency_key")
	}
	resp, status := s.svc.Ingest(items, Options{
		ReprocessYes:   yes,
		ReprocessAuto:  auto,
		IdempotencyKey: idemKey,
	})
	writeJSON(w, status, resp)
}

type transactionPage struct {
	Count    int                   `json:"count"`
	Next     *int                  `json:"next"`
	Previous *int                  `json:"previous"`
	Results  []storage.Transaction `json:"results"`
}

// handleList is GET /api/transactions/.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("page_size"))
	rows, total, err := s.txs.List(storage.ListFilter{
		Status:   q.Get("status"),
		Type:     q.Get("type"),
		Search:   q.Get("search"),
		Sort:     q.Get("sort"),
		Page:     page,
		PageSize: size,
	})
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}
	out := transactionPage{Count: total, Results: rows}
	if rows == nil {
		out.Results = []storage.Transaction{}
	}
	if page*size < total {
		next := page + 1
		out.Next = &next
	}
	if page > 1 {
		prev := page - 1
		out.Previous = &prev
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGet is GET /api/transactions/:cid/. The export route shares the
// parameter slot and is dispatched here.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	cid := ps.ByName("cid")
	if cid == "export" {
		s.handleExport(w, r)
		return
	}
	row, err := s.txs.GetByCorrelationID(cid)
	if err == storage.ErrNotFound {
		errorJSON(w, http.StatusNotFound, fmt.Sprintf("Транзакция с ID '%s' не найдена.", cid))
		return
	}
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// handleStatus is PUT /api/transactions/:cid/status/.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	cid := ps.ByName("cid")
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorJSON(w, http.StatusBadRequest, "Некорректный JSON")
		return
	}
	boolFlag := func(name string) *bool {
		v, ok := body[name]
		if !ok {
			return nil
		}
		b := false
		switch t := v.(type) {
		case bool:
			b = t
		case float64:
			b = t != 0
		case string:
			b = t != "" && t != "0" && strings.ToLower(t) != "false"
		}
		return &b
	}
	row, err := s.txs.UpdateReviewFlags(cid, boolFlag("is_fraud"), boolFlag("is_reviewed"))
	if err == storage.ErrNotFound {
		errorJSON(w, http.StatusNotFound, "Транзакция не найдена")
		return
	}
	if err != nil {
		errorJSON(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Статус обновлен",
		"transaction": map[string]interface{}{
			"correlation_id": row.CorrelationID,
			"is_fraud":       row.IsFraud,
			"is_reviewed":    row.IsReviewed,
		},
	})
}

var exportHeader = []string{
	"ID транзакции",
	"Correlation ID",
	"Дата и время",
	"Счет отправителя",
	"Счет получателя",
	"Сумма",
	"Тип транзакции",
	"Категория мерчанта",
	"Локация",
	"Устройство",
	"Время с последней транзакции (сек)",
	"Показатель отклонения расходов",
	"Скорость транзакций (velocity)",
	"Показатель гео-аномалий",
	"Канал оплаты",
	"IP адрес",
	"Хэш устройства",
	"Статус",
	"Статус мошенничества",
	"Просмотрено",
	"Статус блокировки",
}

// handleExport is GET /api/transactions/export/.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f storage.ExportFilter
	if v := q.Get("start_date"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			f.StartDate = &t
		}
	}
	if v := q.Get("end_date"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			end := t.AddDate(0, 0, 1)
			f.EndDate = &end
		}
	}
	f.Type = q.Get("type")
	f.Status = q.Get("status")

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="transactions_export.csv"`)
	io.WriteString(w, "\xef\xbb\xbf")
	cw := csv.NewWriter(w)
	cw.Comma = ';'
	cw.Write(exportHeader)

	err := s.txs.ExportRows(f, func(tx *storage.Transaction) error {
		ts := ""
		if tx.Timestamp != nil {
			ts = tx.Timestamp.Format("2006-01-02 15:04:05")
		}
		statusDisplay := ""
		switch tx.Status {
		case core.StatusProcessed:
			statusDisplay = "Успешная"
		case core.StatusAlerted:
			statusDisplay = "Подозрительная"
		}
		fraudStatus, blockedStatus := "Легитимная", "Активна"
		if tx.IsFraud {
			fraudStatus, blockedStatus = "Мошенническая", "Заблокирована"
		}
		reviewed := "Нет"
		if tx.IsReviewed {
			reviewed = "Да"
		}
		optScore := func(p *float64) string {
			if p == nil {
				return ""
			}
			return core.FormatFloat(*p)
		}
		tsl := "0.0"
		if tx.TimeSinceLastTransaction != nil {
			tsl = core.FormatFloat(*tx.TimeSinceLastTransaction)
		}
		return cw.Write([]string{
			tx.TransactionID,
			tx.CorrelationID,
			ts,
			tx.SenderAccount,
			tx.ReceiverAccount,
			strconv.FormatFloat(tx.Amount, 'f', 2, 64),
			tx.TransactionType,
			tx.MerchantCategory,
			tx.Location,
			tx.DeviceUsed,
			tsl,
			optScore(tx.SpendingDeviationScore),
			optScore(tx.VelocityScore),
			optScore(tx.GeoAnomalyScore),
			tx.PaymentChannel,
			tx.IPAddress,
			tx.DeviceHash,
			statusDisplay,
			fraudStatus,
			reviewed,
			blockedStatus,
		})
	})
	if err != nil {
		s.logger.Errorw("export failed", "event", "export_failed", "error", err.Error())
	}
	cw.Flush()
}

// handleMLProbability is GET /api/ml/:tx_id/.
func (s *Server) handleMLProbability(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	p, ok, err := s.ml.Probability(ps.ByName("tx_id"))
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "pending", "probability": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "probability": p})
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return ioutil.ReadAll(r.Body)
}
