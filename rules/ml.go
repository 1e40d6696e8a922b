package rules

import (
	"fmt"
	"regexp"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/txguard/txguard/core"
	"github.com/txguard/txguard/log"
)

const modelCacheSize = 16

// MLParams is the evaluatable part of an ML rule.
type MLParams struct {
	ModelName     string
	InputTemplate string
	Threshold     float64
}

// MLTask is the rendered scoring request pushed onto the ml_eval_queue
// stream. An external scoring worker consumes it and writes the probability
// back under ml:<transaction_id>.
type MLTask struct {
	TransactionID string                 `json:"transaction_id"`
	Model         string                 `json:"model"`
	Template      string                 `json:"template"`
	Threshold     float64                `json:"threshold"`
	Data          map[string]interface{} `json:"data"`
}

// ProbabilityCache reads previously computed fraud probabilities.
type ProbabilityCache interface {
	Probability(txID string) (float64, bool, error)
}

// TaskQueue accepts scoring requests for the external ML worker.
type TaskQueue interface {
	EnqueueEval(task *MLTask) error
}

// Model is an opaque handle for a loaded scoring model. The concrete model
// format lives in the external worker; the engine only tracks warmed handles.
type Model interface {
	Name() string
}

// ModelLoader constructs a model handle on first use.
type ModelLoader func(name string) (Model, error)

type namedModel string

func (m namedModel) Name() string { return string(m) }

// DefaultModelLoader returns a handle without touching any model backend.
func DefaultModelLoader(name string) (Model, error) {
	if name == "" {
		return nil, errors.New("empty model name")
	}
	return namedModel(name), nil
}

// MLEngine owns the warmed model handles and the advisory evaluation path.
// One handle is constructed at process startup and shared.
type MLEngine struct {
	mu     sync.Mutex
	models *lru.Cache
	loader ModelLoader
	cache  ProbabilityCache
	queue  TaskQueue
	logger interface {
		Infow(msg string, kv ...interface{})
		Warnw(msg string, kv ...interface{})
	}
}

func NewMLEngine(cache ProbabilityCache, queue TaskQueue, loader ModelLoader) *MLEngine {
	if loader == nil {
		loader = DefaultModelLoader
	}
	models, _ := lru.New(modelCacheSize)
	return &MLEngine{
		models: models,
		loader: loader,
		cache:  cache,
		queue:  queue,
		logger: log.NewModuleLogger("rules/ml"),
	}
}

// LoadModel memoises model handles by name. First-use construction is
// serialized; repeated loads are cheap map hits.
func (e *MLEngine) LoadModel(name string) (Model, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.models.Get(name); ok {
		return m.(Model), nil
	}
	m, err := e.loader(name)
	if err != nil {
		return nil, errors.Wrapf(err, "load model %s", name)
	}
	e.models.Add(name, m)
	return m, nil
}

// Warm preloads every referenced model. Failures are logged and non-fatal.
func (e *MLEngine) Warm(modelNames []string) {
	seen := map[string]bool{}
	for _, name := range modelNames {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if _, err := e.LoadModel(name); err != nil {
			e.logger.Warnw("ml model warm failed", "event", "ml_model_warm_fail", "model_name", name, "error", err.Error())
			continue
		}
		e.logger.Infow("ml model warm", "event", "ml_model_warm", "model_name", name, "status", "ok")
	}
}

// EvalAdvisory runs the two-step async ML contract: a cached probability is
// reported; a miss enqueues the rendered request for the external worker.
// The result never contributes to the triggered-rules list.
func (e *MLEngine) EvalAdvisory(rec *core.Record, p MLParams) (string, error) {
	prob, ok, err := e.cache.Probability(rec.TransactionID)
	if err != nil {
		return "", errors.Wrap(err, "ml probability lookup")
	}
	if ok {
		return fmt.Sprintf("ML %s: вероятность=%.4f", p.ModelName, prob), nil
	}
	task := &MLTask{
		TransactionID: rec.TransactionID,
		Model:         p.ModelName,
		Template:      p.InputTemplate,
		Threshold:     p.Threshold,
		Data:          rec.StreamValues(),
	}
	if err := e.queue.EnqueueEval(task); err != nil {
		return "", errors.Wrap(err, "ошибка постановки ML задачи")
	}
	return fmt.Sprintf("ML %s: задача поставлена в очередь", p.ModelName), nil
}

var templateVar = regexp.MustCompile(`\{(\w+)\}`)

const fallbackTemplate = "Transaction {transaction_type} amount {amount} from {sender_account} to {receiver_account} at {timestamp}"

// RenderTemplate expands {field} placeholders against the transaction. An
// unknown placeholder falls the whole rendering back to the default template.
func RenderTemplate(template string, rec *core.Record) string {
	vars := templateVars(rec)
	unknown := false
	out := templateVar.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := vars[name]
		if !ok {
			unknown = true
			return m
		}
		return v
	})
	if !unknown {
		return out
	}
	return templateVar.ReplaceAllStringFunc(fallbackTemplate, func(m string) string {
		return vars[m[1:len(m)-1]]
	})
}

func templateVars(rec *core.Record) map[string]string {
	or := func(v string) string {
		if v == "" {
			return "unknown"
		}
		return v
	}
	ts := "unknown"
	if rec.Timestamp != nil {
		ts = rec.Timestamp.Format("2006-01-02T15:04:05")
	}
	return map[string]string{
		"amount":            core.FormatFloat(rec.Amount),
		"sender_account":    or(rec.SenderAccount),
		"receiver_account":  or(rec.ReceiverAccount),
		"timestamp":         ts,
		"transaction_type":  or(rec.TransactionType),
		"location":          or(rec.Location),
		"merchant_category": or(rec.MerchantCategory),
		"device_used":       or(rec.DeviceUsed),
		"payment_channel":   or(rec.PaymentChannel),
	}
}
