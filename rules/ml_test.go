package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txguard/txguard/core"
)

type fakeProbCache struct {
	probs map[string]float64
}

func (c *fakeProbCache) Probability(txID string) (float64, bool, error) {
	p, ok := c.probs[txID]
	return p, ok, nil
}

type fakeTaskQueue struct {
	tasks []*MLTask
}

func (q *fakeTaskQueue) EnqueueEval(task *MLTask) error {
	q.tasks = append(q.tasks, task)
	return nil
}

func TestEvalAdvisoryCacheHit(t *testing.T) {
	cache := &fakeProbCache{probs: map[string]float64{"TX1": 0.8731}}
	queue := &fakeTaskQueue{}
	engine := NewMLEngine(cache, queue, nil)

	rec := &core.Record{TransactionID: "TX1"}
	result, err := engine.EvalAdvisory(rec, MLParams{ModelName: "fraud_v2", Threshold: 0.5})
	require.NoError(t, err)
	assert.Equal(t, "ML fraud_v2: вероятность=0.8731", result)
	assert.Empty(t, queue.tasks)
}

func TestEvalAdvisoryCacheMissEnqueues(t *testing.T) {
	cache := &fakeProbCache{probs: map[string]float64{}}
	queue := &fakeTaskQueue{}
	engine := NewMLEngine(cache, queue, nil)

	rec := &core.Record{TransactionID: "TX2", Amount: 100}
	result, err := engine.EvalAdvisory(rec, MLParams{ModelName: "fraud_v2", InputTemplate: "t", Threshold: 0.5})
	require.NoError(t, err)
	assert.Equal(t, "ML fraud_v2: задача поставлена в очередь", result)
	require.Len(t, queue.tasks, 1)
	assert.Equal(t, "TX2", queue.tasks[0].TransactionID)
	assert.Equal(t, "fraud_v2", queue.tasks[0].Model)
}

func TestLoadModelMemoised(t *testing.T) {
	loads := 0
	engine := NewMLEngine(&fakeProbCache{}, &fakeTaskQueue{}, func(name string) (Model, error) {
		loads++
		return namedModel(name), nil
	})
	_, err := engine.LoadModel("m1")
	require.NoError(t, err)
	_, err = engine.LoadModel("m1")
	require.NoError(t, err)
	assert.Equal(t, 1, loads)
}

func TestWarmSkipsDuplicatesAndFailures(t *testing.T) {
	loads := 0
	engine := NewMLEngine(&fakeProbCache{}, &fakeTaskQueue{}, func(name string) (Model, error) {
		loads++
		return DefaultModelLoader(name)
	})
	engine.Warm([]string{"m1", "m1", "", "m2"})
	assert.Equal(t, 2, loads)
}

func TestRenderTemplate(t *testing.T) {
	rec := &core.Record{
		Amount:          1500,
		SenderAccount:   "ACC1",
		ReceiverAccount: "ACC2",
		TransactionType: "transfer",
	}
	out := RenderTemplate("{transaction_type} of {amount} from {sender_account}", rec)
	assert.Equal(t, "transfer of 1500.0 from ACC1", out)
}

func TestRenderTemplateUnknownPlaceholderFallsBack(t *testing.T) {
	rec := &core.Record{Amount: 10, TransactionType: "payment"}
	out := RenderTemplate("{no_such_field} here", rec)
	assert.NotContains(t, out, "{")
	assert.Contains(t, out, "payment")
}
