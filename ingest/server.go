package ingest

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/txguard/txguard/log"
	"github.com/txguard/txguard/params"
	"github.com/txguard/txguard/storage"
)

// Server wires the ingestion pipeline and the read-side endpoints into one
// HTTP handler.
type Server struct {
	cfg    *params.Config
	svc    *Service
	txs    *storage.TransactionStore
	rules  *storage.RuleStore
	ml     ProbabilityReader
	pub    ReloadPublisher
	logger *zap.SugaredLogger
}

func NewServer(cfg *params.Config, svc *Service, txs *storage.TransactionStore,
	ruleStore *storage.RuleStore, ml ProbabilityReader, pub ReloadPublisher) *Server {
	return &Server{
		cfg:    cfg,
		svc:    svc,
		txs:    txs,
		rules:  ruleStore,
		ml:     ml,
		pub:    pub,
		logger: log.NewModuleLogger("ingest"),
	}
}

// Handler builds the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()

	router.POST("/api/transactions/stream/", s.handleStream)
	router.GET("/api/transactions/", s.handleList)
	router.GET("/api/transactions/:cid/", s.handleGet)
	router.PUT("/api/transactions/:cid/status/", s.handleStatus)

	router.GET("/api/ml/:tx_id/", s.handleMLProbability)

	router.GET("/api/rules/", s.handleRulesIndex)
	router.GET("/api/rules/:rule/", s.handleRuleFamily)
	router.GET("/api/rules/:rule/:id/", s.handleRuleGet)
	router.POST("/api/rules/create/", s.handleRuleCreate)
	router.PUT("/api/rules/update/:rule/:id/", s.handleRuleUpdate)
	router.DELETE("/api/rules/delete/:rule/:id/", s.handleRuleDelete)

	router.GET("/api/analytics/stats/", s.handleAnalyticsStats)
	router.GET("/api/analytics/types/", s.handleAnalyticsTypes)
	router.GET("/api/analytics/statuses/", s.handleAnalyticsStatuses)
	router.GET("/api/analytics/channels/", s.handleAnalyticsChannels)
	router.GET("/api/analytics/detailed/", s.handleAnalyticsDetailed)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Idempotency-Key", "X-Reprocess"},
	})
	return c.Handler(router)
}

// ListenAndServe runs the HTTP server on the configured address.
func (s *Server) ListenAndServe() error {
	s.logger.Infow("http server listening", "event", "http_listen", "addr", s.cfg.HTTPListen)
	return http.ListenAndServe(s.cfg.HTTPListen, s.Handler())
}
