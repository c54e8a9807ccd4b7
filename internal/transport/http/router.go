package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"gptbot/internal/journal"
	"gptbot/internal/ledger"
	"gptbot/internal/logger"
	"gptbot/internal/pkg/symbol"
)

const (
	defaultJournalLimit = 100
	maxJournalLimit     = 500
)

type LedgerReader interface {
	Get(ctx context.Context, key string) (ledger.Record, bool, error)
}

// OrderLog is implemented by ledgers that can list past order attempts.
type OrderLog interface {
	Attempts(ctx context.Context, symbol string, limit int) ([]ledger.OrderAttempt, error)
}

type JournalReader interface {
	Recent(ctx context.Context, symbol string, limit int) ([]journal.Entry, error)
	Cycle(ctx context.Context, cycleID string) ([]journal.Entry, error)
}

type Router struct {
	Ledger  LedgerReader
	Journal JournalReader
}

func NewRouter(l LedgerReader, j JournalReader) *Router {
	return &Router{Ledger: l, Journal: j}
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/ledger/:key", r.handleLedgerKey)
	group.GET("/journal", r.handleJournal)
	group.GET("/journal/cycles/:id", r.handleCycle)
	group.GET("/orders", r.handleOrders)
}

func (r *Router) handleLedgerKey(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}
	rec, ok, err := r.Ledger.Get(c.Request.Context(), key)
	if err != nil {
		logger.Warnf("http: ledger get %s: %v", key, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown key"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func queryLimit(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultJournalLimit)))
	if limit <= 0 {
		return defaultJournalLimit
	}
	return min(limit, maxJournalLimit)
}

func querySymbol(c *gin.Context) string {
	if q := strings.TrimSpace(c.Query("symbol")); q != "" {
		return symbol.Normalize(q)
	}
	return ""
}

func (r *Router) handleOrders(c *gin.Context) {
	orders, ok := r.Ledger.(OrderLog)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "ledger backend keeps no order log"})
		return
	}
	sym := querySymbol(c)
	if sym == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}
	limit := queryLimit(c)
	attempts, err := orders.Attempts(c.Request.Context(), sym, limit)
	if err != nil {
		logger.Warnf("http: order log %s: %v", sym, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": attempts, "limit": limit})
}

func (r *Router) handleJournal(c *gin.Context) {
	if r.Journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}
	limit := queryLimit(c)
	sym := querySymbol(c)
	entries, err := r.Journal.Recent(c.Request.Context(), sym, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "limit": limit})
}

func (r *Router) handleCycle(c *gin.Context) {
	if r.Journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}
	entries, err := r.Journal.Cycle(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown cycle"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
