package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"signal-router/internal/exchange"
	"signal-router/internal/execution"
	"signal-router/internal/position"
	"signal-router/internal/scheduler"
	"signal-router/internal/store"
)

type statusDeps struct {
	sched   *scheduler.Scheduler
	monitor *position.Monitor
	journal *store.Journal
	orch    *execution.Orchestrator
}

// statusSnapshot 是供报表层轮询的只读快照。
type statusSnapshot struct {
	Scheduler     scheduler.Snapshot `json:"scheduler"`
	OpenPositions []position.Record  `json:"open_positions"`
	Metrics       position.Metrics   `json:"metrics"`
	AggregatePnL  float64            `json:"aggregate_pnl"`
	GeneratedAt   time.Time          `json:"generated_at"`
}

func startStatusServer(ctx context.Context, deps statusDeps, port int, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		open := deps.monitor.OpenPositions()
		var aggregate float64
		for _, rec := range open {
			aggregate += rec.UnrealizedPnL
		}

		writeJSON(w, logger, statusSnapshot{
			Scheduler:     deps.sched.Status(),
			OpenPositions: open,
			Metrics:       deps.monitor.Metrics(),
			AggregatePnL:  aggregate,
			GeneratedAt:   time.Now().UTC(),
		})
	})

	mux.HandleFunc("/results", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		signalID := strings.TrimSpace(q.Get("signal_id"))
		limit := queryLimit(q.Get("limit"))

		records, err := deps.journal.ListExecutions(r.Context(), signalID, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, logger, records)
	})

	mux.HandleFunc("/positions/events", func(w http.ResponseWriter, r *http.Request) {
		records, err := deps.journal.ListPositionEvents(r.Context(), queryLimit(r.URL.Query().Get("limit")))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, logger, records)
	})

	mux.HandleFunc("/signal", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var payload struct {
			Symbol     string  `json:"symbol"`
			Side       string  `json:"side"`
			Quantity   float64 `json:"quantity"`
			Leverage   int     `json:"leverage"`
			Price      float64 `json:"price"`
			StopLoss   float64 `json:"stop_loss"`
			TakeProfit float64 `json:"take_profit"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		summary, err := deps.orch.ProcessSignal(r.Context(), execution.Signal{
			Symbol:     payload.Symbol,
			Side:       sideOf(payload.Side),
			Quantity:   payload.Quantity,
			Leverage:   payload.Leverage,
			Price:      payload.Price,
			StopLoss:   payload.StopLoss,
			TakeProfit: payload.TakeProfit,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, logger, summary)
	})

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭状态服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("状态服务异常", zap.Error(err))
		}
	}()

	logger.Info("状态接口已启动", zap.String("addr", addr))
	return nil
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("写入状态响应失败", zap.Error(err))
	}
}

func queryLimit(raw string) int {
	limit := 200
	if raw == "" {
		return limit
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		if v > 1000 {
			v = 1000
		}
		limit = v
	}
	return limit
}

func sideOf(raw string) exchange.Side {
	if strings.EqualFold(strings.TrimSpace(raw), "SELL") {
		return exchange.SideSell
	}
	return exchange.SideBuy
}
