package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"assembly-line-supervisor/internal/notify"
	"assembly-line-supervisor/internal/pallet"
	"assembly-line-supervisor/internal/production"
	"assembly-line-supervisor/internal/readiness"
	"assembly-line-supervisor/internal/supervisor"
	"assembly-line-supervisor/internal/types"
	"assembly-line-supervisor/internal/util"
)

// API 操作员与看板使用的 HTTP 接口
type API struct {
	sup    *supervisor.Supervisor
	hub    *Hub
	logger *slog.Logger
}

// NewAPI 创建 API
func NewAPI(sup *supervisor.Supervisor, hub *Hub, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{sup: sup, hub: hub, logger: logger.With("component", "api")}
}

// Router 注册全部路由
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(util.TraceMiddleware)

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if a.hub != nil {
		r.HandleFunc("/ws", a.hub.ServeWs)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/production/arm", a.arm).Methods(http.MethodPost)
	api.HandleFunc("/production/start", a.start).Methods(http.MethodPost)
	api.HandleFunc("/production/stop", a.stop).Methods(http.MethodPost)
	api.HandleFunc("/production/status", a.status).Methods(http.MethodGet)

	api.HandleFunc("/stations", a.stations).Methods(http.MethodGet)
	api.HandleFunc("/stations/{id}", a.station).Methods(http.MethodGet)
	api.HandleFunc("/stations/{id}/checkin", a.checkIn).Methods(http.MethodPost)
	api.HandleFunc("/stations/{id}/checkout", a.checkOut).Methods(http.MethodPost)

	api.HandleFunc("/associations", a.associations).Methods(http.MethodGet)
	api.HandleFunc("/associations", a.associate).Methods(http.MethodPost)
	return r
}

// Serve 监听 addr 直到 ctx 结束
func (a *API) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	a.logger.Info("HTTP 服务启动", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

type productionRequest struct {
	OrderID string `json:"order_id"`
	Target  int    `json:"meta"`
	By      string `json:"por"`
	Reason  string `json:"motivo"`
}

func (a *API) arm(w http.ResponseWriter, r *http.Request) {
	var req productionRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.sup.Arm(r.Context(), req.OrderID, req.Target); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.sup.GlobalStatus())
}

func (a *API) start(w http.ResponseWriter, r *http.Request) {
	var req productionRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.By == "" {
		req.By = "api"
	}
	started, err := a.sup.Start(r.Context(), req.By, req.OrderID, req.Target)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"started": started, "status": a.sup.GlobalStatus()})
}

func (a *API) stop(w http.ResponseWriter, r *http.Request) {
	var req productionRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.By == "" {
		req.By = "api"
	}
	stopped := a.sup.Stop(r.Context(), req.By, req.Reason)
	writeJSON(w, http.StatusOK, map[string]any{"stopped": stopped, "status": a.sup.GlobalStatus()})
}

func (a *API) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sup.GlobalStatus())
}

func (a *API) stations(w http.ResponseWriter, _ *http.Request) {
	out := make([]notify.StationPayload, 0, a.sup.Stations())
	for i := 0; i < a.sup.Stations(); i++ {
		if p, ok := a.sup.StationPayload(types.StationID(i)); ok {
			out = append(out, p)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) station(w http.ResponseWriter, r *http.Request) {
	id, ok := a.stationID(w, r)
	if !ok {
		return
	}
	p, found := a.sup.StationPayload(id)
	if !found {
		a.fail(w, r, readiness.ErrUnknownStation)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type checkInRequest struct {
	Name  string `json:"nome"`
	Image string `json:"imagem"`
}

func (a *API) checkIn(w http.ResponseWriter, r *http.Request) {
	id, ok := a.stationID(w, r)
	if !ok {
		return
	}
	var req checkInRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		http.Error(w, "nome is required", http.StatusBadRequest)
		return
	}
	if err := a.sup.OperatorCheckIn(id, req.Name, req.Image); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.sup.GlobalStatus())
}

func (a *API) checkOut(w http.ResponseWriter, r *http.Request) {
	id, ok := a.stationID(w, r)
	if !ok {
		return
	}
	if err := a.sup.OperatorCheckOut(id); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.sup.GlobalStatus())
}

func (a *API) associations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sup.Associations())
}

type associateRequest struct {
	Pallet  string `json:"palete"`
	Product string `json:"produto"`
}

func (a *API) associate(w http.ResponseWriter, r *http.Request) {
	var req associateRequest
	if !a.decode(w, r, &req) {
		return
	}
	assoc, err := a.sup.AssociatePallet(r.Context(), req.Pallet, req.Product)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, assoc)
}

func (a *API) stationID(w http.ResponseWriter, r *http.Request) (types.StationID, bool) {
	id, err := types.ParseStationID(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// decode 空请求体视为空对象
func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		util.Logger(r.Context(), a.logger).Warn("解析请求失败", "path", r.URL.Path, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	log := util.Logger(r.Context(), a.logger)
	if code >= http.StatusInternalServerError {
		log.Error("请求处理失败", "path", r.URL.Path, "error", err)
	} else {
		log.Info("请求被拒绝", "path", r.URL.Path, "status", code, "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, production.ErrInvalidTarget),
		errors.Is(err, pallet.ErrInvalidPallet),
		errors.Is(err, pallet.ErrInvalidProduct),
		errors.Is(err, types.ErrInvalidStation):
		return http.StatusBadRequest
	case errors.Is(err, readiness.ErrUnknownStation):
		return http.StatusNotFound
	case errors.Is(err, production.ErrAlreadyOn),
		errors.Is(err, supervisor.ErrProductionOff),
		errors.Is(err, pallet.ErrPalletInUse):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
