// JSON REST surface over the device registry, the creation saga, the
// connection broker and the batch coordinator.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"

	"device-orchestrator/internal/core/batch"
	"device-orchestrator/internal/core/devices"
	"device-orchestrator/internal/core/provider"
	"device-orchestrator/internal/core/saga"
)

// TenantHeader scopes listings and new devices to a tenant.
const TenantHeader = "X-Tenant-ID"

type Registry interface {
	Get(ctx context.Context, id string) (*devices.Device, error)
	List(ctx context.Context, f devices.Filter) ([]devices.Device, error)
	Start(ctx context.Context, id string) (*devices.Device, error)
	Stop(ctx context.Context, id string) (*devices.Device, error)
	Reboot(ctx context.Context, id string) (*devices.Device, error)
	Delete(ctx context.Context, id string) error
	Refresh(ctx context.Context, id string) (*devices.Device, error)
}

type Sagas interface {
	Start(ctx context.Context, req saga.CreateRequest) (*saga.Saga, *devices.Device, error)
	Status(ctx context.Context, id string) (*saga.View, error)
	Cancel(ctx context.Context, id string) error
}

type Connections interface {
	ConnectionInfo(ctx context.Context, deviceID string) (provider.ConnectionInfo, error)
}

type Batches interface {
	Run(ctx context.Context, op batch.Op, ids []string, opts batch.Options) ([]batch.Result, error)
}

type Deps struct {
	Registry    Registry
	Sagas       Sagas
	Connections Connections
	Batches     Batches
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

type Handler struct {
	reg   Registry
	sagas Sagas
	conn  Connections
	batch Batches
	lg    zerolog.Logger
}

// createDeviceRequest is the body of POST /devices.
type createDeviceRequest struct {
	Name                   string         `json:"name" example:"qa-phone-1"`
	Provider               string         `json:"provider" example:"docker"`
	OwnerID                string         `json:"ownerId,omitempty" example:"user-42"`
	CPUCores               int            `json:"cpuCores,omitempty" example:"2"`
	MemoryMB               int            `json:"memoryMB,omitempty" example:"4096"`
	StorageMB              int            `json:"storageMB,omitempty" example:"10240"`
	AndroidVersion         string         `json:"androidVersion,omitempty" example:"11"`
	ProviderSpecificConfig map[string]any `json:"providerSpecificConfig,omitempty"`
}

type createDeviceResponse struct {
	SagaID string          `json:"sagaId" example:"6f1c2a9e-0d5b-4f7e-9a53-2b1f0c8d7e61"`
	Device *devices.Device `json:"device"`
}

type batchRequest struct {
	DeviceIDs []string `json:"deviceIds"`
	AppID     string   `json:"appId,omitempty" example:"wechat"`
}

type batchResponse struct {
	Results []batch.Result `json:"results"`
}

func New(d Deps, lg zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	h := &Handler{reg: d.Registry, sagas: d.Sagas, conn: d.Connections, batch: d.Batches, lg: lg.With().Str("component", "http").Logger()}

	r.Route("/devices", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleList)

		r.Get("/saga/{sagaID}", h.handleSagaStatus)
		r.Post("/saga/{sagaID}/cancel", h.handleSagaCancel)

		r.Post("/batch/install-app", h.handleBatchInstall)
		r.Post("/batch/{op}", h.handleBatch)
		r.Delete("/batch", h.handleBatchDelete)

		r.Route("/{deviceID}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Delete("/", h.handleDelete)
			r.Post("/start", h.lifecycle(h.reg.Start))
			r.Post("/stop", h.lifecycle(h.reg.Stop))
			r.Post("/reboot", h.lifecycle(h.reg.Reboot))
			r.Post("/refresh", h.handleRefresh)
			r.Get("/connection-info", h.handleConnectionInfo)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/docs/index.html", http.StatusMovedPermanently)
	})
	r.Get("/docs/*", httpSwagger.WrapHandler)

	return r
}

// handleCreate starts a creation saga.
// @Summary      Create a device
// @Description  Starts the provisioning saga and returns at once with the saga id and a partial device. Poll /devices/saga/{sagaID} for progress.
// @Tags         devices
// @Accept       json
// @Produce      json
// @Param        X-Tenant-ID  header    string               false  "Tenant"
// @Param        device       body      createDeviceRequest  true   "Device shape"
// @Success      202          {object}  createDeviceResponse
// @Failure      400          {object}  errorBody
// @Failure      503          {object}  errorBody
// @Router       /devices [post]
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.lg, &saga.ValidationError{Reason: "body must be a JSON device request", Err: err})
		return
	}
	p, ok := provider.ParseName(req.Provider)
	if !ok {
		writeError(w, h.lg, &saga.ValidationError{Field: "provider", Reason: "unknown provider " + strings.TrimSpace(req.Provider)})
		return
	}
	s, dev, err := h.sagas.Start(r.Context(), saga.CreateRequest{
		TenantID:               r.Header.Get(TenantHeader),
		OwnerID:                req.OwnerID,
		Name:                   req.Name,
		Provider:               p,
		CPUCores:               req.CPUCores,
		MemoryMB:               req.MemoryMB,
		StorageMB:              req.StorageMB,
		AndroidVersion:         req.AndroidVersion,
		ProviderSpecificConfig: req.ProviderSpecificConfig,
	})
	if err != nil {
		writeError(w, h.lg, err)
		return
	}
	writeJSON(w, http.StatusAccepted, createDeviceResponse{SagaID: s.ID, Device: dev})
}

// handleList lists devices.
// @Summary      List devices
// @Description  Devices of the caller's tenant, optionally narrowed by provider and status (comma separated).
// @Tags         devices
// @Produce      json
// @Param        X-Tenant-ID  header    string  false  "Tenant"
// @Param        provider     query     string  false  "docker, huawei, aliyun or physical"
// @Param        status       query     string  false  "e.g. running,stopped"
// @Success      200          {array}   devices.Device
// @Failure      400          {object}  errorBody
// @Router       /devices [get]
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	f := devices.Filter{TenantID: r.Header.Get(TenantHeader)}
	if v := r.URL.Query().Get("provider"); v != "" {
		p, ok := provider.ParseName(v)
		if !ok {
			writeError(w, h.lg, &saga.ValidationError{Field: "provider", Reason: "unknown provider " + v})
			return
		}
		f.Provider = p
	}
	if v := r.URL.Query().Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			st, ok := parseStatus(strings.TrimSpace(s))
			if !ok {
				writeError(w, h.lg, &saga.ValidationError{Field: "status", Reason: "unknown status " + s})
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	list, err := h.reg.List(r.Context(), f)
	if err != nil {
		writeError(w, h.lg, err)
		return
	}
	if list == nil {
		list = []devices.Device{}
	}
	writeJSON(w, http.StatusOK, list)
}

func parseStatus(s string) (devices.Status, bool) {
	for _, st := range devices.AllStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// handleGet returns one device.
// @Summary      Get a device
// @Tags         devices
// @Produce      json
// @Param        deviceID  path      string  true  "Device ID"
// @Success      200       {object}  devices.Device
// @Failure      404       {object}  errorBody
// @Router       /devices/{deviceID} [get]
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	d, err := h.reg.Get(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, h.lg, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleSagaStatus reads saga progress.
// @Summary      Creation saga progress
// @Description  Pure read of the saga state; never re-triggers a step.
// @Tags         sagas
// @Produce      json
// @Param        sagaID  path      string  true  "Saga ID"
// @Success      200     {object}  saga.View
// @Failure      404     {object}  errorBody
// @Router       /devices/saga/{sagaID} [get]
func (h *Handler) handleSagaStatus(w http.ResponseWriter, r *http.Request) {
	v, err := h.sagas.Status(r.Context(), chi.URLParam(r, "sagaID"))
	if err != nil {
		writeError(w, h.lg, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleSagaCancel interrupts a running saga.
// @Summary      Cancel a creation saga
// @Description  Interrupts the saga; already applied steps are compensated.
// @Tags         sagas
// @Param        sagaID  path  string  true  "Saga ID"
// @Success      202     {string}  string "Accepted"
// @Failure      404     {object}  errorBody
// @Failure      409     {object}  errorBody
// @Router       /devices/saga/{sagaID}/cancel [post]
func (h *Handler) handleSagaCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.sagas.Cancel(r.Context(), chi.URLParam(r, "sagaID")); err != nil {
		writeError(w, h.lg, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// lifecycle serves start, stop and reboot; async providers finish in the background.
// @Summary      Start, stop or reboot a device
// @Tags         devices
// @Produce      json
// @Param        deviceID  path      string  true  "Device ID"
// @Success      202       {object}  devices.Device
// @Failure      404       {object}  errorBody
// @Failure      409       {object}  errorBody
// @Failure      502       {object}  errorBody
// @Failure      503       {object}  errorBody
// @Router       /devices/{deviceID}/start [post]
// @Router       /devices/{deviceID}/stop [post]
// @Router       /devices/{deviceID}/reboot [post]
func (h *Handler) lifecycle(op func(context.Context, string) (*devices.Device, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := op(r.Context(), chi.URLParam(r, "deviceID"))
		if err != nil {
			writeError(w, h.lg, err)
			return
		}
		writeJSON(w, http.StatusAccepted, d)
	}
}

// handleDelete terminates the provider instance, then removes the device.
// @Summary      Delete a device
// @Tags         devices
// @Param        deviceID  path  string  true  "Device ID"
// @Success      204       {string}  string "No Content"
// @Failure      404       {object}  errorBody
// @Failure      502       {object}  errorBody
// @Router       /devices/{deviceID} [delete]
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.Delete(r.Context(), chi.URLParam(r, "deviceID")); err != nil {
		writeError(w, h.lg, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRefresh forces a provider Describe for a cloud device.
// @Summary      Refresh a cloud device
// @Tags         devices
// @Produce      json
// @Param        deviceID  path      string  true  "Device ID"
// @Success      200       {object}  devices.Device
// @Failure      400       {object}  errorBody
// @Failure      404       {object}  errorBody
// @Router       /devices/{deviceID}/refresh [post]
func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	d, err := h.reg.Refresh(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, h.lg, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleConnectionInfo returns fresh connection materials.
// @Summary      Connection info
// @Description  ADB, scrcpy and/or WebRTC fragments of a running device. Never cached.
// @Tags         devices
// @Produce      json
// @Param        deviceID  path      string  true  "Device ID"
// @Success      200       {object}  provider.ConnectionInfo
// @Failure      404       {object}  errorBody
// @Failure      409       {object}  errorBody
// @Router       /devices/{deviceID}/connection-info [get]
func (h *Handler) handleConnectionInfo(w http.ResponseWriter, r *http.Request) {
	ci, err := h.conn.ConnectionInfo(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, h.lg, err)
		return
	}
	writeJSON(w, http.StatusOK, ci)
}

func (h *Handler) runBatch(w http.ResponseWriter, r *http.Request, op batch.Op) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.lg, &saga.ValidationError{Reason: "body must be {\"deviceIds\":[...]}", Err: err})
		return
	}
	results, err := h.batch.Run(r.Context(), op, req.DeviceIDs, batch.Options{AppID: req.AppID})
	if err != nil {
		writeError(w, h.lg, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Results: results})
}

// handleBatch fans start, stop or restart out over many devices.
// @Summary      Batch lifecycle operation
// @Description  One result per requested id, in request order. Member failures never fail the request.
// @Tags         batch
// @Accept       json
// @Produce      json
// @Param        op    path      string        true  "start, stop, restart or reboot"
// @Param        body  body      batchRequest  true  "Device ids"
// @Success      200   {object}  batchResponse
// @Failure      400   {object}  errorBody
// @Router       /devices/batch/{op} [post]
func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	op, ok := batch.ParseOp(chi.URLParam(r, "op"))
	if !ok || op == batch.OpDelete || op == batch.OpInstallApp {
		writeError(w, h.lg, batch.ErrUnknownOp)
		return
	}
	h.runBatch(w, r, op)
}

// handleBatchDelete deletes many devices.
// @Summary      Batch delete
// @Tags         batch
// @Accept       json
// @Produce      json
// @Param        body  body      batchRequest  true  "Device ids"
// @Success      200   {object}  batchResponse
// @Failure      400   {object}  errorBody
// @Router       /devices/batch [delete]
func (h *Handler) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	h.runBatch(w, r, batch.OpDelete)
}

// handleBatchInstall installs one catalog app on many devices.
// @Summary      Batch app install
// @Tags         batch
// @Accept       json
// @Produce      json
// @Param        body  body      batchRequest  true  "App id and device ids"
// @Success      200   {object}  batchResponse
// @Failure      400   {object}  errorBody
// @Router       /devices/batch/install-app [post]
func (h *Handler) handleBatchInstall(w http.ResponseWriter, r *http.Request) {
	h.runBatch(w, r, batch.OpInstallApp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
