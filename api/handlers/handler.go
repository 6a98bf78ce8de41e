package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/jusunglee/mtapi-go/internal/models"
	"github.com/jusunglee/mtapi-go/pkg/mta"
)

// DefaultStations is the number of stations returned by /by-location
// when num is not given
const DefaultStations = 5

// Handler handles HTTP requests
type Handler struct {
	client mta.Client
	logger *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(client mta.Client, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{client: client, logger: logger}
}

// RegisterRoutes registers all routes. Bus routes are only served when the
// client has a bus domain.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/", h.handleIndex).Methods("GET")
	r.HandleFunc("/healthz", h.handleHealth).Methods("GET")
	h.registerDomain(r, h.client.Subway())

	if bus := h.client.Bus(); bus != nil {
		h.registerDomain(r.PathPrefix("/bus").Subrouter(), bus)
	}
}

func (h *Handler) registerDomain(r *mux.Router, q mta.Querier) {
	d := &domainHandler{Handler: h, q: q}
	r.HandleFunc("/by-location", d.handleByLocation).Methods("GET", "POST")
	r.HandleFunc("/by-route/{route}", upper("route", d.handleByRoute)).Methods("GET", "POST")
	r.HandleFunc("/by-id/{ids}", d.handleByID).Methods("GET", "POST")
	r.HandleFunc("/routes", d.handleRoutes).Methods("GET", "POST")
	r.HandleFunc("/alert-by-stop/{stop}", upper("stop", d.handleAlertByStop)).Methods("GET", "POST")
	r.HandleFunc("/alerts-by-route/{route}", upper("route", d.handleAlertsByRoute)).Methods("GET", "POST")
	r.HandleFunc("/all-alerts-by-route/{route}", upper("route", d.handleAllAlertsByRoute)).Methods("GET", "POST")
}

// Response wraps API responses. Updated is the oldest last update among the
// returned records, null when none of them has data.
type Response struct {
	Data    interface{} `json:"data"`
	Updated *time.Time  `json:"updated"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse reports the last update of each domain
type HealthResponse struct {
	Status string                `json:"status"`
	Feeds  map[string]*time.Time `json:"feeds"`
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{
		"title":  "MTAPI",
		"readme": "Visit https://github.com/jusunglee/mtapi-go for more info",
	}
	h.writeJSON(w, http.StatusOK, response)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Feeds:  map[string]*time.Time{"subway": timePtr(h.client.Subway().GetLastUpdate())},
	}
	if bus := h.client.Bus(); bus != nil {
		resp.Feeds["bus"] = timePtr(bus.GetLastUpdate())
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// domainHandler serves the queries of one domain
type domainHandler struct {
	*Handler
	q mta.Querier
}

func (d *domainHandler) handleByLocation(w http.ResponseWriter, r *http.Request) {
	latStr := r.URL.Query().Get("lat")
	lonStr := r.URL.Query().Get("lon")

	if latStr == "" || lonStr == "" {
		d.writeError(w, "Missing lat/lon parameter", http.StatusBadRequest)
		return
	}

	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		d.writeError(w, "Invalid lat parameter", http.StatusBadRequest)
		return
	}

	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		d.writeError(w, "Invalid lon parameter", http.StatusBadRequest)
		return
	}

	num := DefaultStations
	if numStr := r.URL.Query().Get("num"); numStr != "" {
		num, err = strconv.Atoi(numStr)
		if err != nil || num <= 0 {
			d.writeError(w, "Invalid num parameter", http.StatusBadRequest)
			return
		}
	}

	stations, err := d.q.GetStationsByLocation(r.Context(), lat, lon, num)
	if err != nil {
		d.writeQueryError(w, err)
		return
	}

	d.writeStationsResponse(w, stations)
}

func (d *domainHandler) handleByRoute(w http.ResponseWriter, r *http.Request) {
	route := mux.Vars(r)["route"]

	stations, err := d.q.GetStationsByRoute(r.Context(), route)
	if err != nil {
		d.writeQueryError(w, err)
		return
	}

	d.writeStationsResponse(w, stations)
}

func (d *domainHandler) handleByID(w http.ResponseWriter, r *http.Request) {
	idsStr := mux.Vars(r)["ids"]
	ids := strings.Split(idsStr, ",")

	stations, err := d.q.GetStationsByIDs(r.Context(), ids)
	if err != nil {
		d.writeQueryError(w, err)
		return
	}

	d.writeStationsResponse(w, stations)
}

func (d *domainHandler) handleRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := d.q.GetRoutes(r.Context())
	if err != nil {
		d.writeQueryError(w, err)
		return
	}

	d.writeJSON(w, http.StatusOK, Response{
		Data:    routes,
		Updated: timePtr(d.q.GetLastUpdate()),
	})
}

func (d *domainHandler) handleAlertByStop(w http.ResponseWriter, r *http.Request) {
	alerts, err := d.q.GetAlertsByStop(r.Context(), mux.Vars(r)["stop"])
	if err != nil {
		d.writeQueryError(w, err)
		return
	}
	d.writeAlertsResponse(w, alerts)
}

func (d *domainHandler) handleAlertsByRoute(w http.ResponseWriter, r *http.Request) {
	grouped, err := d.q.GetAlertsByRoute(r.Context(), mux.Vars(r)["route"])
	if err != nil {
		d.writeQueryError(w, err)
		return
	}

	var all []models.Alert
	for _, g := range grouped {
		all = append(all, g.Alerts...)
	}
	d.writeJSON(w, http.StatusOK, Response{
		Data:    grouped,
		Updated: timePtr(models.OldestAlertUpdate(all)),
	})
}

func (d *domainHandler) handleAllAlertsByRoute(w http.ResponseWriter, r *http.Request) {
	alerts, err := d.q.GetRouteAlerts(r.Context(), mux.Vars(r)["route"])
	if err != nil {
		d.writeQueryError(w, err)
		return
	}
	d.writeAlertsResponse(w, alerts)
}

func (h *Handler) writeStationsResponse(w http.ResponseWriter, stations []models.Station) {
	data := make([]models.StationResponse, len(stations))
	for i := range stations {
		data[i] = stations[i].ConvertToResponse()
	}

	h.writeJSON(w, http.StatusOK, Response{
		Data:    data,
		Updated: timePtr(models.OldestStationUpdate(stations)),
	})
}

func (h *Handler) writeAlertsResponse(w http.ResponseWriter, alerts []models.Alert) {
	if alerts == nil {
		alerts = []models.Alert{}
	}
	h.writeJSON(w, http.StatusOK, Response{
		Data:    alerts,
		Updated: timePtr(models.OldestAlertUpdate(alerts)),
	})
}

// writeQueryError maps unknown routes, stations and stops to 404
func (h *Handler) writeQueryError(w http.ResponseWriter, err error) {
	if errors.Is(err, mta.ErrNotFound) {
		h.writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	h.logger.Error("Query failed", "error", err)
	h.writeError(w, "Internal server error", http.StatusInternalServerError)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("Failed to encode response", "error", err)
		h.writeError(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (h *Handler) writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}

// upper permanently redirects requests whose path variable contains lower
// case letters to the upper case path
func upper(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		value := mux.Vars(r)[name]
		if up := strings.ToUpper(value); up != value {
			target := *r.URL
			target.Path = path.Join(path.Dir(r.URL.Path), up)
			target.RawPath = ""
			http.Redirect(w, r, target.RequestURI(), http.StatusMovedPermanently)
			return
		}
		next(w, r)
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
