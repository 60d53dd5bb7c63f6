// Package api is the HTTP/JSON surface of the map server. The handlers
// are thin: validation and wire mapping here, all map semantics in the
// server and vimap packages.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/maxmars1/maplab/internal/httputil"
	"github.com/maxmars1/maplab/internal/server"
	"github.com/maxmars1/maplab/internal/vimap"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	node *server.Node
}

func NewServer(node *server.Node) *Server {
	return &Server{node: node}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/submaps", s.submapReady)
	mux.HandleFunc("/api/v1/map/lookup", s.mapLookup)
	mux.HandleFunc("/api/v1/map/save", s.mapSave)
	mux.HandleFunc("/api/v1/map/visualize", s.mapVisualize)
	mux.HandleFunc("/api/v1/status", s.status)
	return mux
}

type submapReadyRequest struct {
	RobotName string `json:"robot_name"`
	MapPath   string `json:"map_path"`
}

// submapReady accepts a submap-ready notification and queues it. The
// submap is processed asynchronously; acceptance only means the job is
// queued.
func (s *Server) submapReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req submapReadyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	jobID, err := s.node.LoadAndProcessSubmap(req.RobotName, req.MapPath)
	switch {
	case errors.Is(err, server.ErrDraining):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, server.ErrQueueFull):
		httputil.WriteJSONError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID.String()})
}

type lookupQuery struct {
	RobotName   string     `json:"robot_name"`
	Sensor      string     `json:"sensor"`
	TimestampNs int64      `json:"timestamp_ns"`
	Point       [3]float64 `json:"point"`
}

type lookupRequest struct {
	Queries []lookupQuery `json:"queries"`
}

type lookupResponseItem struct {
	Status             int         `json:"status"`
	StatusName         string      `json:"status_name"`
	PointGlobal        *[3]float64 `json:"point_global,omitempty"`
	SensorOriginGlobal *[3]float64 `json:"sensor_origin_global,omitempty"`
}

func vecToArray(v r3.Vec) *[3]float64 {
	return &[3]float64{v.X, v.Y, v.Z}
}

// mapLookup resolves a batch of sensor-frame points against one
// snapshot of the map. Results come back in request order, one per
// query; per-item failures are carried in the item status.
func (s *Server) mapLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req lookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sn := s.node.Snapshot()
	results := make([]lookupResponseItem, 0, len(req.Queries))
	for _, q := range req.Queries {
		res := sn.Lookup(q.RobotName, vimap.ParseSensorType(q.Sensor), q.TimestampNs,
			r3.Vec{X: q.Point[0], Y: q.Point[1], Z: q.Point[2]})
		item := lookupResponseItem{
			Status:     int(res.Status),
			StatusName: res.Status.String(),
		}
		if res.Status == vimap.LookupSuccess {
			item.PointGlobal = vecToArray(res.PointGlobal)
			item.SensorOriginGlobal = vecToArray(res.SensorOriginGlobal)
		}
		results = append(results, item)
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"map_version": sn.Version,
		"results":     results,
	})
}

type mapSaveRequest struct {
	Folder string `json:"folder"`
}

func (s *Server) mapSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req mapSaveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.WriteJSONError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	folder, err := s.node.SaveMap(req.Folder)
	if errors.Is(err, server.ErrDraining) {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "folder": folder})
}

func (s *Server) mapVisualize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.node.VisualizeMap(); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.node.Status())
}
