package rest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/bayanihan-labs/baha/internal/collector"
	"github.com/bayanihan-labs/baha/internal/feeds"
	"github.com/bayanihan-labs/baha/internal/geo"
	"github.com/bayanihan-labs/baha/internal/routing"
	"github.com/bayanihan-labs/baha/internal/scheduler"
)

// StatusSource provides the last tick's outcome. Implemented by the
// scheduler.
type StatusSource interface {
	Status() scheduler.Status
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	logger   *slog.Logger
	router   *routing.Router
	status   StatusSource
	feedback *feeds.ReportBuffer
}

// NewServer creates a Server. feedback receives the synthetic reports built
// from POST /api/v1/feedback submissions.
func NewServer(logger *slog.Logger, router *routing.Router, status StatusSource, feedback *feeds.ReportBuffer) *Server {
	return &Server{logger: logger, router: router, status: status, feedback: feedback}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// handleHealthz responds to GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// pointBody is a lat/lon pair in request and response bodies.
type pointBody struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (p pointBody) point() geo.Point { return geo.Point{Lat: p.Lat, Lon: p.Lon} }

// routeBody is the POST /api/v1/route request.
type routeBody struct {
	Start      pointBody   `json:"start"`
	End        pointBody   `json:"end"`
	Mode       string      `json:"mode"`
	DeadlineMS int         `json:"deadline_ms,omitempty"`
	Evacuation []pointBody `json:"evacuation,omitempty"`
}

// planBody is the successful route response.
type planBody struct {
	Path       []pointBody `json:"path"`
	LengthM    float64     `json:"length_m"`
	ETASeconds float64     `json:"eta_s"`
	MaxRisk    float64     `json:"max_risk"`
	AvgRisk    float64     `json:"avg_risk"`
	Warnings   []string    `json:"warnings"`
	Mode       string      `json:"mode"`
}

func toPlanBody(p routing.Plan) planBody {
	out := planBody{
		LengthM:    p.LengthM,
		ETASeconds: p.ETASeconds,
		MaxRisk:    p.MaxRisk,
		AvgRisk:    p.AvgRisk,
		Mode:       string(p.Mode),
	}
	for _, loc := range p.Path {
		out.Path = append(out.Path, pointBody{Lat: loc.Lat, Lon: loc.Lon})
	}
	for _, wrn := range p.Warnings {
		out.Warnings = append(out.Warnings, string(wrn))
	}
	return out
}

// handleRoute responds to POST /api/v1/route.
//
// Returns 200 with the plan, 422 with a typed failure kind when no route
// can be served, and 400 on malformed input. When the body carries
// evacuation candidates, the end point is ignored and the nearest feasible
// candidate wins.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var body routeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	mode, err := routing.ParseMode(body.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := body.Start.point().Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "start: "+err.Error())
		return
	}

	var plan routing.Plan
	if len(body.Evacuation) > 0 {
		candidates := make([]geo.Point, len(body.Evacuation))
		for i, c := range body.Evacuation {
			candidates[i] = c.point()
		}
		plan, err = s.router.Evacuate(r.Context(), body.Start.point(), mode, candidates)
	} else {
		if vErr := body.End.point().Validate(); vErr != nil {
			writeError(w, http.StatusBadRequest, "end: "+vErr.Error())
			return
		}
		plan, err = s.router.Route(r.Context(), routing.Request{
			Start:    body.Start.point(),
			End:      body.End.point(),
			Mode:     mode,
			Deadline: time.Duration(body.DeadlineMS) * time.Millisecond,
		})
	}

	if err != nil {
		if f, ok := routing.AsFailure(err); ok {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error":  string(f.Kind),
				"detail": f.Detail,
			})
			return
		}
		s.logger.Error("route query failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, toPlanBody(plan))
}

// feedbackBody is the POST /api/v1/feedback request.
type feedbackBody struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Kind     string  `json:"kind"`
	Severity float64 `json:"severity"`
}

// handleFeedback responds to POST /api/v1/feedback: the submission becomes
// a synthetic scout report picked up by the next collection tick. 202 on
// accept.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var body feedbackBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	report, err := collector.SynthesizeReport(
		collector.FeedbackKind(body.Kind), body.Lat, body.Lon, body.Severity, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.feedback.Push(report)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// statusBody is the GET /api/v1/status response.
type statusBody struct {
	LastTickAt     time.Time `json:"last_tick_at"`
	TickCount      uint64    `json:"tick_count"`
	EdgesUpdated   int       `json:"edges_updated"`
	FusionMS       float64   `json:"fusion_ms"`
	Degraded       []string  `json:"degraded_sources"`
	Simulated      bool      `json:"simulated"`
	ScoutReports   int       `json:"scout_reports"`
	Stations       int       `json:"stations_cached"`
	WeatherAreas   int       `json:"weather_areas_cached"`
	Reservoirs     int       `json:"reservoirs_cached"`
	ScoutsCached   int       `json:"scouts_cached"`
	PendingReports int       `json:"pending_reports"`
}

// handleStatus responds to GET /api/v1/status with the last tick's outcome.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.status.Status()
	degraded := st.Degraded
	if degraded == nil {
		degraded = []string{}
	}
	writeJSON(w, http.StatusOK, statusBody{
		LastTickAt:     st.LastTickAt,
		TickCount:      st.TickCount,
		EdgesUpdated:   st.EdgesUpdated,
		FusionMS:       float64(st.FusionDuration) / float64(time.Millisecond),
		Degraded:       degraded,
		Simulated:      st.Simulated,
		ScoutReports:   st.ScoutReports,
		Stations:       len(st.Conditions.Stations),
		WeatherAreas:   len(st.Conditions.Weather),
		Reservoirs:     len(st.Conditions.Reservoirs),
		ScoutsCached:   st.Conditions.ScoutCount,
		PendingReports: s.feedback.Len(),
	})
}
