package api

import (
	"context"
	"html"
	"math"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/microcosm-cc/bluemonday"

	"github.com/david/fixture-finder/internal/ingest"
	"github.com/david/fixture-finder/internal/models"
	"github.com/david/fixture-finder/internal/platform/logging"
	"github.com/david/fixture-finder/internal/store"
)

// RunLister exposes the run history when the backend keeps one.
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]models.RunRecord, error)
}

// Trigger starts one ingestion run.
type Trigger func(ctx context.Context) (ingest.RunReport, error)

type Options struct {
	Runs    RunLister
	Trigger Trigger
	// AdminSecret guards the ingest routes; they are not registered without one.
	AdminSecret  string
	AllowOrigins []string
	Location     *time.Location
	Logger       *logging.Logger
	Now          func() time.Time
}

type Server struct {
	Store store.Backend
	Echo  *echo.Echo

	opts      Options
	sanitizer *bluemonday.Policy

	jobMu      sync.Mutex
	runningJob *backgroundJob
}

type backgroundJob struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"` // running, completed, failed
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at,omitempty"`
	Result    *ingest.RunReport `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func NewServer(backend store.Backend, opts Options) *Server {
	if opts.Location == nil {
		opts.Location = ingest.Paris()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(opts.Logger))
	if len(opts.AllowOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: opts.AllowOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "X-Admin-Secret"},
		}))
	}

	s := &Server{
		Store:     backend,
		Echo:      e,
		opts:      opts,
		sanitizer: bluemonday.StrictPolicy(),
	}
	s.routes()
	return s
}

func requestLogger(logger *logging.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	})
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)
	api := s.Echo.Group("/api/v1")
	api.GET("/matches", s.handleListMatches)
	api.GET("/matches/:month", s.handleMonth)
	api.GET("/weekends", s.handleWeekends)
	if s.opts.Runs != nil {
		api.GET("/runs", s.handleRuns)
	}

	if s.opts.Trigger != nil && s.opts.AdminSecret != "" {
		admin := api.Group("")
		admin.Use(s.adminMiddleware)
		admin.POST("/ingest", s.handleTriggerIngest)
		admin.GET("/ingest/jobs/:id", s.handleJobStatus)
	}
}

func (s *Server) Start(addr string) error {
	return s.Echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.Echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// MatchView is a fixture as served, with display fields.
type MatchView struct {
	models.Fixture
	KickoffLabel string   `json:"kickoff_label"`
	DistanceM    *float64 `json:"distance_m,omitempty"`
}

type matchesResponse struct {
	UpdatedAt time.Time   `json:"updated_at"`
	Count     int         `json:"count"`
	Items     []MatchView `json:"items"`
}

func (s *Server) handleListMatches(c echo.Context) error {
	doc, err := s.Store.Load(c.Request().Context())
	if err != nil {
		s.opts.Logger.Error("failed to load document", "error", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "document unavailable"})
	}

	origin, withDistance, err := parseOrigin(c.QueryParam("lat"), c.QueryParam("lon"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	sortBy := c.QueryParam("sort")
	if sortBy != "" && sortBy != "kickoff" && sortBy != "distance" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "sort must be kickoff or distance"})
	}
	if sortBy == "distance" {
		withDistance = true
	}

	items := filterLevels(doc.Items, splitCSV(c.QueryParam("level")))
	views := s.views(items, origin, withDistance)
	if sortBy == "distance" {
		sort.SliceStable(views, func(i, j int) bool { return *views[i].DistanceM < *views[j].DistanceM })
	}
	if limit, err := strconv.Atoi(c.QueryParam("limit")); err == nil && limit > 0 && limit < len(views) {
		views = views[:limit]
	}

	return c.JSON(http.StatusOK, matchesResponse{UpdatedAt: doc.UpdatedAt, Count: len(views), Items: views})
}

var monthRe = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

func (s *Server) handleMonth(c echo.Context) error {
	month := c.Param("month")
	if !monthRe.MatchString(month) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "month must be YYYY-MM"})
	}
	doc, err := s.Store.Load(c.Request().Context())
	if err != nil {
		s.opts.Logger.Error("failed to load document", "error", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "document unavailable"})
	}

	m := store.SplitByMonth(doc, s.opts.Location)[month]
	items := filterLevels(m.Items, splitCSV(c.QueryParam("level")))
	return c.JSON(http.StatusOK, matchesResponse{
		UpdatedAt: doc.UpdatedAt,
		Count:     len(items),
		Items:     s.views(items, models.FallbackLocation(), false),
	})
}

type weekendView struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Start   string `json:"start"`
	End     string `json:"end"`
	Matches int    `json:"matches"`
}

// handleWeekends lists the weekends that have upcoming fixtures. Ids are the
// Saturday's date.
func (s *Server) handleWeekends(c echo.Context) error {
	doc, err := s.Store.Load(c.Request().Context())
	if err != nil {
		s.opts.Logger.Error("failed to load document", "error", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "document unavailable"})
	}

	loc := s.opts.Location
	now := s.opts.Now()
	counts := make(map[string]int)
	spans := make(map[string]ingest.TimeWindow)
	for _, f := range doc.Items {
		if f.StartsAt.Before(now) {
			continue
		}
		span := ingest.WeekendSpan(f.StartsAt, loc)
		id := span.Start.Format("2006-01-02")
		counts[id]++
		spans[id] = span
	}

	out := make([]weekendView, 0, len(spans))
	for id, span := range spans {
		out = append(out, weekendView{
			ID:      id,
			Label:   ingest.WeekendLabel(span, loc),
			Start:   span.Start.Format(time.RFC3339),
			End:     span.End.Format(time.RFC3339),
			Matches: counts[id],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return c.JSON(http.StatusOK, map[string]any{"updated_at": doc.UpdatedAt, "weekends": out})
}

func (s *Server) handleRuns(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	runs, err := s.opts.Runs.ListRuns(c.Request().Context(), limit)
	if err != nil {
		s.opts.Logger.Error("failed to list runs", "error", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "run history unavailable"})
	}
	if runs == nil {
		runs = []models.RunRecord{}
	}
	return c.JSON(http.StatusOK, runs)
}

// handleTriggerIngest starts a run in the background. Only one run at a time.
func (s *Server) handleTriggerIngest(c echo.Context) error {
	s.jobMu.Lock()
	if s.runningJob != nil && s.runningJob.Status == "running" {
		job := *s.runningJob
		s.jobMu.Unlock()
		return c.JSON(http.StatusConflict, map[string]string{"error": "ingestion already running", "job_id": job.ID})
	}
	job := &backgroundJob{ID: uuid.NewString(), Status: "running", StartedAt: s.opts.Now()}
	s.runningJob = job
	s.jobMu.Unlock()

	go func() {
		report, err := s.opts.Trigger(context.Background())
		s.jobMu.Lock()
		defer s.jobMu.Unlock()
		job.EndedAt = s.opts.Now()
		job.Result = &report
		if err != nil {
			job.Status = "failed"
			job.Error = err.Error()
			return
		}
		job.Status = "completed"
	}()

	return c.JSON(http.StatusAccepted, map[string]string{"job_id": job.ID, "status": "running"})
}

func (s *Server) handleJobStatus(c echo.Context) error {
	queried := c.Param("id")
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	job := s.runningJob
	if job == nil || job.ID != queried {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}

	resp := map[string]any{
		"id":         job.ID,
		"status":     job.Status,
		"started_at": job.StartedAt,
	}
	if !job.EndedAt.IsZero() {
		resp["ended_at"] = job.EndedAt
		resp["duration"] = job.EndedAt.Sub(job.StartedAt).String()
	}
	if job.Result != nil {
		resp["result"] = map[string]any{
			"run_id":        job.Result.RunID,
			"status":        job.Result.Status,
			"published":     job.Result.Published,
			"kept_previous": job.Result.KeptPrevious,
			"counters":      job.Result.Totals.Map(),
		}
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) adminMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		secret := s.opts.AdminSecret
		authHeader := c.Request().Header.Get("Authorization")
		adminHeader := c.Request().Header.Get("X-Admin-Secret")

		if adminHeader == secret {
			return next(c)
		}
		if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") && authHeader[7:] == secret {
			return next(c)
		}
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized admin access"})
	}
}

func (s *Server) views(items []models.Fixture, origin models.Location, withDistance bool) []MatchView {
	views := make([]MatchView, 0, len(items))
	kickoff := ingest.NewDateNormalizer(s.opts.Location)
	for _, f := range items {
		f.HomeTeam = s.clean(f.HomeTeam)
		f.AwayTeam = s.clean(f.AwayTeam)
		f.Venue.Name = s.clean(f.Venue.Name)
		f.Venue.City = s.clean(f.Venue.City)
		v := MatchView{Fixture: f, KickoffLabel: kickoff.FormatKickoff(f.StartsAt)}
		if withDistance {
			d := math.Round(HaversineMeters(origin.Lat, origin.Lon, f.Venue.Lat, f.Venue.Lon))
			v.DistanceM = &d
		}
		views = append(views, v)
	}
	return views
}

// clean strips markup; the JSON encoder does its own escaping.
func (s *Server) clean(text string) string {
	return html.UnescapeString(s.sanitizer.Sanitize(text))
}

func filterLevels(items []models.Fixture, levels []string) []models.Fixture {
	if len(levels) == 0 {
		return items
	}
	want := make(map[string]struct{}, len(levels))
	for _, l := range levels {
		want[strings.ToLower(l)] = struct{}{}
	}
	out := make([]models.Fixture, 0, len(items))
	for _, f := range items {
		if _, ok := want[strings.ToLower(f.Level)]; ok {
			out = append(out, f)
		}
	}
	return out
}

type badRequest string

func (e badRequest) Error() string { return string(e) }

// parseOrigin reads the optional position. Without one, distances are measured
// from the fallback coordinate.
func parseOrigin(latStr, lonStr string) (models.Location, bool, error) {
	if latStr == "" && lonStr == "" {
		return models.FallbackLocation(), false, nil
	}
	lat, err1 := strconv.ParseFloat(latStr, 64)
	lon, err2 := strconv.ParseFloat(lonStr, 64)
	if err1 != nil || err2 != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return models.Location{}, false, badRequest("lat and lon must be valid coordinates")
	}
	return models.Location{Lat: lat, Lon: lon}, true, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

const earthRadiusM = 6371000.0

// HaversineMeters is the great-circle distance between two points.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(a)))
}
