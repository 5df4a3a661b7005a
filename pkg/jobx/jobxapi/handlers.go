// Package jobxapi exposes the job engine over HTTP+JSON with Fiber.
// Errors propagate to the app-level errx handler, which renders the
// code/type/status taxonomy.
package jobxapi

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/quantified-uncertainty/longterm-wiki/pkg/jobx"
)

// Handler holds the HTTP handlers for the job engine.
type Handler struct {
	svc *jobx.Service
}

// NewHandler creates a Handler on svc.
func NewHandler(svc *jobx.Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the engine under /api/v1/jobs. Static segments are
// registered before the :id routes so "claim" is never parsed as an id.
func (h *Handler) RegisterRoutes(app fiber.Router) {
	jobs := app.Group("/api/v1/jobs")

	jobs.Post("/", h.createJob)
	jobs.Post("/batch", h.createBatch)
	jobs.Get("/", h.listJobs)
	jobs.Get("/stats", h.stats)
	jobs.Post("/claim", h.claim)
	jobs.Post("/sweep", h.sweep)

	jobs.Get("/:id", h.getJob)
	jobs.Post("/:id/start", h.start)
	jobs.Post("/:id/complete", h.complete)
	jobs.Post("/:id/fail", h.fail)
	jobs.Post("/:id/cancel", h.cancel)
}

type createJobRequest struct {
	Type       string          `json:"type"`
	Params     json.RawMessage `json:"params,omitempty"`
	Priority   int             `json:"priority"`
	MaxRetries *int            `json:"max_retries,omitempty"`
}

func (r createJobRequest) input() jobx.NewJobInput {
	return jobx.NewJobInput{
		Type:       r.Type,
		Params:     r.Params,
		Priority:   r.Priority,
		MaxRetries: r.MaxRetries,
	}
}

func (h *Handler) createJob(c *fiber.Ctx) error {
	var req createJobRequest
	if err := c.BodyParser(&req); err != nil {
		return jobx.ValidationError("malformed request body")
	}

	job, err := h.svc.Create(c.Context(), req.input())
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(job)
}

type createBatchRequest struct {
	Jobs []createJobRequest `json:"jobs"`
}

func (h *Handler) createBatch(c *fiber.Ctx) error {
	var req createBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return jobx.ValidationError("malformed request body")
	}

	inputs := make([]jobx.NewJobInput, 0, len(req.Jobs))
	for _, j := range req.Jobs {
		inputs = append(inputs, j.input())
	}

	jobs, err := h.svc.CreateBatch(c.Context(), inputs)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"jobs": jobs})
}

func (h *Handler) listJobs(c *fiber.Ctx) error {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		return err
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		return err
	}

	filter := jobx.ListFilter{
		Status: jobx.JobStatus(c.Query("status")),
		Type:   c.Query("type"),
		Limit:  limit,
		Offset: offset,
	}

	page, err := h.svc.List(c.Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(page)
}

func (h *Handler) getJob(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	job, err := h.svc.Get(c.Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(job)
}

type claimRequest struct {
	Type     string `json:"type,omitempty"`
	WorkerID string `json:"worker_id"`
}

func (h *Handler) claim(c *fiber.Ctx) error {
	var req claimRequest
	if err := c.BodyParser(&req); err != nil {
		return jobx.ValidationError("malformed request body")
	}

	job, err := h.svc.Claim(c.Context(), req.Type, req.WorkerID)
	if err != nil {
		return err
	}
	// job is null when nothing is eligible; claiming from an empty pool is
	// not an error.
	return c.JSON(fiber.Map{"job": job})
}

func (h *Handler) start(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	job, err := h.svc.Start(c.Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(job)
}

type completeRequest struct {
	Result json.RawMessage `json:"result,omitempty"`
}

func (h *Handler) complete(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}

	var req completeRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return jobx.ValidationError("malformed request body")
		}
	}

	job, err := h.svc.Complete(c.Context(), id, req.Result)
	if err != nil {
		return err
	}
	return c.JSON(job)
}

type failRequest struct {
	Error string `json:"error"`
}

func (h *Handler) fail(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}

	var req failRequest
	if err := c.BodyParser(&req); err != nil {
		return jobx.ValidationError("malformed request body")
	}

	job, retried, err := h.svc.Fail(c.Context(), id, req.Error)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"job": job, "retried": retried})
}

func (h *Handler) cancel(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	job, err := h.svc.Cancel(c.Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(job)
}

type sweepRequest struct {
	TimeoutMinutes int `json:"timeout_minutes"`
}

func (h *Handler) sweep(c *fiber.Ctx) error {
	var req sweepRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return jobx.ValidationError("malformed request body")
		}
	}

	result, err := h.svc.Sweep(c.Context(), time.Duration(req.TimeoutMinutes)*time.Minute)
	if err != nil {
		return err
	}
	return c.JSON(result)
}

func (h *Handler) stats(c *fiber.Ctx) error {
	stats, err := h.svc.Stats(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"stats": stats})
}

func pathID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, jobx.ValidationError("job id must be a positive integer")
	}
	return id, nil
}

func queryInt(c *fiber.Ctx, name string, fallback int) (int, error) {
	v := c.Query(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, jobx.ValidationError(name + " must be an integer")
	}
	return n, nil
}
