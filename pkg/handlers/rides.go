package handlers

import (
	"circlesync/pkg/middleware"
	"circlesync/pkg/models"
	"circlesync/pkg/repository"
	"circlesync/pkg/services"
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// RideHandler turns ride actions of the authenticated user into seat
// allocation calls. Failure reasons reach the client verbatim.
type RideHandler struct {
	svc     services.RideService
	timeout time.Duration
	log     *logrus.Entry
}

func NewRides(svc services.RideService, timeout time.Duration, log *logrus.Entry) *RideHandler {
	return &RideHandler{svc: svc, timeout: timeout, log: log}
}

// Register mounts the ride routes. r must already run the auth middleware;
// seatLimits guard join and leave.
func (h *RideHandler) Register(r fiber.Router, seatLimits ...fiber.Handler) {
	r.Get("/events/:eventId/rides", h.ListForEvent)
	r.Post("/events/:eventId/rides", h.Create)
	r.Get("/me/rides", h.MyRides)
	r.Get("/rides/:id", h.Get)
	r.Get("/rides/:id/passengers", h.Passengers)
	r.Post("/rides/:id/join", append(append([]fiber.Handler{}, seatLimits...), h.Join)...)
	r.Post("/rides/:id/leave", append(append([]fiber.Handler{}, seatLimits...), h.Leave)...)
}

func (h *RideHandler) reqContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), h.timeout)
}

func (h *RideHandler) ListForEvent(c *fiber.Ctx) error {
	ctx, cancel := h.reqContext(c)
	defer cancel()

	rides, err := h.svc.ListRides(ctx, c.Params("eventId"))
	if err != nil {
		return h.fail(c, err)
	}
	views, err := h.views(ctx, middleware.UserID(c), rides)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(views)
}

func (h *RideHandler) Create(c *fiber.Ctx) error {
	var req models.RideCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid body"})
	}

	ctx, cancel := h.reqContext(c)
	defer cancel()

	ride, err := h.svc.CreateRide(ctx, c.Params("eventId"), middleware.UserID(c), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(201).JSON(models.RideView{Ride: ride, State: models.RideStateMine})
}

func (h *RideHandler) Get(c *fiber.Ctx) error {
	ctx, cancel := h.reqContext(c)
	defer cancel()

	ride, err := h.svc.GetRide(ctx, c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	views, err := h.views(ctx, middleware.UserID(c), []models.Ride{ride})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(views[0])
}

func (h *RideHandler) Passengers(c *fiber.Ctx) error {
	ctx, cancel := h.reqContext(c)
	defer cancel()

	list, err := h.svc.ListPassengers(ctx, c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(list)
}

func (h *RideHandler) MyRides(c *fiber.Ctx) error {
	ctx, cancel := h.reqContext(c)
	defer cancel()

	list, err := h.svc.MyRides(ctx, middleware.UserID(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(list)
}

func (h *RideHandler) Join(c *fiber.Ctx) error {
	var req models.JoinRideRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "Invalid body"})
		}
	}

	ctx, cancel := h.reqContext(c)
	defer cancel()

	res, err := h.svc.JoinRide(ctx, c.Params("id"), middleware.UserID(c), req.PickupLocation)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"status":    "joined",
		"state":     models.RideStateJoined,
		"ride":      res.Ride,
		"passenger": res.Passenger,
	})
}

func (h *RideHandler) Leave(c *fiber.Ctx) error {
	ctx, cancel := h.reqContext(c)
	defer cancel()

	ride, err := h.svc.LeaveRide(ctx, c.Params("id"), middleware.UserID(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"status": "left",
		"state":  rideState(ride, "", false),
		"ride":   ride,
	})
}

func (h *RideHandler) views(ctx context.Context, userID string, rides []models.Ride) ([]models.RideView, error) {
	memberships, err := h.svc.MyRides(ctx, userID)
	if err != nil {
		return nil, err
	}
	joined := make(map[string]bool, len(memberships))
	for _, m := range memberships {
		joined[m.RideID] = true
	}

	views := make([]models.RideView, 0, len(rides))
	for _, r := range rides {
		views = append(views, models.RideView{Ride: r, State: rideState(r, userID, joined[r.ID])})
	}
	return views, nil
}

func rideState(r models.Ride, userID string, joined bool) string {
	switch {
	case userID != "" && r.DriverID == userID:
		return models.RideStateMine
	case joined:
		return models.RideStateJoined
	case r.IsFull():
		return models.RideStateFull
	default:
		return models.RideStateOpen
	}
}

func (h *RideHandler) fail(c *fiber.Ctx, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// The change may still have committed.
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{
			"error":   "Request timed out, refresh to see the current ride",
			"outcome": "unknown",
		})
	}

	var rideErr *services.RideError
	if !errors.As(err, &rideErr) {
		h.log.WithError(err).WithField("path", c.Path()).Error("ride request failed")
		return c.Status(500).JSON(fiber.Map{"error": "Internal error"})
	}

	body := fiber.Map{"error": rideErr.Reason}
	status := 500
	switch {
	case errors.Is(rideErr, repository.ErrValidation):
		status = 400
	case errors.Is(rideErr, repository.ErrNotFound):
		status = 404
	case errors.Is(rideErr, repository.ErrConflict):
		status = 409
		body["state"] = models.RideStateJoined
	case errors.Is(rideErr, repository.ErrCapacityExceeded):
		status = 409
		body["state"] = models.RideStateFull
	}
	return c.Status(status).JSON(body)
}
