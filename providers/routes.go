package providers

import (
	"github.com/gofiber/fiber/v3"

	"github.com/shiftline/realtime/src/protocol"
)

// RegisterRoutes registers the realtime info and publish routes via Fiber.
// The actual WebSocket upgrades use fasthttp handlers, registered at the
// app level since Fiber v3 does not expose *fasthttp.RequestCtx.
func (r *Realtime) RegisterRoutes(group fiber.Router) {
	group.Get("/realtime/info", r.handleInfo)
	group.Get("/realtime/conversations", r.handleConversations)
	group.Post("/realtime/changes", r.handlePublishChange)
}

func (r *Realtime) handleInfo(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"websocket":      true,
		"chat_endpoint":  "/ws/chat",
		"feed_endpoint":  "/ws/feed",
		"clients":        r.hub.ClientCount(),
		"conversations":  len(r.hub.Conversations()),
		"feed_tables":    r.hub.FeedSubscribers(),
		"feed_available": r.source != nil && r.source.Available(),
	})
}

func (r *Realtime) handleConversations(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"conversations": r.hub.Conversations(),
	})
}

// handlePublishChange lets the owning application inject a change event
// over HTTP, e.g. from a CRUD handler that has no Redis relay.
func (r *Realtime) handlePublishChange(c fiber.Ctx) error {
	var ev protocol.ChangeEvent
	if err := c.Bind().JSON(&ev); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if err := r.service.PublishChange(ev); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"published": true, "entity": ev.Entity})
}
