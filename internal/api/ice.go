package api

import (
	"github.com/gofiber/fiber/v3"

	"github.com/fenwick-dev/rendezvous-server/internal/iceservers"
)

// ICEHandler serves the ICE server list used by WebRTC clients to configure their RTCPeerConnection.
type ICEHandler struct {
	servers []iceservers.Server
}

// NewICEHandler precomputes the ICE server list from configuration; it never changes at runtime.
func NewICEHandler(cfg iceservers.Config) *ICEHandler {
	servers := iceservers.Build(cfg)
	if servers == nil {
		servers = []iceservers.Server{}
	}
	return &ICEHandler{servers: servers}
}

// List handles GET /ice-servers, in the literal shape the wire contract pins.
func (h *ICEHandler) List(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"iceServers": h.servers})
}
