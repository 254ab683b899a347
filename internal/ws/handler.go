package ws

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"load_projection/internal/pipeline"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler manages WebSocket connections and routes run requests.
type Handler struct {
	hub     *Hub
	control *RunControl
	regions []string
	log     logrus.FieldLogger
}

func NewHandler(hub *Hub, control *RunControl, regions []string, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{hub: hub, control: control, regions: regions, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("WebSocket upgrade error")
		return
	}

	client := &Client{
		hub:  h.hub,
		conn: conn,
		send: make(chan []byte, 256),
	}

	h.hub.Register(client)
	go client.writePump()

	h.send(client, TypeStatus, h.status())

	h.readPump(client)
}

func (h *Handler) readPump(c *Client) {
	defer func() {
		h.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).Warn("WebSocket read error")
			}
			return
		}

		h.handleMessage(c, msg)
	}
}

func (h *Handler) handleMessage(c *Client, msg []byte) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		h.reject(c, fmt.Errorf("invalid message: %w", err))
		return
	}

	switch env.Type {
	case TypeRunStart:
		var p RunStartPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.reject(c, fmt.Errorf("invalid run:start payload: %w", err))
			return
		}
		units := pipeline.Units(p.Years, p.Scenarios)
		if err := h.control.Start(units); err != nil {
			h.reject(c, err)
			return
		}
		h.log.WithFields(logrus.Fields{"years": p.Years, "scenarios": p.Scenarios}).Info("Run requested")

	case TypeRunCancel:
		if !h.control.Cancel() {
			h.reject(c, fmt.Errorf("no run in progress"))
			return
		}
		h.log.Info("Run cancel requested")

	default:
		h.reject(c, fmt.Errorf("unknown message type: %s", env.Type))
	}
}

func (h *Handler) status() StatusPayload {
	return StatusPayload{Regions: h.regions, Running: h.control.Running()}
}

func (h *Handler) reject(c *Client, err error) {
	h.log.WithError(err).Warn("Rejected client message")
	h.send(c, TypeError, ErrorPayload{Message: err.Error()})
}

func (h *Handler) send(c *Client, msgType string, payload any) {
	msg, err := NewEnvelope(msgType, payload)
	if err != nil {
		h.log.WithError(err).Errorf("Error creating %s message", msgType)
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}
