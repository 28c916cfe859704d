package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Tutortoise/timberline/logging"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Control commands.
const (
	CmdGetStatus = "get_status"
	CmdPause     = "pause"
	CmdResume    = "resume"
)

// Command is a control plane request.
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response is the reply to a Command.
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ControlCallbacks are invoked for control commands. A nil callback makes
// its command fail with "not implemented".
type ControlCallbacks struct {
	OnGetStatus func() map[string]any
	OnPause     func() error
	OnResume    func() error
}

// ControlHandler listens on <prefix>/control and answers on
// <prefix>/control/response.
type ControlHandler struct {
	client    Client
	prefix    string
	qos       byte
	callbacks ControlCallbacks
	logger    *logging.Logger
	commands  chan Command
	now       func() time.Time
}

func NewControlHandler(client Client, prefix string, qos byte, callbacks ControlCallbacks, logger *logging.Logger) *ControlHandler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &ControlHandler{
		client:    client,
		prefix:    prefix,
		qos:       qos,
		callbacks: callbacks,
		logger:    logger.WithComponent("control"),
		commands:  make(chan Command, 10),
		now:       time.Now,
	}
}

func (h *ControlHandler) controlTopic() string  { return h.prefix + "/control" }
func (h *ControlHandler) responseTopic() string { return h.prefix + "/control/response" }

// Start subscribes to the control topic and processes commands until ctx
// is done.
func (h *ControlHandler) Start(ctx context.Context) error {
	topic := h.controlTopic()
	h.logger.Info("subscribing to control plane", "topic", topic, "qos", h.qos)

	if err := wait(h.client.Subscribe(topic, h.qos, h.messageHandler), "subscribe "+topic); err != nil {
		return fmt.Errorf("control plane: %w", err)
	}
	go h.processCommands(ctx)
	return nil
}

// Stop unsubscribes from the control topic.
func (h *ControlHandler) Stop() error {
	if !h.client.IsConnected() {
		return nil
	}
	return wait(h.client.Unsubscribe(h.controlTopic()), "unsubscribe")
}

func (h *ControlHandler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		h.logger.Warn("failed to parse control command", "error", err)
		h.sendResponse(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}

	h.logger.Info("control command received", "command", cmd.Command)
	select {
	case h.commands <- cmd:
	default:
		h.logger.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *ControlHandler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.sendResponse(h.handleCommand(cmd))
		}
	}
}

func (h *ControlHandler) handleCommand(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case CmdGetStatus:
		if h.callbacks.OnGetStatus == nil {
			return notImplemented(resp)
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case CmdPause:
		if h.callbacks.OnPause == nil {
			return notImplemented(resp)
		}
		if err := h.callbacks.OnPause(); err != nil {
			resp.Status, resp.Error = "error", err.Error()
			return resp
		}
		resp.Status = "paused"
		resp.Data = map[string]any{"paused": true}

	case CmdResume:
		if h.callbacks.OnResume == nil {
			return notImplemented(resp)
		}
		if err := h.callbacks.OnResume(); err != nil {
			resp.Status, resp.Error = "error", err.Error()
			return resp
		}
		resp.Status = "success"
		resp.Data = map[string]any{"paused": false}

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command %q", cmd.Command)
	}
	return resp
}

func notImplemented(resp Response) Response {
	resp.Status = "error"
	resp.Error = resp.CommandAck + " not implemented"
	return resp
}

func (h *ControlHandler) sendResponse(resp Response) {
	resp.Timestamp = h.now()

	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("failed to marshal response", "error", err)
		return
	}
	if err := wait(h.client.Publish(h.responseTopic(), h.qos, false, payload), "publish response"); err != nil {
		h.logger.Warn("failed to publish response", "error", err)
		return
	}
	h.logger.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
