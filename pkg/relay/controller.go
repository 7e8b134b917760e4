package relay

import (
	"github.com/sirupsen/logrus"

	"github.com/hwrelayd/hwrelayd/pkg/model"
)

// Controller is the local controller router: the hardware-facing side of
// the process embedding the relay. The relay hands it messages it is
// authoritative for and keeps it informed of display-mode changes.
type Controller interface {
	// HandleServerData receives a message the relay dispatched locally.
	HandleServerData(msg model.Message)
	// NotifyDisplayMode is called whenever the derived display mode changes.
	NotifyDisplayMode(mode DisplayMode)
	// SendState announces a controller state, such as show_module.
	SendState(kind string, config model.Message)
	// StartScan starts a hardware scan with the given module configuration.
	StartScan(config model.Message)
	// RoomIDs lists the rooms of the locally running controller sessions.
	RoomIDs() []string
}

// ControllerFuncs adapts plain functions to Controller. Nil fields no-op,
// which keeps embedders and tests from stubbing methods they don't care
// about.
type ControllerFuncs struct {
	HandleServerDataFunc  func(msg model.Message)
	NotifyDisplayModeFunc func(mode DisplayMode)
	SendStateFunc         func(kind string, config model.Message)
	StartScanFunc         func(config model.Message)
	RoomIDsFunc           func() []string
}

func (c *ControllerFuncs) HandleServerData(msg model.Message) {
	if c.HandleServerDataFunc != nil {
		c.HandleServerDataFunc(msg)
	}
}

func (c *ControllerFuncs) NotifyDisplayMode(mode DisplayMode) {
	if c.NotifyDisplayModeFunc != nil {
		c.NotifyDisplayModeFunc(mode)
	}
}

func (c *ControllerFuncs) SendState(kind string, config model.Message) {
	if c.SendStateFunc != nil {
		c.SendStateFunc(kind, config)
	}
}

func (c *ControllerFuncs) StartScan(config model.Message) {
	if c.StartScanFunc != nil {
		c.StartScanFunc(config)
	}
}

func (c *ControllerFuncs) RoomIDs() []string {
	if c.RoomIDsFunc != nil {
		return c.RoomIDsFunc()
	}
	return nil
}

// StatusSink surfaces informational notifications to an operator UI.
// It is not required for correctness.
type StatusSink interface {
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

// NewLogSink returns a StatusSink that writes notifications to log.
func NewLogSink(log *logrus.Logger) StatusSink {
	return logSink{log}
}

type logSink struct {
	log *logrus.Logger
}

func (s logSink) Info(msg string)  { s.log.Info(msg) }
func (s logSink) Warn(msg string)  { s.log.Warn(msg) }
func (s logSink) Error(msg string) { s.log.Error(msg) }
