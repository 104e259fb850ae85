package engine

import (
	"github.com/pion/webrtc/v4"
)

// dataChannel wraps a pion DataChannel as the text-message Channel the
// session controller consumes.
type dataChannel struct {
	raw *webrtc.DataChannel
}

func newDataChannel(raw *webrtc.DataChannel) Channel {
	return &dataChannel{raw: raw}
}

func (c *dataChannel) Send(msg string) error {
	return c.raw.SendText(msg)
}

func (c *dataChannel) OnMessage(fn func(string)) {
	c.raw.OnMessage(func(m webrtc.DataChannelMessage) {
		fn(string(m.Data))
	})
}

// OnOpen / OnClose / Close proxy the underlying channel directly.
func (c *dataChannel) OnOpen(fn func())  { c.raw.OnOpen(fn) }
func (c *dataChannel) OnClose(fn func()) { c.raw.OnClose(fn) }
func (c *dataChannel) Close() error      { return c.raw.Close() }
