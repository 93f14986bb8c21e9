package server

import (
	"net"

	"github.com/bsdebug/bsdebug/internal/protocol"
)

// Message is any protocol frame the server can put on the wire.
type Message interface {
	Encode() []byte
}

// ClientConnectedEvent fires once per accepted connection. A plugin may
// swap Conn to interpose on the byte stream.
type ClientConnectedEvent struct {
	ConnectionID string
	Conn         net.Conn
}

// ProvideRequestEvent lets a plugin replace the request the server
// parsed, or rewrite the residual buffer.
type ProvideRequestEvent struct {
	ConnectionID string
	Request      *protocol.Request
	Remaining    []byte
}

// ProvideResponseEvent asks plugins to produce the response for a
// request. When Response is still nil after the chain, the server
// supplies a default.
type ProvideResponseEvent struct {
	ConnectionID string
	Request      *protocol.Request
	Response     Message
}

// SendResponseEvent fires around the write of each response.
type SendResponseEvent struct {
	ConnectionID string
	Request      *protocol.Request
	Response     Message
}

// Plugin hooks into the emulated server's request/response production.
// Handlers run sequentially in registration order; each receives the
// event value returned by the previous handler. Embed BasePlugin to
// implement a subset.
type Plugin interface {
	OnClientConnected(ev ClientConnectedEvent) ClientConnectedEvent
	ProvideRequest(ev ProvideRequestEvent) ProvideRequestEvent
	ProvideResponse(ev ProvideResponseEvent) ProvideResponseEvent
	BeforeSendResponse(ev SendResponseEvent) SendResponseEvent
	AfterSendResponse(ev SendResponseEvent) SendResponseEvent
}

// BasePlugin is a no-op Plugin for embedding.
type BasePlugin struct{}

func (BasePlugin) OnClientConnected(ev ClientConnectedEvent) ClientConnectedEvent { return ev }
func (BasePlugin) ProvideRequest(ev ProvideRequestEvent) ProvideRequestEvent      { return ev }
func (BasePlugin) ProvideResponse(ev ProvideResponseEvent) ProvideResponseEvent   { return ev }
func (BasePlugin) BeforeSendResponse(ev SendResponseEvent) SendResponseEvent      { return ev }
func (BasePlugin) AfterSendResponse(ev SendResponseEvent) SendResponseEvent       { return ev }
