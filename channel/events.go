package channel

// Events is the channel's observable surface: a small fixed set of typed
// callbacks rather than a string-keyed event bus. Nil members are skipped.
// Callbacks are invoked outside the channel's and connections' locks and may
// call back into the channel.
type Events struct {
	// Listening fires when the server socket is bound and accepting.
	Listening func()
	// Identified fires once per connection, when the peer's canonical
	// hostPort is learned from its init frame.
	Identified func(c *Connection, hostPort string)
	// SocketClose fires once per connection, after its reset has drained the
	// operation tables. err is the triggering error.
	SocketClose func(c *Connection, err error)
	// Endpoint fires when an inbound call resolves to a registered handler;
	// EndpointMissing when it does not.
	Endpoint        func(name string)
	EndpointMissing func(name string)
}

func (e *Events) emitListening() {
	if e.Listening != nil {
		e.Listening()
	}
}

func (e *Events) emitIdentified(c *Connection, hostPort string) {
	if e.Identified != nil {
		e.Identified(c, hostPort)
	}
}

func (e *Events) emitSocketClose(c *Connection, err error) {
	if e.SocketClose != nil {
		e.SocketClose(c, err)
	}
}

func (e *Events) emitEndpoint(name string) {
	if e.Endpoint != nil {
		e.Endpoint(name)
	}
}

func (e *Events) emitEndpointMissing(name string) {
	if e.EndpointMissing != nil {
		e.EndpointMissing(name)
	}
}
