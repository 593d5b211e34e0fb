package ws

// Handler receives connection events, in order: Opened once, then any
// number of Message and Pong, then Error at most once, then Closed exactly
// once. Nothing is called after Closed. Opened is called by Connect or
// Accept before they return, all other events from the connection's read
// goroutine.
//
// Connect and Accept failures skip Opened and report Error and Closed.
type Handler interface {
	Opened()
	Message(payload []byte, text bool)
	Pong(payload []byte)
	Error(err error)
	Closed(code StatusCode, reason string)
}

// HandlerFuncs implements Handler with optional callbacks, nil callbacks
// are skipped.
type HandlerFuncs struct {
	OnOpened  func()
	OnMessage func(payload []byte, text bool)
	OnPong    func(payload []byte)
	OnError   func(err error)
	OnClosed  func(code StatusCode, reason string)
}

func (h HandlerFuncs) Opened() {
	if h.OnOpened != nil {
		h.OnOpened()
	}
}

func (h HandlerFuncs) Message(payload []byte, text bool) {
	if h.OnMessage != nil {
		h.OnMessage(payload, text)
	}
}

func (h HandlerFuncs) Pong(payload []byte) {
	if h.OnPong != nil {
		h.OnPong(payload)
	}
}

func (h HandlerFuncs) Error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (h HandlerFuncs) Closed(code StatusCode, reason string) {
	if h.OnClosed != nil {
		h.OnClosed(code, reason)
	}
}
