package dialogue

// Callbacks receive everything a [Proxy] reads from the service. Every field
// is optional. All callbacks run on the reader goroutine and must not call
// [Proxy.Close] synchronously from OnData, OnSession, OnAction or OnUserText.
type Callbacks struct {
	// OnData receives one audio reply.
	OnData func(text string, audio []byte, sampleRate int, isFinal bool)

	// OnSession is called when the service reports a session id that differs
	// from the previous one seen on this call.
	OnSession func(id string)

	// OnAction is called for every classified action.
	OnAction func(name string)

	// OnUserText receives speech recognition of the user's input.
	OnUserText func(text string, isFinal bool)

	// OnFinish is called once when the service ends the stream cleanly.
	OnFinish func()

	// OnFailure is called once when the call fails. OnFinish is never called
	// after OnFailure.
	OnFailure func(err error)
}
