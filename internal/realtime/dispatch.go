package realtime

// dispatch routes one inbound frame to the handlers registered for its
// destination. A frame that fails to decode is logged with its raw body
// and dropped; later frames on the same destination are unaffected.
func (r *registry) dispatch(f Frame) {
	switch {
	case f.Destination == TypingQueue:
		var ev TypingEvent
		if err := decodeBody(f.Destination, f.Body, &ev); err != nil {
			r.log.Warn().Err(err).Bytes("body", f.Body).Msg("dropping malformed typing frame")
			return
		}
		// The typing queue carries events for every chat the user is in.
		// Each handler sees every event and filters on ChatID itself.
		r.mu.Lock()
		handlers := make([]TypingHandler, 0, len(r.typingHandlers))
		for _, h := range r.typingHandlers {
			handlers = append(handlers, h)
		}
		r.mu.Unlock()
		for _, h := range handlers {
			h(ev)
		}

	case f.Destination == NotificationQueue:
		var n Notification
		if err := decodeBody(f.Destination, f.Body, &n); err != nil {
			r.log.Warn().Err(err).Bytes("body", f.Body).Msg("dropping malformed notification frame")
			return
		}
		r.mu.Lock()
		h := r.notifyHandler
		r.mu.Unlock()
		if h != nil {
			h(n)
		}

	default:
		chatID, ok := ChatIDFromTopic(f.Destination)
		if !ok {
			r.log.Debug().Str("destination", f.Destination).Msg("frame for unknown destination")
			return
		}
		var msg ChatMessage
		if err := decodeBody(f.Destination, f.Body, &msg); err != nil {
			r.log.Warn().Err(err).Bytes("body", f.Body).Msg("dropping malformed chat frame")
			return
		}
		r.mu.Lock()
		h := r.chatHandlers[chatID]
		r.mu.Unlock()
		if h != nil {
			h(msg)
		}
	}
}
