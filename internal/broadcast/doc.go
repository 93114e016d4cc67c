// Package broadcast fans events out to connected observers.
//
// Hub is an actor: one goroutine owns the observer and channel maps and is
// driven through a command channel. Each observer has its own writer goroutine
// behind a bounded buffer, so a slow or broken observer is disconnected
// without delaying anyone else. Emitter encodes presence, nearby and
// notification events and hands them to an EventPublisher, which is either the
// local Hub or a cross-instance relay feeding every instance's Hub.
package broadcast
