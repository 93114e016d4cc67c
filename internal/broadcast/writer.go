package broadcast

import (
	"sync"
)

const sendBufferSize = 16

// Observer is one connected consumer of events. Send may block; it is only
// ever called from the observer's own writer goroutine.
type Observer interface {
	ID() string
	Send(data []byte) error
	Close() error
}

type observerWriter struct {
	observer Observer
	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// newObserverWriter starts the writer goroutine. onFailure is called once, from
// the writer goroutine, when a send fails.
func newObserverWriter(observer Observer, onFailure func(error)) *observerWriter {
	w := &observerWriter{
		observer: observer,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run(onFailure)
	return w
}

func (w *observerWriter) run(onFailure func(error)) {
	defer w.wg.Done()

	for {
		select {
		case msg := <-w.send:
			if err := w.observer.Send(msg); err != nil {
				onFailure(err)
				return
			}
		case <-w.done:
			return
		}
	}
}

// offer queues msg without blocking and reports whether there was room.
func (w *observerWriter) offer(msg []byte) bool {
	select {
	case w.send <- msg:
		return true
	default:
		return false
	}
}

// stop ends the writer goroutine and closes the observer. A send already in
// progress is interrupted by Close.
func (w *observerWriter) stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.observer.Close()
	})
	w.wg.Wait()
}
