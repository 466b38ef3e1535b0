package reactor

// wakeupChannel breaks a Scheduler's select loop promptly when a task is
// posted from another goroutine. Go's select already multiplexes
// channels without a real self-pipe fd, so this is a plain buffered
// channel rather than the eventfd/pipe trick original_source's Pipe.h
// uses; no package in this module uses an epoll self-pipe.
type wakeupChannel struct {
	ch chan struct{}
}

func newWakeupChannel() wakeupChannel {
	return wakeupChannel{ch: make(chan struct{}, 1)}
}

func (w *wakeupChannel) Notify() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

func (w *wakeupChannel) C() <-chan struct{} {
	return w.ch
}

func (w *wakeupChannel) Close() {}
