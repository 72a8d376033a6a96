package transport

import "sync"

var _ Window = (*ManualWindow)(nil)

// ManualWindow is a Window whose lifetime is controlled by its owner, for
// wallet windows that are not backed by a connection.
type ManualWindow struct {
	once sync.Once
	done chan struct{}
}

func NewManualWindow() *ManualWindow {
	return &ManualWindow{done: make(chan struct{})}
}

func (w *ManualWindow) Closed() <-chan struct{} { return w.done }

func (w *ManualWindow) Close() error {
	w.once.Do(func() { close(w.done) })
	return nil
}
