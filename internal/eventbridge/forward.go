package eventbridge

import (
	"context"
	"sync"

	"github.com/kingrea/pype/internal/host"
)

// Emitter is the part of a host adapter the bridge drives.
type Emitter interface {
	Name() string
	Emit(host.Event)
}

// Attach subscribes adapter to router under its host name and emits every
// routed event until ctx ends or stop is called. Backlogged events are
// delivered first.
func Attach(ctx context.Context, router *Router, adapter Emitter, logger Logger) (stop func()) {
	sub := router.Subscribe(adapter.Name())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.Events:
				if !ok {
					return
				}
				hostEvt, ok := evt.HostEvent()
				if !ok {
					if logger != nil {
						logger.Printf("eventbridge: ignoring %s event for %s", evt.Type, adapter.Name())
					}
					continue
				}
				adapter.Emit(hostEvt)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			sub.Close()
			<-done
		})
	}
}
