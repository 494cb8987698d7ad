//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package aiop

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Group spreads handles over several event loops. A handle always maps to the same loop.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	Name   string
	loops  []*EventLoop
	wg     sync.WaitGroup
}

func NewGroup(ctx context.Context, config *Config) (*Group, error) {
	if config.Loops <= 0 {
		return nil, fmt.Errorf("loops must be positive: %d", config.Loops)
	}
	loops := make([]*EventLoop, 0, config.Loops)
	for i := 0; i < config.Loops; i++ {
		loopConfig := config.Loop
		loopConfig.Name = fmt.Sprintf("%s-%d", config.Loop.Name, i)
		loop, err := NewEventLoop(loopConfig, config.Reactor)
		if err != nil {
			for _, opened := range loops {
				opened.close()
			}
			return nil, err
		}
		loops = append(loops, loop)
	}
	groupCtx, cancelFunc := context.WithCancel(ctx)
	return &Group{
		ctx:    groupCtx,
		cancel: cancelFunc,
		Name:   config.Loop.Name,
		loops:  loops,
	}, nil
}

func (g *Group) Len() int {
	return len(g.loops)
}

// Loop returns the loop that owns h.
func (g *Group) Loop(h Handle) *EventLoop {
	return g.loops[JumpHash(uint64(h), len(g.loops))]
}

func (g *Group) Watch(h Handle, code Code, data interface{}) {
	g.Loop(h).Watch(h, code, data)
}

func (g *Group) Unwatch(h Handle) {
	g.Loop(h).Unwatch(h)
}

// Start runs every loop in its own goroutine. The loops stop when ctx is done or
// Stop is called.
func (g *Group) Start(handler Handler) {
	for _, loop := range g.loops {
		g.wg.Add(1)
		go func(loop *EventLoop) {
			defer g.wg.Done()
			if err := loop.Start(handler); err != nil {
				log.Error().Msgf("event loop %s failed: %+v", loop.Name, err)
			}
		}(loop)
	}
	go g.watchContext()
}

func (g *Group) watchContext() {
	<-g.ctx.Done()
	log.Info().Msgf("stopping group:%s", g.Name)
	for _, loop := range g.loops {
		loop.Stop()
	}
}

// Stop stops every loop and waits for them to return.
func (g *Group) Stop() {
	g.cancel()
	for _, loop := range g.loops {
		loop.Stop()
	}
	g.wg.Wait()
}
