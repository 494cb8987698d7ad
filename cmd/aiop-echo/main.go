//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package main

import (
	"aiop"
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

type listener struct{}

var (
	config  *aiop.Config
	address *string
)

func init() {
	configFilePath := flag.String("c", "", "path to configuration file.")
	address = flag.String("l", "127.0.0.1:7007", "address to listen on.")
	flag.Parse()
	config = aiop.DefaultConfig()
	if *configFilePath != "" {
		loaded, err := aiop.LoadConfig(*configFilePath)
		if err != nil {
			log.Fatal().Msgf("can't load config: %+v", err)
		}
		config = loaded
	}
	aiop.InitLog(config)
}

func main() {
	log.Info().Msg("starting echo server...")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", *address)
	if err != nil {
		log.Fatal().Msgf("can't listen on %s: %+v", *address, err)
	}
	defer ln.Close()
	lh, err := aiop.HandleOf(ln)
	if err != nil {
		log.Fatal().Msgf("can't get listener fd: %+v", err)
	}

	group, err := aiop.NewGroup(ctx, config)
	if err != nil {
		log.Fatal().Msgf("can't open event loops: %+v", err)
	}
	group.Start(func(ev aiop.Event) error {
		if _, ok := ev.Data.(listener); ok {
			return accept(group, lh)
		}
		return echo(group, ev.Handle)
	})
	group.Watch(lh, aiop.CodeAcpt, listener{})
	log.Info().Msgf("listening on %s", ln.Addr())

	<-ctx.Done()
	group.Stop()
}

func accept(group *aiop.Group, lh aiop.Handle) error {
	for {
		fd, _, err := unix.Accept(lh.Fd())
		if err == unix.EAGAIN || err == unix.EINTR {
			return nil
		}
		if err != nil {
			log.Error().Msgf("accept failed: %+v", err)
			return nil
		}
		h, _ := aiop.NewHandle(fd)
		if err := aiop.PrepareSocket(h, config.Socket); err != nil {
			log.Error().Msgf("[%d] can't prepare socket: %+v", fd, err)
			unix.Close(fd)
			continue
		}
		group.Watch(h, aiop.CodeRecv, nil)
	}
}

// echo runs on the loop that owns h, so its reactor can be used directly.
func echo(group *aiop.Group, h aiop.Handle) error {
	buf := make([]byte, 4096)
	n, err := unix.Read(h.Fd(), buf)
	if err == unix.EAGAIN {
		return nil
	}
	if n <= 0 || err != nil {
		if err := group.Loop(h).Reactor().Remove(h); err != nil {
			log.Error().Msgf("[%d] can't detach: %+v", h.Fd(), err)
		}
		return unix.Close(h.Fd())
	}
	_, err = unix.Write(h.Fd(), buf[:n])
	return err
}
