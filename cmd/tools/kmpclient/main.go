package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/annel0/kmp-host/internal/network"
	"github.com/annel0/kmp-host/internal/protocol"
	"github.com/annel0/kmp-host/internal/replication"
	"github.com/annel0/kmp-host/internal/state"
)

// Тестовый участник: входит в сессию, держит копию видимого мира и печатает её сводку.
func main() {
	var (
		addr      = flag.String("addr", "localhost:27800", "TCP адрес хоста")
		name      = flag.String("name", "kmp-bot", "имя участника")
		password  = flag.String("password", "", "пароль сервера")
		worldHash = flag.String("world", "", "хеш мира (пусто — пустой мир)")
		version   = flag.Uint("version", 1, "версия протокола")
		token     = flag.String("token", "", "токен переподключения")
		every     = flag.Duration("report", 5*time.Second, "период сводки")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ser, err := protocol.NewMessageSerializer(0)
	if err != nil {
		log.Fatalf("❌ Сериализатор: %v", err)
	}
	ch, err := network.DialTCP(ctx, *addr, ser, network.DefaultChannelConfig(network.ChannelTCP))
	if err != nil {
		log.Fatalf("❌ Подключение: %v", err)
	}
	defer ch.Close()
	fmt.Printf("✅ Подключен к %s\n", *addr)

	hash := *worldHash
	if hash == "" {
		hash = state.Hash(nil)
	}
	ack, err := handshake(ctx, ch, protocol.Handshake{
		Version: uint32(*version), Name: *name, WorldHash: hash, Password: *password, Token: *token,
	})
	if err != nil {
		log.Fatalf("❌ Рукопожатие: %v", err)
	}
	fmt.Printf("🎮 Участник %s в сессии %s, тик %d, сущности %v\n", ack.ParticipantID, ack.SessionID, ack.CurrentTick, ack.Entities)
	fmt.Printf("   токен переподключения: %s\n", ack.Token)

	if err := run(ctx, ch, *every); err != nil && ctx.Err() == nil {
		log.Fatalf("❌ %v", err)
	}
	if bye, err := protocol.NewFrame(protocol.MsgDisconnect, protocol.Disconnect{Reason: "client exit"}); err == nil {
		_ = ch.Send(context.Background(), bye)
	}
	ch.Shutdown(time.Second)
}

func handshake(ctx context.Context, ch network.NetChannel, hs protocol.Handshake) (*protocol.HandshakeAck, error) {
	fr, err := protocol.NewFrame(protocol.MsgHandshake, hs)
	if err != nil {
		return nil, err
	}
	if err := ch.Send(ctx, fr); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for {
		in, err := ch.Receive(ctx)
		if err != nil {
			return nil, err
		}
		switch in.Type {
		case protocol.MsgHandshakeAck:
			var ack protocol.HandshakeAck
			if err := in.Unmarshal(&ack); err != nil {
				return nil, err
			}
			return &ack, nil
		case protocol.MsgHandshakeReject:
			var rej protocol.HandshakeReject
			if err := in.Unmarshal(&rej); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("отказ %d: %s", rej.Code, rej.Reason)
		}
	}
}

// run держит соединение: keepalive раз в секунду, кадры мира в копию, сводка по таймеру
func run(ctx context.Context, ch network.NetChannel, every time.Duration) error {
	mirror := replication.NewMirror(ch)
	frames := make(chan *protocol.Frame, 64)
	errc := make(chan error, 1)
	go func() {
		for {
			f, err := ch.Receive(ctx)
			if err != nil {
				errc <- err
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	keepalive := time.NewTicker(time.Second)
	defer keepalive.Stop()
	report := time.NewTicker(every)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case f := <-frames:
			switch f.Type {
			case protocol.MsgChatBroadcast:
				var msg protocol.ChatBroadcast
				if f.Unmarshal(&msg) == nil {
					fmt.Printf("💬 %s: %s\n", msg.Name, msg.Text)
				}
			case protocol.MsgDisconnect:
				var d protocol.Disconnect
				_ = f.Unmarshal(&d)
				return fmt.Errorf("хост отключил: %s", d.Reason)
			default:
				if err := mirror.Handle(f); err != nil {
					fmt.Printf("⚠️ %s: %v\n", f.Type, err)
				}
			}
		case <-keepalive.C:
			ka, err := protocol.NewFrame(protocol.MsgKeepalive, protocol.Keepalive{ClientTime: time.Now().UnixMilli(), ObservedTick: mirror.Tick()})
			if err == nil {
				ch.TrySend(ka)
			}
		case <-report.C:
			fmt.Printf("📊 тик %d, сущностей %d, resync %d\n", mirror.Tick(), len(mirror.Entities()), mirror.Resyncs())
		}
	}
}
