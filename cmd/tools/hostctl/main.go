package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/annel0/kmp-host/internal/api"
	"github.com/annel0/kmp-host/internal/eventbus"
)

const (
	defaultAPIAddr    = "http://localhost:8088"
	defaultHealthAddr = "localhost:27802"
	defaultNATSStream = "KMP"
	timeFormat        = "15:04:05"
)

func main() {
	var (
		apiAddr    = flag.String("api", defaultAPIAddr, "REST API хоста")
		healthAddr = flag.String("health", defaultHealthAddr, "gRPC health адрес")
		user       = flag.String("user", "admin", "имя администратора")
		password   = flag.String("password", os.Getenv("KMP_ADMIN_PASSWORD"), "пароль администратора")
		natsURL    = flag.String("nats", "", "NATS URL для команды events")
		stream     = flag.String("stream", defaultNATSStream, "JetStream поток событий")
		types      = flag.String("types", "", "типы событий через запятую (events)")
		sessions   = flag.String("sessions", "", "сессии через запятую (events)")
		timeout    = flag.Duration("timeout", 10*time.Second, "таймаут запроса")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "health":
		if err := checkHealth(ctx, *healthAddr); err != nil {
			log.Fatalf("❌ Health: %v", err)
		}
		return
	case "events":
		if err := tailEvents(*natsURL, *stream, eventbus.Filter{Types: parseStringList(*types), Sessions: parseStringList(*sessions)}); err != nil {
			log.Fatalf("❌ Events: %v", err)
		}
		return
	}

	c := &client{base: strings.TrimRight(*apiAddr, "/"), http: &http.Client{Timeout: *timeout}}
	if err := c.login(ctx, *user, *password); err != nil {
		log.Fatalf("❌ Вход: %v", err)
	}

	var err error
	switch args[0] {
	case "status":
		err = c.print(ctx, http.MethodGet, "/api/status", nil)
	case "players":
		err = showPlayers(ctx, c)
	case "kick":
		if len(args) < 2 {
			log.Fatal("❌ Использование: kick <participant-id> [reason]")
		}
		err = c.print(ctx, http.MethodPost, "/api/players/"+args[1]+"/kick", map[string]string{"reason": strings.Join(args[2:], " ")})
	case "ban", "unban":
		if len(args) < 2 {
			log.Fatalf("❌ Использование: %s <name>", args[0])
		}
		err = c.print(ctx, http.MethodPost, "/api/"+args[0], map[string]string{"name": args[1]})
	case "say":
		if len(args) < 2 {
			log.Fatal("❌ Использование: say <message>")
		}
		err = c.print(ctx, http.MethodPost, "/api/say", map[string]string{"text": strings.Join(args[1:], " ")})
	case "save", "backup", "stop", "pause", "resume":
		err = c.print(ctx, http.MethodPost, "/api/"+args[0], nil)
	case "saves", "trades":
		err = c.print(ctx, http.MethodGet, "/api/"+args[0], nil)
	case "tick":
		path := "/api/ticks/latest"
		if len(args) > 1 {
			path = "/api/ticks/" + args[1]
		}
		err = c.print(ctx, http.MethodGet, path, nil)
	default:
		fmt.Printf("❌ Unknown command: %s\n", args[0])
		usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("❌ %s: %v", args[0], err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Использование: hostctl [flags] <command> [args]

Команды консоли хоста:
  status                 состояние сессии, тика и сохранений
  players                участники сессии
  kick <id> [reason]     исключить участника
  ban|unban <name>       блокировка имени
  say <message>          системное сообщение всем
  save | backup          сохранение / резервная копия
  pause | resume | stop  управление тик-движком
  saves | trades         индекс сохранений / активные сделки
  tick [id]              снимок тика из истории
  health                 gRPC health check
  events                 поток событий из NATS JetStream

Флаги:
`)
	flag.PrintDefaults()
}

// client REST клиент консоли с токеном администратора
type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) login(ctx context.Context, user, password string) error {
	if password == "" {
		return fmt.Errorf("пароль не задан (-password или KMP_ADMIN_PASSWORD)")
	}
	var resp api.LoginResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", api.LoginRequest{Username: user, Password: password}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Message)
	}
	c.token = resp.Token
	return nil
}

func (c *client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("запрос %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("ответ %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}

// print выполняет запрос и печатает data ответа
func (c *client) print(ctx context.Context, method, path string, body interface{}) error {
	var resp api.GenericResponse
	if err := c.do(ctx, method, path, body, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Message)
	}
	fmt.Printf("✅ %s\n", resp.Message)
	if resp.Data != nil {
		out, _ := json.MarshalIndent(resp.Data, "", "  ")
		fmt.Println(string(out))
	}
	return nil
}

type playerRow struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	State    string   `json:"state"`
	Entities []uint32 `json:"entities"`
}

// showPlayers печатает участников таблицей
func showPlayers(ctx context.Context, c *client) error {
	var resp struct {
		api.GenericResponse
		Data struct {
			Players []playerRow `json:"players"`
			Total   int         `json:"total"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/players", nil, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Message)
	}
	players := resp.Data.Players
	sort.Slice(players, func(i, j int) bool { return players[i].Name < players[j].Name })
	fmt.Printf("👥 Участников: %d\n", resp.Data.Total)
	for _, p := range players {
		fmt.Printf("  %-40s %-20s %-13s %v\n", p.ID, p.Name, p.State, p.Entities)
	}
	return nil
}

// checkHealth опрашивает gRPC health хоста
func checkHealth(ctx context.Context, addr string) error {
	conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %v", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: api.HealthService})
	if err != nil {
		return err
	}
	fmt.Printf("❤️  %s: %s\n", api.HealthService, resp.GetStatus())
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		os.Exit(1)
	}
	return nil
}

// tailEvents печатает события шины до Ctrl+C
func tailEvents(url, stream string, filter eventbus.Filter) error {
	if url == "" {
		return fmt.Errorf("нужен -nats")
	}
	bus, err := eventbus.NewJetStreamBus(url, stream, 24*time.Hour)
	if err != nil {
		return err
	}
	defer bus.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("🎬 Tailing %s (types: %v, sessions: %v)\n", stream, filter.Types, filter.Sessions)
	sub, err := bus.Subscribe(ctx, filter, func(_ context.Context, ev *eventbus.Envelope) {
		printEvent(ev)
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	<-ctx.Done()
	return nil
}

// printEvent выводит событие в читаемом формате
func printEvent(ev *eventbus.Envelope) {
	fmt.Printf("[%s] %s/%s [%s] p=%d %s\n",
		ev.Timestamp.Local().Format(timeFormat),
		ev.Source,
		ev.CorrelationID,
		ev.EventType,
		ev.Priority,
		ev.ID)
	if len(ev.Payload) > 0 {
		fmt.Printf("  %s\n", ev.Payload)
	}
}

// parseStringList парсит строку с разделителями-запятыми
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
