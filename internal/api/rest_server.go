// Package api административный интерфейс хоста: REST консоль оператора,
// пересылка событий на webhook'и и gRPC health.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/annel0/kmp-host/internal/audit"
	"github.com/annel0/kmp-host/internal/auth"
	"github.com/annel0/kmp-host/internal/clock"
	"github.com/annel0/kmp-host/internal/errs"
	"github.com/annel0/kmp-host/internal/logging"
	"github.com/annel0/kmp-host/internal/middleware"
	"github.com/annel0/kmp-host/internal/session"
	"github.com/annel0/kmp-host/internal/state"
	"github.com/annel0/kmp-host/internal/storage"
	"github.com/annel0/kmp-host/internal/tick"
	"github.com/annel0/kmp-host/internal/trade"
)

// Sessions административная сторона менеджера сессии
type Sessions interface {
	List() []session.Info
	Snapshot() session.Session
	Kick(pid state.ParticipantID, reason string) error
	Ban(name string)
	Unban(name string)
	Say(text string)
	SetPaused(paused bool)
}

// Engine тик-движок
type Engine interface {
	State() tick.State
	TickID() uint64
	QueueLen() int
	Latest() *tick.WorldTick
	History(id uint64) *tick.WorldTick
	Pause() error
	Resume() error
}

// Persistence сохранения
type Persistence interface {
	Save(ctx context.Context) error
	Backup(ctx context.Context) (string, error)
	Healthy() bool
	LastSave() time.Time
	Saves(kind storage.SaveKind) ([]storage.SaveRecord, error)
	Backups() []string
}

// Trades активные сделки
type Trades interface {
	Active() []trade.Trade
}

// AuditTrail журнал сделок и сессии
type AuditTrail interface {
	Trades(ctx context.Context, pid state.ParticipantID, limit int) ([]audit.TradeEntry, error)
	SessionEvents(ctx context.Context, limit int) ([]audit.SessionEntry, error)
}

// Clock игровые часы
type Clock interface {
	Snapshot() clock.Snapshot
}

// Authenticator вход администратора
type Authenticator interface {
	Login(username, password string) (string, time.Time, error)
	Authorize(token string) (*auth.Claims, error)
}

// Config содержит конфигурацию REST сервера. Audit, Clock и Webhooks необязательны.
type Config struct {
	Addr       string // адрес для запуска сервера, по умолчанию :8088
	ServerName string

	Sessions    Sessions
	Engine      Engine
	Persistence Persistence
	Trades      Trades
	Audit       AuditTrail
	Clock       Clock
	Auth        Authenticator
	Webhooks    *OutboundWebhookManager

	// Stop запрашивает остановку хоста; вызывается вне обработчика
	Stop func(reason string)

	Registry prometheus.Registerer
	Gatherer prometheus.Gatherer
}

// AdminServer REST консоль оператора
type AdminServer struct {
	cfg     Config
	router  *gin.Engine
	server  *http.Server
	metrics *ServerMetrics
	logger  *logging.Logger
}

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// LoginRequest представляет запрос на вход
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse представляет ответ на вход
type LoginResponse struct {
	Success   bool      `json:"success"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Message   string    `json:"message"`
}

// NewAdminServer создает REST сервер. Метрики HTTP и процесса регистрируются в cfg.Registry.
func NewAdminServer(cfg Config) (*AdminServer, error) {
	if cfg.Addr == "" {
		cfg.Addr = ":8088"
	}
	if cfg.Sessions == nil || cfg.Engine == nil || cfg.Persistence == nil || cfg.Auth == nil {
		return nil, errors.New("api: sessions, engine, persistence and auth are required")
	}

	// Устанавливаем режим релиза для gin
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()        // без стандартного logger/recovery
	router.Use(gin.Recovery()) // добавим только recovery

	// === Observability middleware ===
	router.Use(otelgin.Middleware("kmp_admin"))
	router.Use(middleware.NewRequestLogger().Handler())

	promMw := middleware.NewPrometheusMiddleware("kmp_admin", cfg.Registry)
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router, cfg.Gatherer)

	metrics := NewServerMetrics()
	if err := metrics.Register(cfg.Registry); err != nil {
		return nil, err
	}

	as := &AdminServer{
		cfg:     cfg,
		router:  router,
		metrics: metrics,
		logger:  logging.GetAPILogger(),
	}
	as.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Настраиваем маршруты
	as.setupRoutes()
	return as, nil
}

// Handler http.Handler сервера (для httptest)
func (as *AdminServer) Handler() http.Handler { return as.router }

// setupRoutes настраивает маршруты REST API
func (as *AdminServer) setupRoutes() {
	api := as.router.Group("/api")

	// Эндпоинт для аутентификации (без токена)
	api.POST("/auth/login", as.handleLogin)

	// Административные эндпоинты
	admin := api.Group("/")
	admin.Use(as.adminMiddleware())
	{
		admin.GET("/status", as.handleStatus)
		admin.GET("/players", as.handlePlayers)
		admin.POST("/players/:id/kick", as.handleKick)
		admin.POST("/ban", as.handleBan)
		admin.POST("/unban", as.handleUnban)
		admin.POST("/say", as.handleSay)
		admin.POST("/save", as.handleSave)
		admin.POST("/backup", as.handleBackup)
		admin.POST("/stop", as.handleStop)
		admin.POST("/pause", as.handlePause)
		admin.POST("/resume", as.handleResume)
		admin.GET("/saves", as.handleSaves)
		admin.GET("/ticks/latest", as.handleLatestTick)
		admin.GET("/ticks/:id", as.handleTick)
		admin.GET("/trades", as.handleTrades)
		admin.GET("/audit/sessions", as.handleSessionAudit)

		// Управление исходящими webhook'ами
		if as.cfg.Webhooks != nil {
			admin.GET("/webhooks", as.handleGetOutboundWebhooks)
			admin.POST("/webhooks", as.handleCreateOutboundWebhook)
			admin.GET("/webhooks/events", as.handleGetWebhookEventTypes)
			admin.GET("/webhooks/:id", as.handleGetOutboundWebhook)
			admin.PUT("/webhooks/:id", as.handleUpdateOutboundWebhook)
			admin.DELETE("/webhooks/:id", as.handleDeleteOutboundWebhook)
			admin.POST("/webhooks/:id/test", as.handleTestOutboundWebhook)
		}
	}

	// Health check
	as.router.GET("/health", as.handleHealth)
}

// adminMiddleware проверяет Bearer токен администратора
func (as *AdminServer) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if header == "" || token == header {
			fail(c, http.StatusUnauthorized, "Требуется токен администратора")
			return
		}
		claims, err := as.cfg.Auth.Authorize(token)
		if err != nil {
			fail(c, http.StatusUnauthorized, "Недействительный токен")
			return
		}
		c.Set("admin", claims.Name)
		c.Next()
	}
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, GenericResponse{Success: false, Message: msg})
}

func ok(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: msg, Data: data})
}

// statusOf HTTP статус по виду ошибки
func statusOf(err error) int {
	switch errs.KindOf(err) {
	case errs.Validation:
		return http.StatusBadRequest
	case errs.Auth:
		return http.StatusUnauthorized
	case errs.Resource:
		return http.StatusNotFound
	case errs.State, errs.Version:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// handleLogin обрабатывает запрос на вход
func (as *AdminServer) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, LoginResponse{Message: "Неверный формат запроса"})
		return
	}
	token, expires, err := as.cfg.Auth.Login(req.Username, req.Password)
	if errors.Is(err, auth.ErrBadCredentials) {
		c.JSON(http.StatusUnauthorized, LoginResponse{Message: "Неверное имя пользователя или пароль"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, LoginResponse{Message: "Ошибка генерации токена"})
		return
	}
	c.JSON(http.StatusOK, LoginResponse{
		Success:   true,
		Token:     token,
		ExpiresAt: expires,
		Message:   "Успешная авторизация",
	})
}

// handleStatus состояние сессии, движка, часов и сохранений
func (as *AdminServer) handleStatus(c *gin.Context) {
	snap := as.cfg.Sessions.Snapshot()
	players := as.cfg.Sessions.List()
	status := map[string]interface{}{
		"name": as.cfg.ServerName,
		"session": map[string]interface{}{
			"id":        snap.SessionID,
			"state":     snap.State.String(),
			"host":      snap.HostParticipantID,
			"worldHash": snap.WorldHash,
			"players":   len(players),
			"startedAt": snap.StartedAt,
		},
		"engine": map[string]interface{}{
			"state": as.cfg.Engine.State().String(),
			"tick":  as.cfg.Engine.TickID(),
			"queue": as.cfg.Engine.QueueLen(),
		},
		"persistence": map[string]interface{}{
			"healthy":  as.cfg.Persistence.Healthy(),
			"lastSave": as.cfg.Persistence.LastSave(),
		},
		"process": as.metrics.Sample(),
	}
	if wt := as.cfg.Engine.Latest(); wt != nil {
		status["entities"] = len(wt.Entities)
	}
	if as.cfg.Clock != nil {
		status["clock"] = as.cfg.Clock.Snapshot()
	}
	if as.cfg.Trades != nil {
		status["activeTrades"] = len(as.cfg.Trades.Active())
	}
	ok(c, "Статус хоста", status)
}

// handlePlayers список участников
func (as *AdminServer) handlePlayers(c *gin.Context) {
	players := as.cfg.Sessions.List()
	ok(c, "Список участников", map[string]interface{}{
		"players": players,
		"total":   len(players),
	})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// handleKick исключает участника без периода ожидания
func (as *AdminServer) handleKick(c *gin.Context) {
	var req reasonRequest
	// тело необязательно
	_ = c.ShouldBindJSON(&req)
	pid := state.ParticipantID(c.Param("id"))
	err := as.cfg.Sessions.Kick(pid, req.Reason)
	if errors.Is(err, session.ErrNotFound) {
		fail(c, http.StatusNotFound, "Участник не найден")
		return
	}
	if err != nil {
		fail(c, statusOf(err), errs.Message(err))
		return
	}
	as.logger.Info("👢 [%s] kick %s", c.GetString("admin"), pid)
	ok(c, "Участник исключён", gin.H{"id": pid})
}

type nameRequest struct {
	Name string `json:"name" binding:"required"`
}

func (as *AdminServer) handleBan(c *gin.Context) {
	var req nameRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		fail(c, http.StatusBadRequest, "Нужно имя")
		return
	}
	as.cfg.Sessions.Ban(req.Name)
	as.logger.Info("⛔ [%s] ban %q", c.GetString("admin"), req.Name)
	ok(c, "Имя заблокировано", gin.H{"name": req.Name})
}

func (as *AdminServer) handleUnban(c *gin.Context) {
	var req nameRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		fail(c, http.StatusBadRequest, "Нужно имя")
		return
	}
	as.cfg.Sessions.Unban(req.Name)
	ok(c, "Блокировка снята", gin.H{"name": req.Name})
}

// handleSay системное сообщение всем участникам
func (as *AdminServer) handleSay(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		fail(c, http.StatusBadRequest, "Пустое сообщение")
		return
	}
	as.cfg.Sessions.Say(req.Text)
	ok(c, "Сообщение отправлено", nil)
}

// handleSave внеочередное сохранение
func (as *AdminServer) handleSave(c *gin.Context) {
	if err := as.cfg.Persistence.Save(c.Request.Context()); err != nil {
		as.logger.Error("❌ Сохранение по команде не удалось: %v", err)
		fail(c, statusOf(err), errs.Message(err))
		return
	}
	ok(c, "Сохранено", gin.H{"savedAt": as.cfg.Persistence.LastSave(), "tick": as.cfg.Engine.TickID()})
}

func (as *AdminServer) handleBackup(c *gin.Context) {
	dir, err := as.cfg.Persistence.Backup(c.Request.Context())
	if err != nil {
		fail(c, statusOf(err), errs.Message(err))
		return
	}
	ok(c, "Резервная копия создана", gin.H{"backup": dir, "backups": as.cfg.Persistence.Backups()})
}

// handleStop остановка хоста после ответа клиенту
func (as *AdminServer) handleStop(c *gin.Context) {
	if as.cfg.Stop == nil {
		fail(c, http.StatusNotImplemented, "Остановка недоступна")
		return
	}
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "Server stopped by admin"
	}
	as.logger.Warn("🛑 [%s] stop: %s", c.GetString("admin"), req.Reason)
	go as.cfg.Stop(req.Reason)
	c.JSON(http.StatusAccepted, GenericResponse{Success: true, Message: "Остановка запрошена"})
}

func (as *AdminServer) handlePause(c *gin.Context) {
	if err := as.cfg.Engine.Pause(); err != nil {
		fail(c, http.StatusConflict, err.Error())
		return
	}
	as.cfg.Sessions.SetPaused(true)
	ok(c, "Тики приостановлены", gin.H{"tick": as.cfg.Engine.TickID()})
}

func (as *AdminServer) handleResume(c *gin.Context) {
	if err := as.cfg.Engine.Resume(); err != nil {
		fail(c, http.StatusConflict, err.Error())
		return
	}
	as.cfg.Sessions.SetPaused(false)
	ok(c, "Тики возобновлены", gin.H{"tick": as.cfg.Engine.TickID()})
}

// handleSaves записи индекса сохранений. ?kind=world|player|backup, пусто — все.
func (as *AdminServer) handleSaves(c *gin.Context) {
	kind := storage.SaveKind(c.Query("kind"))
	switch kind {
	case "", storage.KindWorld, storage.KindPlayer, storage.KindBackup:
	default:
		fail(c, http.StatusBadRequest, "Неизвестный вид сохранения")
		return
	}
	saves, err := as.cfg.Persistence.Saves(kind)
	if err != nil {
		fail(c, statusOf(err), errs.Message(err))
		return
	}
	ok(c, "Сохранения", gin.H{"saves": saves, "backups": as.cfg.Persistence.Backups()})
}

func (as *AdminServer) handleLatestTick(c *gin.Context) {
	wt := as.cfg.Engine.Latest()
	if wt == nil {
		fail(c, http.StatusNotFound, "Тиков ещё не было")
		return
	}
	ok(c, "Последний тик", wt)
}

// handleTick тик из истории движка
func (as *AdminServer) handleTick(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, "Неверный номер тика")
		return
	}
	wt := as.cfg.Engine.History(id)
	if wt == nil {
		fail(c, http.StatusNotFound, "Тика нет в истории")
		return
	}
	ok(c, "Тик", wt)
}

type tradeView struct {
	trade.Trade
	State string `json:"state"`
}

// handleTrades активные сделки и журнал. ?participant= фильтрует журнал.
func (as *AdminServer) handleTrades(c *gin.Context) {
	data := gin.H{}
	if as.cfg.Trades != nil {
		active := as.cfg.Trades.Active()
		views := make([]tradeView, 0, len(active))
		for _, t := range active {
			views = append(views, tradeView{Trade: t, State: t.State.String()})
		}
		data["active"] = views
	}
	if as.cfg.Audit != nil {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		history, err := as.cfg.Audit.Trades(c.Request.Context(), state.ParticipantID(c.Query("participant")), clampLimit(limit))
		if err != nil {
			fail(c, http.StatusInternalServerError, "Журнал сделок недоступен")
			return
		}
		data["history"] = history
	}
	ok(c, "Сделки", data)
}

func (as *AdminServer) handleSessionAudit(c *gin.Context) {
	if as.cfg.Audit == nil {
		fail(c, http.StatusNotFound, "Журнал выключен")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := as.cfg.Audit.SessionEvents(c.Request.Context(), clampLimit(limit))
	if err != nil {
		fail(c, http.StatusInternalServerError, "Журнал сессии недоступен")
		return
	}
	ok(c, "Журнал сессии", gin.H{"events": events})
}

func clampLimit(limit int) int {
	if limit < 1 || limit > 500 {
		return 50
	}
	return limit
}

// handleHealth проверка состояния сервера
func (as *AdminServer) handleHealth(c *gin.Context) {
	status, code := "ok", http.StatusOK
	if !as.cfg.Persistence.Healthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"engine": as.cfg.Engine.State().String(),
		"tick":   as.cfg.Engine.TickID(),
		"time":   time.Now().Unix(),
	})
}

// Start запускает REST сервер и блокируется до Shutdown
func (as *AdminServer) Start() error {
	as.logger.Info("🌐 Административный API на %s", as.cfg.Addr)
	if err := as.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown корректно останавливает REST сервер
func (as *AdminServer) Shutdown(ctx context.Context) error {
	return as.server.Shutdown(ctx)
}

// === ОБРАБОТЧИКИ ИСХОДЯЩИХ WEBHOOK'ОВ ===

func webhookID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, "Неверный ID webhook'а")
		return 0, false
	}
	return id, true
}

// handleGetOutboundWebhooks возвращает список исходящих webhook'ов
func (as *AdminServer) handleGetOutboundWebhooks(c *gin.Context) {
	webhooks := as.cfg.Webhooks.GetWebhooks()
	ok(c, "Список webhook'ов получен", gin.H{
		"webhooks": webhooks,
		"total":    len(webhooks),
	})
}

// handleCreateOutboundWebhook создает новый исходящий webhook
func (as *AdminServer) handleCreateOutboundWebhook(c *gin.Context) {
	var webhook OutboundWebhook
	if err := c.ShouldBindJSON(&webhook); err != nil {
		fail(c, http.StatusBadRequest, "Неверный формат webhook'а: "+err.Error())
		return
	}
	if !strings.HasPrefix(webhook.URL, "http://") && !strings.HasPrefix(webhook.URL, "https://") {
		fail(c, http.StatusBadRequest, "URL должен начинаться с http:// или https://")
		return
	}
	created := as.cfg.Webhooks.AddWebhook(webhook)
	c.JSON(http.StatusCreated, GenericResponse{
		Success: true,
		Message: "Webhook создан успешно",
		Data:    created,
	})
}

// handleGetOutboundWebhook возвращает webhook по ID
func (as *AdminServer) handleGetOutboundWebhook(c *gin.Context) {
	id, valid := webhookID(c)
	if !valid {
		return
	}
	webhook := as.cfg.Webhooks.GetWebhook(id)
	if webhook == nil {
		fail(c, http.StatusNotFound, "Webhook не найден")
		return
	}
	ok(c, "Webhook найден", webhook)
}

// handleUpdateOutboundWebhook обновляет webhook
func (as *AdminServer) handleUpdateOutboundWebhook(c *gin.Context) {
	id, valid := webhookID(c)
	if !valid {
		return
	}
	var updates OutboundWebhook
	if err := c.ShouldBindJSON(&updates); err != nil {
		fail(c, http.StatusBadRequest, "Неверный формат обновлений: "+err.Error())
		return
	}
	updated := as.cfg.Webhooks.UpdateWebhook(id, updates)
	if updated == nil {
		fail(c, http.StatusNotFound, "Webhook не найден")
		return
	}
	ok(c, "Webhook обновлен успешно", updated)
}

// handleDeleteOutboundWebhook удаляет webhook
func (as *AdminServer) handleDeleteOutboundWebhook(c *gin.Context) {
	id, valid := webhookID(c)
	if !valid {
		return
	}
	if !as.cfg.Webhooks.DeleteWebhook(id) {
		fail(c, http.StatusNotFound, "Webhook не найден")
		return
	}
	ok(c, "Webhook удален успешно", nil)
}

// handleTestOutboundWebhook тестирует webhook отправкой тестового события
func (as *AdminServer) handleTestOutboundWebhook(c *gin.Context) {
	id, valid := webhookID(c)
	if !valid {
		return
	}
	webhook := as.cfg.Webhooks.GetWebhook(id)
	if webhook == nil {
		fail(c, http.StatusNotFound, "Webhook не найден")
		return
	}
	as.cfg.Webhooks.SendEvent("webhook.test", map[string]interface{}{
		"webhook_id":   id,
		"webhook_name": webhook.Name,
		"test_time":    time.Now().Unix(),
		"message":      "Тестовое сообщение от хоста",
	})
	ok(c, "Тестовое событие отправлено", gin.H{"webhook_id": id})
}

// handleGetWebhookEventTypes возвращает доступные типы событий
func (as *AdminServer) handleGetWebhookEventTypes(c *gin.Context) {
	eventTypes := as.cfg.Webhooks.GetEventTypes()
	ok(c, "Типы событий получены", gin.H{
		"event_types": eventTypes,
		"total":       len(eventTypes),
	})
}
