package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/annel0/kmp-host/internal/eventbus"
	"github.com/annel0/kmp-host/internal/logging"
)

// OutboundWebhook представляет исходящий webhook
type OutboundWebhook struct {
	ID           uint64     `json:"id"`
	Name         string     `json:"name" binding:"required"`
	URL          string     `json:"url" binding:"required"`
	Secret       string     `json:"secret,omitempty"`
	Events       []string   `json:"events" binding:"required"` // типы событий шины, "*" — все
	Active       bool       `json:"active"`
	Timeout      int        `json:"timeout"` // Таймаут в секундах
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsed     *time.Time `json:"last_used,omitempty"`
	FailureCount int        `json:"failure_count"`
}

// OutboundWebhookEvent тело запроса к webhook'у
type OutboundWebhookEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Timestamp int64           `json:"timestamp"`
	ServerID  string          `json:"server_id"`
	SessionID string          `json:"session_id,omitempty"`
	Priority  int             `json:"priority"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// OutboundWebhookManager пересылает события шины на внешние URL
type OutboundWebhookManager struct {
	webhooks   map[uint64]*OutboundWebhook
	eventQueue chan OutboundWebhookEvent
	mu         sync.RWMutex
	nextID     uint64
	httpClient *http.Client
	serverID   string
	logger     *logging.Logger
	backoff    func(attempt int) time.Duration
	wg         sync.WaitGroup
	dropped    uint64
}

// NewOutboundWebhookManager создает новый менеджер исходящих webhook'ов.
// Очередь обрабатывается после Start.
func NewOutboundWebhookManager(serverID string) *OutboundWebhookManager {
	return &OutboundWebhookManager{
		webhooks:   make(map[uint64]*OutboundWebhook),
		eventQueue: make(chan OutboundWebhookEvent, 1000), // Буфер для событий
		nextID:     1,
		serverID:   serverID,
		logger:     logging.GetAPILogger(),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		backoff: func(attempt int) time.Duration { return time.Duration(attempt+1) * time.Second },
	}
}

// Start подписывается на шину и запускает воркер доставки до отмены ctx
func (owm *OutboundWebhookManager) Start(ctx context.Context, bus eventbus.EventBus) error {
	sub, err := bus.Subscribe(ctx, eventbus.Filter{}, func(_ context.Context, ev *eventbus.Envelope) {
		owm.SendEnvelope(ev)
	})
	if err != nil {
		return err
	}
	owm.wg.Add(1)
	go func() {
		defer owm.wg.Done()
		defer sub.Unsubscribe()
		owm.eventWorker(ctx)
	}()
	return nil
}

// Wait ждёт остановки воркера и всех начатых доставок
func (owm *OutboundWebhookManager) Wait() { owm.wg.Wait() }

// AddWebhook добавляет новый webhook
func (owm *OutboundWebhookManager) AddWebhook(webhook OutboundWebhook) *OutboundWebhook {
	owm.mu.Lock()
	defer owm.mu.Unlock()

	webhook.ID = owm.nextID
	owm.nextID++
	webhook.CreatedAt = time.Now()
	webhook.Active = true

	if webhook.Timeout == 0 {
		webhook.Timeout = 30
	}
	if webhook.RetryCount == 0 {
		webhook.RetryCount = 3
	}

	owm.webhooks[webhook.ID] = &webhook
	copied := webhook
	return &copied
}

// GetWebhooks возвращает список всех webhook'ов по возрастанию ID
func (owm *OutboundWebhookManager) GetWebhooks() []OutboundWebhook {
	owm.mu.RLock()
	defer owm.mu.RUnlock()

	webhooks := make([]OutboundWebhook, 0, len(owm.webhooks))
	for _, webhook := range owm.webhooks {
		webhooks = append(webhooks, *webhook)
	}
	sort.Slice(webhooks, func(i, j int) bool { return webhooks[i].ID < webhooks[j].ID })
	return webhooks
}

// GetWebhook возвращает webhook по ID
func (owm *OutboundWebhookManager) GetWebhook(id uint64) *OutboundWebhook {
	owm.mu.RLock()
	defer owm.mu.RUnlock()

	webhook, exists := owm.webhooks[id]
	if !exists {
		return nil
	}
	copied := *webhook
	return &copied
}

// UpdateWebhook обновляет webhook
func (owm *OutboundWebhookManager) UpdateWebhook(id uint64, updates OutboundWebhook) *OutboundWebhook {
	owm.mu.Lock()
	defer owm.mu.Unlock()

	webhook, exists := owm.webhooks[id]
	if !exists {
		return nil
	}

	// Обновляем поля
	if updates.Name != "" {
		webhook.Name = updates.Name
	}
	if updates.URL != "" {
		webhook.URL = updates.URL
	}
	if updates.Secret != "" {
		webhook.Secret = updates.Secret
	}
	if len(updates.Events) > 0 {
		webhook.Events = updates.Events
	}
	if updates.Timeout > 0 {
		webhook.Timeout = updates.Timeout
	}
	if updates.RetryCount > 0 {
		webhook.RetryCount = updates.RetryCount
	}
	webhook.Active = updates.Active

	copied := *webhook
	return &copied
}

// DeleteWebhook удаляет webhook
func (owm *OutboundWebhookManager) DeleteWebhook(id uint64) bool {
	owm.mu.Lock()
	defer owm.mu.Unlock()

	_, exists := owm.webhooks[id]
	if !exists {
		return false
	}

	delete(owm.webhooks, id)
	return true
}

// SendEnvelope ставит событие шины в очередь доставки
func (owm *OutboundWebhookManager) SendEnvelope(ev *eventbus.Envelope) {
	owm.enqueue(OutboundWebhookEvent{
		ID:        ev.ID,
		EventType: ev.EventType,
		Timestamp: ev.Timestamp.Unix(),
		ServerID:  owm.serverID,
		SessionID: ev.CorrelationID,
		Priority:  ev.Priority,
		Data:      ev.Payload,
	})
}

// SendEvent отправляет произвольное событие (тест webhook'а из админки)
func (owm *OutboundWebhookManager) SendEvent(eventType string, data map[string]interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		owm.logger.Warn("❌ Webhook: событие %s не сериализуется: %v", eventType, err)
		return
	}
	owm.enqueue(OutboundWebhookEvent{
		EventType: eventType,
		Timestamp: time.Now().Unix(),
		ServerID:  owm.serverID,
		Data:      raw,
	})
}

func (owm *OutboundWebhookManager) enqueue(event OutboundWebhookEvent) {
	select {
	case owm.eventQueue <- event:
		owm.logger.Trace("📤 Событие %s добавлено в очередь webhook'ов", event.EventType)
	default:
		owm.mu.Lock()
		owm.dropped++
		owm.mu.Unlock()
		owm.logger.Warn("⚠️ Очередь webhook'ов переполнена, событие %s пропущено", event.EventType)
	}
}

// Dropped число событий, не попавших в очередь
func (owm *OutboundWebhookManager) Dropped() uint64 {
	owm.mu.RLock()
	defer owm.mu.RUnlock()
	return owm.dropped
}

// eventWorker обрабатывает события из очереди
func (owm *OutboundWebhookManager) eventWorker(ctx context.Context) {
	for {
		select {
		case event := <-owm.eventQueue:
			owm.processEvent(ctx, event)
		case <-ctx.Done():
			return
		}
	}
}

// processEvent обрабатывает одно событие
func (owm *OutboundWebhookManager) processEvent(ctx context.Context, event OutboundWebhookEvent) {
	owm.mu.RLock()
	targets := make([]OutboundWebhook, 0)

	// Находим webhook'и, подписанные на это событие
	for _, webhook := range owm.webhooks {
		if webhook.Active && isSubscribedToEvent(webhook, event.EventType) {
			targets = append(targets, *webhook)
		}
	}
	owm.mu.RUnlock()

	// Отправляем событие каждому подписанному webhook'у
	for _, webhook := range targets {
		owm.wg.Add(1)
		go func(w OutboundWebhook) {
			defer owm.wg.Done()
			owm.sendToWebhook(ctx, w, event)
		}(webhook)
	}
}

// isSubscribedToEvent проверяет, подписан ли webhook на событие
func isSubscribedToEvent(webhook *OutboundWebhook, eventType string) bool {
	for _, subscribedEvent := range webhook.Events {
		if subscribedEvent == eventType || subscribedEvent == "*" {
			return true
		}
	}
	return false
}

// sendToWebhook отправляет событие конкретному webhook'у
func (owm *OutboundWebhookManager) sendToWebhook(ctx context.Context, webhook OutboundWebhook, event OutboundWebhookEvent) {
	// Подготавливаем данные
	jsonData, err := json.Marshal(event)
	if err != nil {
		owm.logger.Error("❌ Ошибка маршалинга события для webhook %s: %v", webhook.Name, err)
		return
	}

	success := false
	for attempt := 0; attempt <= webhook.RetryCount; attempt++ {
		if attempt > 0 && !owm.pause(ctx, attempt-1) {
			break
		}
		if owm.attempt(ctx, webhook, event, jsonData, attempt) {
			success = true
			break
		}
	}

	// Обновляем статистику
	owm.mu.Lock()
	if stored, ok := owm.webhooks[webhook.ID]; ok {
		now := time.Now()
		stored.LastUsed = &now
		if !success {
			stored.FailureCount++
		}
	}
	owm.mu.Unlock()
}

// pause задержка перед повтором, false при отмене ctx
func (owm *OutboundWebhookManager) pause(ctx context.Context, attempt int) bool {
	t := time.NewTimer(owm.backoff(attempt))
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// attempt одна попытка доставки. Запрос создаётся заново, тело читается один раз.
func (owm *OutboundWebhookManager) attempt(ctx context.Context, webhook OutboundWebhook, event OutboundWebhookEvent, body []byte, n int) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(webhook.Timeout)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(body))
	if err != nil {
		owm.logger.Error("❌ Ошибка создания запроса для webhook %s: %v", webhook.Name, err)
		return false
	}

	// Устанавливаем заголовки
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "KMP-Host/1.0")
	req.Header.Set("X-Event-Type", event.EventType)
	req.Header.Set("X-Server-ID", event.ServerID)

	// Добавляем подпись, если есть секрет
	if webhook.Secret != "" {
		req.Header.Set("X-Webhook-Signature", generateSignature(body, webhook.Secret))
	}

	resp, err := owm.httpClient.Do(req)
	if err != nil {
		owm.logger.Warn("⚠️ Попытка %d/%d для webhook %s: %v", n+1, webhook.RetryCount+1, webhook.Name, err)
		return false
	}
	resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		owm.logger.Debug("✅ Событие %s отправлено в webhook %s", event.EventType, webhook.Name)
		return true
	}
	owm.logger.Warn("⚠️ Webhook %s вернул статус %d на попытке %d", webhook.Name, resp.StatusCode, n+1)
	return false
}

// generateSignature генерирует HMAC подпись
func generateSignature(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// GetEventTypes возвращает доступные типы событий
func (owm *OutboundWebhookManager) GetEventTypes() []string {
	return []string{
		eventbus.TypeTickSummary,
		eventbus.TypePlayerJoined,
		eventbus.TypePlayerLeft,
		eventbus.TypeTradeFinished,
		eventbus.TypePersistenceFatal,
		eventbus.TypeChat,
		"webhook.test",
	}
}
