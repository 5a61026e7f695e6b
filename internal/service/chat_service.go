package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/medichat-api/internal/dto"
	"github.com/noah-isme/medichat-api/internal/middleware"
	"github.com/noah-isme/medichat-api/internal/models"
	"github.com/noah-isme/medichat-api/internal/observability"
	"github.com/noah-isme/medichat-api/internal/repository"
)

const (
	defaultChatSendBuffer    = 32
	defaultChatInboundBuffer = 16
	defaultChatPingInterval  = 30 * time.Second
	defaultChatReplayTimeout = 2 * time.Second
)

// ChatConnection is the transport a chat session runs over. The fiber
// websocket connection satisfies it.
type ChatConnection interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ChatConnectionOptions wraps metadata extracted during the HTTP upgrade.
type ChatConnectionOptions struct {
	// UserID is the authenticated principal, zero when the upgrade was anonymous.
	UserID        uint
	CorrelationID string
	Context       context.Context
}

// ChatServiceConfig tunes buffering and time for the chat dispatcher.
type ChatServiceConfig struct {
	SendBuffer    int
	InboundBuffer int
	PingInterval  time.Duration
	// ReplayTimeout bounds how long a join waits for room to queue the history.
	ReplayTimeout time.Duration
	Clock         func() time.Time
	// Locker orders posts to a room across nodes. Nil orders them per process only.
	Locker RoomLocker
}

// ChatService runs the appointment chat protocol over realtime connections.
type ChatService interface {
	ServeConnection(conn ChatConnection, opts ChatConnectionOptions)
	History(ctx context.Context, appointmentID, userID uint) ([]dto.ChatMessageResponse, error)
	Start(ctx context.Context) error
}

type chatService struct {
	gate      *AccessGate
	chats     repository.ChatRepository
	users     repository.UserRepository
	registry  *RoomRegistry
	sequencer *roomSequencer
	locker    RoomLocker
	fanout    ChatFanout
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
	cfg       ChatServiceConfig
	nodeID    string
}

type chatFanoutEvent struct {
	Source  string                  `json:"source"`
	Message dto.ChatMessageResponse `json:"message"`
	SentAt  time.Time               `json:"sent_at"`
}

// NewChatService creates the appointment chat dispatcher. fanout may be nil
// for single-node deployments.
func NewChatService(
	gate *AccessGate,
	chats repository.ChatRepository,
	users repository.UserRepository,
	registry *RoomRegistry,
	fanout ChatFanout,
	validate *validator.Validate,
	logger zerolog.Logger,
	cfg ChatServiceConfig,
) ChatService {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultChatSendBuffer
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = defaultChatInboundBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultChatPingInterval
	}
	if cfg.ReplayTimeout <= 0 {
		cfg.ReplayTimeout = defaultChatReplayTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Locker == nil {
		cfg.Locker = localRoomLocker{}
	}

	return &chatService{
		gate:      gate,
		chats:     chats,
		users:     users,
		registry:  registry,
		sequencer: newRoomSequencer(),
		locker:    cfg.Locker,
		fanout:    fanout,
		validator: validate,
		sanitizer: bluemonday.UGCPolicy(),
		logger:    logger.With().Str("component", "chat_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/medichat-api/internal/service/chat"),
		cfg:       cfg,
		nodeID:    uuid.NewString(),
	}
}

// Start subscribes to the cross-node fanout, if any.
func (s *chatService) Start(ctx context.Context) error {
	if s.fanout == nil {
		return nil
	}
	return s.fanout.Subscribe(ctx, s.handleFanout)
}

// ServeConnection blocks until the connection closes.
func (s *chatService) ServeConnection(conn ChatConnection, opts ChatConnectionOptions) {
	baseCtx := opts.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if opts.CorrelationID == "" {
		opts.CorrelationID = middleware.CorrelationIDFromContext(baseCtx)
	}
	ctx, cancel := context.WithCancel(baseCtx)

	client := &chatClient{
		id:      uuid.NewString(),
		conn:    conn,
		service: s,
		options: opts,
		send:    make(chan dto.ChatOutboundEvent, s.cfg.SendBuffer),
		inbound: make(chan dto.ChatInboundEnvelope, s.cfg.InboundBuffer),
		closed:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		state:   sessionUnjoined,
	}
	client.logger = s.logger.With().Str("connection_id", client.id).Str("correlation_id", opts.CorrelationID).Logger()

	observability.ChatConnectionsTotal().Inc()
	observability.ChatConnectionsActive().Inc()
	defer observability.ChatConnectionsActive().Dec()

	workerDone := make(chan struct{})
	go client.writer()
	go func() {
		defer close(workerDone)
		client.work()
	}()

	client.reader()
	client.close()
	<-workerDone
	s.registry.Leave(client)
	client.state = sessionClosed
	client.logger.Debug().Msg("chat connection closed")
}

// History returns the replay an authorised participant would receive on join.
func (s *chatService) History(ctx context.Context, appointmentID, userID uint) ([]dto.ChatMessageResponse, error) {
	if _, _, err := s.gate.Authorize(ctx, appointmentID, userID, s.cfg.Clock()); err != nil {
		return nil, err
	}
	return s.loadHistory(ctx, appointmentID)
}

func (s *chatService) handle(client *chatClient, envelope dto.ChatInboundEnvelope) {
	if err := s.validator.Struct(envelope); err != nil {
		client.fail(fmt.Errorf("%w: %v", ErrMalformedEvent, err))
		return
	}

	switch envelope.Event {
	case dto.EventJoinAppointmentChat:
		var request dto.ChatJoinRequest
		if err := decodeChatPayload(s.validator, envelope.Data, &request); err != nil {
			client.fail(err)
			return
		}
		s.join(client, request)
	case dto.EventAppointmentMessage:
		var request dto.ChatPostRequest
		if err := decodeChatPayload(s.validator, envelope.Data, &request); err != nil {
			client.fail(err)
			return
		}
		s.post(client, request)
	}
}

func (s *chatService) join(client *chatClient, request dto.ChatJoinRequest) {
	userID := request.UserID
	if client.options.UserID != 0 {
		if userID == 0 {
			userID = client.options.UserID
		} else if userID != client.options.UserID {
			observability.ChatJoins().WithLabelValues(chatErrorLabel(ErrChatUnauthorized)).Inc()
			client.deny(ErrChatUnauthorized)
			return
		}
	}

	if client.state == sessionJoined {
		s.registry.Leave(client)
	}
	client.state = sessionJoining

	ctx, span := s.tracer.Start(client.operationContext(), "chat.join", trace.WithAttributes(
		attribute.Int64("chat.appointment_id", int64(request.AppointmentID)),
		attribute.Int64("chat.user_id", int64(userID)),
		attribute.String("correlation_id", client.options.CorrelationID),
	))
	defer span.End()

	_, snapshot, err := s.gate.Authorize(ctx, request.AppointmentID, userID, s.cfg.Clock())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "denied")
		observability.ChatJoins().WithLabelValues(chatErrorLabel(err)).Inc()
		client.logger.Info().Err(err).Uint("appointment_id", request.AppointmentID).Uint("user_id", userID).Msg("chat join denied")
		client.deny(err)
		return
	}

	// Holding the room's turn queues the replay ahead of any later broadcast.
	// Relays of messages the replay already holds are skipped by Deliver.
	turn := s.sequencer.acquire(snapshot.ID)
	defer s.sequencer.release(turn)

	s.registry.Join(snapshot.ID, client)
	history, err := s.loadHistory(ctx, snapshot.ID)
	if err != nil {
		s.registry.Leave(client)
		span.RecordError(err)
		span.SetStatus(codes.Error, "history unavailable")
		observability.ChatJoins().WithLabelValues(chatErrorLabel(err)).Inc()
		client.deny(err)
		return
	}

	client.state = sessionJoined
	client.userID = userID
	client.appointment = snapshot
	client.replayedThrough.Store(uint64(lastMessageID(history)))
	if !client.deliverReplay(history, s.cfg.ReplayTimeout) {
		s.registry.Leave(client)
		client.state = sessionDenied
		span.SetStatus(codes.Error, "history not queued")
		observability.ChatJoins().WithLabelValues("replay_timeout").Inc()
		client.logger.Warn().Uint("appointment_id", snapshot.ID).Msg("chat history could not be queued; closing connection")
		client.close()
		return
	}

	observability.ChatJoins().WithLabelValues("ok").Inc()
	client.logger.Info().Uint("appointment_id", snapshot.ID).Uint("user_id", userID).Int("history", len(history)).Msg("chat joined")
}

func (s *chatService) post(client *chatClient, request dto.ChatPostRequest) {
	if client.state != sessionJoined {
		client.fail(ErrNotJoined)
		return
	}
	if request.AppointmentID != 0 && request.AppointmentID != client.appointment.ID {
		client.fail(ErrNotJoined)
		return
	}
	if request.UserID != 0 && request.UserID != client.userID {
		client.fail(ErrChatUnauthorized)
		return
	}

	appointmentID := client.appointment.ID
	now := s.cfg.Clock()
	if err := CheckChatWindow(client.appointment, now); err != nil {
		s.registry.Leave(client)
		client.state = sessionDenied
		observability.ChatErrors().WithLabelValues(chatErrorLabel(err)).Inc()
		client.emit(dto.EventChatClosed, ChatErrorReason(err))
		client.logger.Info().Uint("appointment_id", appointmentID).Msg("chat window closed")
		return
	}

	body := strings.TrimSpace(s.sanitizer.Sanitize(request.Message))
	imagePath := strings.TrimSpace(request.ImagePath)
	if body == "" && imagePath == "" {
		client.fail(ErrInvalidMessage)
		return
	}

	kind := "text"
	model := models.AppointmentChat{
		AppointmentID: appointmentID,
		UserID:        client.userID,
		Message:       body,
	}
	if imagePath != "" {
		kind = "image"
		model.ImagePath = &imagePath
	}

	ctx, span := s.tracer.Start(client.operationContext(), "chat.post", trace.WithAttributes(
		attribute.Int64("chat.appointment_id", int64(appointmentID)),
		attribute.Int64("chat.user_id", int64(client.userID)),
		attribute.String("chat.kind", kind),
		attribute.String("correlation_id", client.options.CorrelationID),
	))
	defer span.End()

	turn := s.sequencer.acquire(appointmentID)
	defer s.sequencer.release(turn)

	lease, err := s.locker.Lock(ctx, appointmentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "room lock failed")
		client.logger.Error().Err(err).Uint("appointment_id", appointmentID).Msg("failed to lock chat room")
		client.fail(fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
		return
	}
	var stamped time.Time
	defer func() {
		if err := lease.Release(ctx, stamped); err != nil {
			client.logger.Warn().Err(err).Uint("appointment_id", appointmentID).Msg("failed to release chat room lock")
		}
	}()

	turn.advance(lease.Floor())
	model.CreatedAt = turn.stamp(now)
	if err := s.chats.Append(ctx, &model); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		if errors.Is(err, repository.ErrEmptyChatMessage) {
			client.fail(ErrInvalidMessage)
			return
		}
		client.logger.Error().Err(err).Uint("appointment_id", appointmentID).Msg("failed to persist chat message")
		client.fail(fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
		return
	}
	stamped = model.CreatedAt
	turn.advance(stamped)

	// With a fanout every node, this one included, broadcasts from the relay
	// so all members see the order the bus carried.
	response := dto.NewChatMessageResponse(model, s.displayName(ctx, model.UserID))
	if s.fanout == nil {
		s.broadcast(turn, response)
	} else if err := s.publish(ctx, response); err != nil {
		observability.ChatFanoutFailures().Inc()
		client.logger.Warn().Err(err).Msg("failed to publish chat event; delivering to local members only")
		s.broadcast(turn, response)
	}

	observability.ChatMessagesSent().WithLabelValues(kind).Inc()
}

func (s *chatService) loadHistory(ctx context.Context, appointmentID uint) ([]dto.ChatMessageResponse, error) {
	messages, err := s.chats.History(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	seen := make(map[uint]struct{})
	authors := make([]uint, 0, 2)
	for _, message := range messages {
		if _, ok := seen[message.UserID]; !ok {
			seen[message.UserID] = struct{}{}
			authors = append(authors, message.UserID)
		}
	}

	names, err := s.users.DisplayNames(ctx, authors)
	if err != nil {
		s.logger.Warn().Err(err).Uint("appointment_id", appointmentID).Msg("failed to resolve chat author names")
		names = nil
	}
	return dto.NewChatMessageResponseSlice(messages, names), nil
}

func (s *chatService) displayName(ctx context.Context, userID uint) string {
	names, err := s.users.DisplayNames(ctx, []uint{userID})
	if err != nil {
		s.logger.Warn().Err(err).Uint("user_id", userID).Msg("failed to resolve chat author name")
		return ""
	}
	return names[userID]
}

// broadcast sends message to this node's members of its room. The caller must hold the room turn.
func (s *chatService) broadcast(turn *roomTurn, message dto.ChatMessageResponse) {
	if message.CreatedAt.After(turn.delivered) {
		turn.delivered = message.CreatedAt
	}
	turn.advance(message.CreatedAt)
	s.registry.Broadcast(message.AppointmentID, dto.ChatOutboundEvent{Event: dto.EventAppointmentMessage, Data: message})
}

func (s *chatService) publish(ctx context.Context, message dto.ChatMessageResponse) error {
	payload, err := json.Marshal(chatFanoutEvent{
		Source:  s.nodeID,
		Message: message,
		SentAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return s.fanout.Publish(ctx, payload)
}

func (s *chatService) handleFanout(data []byte) {
	var event chatFanoutEvent
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid chat fanout event")
		return
	}

	turn := s.sequencer.acquire(event.Message.AppointmentID)
	defer s.sequencer.release(turn)

	if event.Message.CreatedAt.Before(turn.delivered) {
		observability.ChatRelaysReordered().Inc()
		s.logger.Warn().
			Uint("appointment_id", event.Message.AppointmentID).
			Uint("message_id", event.Message.ID).
			Str("source", event.Source).
			Msg("skipping chat relay older than the last delivered message")
		return
	}
	s.broadcast(turn, event.Message)
}

func lastMessageID(history []dto.ChatMessageResponse) uint {
	var last uint
	for _, message := range history {
		if message.ID > last {
			last = message.ID
		}
	}
	return last
}

func decodeChatPayload(validate *validator.Validate, raw json.RawMessage, target interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformedEvent)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

type chatSessionState int

const (
	sessionUnjoined chatSessionState = iota
	sessionJoining
	sessionJoined
	sessionDenied
	sessionClosed
)

// chatClient is one connection's session. state, userID and appointment are
// owned by the worker goroutine.
type chatClient struct {
	id      string
	conn    ChatConnection
	service *chatService
	options ChatConnectionOptions
	send    chan dto.ChatOutboundEvent
	inbound chan dto.ChatInboundEnvelope
	closed  chan struct{}
	once    sync.Once
	ctx     context.Context
	cancel  context.CancelFunc
	logger  zerolog.Logger

	state       chatSessionState
	userID      uint
	appointment models.AppointmentSnapshot

	// replayedThrough is the highest message id in the last history sent.
	replayedThrough atomic.Uint64
}

func (c *chatClient) MemberID() string {
	return c.id
}

// Deliver queues event without blocking. It reports false when the
// connection is gone or its queue is full. Messages already sent in the
// history replay are skipped.
func (c *chatClient) Deliver(event dto.ChatOutboundEvent) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	if message, ok := event.Data.(dto.ChatMessageResponse); ok && uint64(message.ID) <= c.replayedThrough.Load() {
		return true
	}

	select {
	case c.send <- event:
		return true
	default:
		observability.ChatDroppedEvents().Inc()
		c.logger.Warn().Str("event", event.Event).Msg("dropping chat event for slow client")
		return false
	}
}

// deliverReplay queues the history, waiting up to timeout for queue space.
func (c *chatClient) deliverReplay(history []dto.ChatMessageResponse, timeout time.Duration) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.send <- dto.ChatOutboundEvent{Event: dto.EventChatHistory, Data: history}:
		return true
	case <-c.closed:
		return false
	case <-timer.C:
		observability.ChatDroppedEvents().Inc()
		return false
	}
}

func (c *chatClient) emit(event string, data interface{}) {
	c.Deliver(dto.ChatOutboundEvent{Event: event, Data: data})
}

func (c *chatClient) fail(err error) {
	observability.ChatErrors().WithLabelValues(chatErrorLabel(err)).Inc()
	c.logger.Debug().Err(err).Msg("chat event rejected")
	c.emit(dto.EventChatError, ChatErrorReason(err))
}

func (c *chatClient) deny(err error) {
	c.state = sessionDenied
	c.fail(err)
}

// operationContext outlives the connection so in-flight store calls finish
// even after a disconnect.
func (c *chatClient) operationContext() context.Context {
	return context.WithoutCancel(c.ctx)
}

func (c *chatClient) reader() {
	defer close(c.inbound)

	for {
		var envelope dto.ChatInboundEnvelope
		if err := c.conn.ReadJSON(&envelope); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.fail(fmt.Errorf("%w: %v", ErrMalformedEvent, err))
				continue
			}
			c.logger.Debug().Err(err).Msg("chat read loop ended")
			return
		}

		select {
		case c.inbound <- envelope:
		case <-c.closed:
			return
		}
	}
}

func (c *chatClient) work() {
	for envelope := range c.inbound {
		if c.ctx.Err() != nil {
			return
		}
		c.service.handle(c, envelope)
	}
}

func (c *chatClient) writer() {
	defer c.close()

	ticker := time.NewTicker(c.service.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-c.send:
			if err := c.conn.WriteJSON(event); err != nil {
				c.logger.Debug().Err(err).Msg("chat write loop terminated")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.logger.Debug().Err(err).Msg("chat ping failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *chatClient) close() {
	c.once.Do(func() {
		close(c.closed)
		c.cancel()
		_ = c.conn.Close()
	})
}
