package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/medichat-api/internal/dto"
	"github.com/noah-isme/medichat-api/internal/models"
	"github.com/noah-isme/medichat-api/internal/repository"
)

type receivedEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (e receivedEvent) reason(t *testing.T) string {
	t.Helper()
	var reason string
	require.NoError(t, json.Unmarshal(e.Data, &reason))
	return reason
}

func (e receivedEvent) message(t *testing.T) dto.ChatMessageResponse {
	t.Helper()
	var message dto.ChatMessageResponse
	require.NoError(t, json.Unmarshal(e.Data, &message))
	return message
}

func (e receivedEvent) history(t *testing.T) []dto.ChatMessageResponse {
	t.Helper()
	var history []dto.ChatMessageResponse
	require.NoError(t, json.Unmarshal(e.Data, &history))
	require.NotNil(t, history)
	return history
}

type fakeChatConn struct {
	frames    chan []byte
	events    chan receivedEvent
	closed    chan struct{}
	served    chan struct{}
	closeOnce sync.Once
}

func newFakeChatConn() *fakeChatConn {
	return &fakeChatConn{
		frames: make(chan []byte, 64),
		events: make(chan receivedEvent, 128),
		closed: make(chan struct{}),
		served: make(chan struct{}),
	}
}

func (c *fakeChatConn) ReadJSON(v interface{}) error {
	select {
	case frame := <-c.frames:
		return json.Unmarshal(frame, v)
	case <-c.closed:
		return io.EOF
	}
}

func (c *fakeChatConn) WriteJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var event receivedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}
	select {
	case c.events <- event:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *fakeChatConn) WriteMessage(int, []byte) error {
	return nil
}

func (c *fakeChatConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChatConn) send(t *testing.T, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	payload, err := json.Marshal(dto.ChatInboundEnvelope{Event: event, Data: raw})
	require.NoError(t, err)
	c.frames <- payload
}

func (c *fakeChatConn) join(t *testing.T, appointmentID, userID uint) {
	t.Helper()
	c.send(t, dto.EventJoinAppointmentChat, dto.ChatJoinRequest{AppointmentID: appointmentID, UserID: userID})
}

func (c *fakeChatConn) post(t *testing.T, message, imagePath string) {
	t.Helper()
	c.send(t, dto.EventAppointmentMessage, dto.ChatPostRequest{Message: message, ImagePath: imagePath})
}

func (c *fakeChatConn) expect(t *testing.T, event string) receivedEvent {
	t.Helper()
	select {
	case received := <-c.events:
		require.Equal(t, event, received.Event, "payload: %s", received.Data)
		return received
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", event)
		return receivedEvent{}
	}
}

func (c *fakeChatConn) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case received := <-c.events:
		t.Fatalf("unexpected %s event: %s", received.Event, received.Data)
	case <-time.After(100 * time.Millisecond):
	}
}

type chatRepoStub struct {
	mu         sync.Mutex
	messages   []models.AppointmentChat
	nextID     uint
	appendErr  error
	historyErr error
	// beforeAppend, when set, runs ahead of each insert.
	beforeAppend func(message *models.AppointmentChat)
}

func (s *chatRepoStub) Append(ctx context.Context, message *models.AppointmentChat) error {
	if s.beforeAppend != nil {
		s.beforeAppend(message)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !message.HasContent() {
		return repository.ErrEmptyChatMessage
	}
	if s.appendErr != nil {
		return s.appendErr
	}
	s.nextID++
	message.ID = s.nextID
	s.messages = append(s.messages, *message)
	return nil
}

func (s *chatRepoStub) History(ctx context.Context, appointmentID uint) ([]models.AppointmentChat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	out := make([]models.AppointmentChat, 0)
	for _, message := range s.messages {
		if message.AppointmentID == appointmentID {
			out = append(out, message)
		}
	}
	return out, nil
}

func (s *chatRepoStub) rows(appointmentID uint) []models.AppointmentChat {
	rows, _ := s.History(context.Background(), appointmentID)
	return rows
}

type userRepoStub struct {
	names map[uint]string
	err   error
}

func (s *userRepoStub) DisplayNames(ctx context.Context, ids []uint) (map[uint]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	names := make(map[uint]string, len(ids))
	for _, id := range ids {
		if name, ok := s.names[id]; ok {
			names[id] = name
		}
	}
	return names, nil
}

// fanoutStub loops published payloads back to the subscriber in order, like
// a bus with a single node on it.
type fanoutStub struct {
	mu         sync.Mutex
	published  [][]byte
	held       [][]byte
	hold       bool
	publishErr error
	relay      chan []byte
	handle     func([]byte)
}

func newFanoutStub() *fanoutStub {
	return &fanoutStub{relay: make(chan []byte, 256)}
}

func (f *fanoutStub) Publish(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, payload)
	if f.hold {
		f.held = append(f.held, payload)
		return nil
	}
	f.relay <- payload
	return nil
}

func (f *fanoutStub) Subscribe(ctx context.Context, handle func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handle = handle
	go func() {
		for {
			select {
			case payload := <-f.relay:
				handle(payload)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// pause keeps later publishes off the relay until resume.
func (f *fanoutStub) pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = true
}

func (f *fanoutStub) resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = false
	for _, payload := range f.held {
		f.relay <- payload
	}
	f.held = nil
}

func (f *fanoutStub) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type chatHarness struct {
	svc          *chatService
	registry     *RoomRegistry
	appointments *appointmentRepoStub
	chats        *chatRepoStub
	users        *userRepoStub
	fanout       *fanoutStub
	clock        *testClock
}

func newChatHarness(t *testing.T) *chatHarness {
	t.Helper()

	h := &chatHarness{
		registry:     NewRoomRegistry(testLogger()),
		appointments: &appointmentRepoStub{snapshots: map[uint]models.AppointmentSnapshot{42: confirmedAppointment()}},
		chats:        &chatRepoStub{},
		users:        &userRepoStub{names: map[uint]string{7: "Pat Patient", 9: "Dr. Dee"}},
		fanout:       newFanoutStub(),
		clock:        &testClock{now: appointmentStart.Add(5 * time.Minute)},
	}

	h.svc = NewChatService(
		NewAccessGate(h.appointments),
		h.chats,
		h.users,
		h.registry,
		h.fanout,
		validator.New(validator.WithRequiredStructEnabled()),
		testLogger(),
		ChatServiceConfig{PingInterval: time.Hour, Clock: h.clock.Now},
	).(*chatService)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, h.svc.Start(ctx))

	return h
}

func (h *chatHarness) connect(t *testing.T, userID uint) *fakeChatConn {
	t.Helper()
	conn := newFakeChatConn()
	go func() {
		defer close(conn.served)
		h.svc.ServeConnection(conn, ChatConnectionOptions{UserID: userID, CorrelationID: "test"})
	}()
	t.Cleanup(func() {
		_ = conn.Close()
		<-conn.served
	})
	return conn
}

func (h *chatHarness) joined(t *testing.T, userID uint) *fakeChatConn {
	t.Helper()
	conn := h.connect(t, userID)
	conn.join(t, 42, userID)
	conn.expect(t, dto.EventChatHistory)
	return conn
}

func TestChatJoinWithNoMessagesYieldsEmptyHistory(t *testing.T) {
	h := newChatHarness(t)
	conn := h.connect(t, 0)

	conn.join(t, 42, 7)
	history := conn.expect(t, dto.EventChatHistory).history(t)

	require.Empty(t, history)
	require.Equal(t, 1, h.registry.Members(42))
}

func TestChatJoinReplaysHistoryOldestFirst(t *testing.T) {
	h := newChatHarness(t)
	first := appointmentStart.Add(-10 * time.Minute)
	h.chats.messages = []models.AppointmentChat{
		{ID: 1, AppointmentID: 42, UserID: 7, Message: "hi doctor", CreatedAt: first},
		{ID: 2, AppointmentID: 42, UserID: 9, Message: "hello", CreatedAt: first.Add(time.Minute)},
		{ID: 3, AppointmentID: 43, UserID: 5, Message: "other room", CreatedAt: first},
	}
	h.chats.nextID = 3

	conn := h.connect(t, 0)
	conn.join(t, 42, 9)
	history := conn.expect(t, dto.EventChatHistory).history(t)

	require.Len(t, history, 2)
	require.Equal(t, "hi doctor", history[0].Message)
	require.Equal(t, "Pat Patient", history[0].AuthorDisplayName)
	require.Equal(t, "hello", history[1].Message)
	require.Equal(t, "Dr. Dee", history[1].AuthorDisplayName)
}

func TestChatBroadcastReachesBothParticipants(t *testing.T) {
	h := newChatHarness(t)
	patient := h.joined(t, 7)
	doctor := h.joined(t, 9)

	patient.post(t, "hello", "")

	fromPatient := patient.expect(t, dto.EventAppointmentMessage).message(t)
	fromDoctor := doctor.expect(t, dto.EventAppointmentMessage).message(t)

	require.Equal(t, "hello", fromPatient.Message)
	require.Equal(t, fromPatient.Message, fromDoctor.Message)
	require.True(t, fromPatient.CreatedAt.Equal(fromDoctor.CreatedAt))
	require.Equal(t, fromPatient.ID, fromDoctor.ID)
	require.Equal(t, uint(42), fromDoctor.AppointmentID)
	require.Equal(t, uint(7), fromDoctor.UserID)
	require.Equal(t, "Pat Patient", fromDoctor.AuthorDisplayName)
	require.Nil(t, fromDoctor.ImagePath)

	rows := h.chats.rows(42)
	require.Len(t, rows, 1)
	require.Equal(t, "hello", rows[0].Message)
	require.Equal(t, 1, h.fanout.publishedCount())

	patient.expectSilence(t)
	doctor.expectSilence(t)
}

func TestChatJoinDenials(t *testing.T) {
	cases := []struct {
		name          string
		appointmentID uint
		userID        uint
		at            time.Time
		status        models.AppointmentStatus
		reason        string
	}{
		{name: "missing appointment", appointmentID: 99, userID: 7, at: appointmentStart, reason: "Invalid or unconfirmed appointment."},
		{name: "pending appointment", appointmentID: 42, userID: 7, at: appointmentStart, status: models.AppointmentPending, reason: "Invalid or unconfirmed appointment."},
		{name: "too early", appointmentID: 42, userID: 7, at: appointmentStart.Add(-16 * time.Minute), reason: "Chat is only available during the appointment time."},
		{name: "too late", appointmentID: 42, userID: 9, at: appointmentStart.Add(46 * time.Minute), reason: "Chat is only available during the appointment time."},
		{name: "stranger", appointmentID: 42, userID: 11, at: appointmentStart, reason: "You are not authorized for this chat."},
		{name: "anonymous", appointmentID: 42, userID: 0, at: appointmentStart, reason: "You are not authorized for this chat."},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newChatHarness(t)
			if tc.status != "" {
				snapshot := h.appointments.snapshots[42]
				snapshot.Status = tc.status
				h.appointments.snapshots[42] = snapshot
			}
			h.clock.Set(tc.at)

			conn := h.connect(t, 0)
			conn.join(t, tc.appointmentID, tc.userID)
			require.Equal(t, tc.reason, conn.expect(t, dto.EventChatError).reason(t))
			require.Zero(t, h.registry.Members(42))

			conn.post(t, "let me in", "")
			require.Equal(t, "Join the appointment chat before sending messages.", conn.expect(t, dto.EventChatError).reason(t))
			require.Empty(t, h.chats.rows(42))
		})
	}
}

func TestChatDeniedConnectionMayRetryJoin(t *testing.T) {
	h := newChatHarness(t)
	conn := h.connect(t, 0)

	conn.join(t, 42, 11)
	conn.expect(t, dto.EventChatError)

	conn.join(t, 42, 7)
	conn.expect(t, dto.EventChatHistory)
	require.Equal(t, 1, h.registry.Members(42))
}

func TestChatPostBeforeJoinIsRejected(t *testing.T) {
	h := newChatHarness(t)
	conn := h.connect(t, 7)

	conn.post(t, "hello", "")

	require.Equal(t, "Join the appointment chat before sending messages.", conn.expect(t, dto.EventChatError).reason(t))
	require.Empty(t, h.chats.rows(42))
}

func TestChatPostRejectsEmptyMessage(t *testing.T) {
	h := newChatHarness(t)
	patient := h.joined(t, 7)
	doctor := h.joined(t, 9)

	patient.post(t, "   ", "")

	require.Equal(t, "Message must include text or an image.", patient.expect(t, dto.EventChatError).reason(t))
	doctor.expectSilence(t)
	require.Empty(t, h.chats.rows(42))
	require.Zero(t, h.fanout.publishedCount())
}

func TestChatPostAcceptsImageOnlyMessage(t *testing.T) {
	h := newChatHarness(t)
	patient := h.joined(t, 7)

	patient.post(t, "", "/uploads/chat_images/scan.png")

	message := patient.expect(t, dto.EventAppointmentMessage).message(t)
	require.Empty(t, message.Message)
	require.NotNil(t, message.ImagePath)
	require.Equal(t, "/uploads/chat_images/scan.png", *message.ImagePath)
}

func TestChatPostSanitizesMarkup(t *testing.T) {
	h := newChatHarness(t)
	patient := h.joined(t, 7)

	patient.post(t, `<script>alert(1)</script>hi <b>there</b>`, "")

	message := patient.expect(t, dto.EventAppointmentMessage).message(t)
	require.NotContains(t, message.Message, "script")
	require.Contains(t, message.Message, "hi")
	require.Equal(t, message.Message, h.chats.rows(42)[0].Message)
}

func TestChatStoreFailureIsReportedWithoutBroadcast(t *testing.T) {
	h := newChatHarness(t)
	patient := h.joined(t, 7)
	doctor := h.joined(t, 9)
	h.chats.mu.Lock()
	h.chats.appendErr = errors.New("disk full")
	h.chats.mu.Unlock()

	patient.post(t, "hello", "")

	require.Equal(t, "Message could not be saved, please retry.", patient.expect(t, dto.EventChatError).reason(t))
	doctor.expectSilence(t)
	require.Zero(t, h.fanout.publishedCount())
}

func TestChatHistoryFailureDeniesJoin(t *testing.T) {
	h := newChatHarness(t)
	h.chats.historyErr = errors.New("db down")
	conn := h.connect(t, 7)

	conn.join(t, 42, 7)

	require.Equal(t, "Message could not be saved, please retry.", conn.expect(t, dto.EventChatError).reason(t))
	require.Zero(t, h.registry.Members(42))
}

func TestChatClosesAfterWindow(t *testing.T) {
	h := newChatHarness(t)
	patient := h.joined(t, 7)

	h.clock.Set(appointmentStart.Add(45*time.Minute + time.Second))
	patient.post(t, "still there?", "")

	require.Equal(t, "Chat is only available during the appointment time.", patient.expect(t, dto.EventChatClosed).reason(t))
	require.Zero(t, h.registry.Members(42))
	require.Empty(t, h.chats.rows(42))

	patient.post(t, "hello?", "")
	require.Equal(t, "Join the appointment chat before sending messages.", patient.expect(t, dto.EventChatError).reason(t))
}

func TestChatPostAllowedAfterStatusChangeInsideWindow(t *testing.T) {
	h := newChatHarness(t)
	patient := h.joined(t, 7)

	snapshot := h.appointments.snapshots[42]
	snapshot.Status = models.AppointmentCancelled
	h.appointments.snapshots[42] = snapshot

	patient.post(t, "hello", "")
	patient.expect(t, dto.EventAppointmentMessage)
}

func TestChatJoinRejectsMismatchedPrincipal(t *testing.T) {
	h := newChatHarness(t)
	conn := h.connect(t, 7)

	conn.join(t, 42, 9)
	require.Equal(t, "You are not authorized for this chat.", conn.expect(t, dto.EventChatError).reason(t))

	conn.send(t, dto.EventJoinAppointmentChat, map[string]uint{"appointmentId": 42})
	conn.expect(t, dto.EventChatHistory)

	conn.post(t, "hello", "")
	require.Equal(t, uint(7), conn.expect(t, dto.EventAppointmentMessage).message(t).UserID)
}

func TestChatPostRejectsForeignIdentifiers(t *testing.T) {
	h := newChatHarness(t)
	patient := h.joined(t, 7)

	patient.send(t, dto.EventAppointmentMessage, dto.ChatPostRequest{AppointmentID: 43, Message: "wrong room"})
	require.Equal(t, "Join the appointment chat before sending messages.", patient.expect(t, dto.EventChatError).reason(t))

	patient.send(t, dto.EventAppointmentMessage, dto.ChatPostRequest{UserID: 9, Message: "spoofed"})
	require.Equal(t, "You are not authorized for this chat.", patient.expect(t, dto.EventChatError).reason(t))

	require.Empty(t, h.chats.rows(42))
}

func TestChatMalformedFramesKeepConnectionOpen(t *testing.T) {
	h := newChatHarness(t)
	conn := h.connect(t, 7)

	conn.frames <- []byte("{not json")
	require.Equal(t, "Malformed chat event.", conn.expect(t, dto.EventChatError).reason(t))

	conn.send(t, "typing", map[string]bool{"active": true})
	require.Equal(t, "Malformed chat event.", conn.expect(t, dto.EventChatError).reason(t))

	conn.frames <- []byte(`{"event":"joinAppointmentChat","data":{"appointmentId":"forty-two"}}`)
	require.Equal(t, "Malformed chat event.", conn.expect(t, dto.EventChatError).reason(t))

	conn.join(t, 42, 7)
	conn.expect(t, dto.EventChatHistory)
}

func TestChatDisconnectLeavesRoom(t *testing.T) {
	h := newChatHarness(t)
	patient := h.joined(t, 7)
	doctor := h.joined(t, 9)
	require.Equal(t, 2, h.registry.Members(42))

	require.NoError(t, doctor.Close())
	<-doctor.served
	require.Equal(t, 1, h.registry.Members(42))

	patient.post(t, "are you there?", "")
	patient.expect(t, dto.EventAppointmentMessage)
	require.Len(t, h.chats.rows(42), 1)
}

func TestChatCreatedAtNeverGoesBackwards(t *testing.T) {
	h := newChatHarness(t)
	patient := h.joined(t, 7)

	patient.post(t, "first", "")
	first := patient.expect(t, dto.EventAppointmentMessage).message(t)

	h.clock.Set(appointmentStart.Add(time.Minute))
	patient.post(t, "second", "")
	second := patient.expect(t, dto.EventAppointmentMessage).message(t)

	require.False(t, second.CreatedAt.Before(first.CreatedAt))
	require.Greater(t, second.ID, first.ID)

	patient.join(t, 42, 7)
	history := patient.expect(t, dto.EventChatHistory).history(t)
	require.Len(t, history, 2)
	require.Equal(t, "first", history[0].Message)
	require.Equal(t, "second", history[1].Message)
}

func TestChatConcurrentPostersShareOneOrder(t *testing.T) {
	h := newChatHarness(t)
	patient := h.joined(t, 7)
	doctor := h.joined(t, 9)
	observer := h.joined(t, 7)

	const perPoster = 10
	for i := 0; i < perPoster; i++ {
		patient.post(t, "from patient", "")
		doctor.post(t, "from doctor", "")
	}

	var lastID uint
	var lastCreated time.Time
	for i := 0; i < 2*perPoster; i++ {
		message := observer.expect(t, dto.EventAppointmentMessage).message(t)
		require.Greater(t, message.ID, lastID)
		require.False(t, message.CreatedAt.Before(lastCreated))
		lastID = message.ID
		lastCreated = message.CreatedAt
	}

	rows := h.chats.rows(42)
	require.Len(t, rows, 2*perPoster)
	require.Equal(t, lastID, rows[len(rows)-1].ID)
}

func TestChatBroadcastToleratesNameLookupFailure(t *testing.T) {
	h := newChatHarness(t)
	patient := h.joined(t, 7)
	h.users.err = errors.New("users offline")

	patient.post(t, "hello", "")

	message := patient.expect(t, dto.EventAppointmentMessage).message(t)
	require.Equal(t, "hello", message.Message)
	require.Empty(t, message.AuthorDisplayName)
}

func relayPayload(t *testing.T, message dto.ChatMessageResponse) []byte {
	t.Helper()
	payload, err := json.Marshal(chatFanoutEvent{Source: "node-b", Message: message, SentAt: time.Now()})
	require.NoError(t, err)
	return payload
}

func TestChatFanoutDeliversRemoteMessages(t *testing.T) {
	h := newChatHarness(t)
	doctor := h.joined(t, 9)

	remote := dto.ChatMessageResponse{ID: 77, AppointmentID: 42, UserID: 7, Message: "from node b", CreatedAt: appointmentStart.Add(time.Minute)}
	h.fanout.handle(relayPayload(t, remote))
	require.Equal(t, "from node b", doctor.expect(t, dto.EventAppointmentMessage).message(t).Message)

	stale := dto.ChatMessageResponse{ID: 78, AppointmentID: 42, UserID: 7, Message: "late relay", CreatedAt: appointmentStart}
	h.fanout.handle(relayPayload(t, stale))
	h.fanout.handle([]byte("garbage"))
	doctor.expectSilence(t)

	// Local stamps never fall behind what the relay delivered.
	h.clock.Set(appointmentStart)
	doctor.post(t, "after relay", "")
	message := doctor.expect(t, dto.EventAppointmentMessage).message(t)
	require.False(t, message.CreatedAt.Before(remote.CreatedAt))
}

func TestChatPublishedMessagesReachLocalMembersThroughTheRelay(t *testing.T) {
	h := newChatHarness(t)
	patient := h.joined(t, 7)
	doctor := h.joined(t, 9)

	h.fanout.pause()
	patient.post(t, "queued on the bus", "")
	require.Eventually(t, func() bool { return h.fanout.publishedCount() == 1 }, time.Second, 5*time.Millisecond)
	doctor.expectSilence(t)
	require.Len(t, h.chats.rows(42), 1)

	h.fanout.resume()
	require.Equal(t, "queued on the bus", doctor.expect(t, dto.EventAppointmentMessage).message(t).Message)
	require.Equal(t, "queued on the bus", patient.expect(t, dto.EventAppointmentMessage).message(t).Message)
}

func TestChatPublishFailureFallsBackToLocalMembers(t *testing.T) {
	h := newChatHarness(t)
	patient := h.joined(t, 7)
	doctor := h.joined(t, 9)
	h.fanout.mu.Lock()
	h.fanout.publishErr = errors.New("bus down")
	h.fanout.mu.Unlock()

	patient.post(t, "still here", "")

	require.Equal(t, "still here", doctor.expect(t, dto.EventAppointmentMessage).message(t).Message)
	require.Equal(t, "still here", patient.expect(t, dto.EventAppointmentMessage).message(t).Message)
	require.Zero(t, h.fanout.publishedCount())
	require.Len(t, h.chats.rows(42), 1)
}

func TestChatJoinSkipsRelaysAlreadyInHistory(t *testing.T) {
	h := newChatHarness(t)
	patient := h.joined(t, 7)

	h.fanout.pause()
	patient.post(t, "persisted before the relay", "")
	require.Eventually(t, func() bool { return h.fanout.publishedCount() == 1 }, time.Second, 5*time.Millisecond)

	doctor := h.connect(t, 9)
	doctor.join(t, 42, 9)
	history := doctor.expect(t, dto.EventChatHistory).history(t)
	require.Len(t, history, 1)

	h.fanout.resume()
	require.Equal(t, history[0].ID, patient.expect(t, dto.EventAppointmentMessage).message(t).ID)
	doctor.expectSilence(t)

	patient.post(t, "after the join", "")
	require.Equal(t, "after the join", doctor.expect(t, dto.EventAppointmentMessage).message(t).Message)
}

func TestChatJoinClosesSessionWhenHistoryCannotBeQueued(t *testing.T) {
	h := newChatHarness(t)
	h.svc.cfg.ReplayTimeout = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	conn := newFakeChatConn()
	client := &chatClient{
		id:      "stalled",
		conn:    conn,
		service: h.svc,
		send:    make(chan dto.ChatOutboundEvent, 1),
		closed:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		logger:  testLogger(),
		state:   sessionUnjoined,
	}
	client.send <- dto.ChatOutboundEvent{Event: dto.EventChatError}

	h.svc.join(client, dto.ChatJoinRequest{AppointmentID: 42, UserID: 7})

	require.Equal(t, sessionDenied, client.state)
	require.Zero(t, h.registry.Members(42))
	select {
	case <-client.closed:
	default:
		t.Fatal("stalled session left open")
	}
}

func TestChatServiceHistory(t *testing.T) {
	h := newChatHarness(t)
	h.chats.messages = []models.AppointmentChat{{ID: 1, AppointmentID: 42, UserID: 9, Message: "see you soon", CreatedAt: appointmentStart}}

	messages, err := h.svc.History(context.Background(), 42, 7)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "Dr. Dee", messages[0].AuthorDisplayName)

	_, err = h.svc.History(context.Background(), 42, 11)
	require.ErrorIs(t, err, ErrChatUnauthorized)
}

func TestChatClientDropsEventsForSlowConsumers(t *testing.T) {
	client := &chatClient{
		send:   make(chan dto.ChatOutboundEvent, 1),
		closed: make(chan struct{}),
		logger: testLogger(),
	}

	require.True(t, client.Deliver(dto.ChatOutboundEvent{Event: dto.EventAppointmentMessage}))
	require.False(t, client.Deliver(dto.ChatOutboundEvent{Event: dto.EventAppointmentMessage}))

	close(client.closed)
	<-client.send
	require.False(t, client.Deliver(dto.ChatOutboundEvent{Event: dto.EventAppointmentMessage}))
}

func TestChatClientReplayWaitsForQueueSpace(t *testing.T) {
	client := &chatClient{
		send:   make(chan dto.ChatOutboundEvent, 1),
		closed: make(chan struct{}),
		logger: testLogger(),
	}
	client.send <- dto.ChatOutboundEvent{Event: dto.EventAppointmentMessage}

	require.False(t, client.deliverReplay([]dto.ChatMessageResponse{}, 10*time.Millisecond))

	go func() {
		time.Sleep(20 * time.Millisecond)
		<-client.send
	}()
	require.True(t, client.deliverReplay([]dto.ChatMessageResponse{}, time.Second))
	require.Equal(t, dto.EventChatHistory, (<-client.send).Event)

	close(client.closed)
	require.False(t, client.deliverReplay([]dto.ChatMessageResponse{}, time.Second))
}

func TestChatClientSkipsMessagesInLastReplay(t *testing.T) {
	client := &chatClient{
		send:   make(chan dto.ChatOutboundEvent, 4),
		closed: make(chan struct{}),
		logger: testLogger(),
	}
	client.replayedThrough.Store(5)

	require.True(t, client.Deliver(dto.ChatOutboundEvent{Event: dto.EventAppointmentMessage, Data: dto.ChatMessageResponse{ID: 5}}))
	require.Empty(t, client.send)
	require.True(t, client.Deliver(dto.ChatOutboundEvent{Event: dto.EventAppointmentMessage, Data: dto.ChatMessageResponse{ID: 6}}))
	require.Len(t, client.send, 1)
}

func TestRoomTurnStampIsMonotonic(t *testing.T) {
	sequencer := newRoomSequencer()
	turn := sequencer.acquire(42)
	defer sequencer.release(turn)

	now := time.Date(2024, time.June, 1, 10, 0, 0, 123456789, time.FixedZone("WIB", 7*3600))
	stamp := turn.stamp(now)
	require.Equal(t, time.UTC, stamp.Location())
	require.Equal(t, 123456000, stamp.Nanosecond())

	turn.advance(stamp)
	turn.advance(stamp.Add(-time.Hour))
	require.Equal(t, stamp, turn.stamp(now.Add(-time.Second)))
	require.True(t, turn.stamp(now.Add(time.Second)).After(stamp))
}

func TestRoomSequencerSweepsIdleRooms(t *testing.T) {
	sequencer := newRoomSequencer()
	for i := 0; i < sequencerSweepThreshold; i++ {
		sequencer.release(sequencer.acquire(uint(i + 1)))
	}
	require.Len(t, sequencer.rooms, sequencerSweepThreshold)

	sequencer.release(sequencer.acquire(5000))
	require.Len(t, sequencer.rooms, 1)
	require.Contains(t, sequencer.rooms, uint(5000))
}
