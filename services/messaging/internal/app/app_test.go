package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"gigwire/pkg/domain"
	"gigwire/pkg/store"
	"gigwire/services/messaging/internal/chat"
	"gigwire/services/messaging/internal/jobsclient"
)

type envelope struct {
	Type    string          `json:"type"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

func decodeEnvelope(t *testing.T, raw []byte) envelope {
	t.Helper()
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return e
}

func decodePayload(t *testing.T, e envelope, v any) {
	t.Helper()
	if err := json.Unmarshal(e.Payload, v); err != nil {
		t.Fatalf("decode %s payload: %v", e.Type, err)
	}
}

type fakeRegistry struct {
	mu           sync.Mutex
	broadcasts   map[string][][]byte
	direct       map[string][][]byte
	subs         map[string]map[string]bool
	sessionRooms map[string][]string
	unregistered int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		broadcasts:   make(map[string][][]byte),
		direct:       make(map[string][][]byte),
		subs:         make(map[string]map[string]bool),
		sessionRooms: make(map[string][]string),
	}
}

func (r *fakeRegistry) Broadcast(roomID string, frame []byte, excludeUserID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts[roomID] = append(r.broadcasts[roomID], frame)
	return len(r.subs[roomID])
}

func (r *fakeRegistry) SendToUser(userID string, frame []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.direct[userID] = append(r.direct[userID], frame)
	return true
}

func (r *fakeRegistry) Subscribe(roomID string, s *chat.Session) {
	r.markSubscribed(roomID, s.UserID())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionRooms[s.ID()] = append(r.sessionRooms[s.ID()], roomID)
}

func (r *fakeRegistry) Unsubscribe(roomID string, s *chat.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs[roomID], s.UserID())
	kept := r.sessionRooms[s.ID()][:0]
	for _, id := range r.sessionRooms[s.ID()] {
		if id != roomID {
			kept = append(kept, id)
		}
	}
	r.sessionRooms[s.ID()] = kept
}

func (r *fakeRegistry) IsSubscribed(roomID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[roomID][userID]
}

func (r *fakeRegistry) Rooms(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sessionRooms[sessionID]...)
}

func (r *fakeRegistry) Unregister(s *chat.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered++
	delete(r.sessionRooms, s.ID())
}

func (r *fakeRegistry) markSubscribed(roomID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[roomID] == nil {
		r.subs[roomID] = make(map[string]bool)
	}
	r.subs[roomID][userID] = true
}

func (r *fakeRegistry) roomFrames(t *testing.T, roomID string) []envelope {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	frames := make([]envelope, 0, len(r.broadcasts[roomID]))
	for _, raw := range r.broadcasts[roomID] {
		frames = append(frames, decodeEnvelope(t, raw))
	}
	return frames
}

func (r *fakeRegistry) userFrames(t *testing.T, userID string) []envelope {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	frames := make([]envelope, 0, len(r.direct[userID]))
	for _, raw := range r.direct[userID] {
		frames = append(frames, decodeEnvelope(t, raw))
	}
	return frames
}

type typingCall struct {
	roomID string
	userID string
}

type fakeTyping struct {
	mu     sync.Mutex
	starts []typingCall
	stops  []typingCall
}

func (f *fakeTyping) Start(ctx context.Context, roomID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, typingCall{roomID, userID})
	return nil
}

func (f *fakeTyping) Stop(ctx context.Context, roomID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, typingCall{roomID, userID})
	return nil
}

func (f *fakeTyping) stopped(roomID, userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.stops {
		if c.roomID == roomID && c.userID == userID {
			return true
		}
	}
	return false
}

type fakeJobs struct {
	jobs map[string]jobsclient.Job
}

func (f *fakeJobs) GetJob(ctx context.Context, jobID string) (jobsclient.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return jobsclient.Job{}, &jobsclient.APIError{Status: http.StatusNotFound, Message: "job not found"}
	}
	return job, nil
}

type fakeObjects struct {
	mu    sync.Mutex
	data  map[string][]byte
	types map[string]string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{data: make(map[string][]byte), types: make(map[string]string)}
}

func (f *fakeObjects) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(body)) != size {
		return fmt.Errorf("size mismatch: got %d want %d", len(body), size)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = body
	f.types[key] = contentType
	return nil
}

func (f *fakeObjects) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://files.local/" + key + "?sig=test", nil
}

type testEnv struct {
	app      *App
	store    *store.GormStore
	registry *fakeRegistry
	typing   *fakeTyping
	objects  *fakeObjects
	jobs     *fakeJobs
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	st, err := store.NewGormStoreWithDB(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	env := &testEnv{
		store:    st,
		registry: newFakeRegistry(),
		typing:   &fakeTyping{},
		objects:  newFakeObjects(),
		jobs:     &fakeJobs{jobs: make(map[string]jobsclient.Job)},
	}
	app, err := New(Config{
		Store:    st,
		Registry: env.registry,
		Typing:   env.typing,
		Objects:  env.objects,
		Jobs:     env.jobs,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	env.app = app
	return env
}

func (e *testEnv) seedDirectRoom(t *testing.T, userA, userB string) domain.Room {
	t.Helper()
	now := time.Now().UTC()
	room, _, err := e.store.EnsureRoom(domain.Room{
		ID:        uuid.NewString(),
		Kind:      domain.RoomDirect,
		PairKey:   domain.PairKey(userA, userB),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}, []string{userA, userB})
	if err != nil {
		t.Fatalf("seed direct room: %v", err)
	}
	return room
}

func (e *testEnv) seedJobRoom(t *testing.T, jobID, clientID, counterpartID string) domain.Room {
	t.Helper()
	now := time.Now().UTC()
	room, _, err := e.store.EnsureRoom(domain.Room{
		ID:            uuid.NewString(),
		Kind:          domain.RoomJob,
		JobID:         jobID,
		CounterpartID: counterpartID,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, []string{clientID, counterpartID})
	if err != nil {
		t.Fatalf("seed job room: %v", err)
	}
	return room
}

func TestEnsureDirectRoomIsIdempotentAcrossInitiators(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.app.EnsureDirectRoom(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if first.PeerID != "bob" {
		t.Fatalf("expected peer bob, got %q", first.PeerID)
	}
	second, err := env.app.EnsureDirectRoom(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected one shared room, got %q and %q", first.ID, second.ID)
	}
	if second.PeerID != "alice" {
		t.Fatalf("expected peer alice, got %q", second.PeerID)
	}

	if _, err := env.app.EnsureDirectRoom(ctx, "alice", "alice"); !errors.Is(err, ErrValidation) {
		t.Fatalf("self room expected validation error, got %v", err)
	}
	if _, err := env.app.EnsureDirectRoom(ctx, "alice", "  "); !errors.Is(err, ErrValidation) {
		t.Fatalf("blank peer expected validation error, got %v", err)
	}
}

func TestEnsureJobRoomAccessRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.jobs.jobs["job-1"] = jobsclient.Job{
		ID:         "job-1",
		Title:      "Fix kitchen sink",
		Status:     "assigned",
		ClientID:   "cli",
		AssigneeID: "prov",
	}

	// The assigned provider can open the room on demand.
	provRoom, err := env.app.EnsureJobRoom(ctx, "prov", "job-1", "")
	if err != nil {
		t.Fatalf("assigned provider ensure: %v", err)
	}
	if provRoom.PeerID != "cli" {
		t.Fatalf("expected peer cli, got %q", provRoom.PeerID)
	}

	// The client reaches the same room by naming the provider.
	cliRoom, err := env.app.EnsureJobRoom(ctx, "cli", "job-1", "prov")
	if err != nil {
		t.Fatalf("client ensure: %v", err)
	}
	if cliRoom.ID != provRoom.ID {
		t.Fatalf("expected shared room, got %q and %q", provRoom.ID, cliRoom.ID)
	}

	if _, err := env.app.EnsureJobRoom(ctx, "cli", "job-1", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("client without counterpart expected validation error, got %v", err)
	}
	if _, err := env.app.EnsureJobRoom(ctx, "cli", "job-1", "cli"); !errors.Is(err, ErrValidation) {
		t.Fatalf("client as counterpart expected validation error, got %v", err)
	}
	if _, err := env.app.EnsureJobRoom(ctx, "rando", "job-1", ""); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("unrelated provider expected access denied, got %v", err)
	}
	if _, err := env.app.EnsureJobRoom(ctx, "cli", "missing", "prov"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("unknown job expected not found, got %v", err)
	}

	// A room created by a bid event stays reachable for the bidder even
	// though they were never assigned.
	bidRoom := env.seedJobRoom(t, "job-1", "cli", "bidder")
	opened, err := env.app.EnsureJobRoom(ctx, "bidder", "job-1", "")
	if err != nil {
		t.Fatalf("bidder reopen: %v", err)
	}
	if opened.ID != bidRoom.ID {
		t.Fatalf("expected bid room %q, got %q", bidRoom.ID, opened.ID)
	}
}

func TestSendMessagePersistsBroadcastsAndBumpsUnread(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.seedDirectRoom(t, "alice", "bob")

	msg, err := env.app.SendMessage(ctx, "alice", room.ID, SendInput{Content: "hello bob"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// 1) The message reaches everyone in the room, sender included.
	frames := env.registry.roomFrames(t, room.ID)
	if len(frames) != 1 || frames[0].Type != chat.FrameNewMessage {
		t.Fatalf("expected one new_message broadcast, got %+v", frames)
	}
	var got domain.Message
	decodePayload(t, frames[0], &got)
	if got.ID != msg.ID || got.Body != "hello bob" || got.SenderID != "alice" {
		t.Fatalf("unexpected broadcast message: %+v", got)
	}
	if got.ContentType != domain.ContentText {
		t.Fatalf("expected text content, got %q", got.ContentType)
	}

	// 2) Bob is not subscribed, so he gets a room refresh hint instead.
	bobFrames := env.registry.userFrames(t, "bob")
	if len(bobFrames) != 1 || bobFrames[0].Type != chat.FrameRoomUpdated {
		t.Fatalf("expected one room_updated for bob, got %+v", bobFrames)
	}
	if len(env.registry.userFrames(t, "alice")) != 0 {
		t.Fatalf("sender should not receive a room_updated hint")
	}

	// 3) Unread counts move for the recipient only.
	bobRooms, err := env.app.ListRooms("bob")
	if err != nil {
		t.Fatalf("list bob rooms: %v", err)
	}
	if len(bobRooms) != 1 || bobRooms[0].UnreadCount != 1 || bobRooms[0].PeerID != "alice" {
		t.Fatalf("unexpected bob room summary: %+v", bobRooms)
	}
	aliceRooms, err := env.app.ListRooms("alice")
	if err != nil {
		t.Fatalf("list alice rooms: %v", err)
	}
	if aliceRooms[0].UnreadCount != 0 {
		t.Fatalf("sender unread should stay 0, got %d", aliceRooms[0].UnreadCount)
	}

	// 4) Sending clears the sender's typing state.
	if !env.typing.stopped(room.ID, "alice") {
		t.Fatalf("expected typing cleared for sender")
	}

	// 5) Subscribed participants do not get the refresh hint.
	env.registry.markSubscribed(room.ID, "bob")
	if _, err := env.app.SendMessage(ctx, "alice", room.ID, SendInput{Content: "again"}); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if len(env.registry.userFrames(t, "bob")) != 1 {
		t.Fatalf("subscribed bob should not receive another room_updated")
	}
}

func TestSendMessageValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.seedDirectRoom(t, "alice", "bob")

	if _, err := env.app.SendMessage(ctx, "carol", room.ID, SendInput{Content: "hi"}); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("outsider expected access denied, got %v", err)
	}
	if _, err := env.app.SendMessage(ctx, "alice", room.ID, SendInput{Content: "   "}); !errors.Is(err, ErrValidation) {
		t.Fatalf("blank content expected validation error, got %v", err)
	}
	if _, err := env.app.SendMessage(ctx, "alice", room.ID, SendInput{Content: "x", ContentType: "system"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("system content type expected validation error, got %v", err)
	}
	if _, err := env.app.SendMessage(ctx, "alice", "", SendInput{Content: "x"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing room expected validation error, got %v", err)
	}
	if _, err := env.app.SendMessage(ctx, "alice", uuid.NewString(), SendInput{Content: "x"}); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("unknown room expected not found, got %v", err)
	}

	// Replies must point at a message of the same room.
	other := env.seedDirectRoom(t, "alice", "dave")
	foreign, err := env.app.SendMessage(ctx, "dave", other.ID, SendInput{Content: "elsewhere"})
	if err != nil {
		t.Fatalf("seed foreign message: %v", err)
	}
	if _, err := env.app.SendMessage(ctx, "alice", room.ID, SendInput{Content: "re", ReplyToID: foreign.ID}); !errors.Is(err, ErrValidation) {
		t.Fatalf("cross-room reply expected validation error, got %v", err)
	}
	parent, err := env.app.SendMessage(ctx, "alice", room.ID, SendInput{Content: "parent"})
	if err != nil {
		t.Fatalf("send parent: %v", err)
	}
	reply, err := env.app.SendMessage(ctx, "bob", room.ID, SendInput{Content: "child", ReplyToID: parent.ID})
	if err != nil {
		t.Fatalf("send reply: %v", err)
	}
	if reply.ReplyToID != parent.ID {
		t.Fatalf("expected reply to %q, got %q", parent.ID, reply.ReplyToID)
	}
}

func TestSendMessageRejectsClosedRoomButKeepsHistoryReadable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.seedJobRoom(t, "job-9", "cli", "prov")

	if _, err := env.app.SendMessage(ctx, "cli", room.ID, SendInput{Content: "before close"}); err != nil {
		t.Fatalf("send before close: %v", err)
	}
	if _, err := env.store.DeactivateJobRooms("job-9"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	if _, err := env.app.SendMessage(ctx, "cli", room.ID, SendInput{Content: "after close"}); !errors.Is(err, ErrRoomInactive) {
		t.Fatalf("closed room expected inactive error, got %v", err)
	}
	history, err := env.app.History(ctx, "prov", room.ID, "", 0)
	if err != nil {
		t.Fatalf("history after close: %v", err)
	}
	if len(history) != 1 || history[0].Body != "before close" {
		t.Fatalf("unexpected history: %+v", history)
	}
	if _, err := env.app.MarkRead(ctx, "prov", room.ID, nil); err != nil {
		t.Fatalf("mark read after close: %v", err)
	}
}

func TestSendMessageAttachments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.seedDirectRoom(t, "alice", "bob")

	if _, err := env.app.SendMessage(ctx, "alice", room.ID, SendInput{
		AttachmentKey: "other-room/leak.png",
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("foreign attachment key expected validation error, got %v", err)
	}

	key := room.ID + "/pic-1.png"
	msg, err := env.app.SendMessage(ctx, "alice", room.ID, SendInput{AttachmentKey: key, ContentType: "image"})
	if err != nil {
		t.Fatalf("send attachment: %v", err)
	}
	if msg.ContentType != domain.ContentImage {
		t.Fatalf("expected image content, got %q", msg.ContentType)
	}
	if !strings.HasPrefix(msg.AttachmentURL, "https://files.local/"+key) {
		t.Fatalf("expected presigned URL, got %q", msg.AttachmentURL)
	}
	frames := env.registry.roomFrames(t, room.ID)
	var got domain.Message
	decodePayload(t, frames[len(frames)-1], &got)
	if got.AttachmentURL != msg.AttachmentURL {
		t.Fatalf("broadcast should carry the presigned URL, got %q", got.AttachmentURL)
	}

	// No explicit content type defaults to file when a key is present.
	fileMsg, err := env.app.SendMessage(ctx, "alice", room.ID, SendInput{AttachmentKey: room.ID + "/doc.pdf"})
	if err != nil {
		t.Fatalf("send file attachment: %v", err)
	}
	if fileMsg.ContentType != domain.ContentFile {
		t.Fatalf("expected file content, got %q", fileMsg.ContentType)
	}
}

func TestMarkReadBroadcastsReceiptOnceAndAcksRepeats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.seedDirectRoom(t, "alice", "bob")

	first, err := env.app.SendMessage(ctx, "alice", room.ID, SendInput{Content: "one"})
	if err != nil {
		t.Fatalf("send one: %v", err)
	}
	if _, err := env.app.SendMessage(ctx, "alice", room.ID, SendInput{Content: "two"}); err != nil {
		t.Fatalf("send two: %v", err)
	}

	readIDs, err := env.app.MarkRead(ctx, "bob", room.ID, nil)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(readIDs) != 2 {
		t.Fatalf("expected 2 read ids, got %v", readIDs)
	}
	frames := env.registry.roomFrames(t, room.ID)
	last := frames[len(frames)-1]
	if last.Type != chat.FrameReadReceipt {
		t.Fatalf("expected read_receipt broadcast, got %q", last.Type)
	}
	var receipt chat.ReadReceiptPayload
	decodePayload(t, last, &receipt)
	if receipt.ReaderID != "bob" || receipt.RoomID != room.ID || len(receipt.MessageIDs) != 2 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	rooms, err := env.app.ListRooms("bob")
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if rooms[0].UnreadCount != 0 {
		t.Fatalf("expected unread reset, got %d", rooms[0].UnreadCount)
	}

	// A repeat affects nothing and answers only the reader.
	broadcastsBefore := len(env.registry.roomFrames(t, room.ID))
	repeat, err := env.app.MarkRead(ctx, "bob", room.ID, []string{first.ID})
	if err != nil {
		t.Fatalf("repeat mark read: %v", err)
	}
	if len(repeat) != 0 {
		t.Fatalf("repeat should flip nothing, got %v", repeat)
	}
	if len(env.registry.roomFrames(t, room.ID)) != broadcastsBefore {
		t.Fatalf("repeat must not broadcast")
	}
	bobFrames := env.registry.userFrames(t, "bob")
	if bobFrames[len(bobFrames)-1].Type != chat.FrameReadReceipt {
		t.Fatalf("repeat should ack the reader directly")
	}

	if _, err := env.app.MarkRead(ctx, "carol", room.ID, nil); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("outsider expected access denied, got %v", err)
	}
}

func TestHistoryReturnsNewestFirstWithPresignedURLs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.seedDirectRoom(t, "alice", "bob")

	if _, err := env.app.SendMessage(ctx, "alice", room.ID, SendInput{Content: "first"}); err != nil {
		t.Fatalf("send first: %v", err)
	}
	withFile, err := env.app.SendMessage(ctx, "bob", room.ID, SendInput{
		Content:       "see attached",
		AttachmentKey: room.ID + "/report.pdf",
	})
	if err != nil {
		t.Fatalf("send attachment: %v", err)
	}

	history, err := env.app.History(ctx, "bob", room.ID, "", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(history))
	}
	if history[0].ID != withFile.ID {
		t.Fatalf("expected newest first, got %+v", history)
	}
	if !strings.HasPrefix(history[0].AttachmentURL, "https://files.local/") {
		t.Fatalf("expected presigned URL in history, got %q", history[0].AttachmentURL)
	}

	older, err := env.app.History(ctx, "bob", room.ID, withFile.ID, 0)
	if err != nil {
		t.Fatalf("paged history: %v", err)
	}
	if len(older) != 1 || older[0].Body != "first" {
		t.Fatalf("unexpected page: %+v", older)
	}

	if _, err := env.app.History(ctx, "carol", room.ID, "", 0); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("outsider expected access denied, got %v", err)
	}
}

func TestUploadAttachmentStoresUnderRoomPrefix(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.seedDirectRoom(t, "alice", "bob")

	att, err := env.app.UploadAttachment(ctx, "alice", room.ID, "../../etc/report.pdf", "application/pdf", 4, strings.NewReader("%PDF"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasPrefix(att.Key, room.ID+"/") {
		t.Fatalf("key must carry the room prefix, got %q", att.Key)
	}
	if !strings.HasSuffix(att.Key, "-report.pdf") {
		t.Fatalf("key should keep the base filename, got %q", att.Key)
	}
	if att.URL == "" {
		t.Fatalf("expected a presigned URL")
	}
	if string(env.objects.data[att.Key]) != "%PDF" {
		t.Fatalf("stored bytes mismatch")
	}
	if env.objects.types[att.Key] != "application/pdf" {
		t.Fatalf("stored content type mismatch: %q", env.objects.types[att.Key])
	}

	if _, err := env.app.UploadAttachment(ctx, "carol", room.ID, "x.txt", "text/plain", 1, strings.NewReader("x")); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("outsider expected access denied, got %v", err)
	}
	if _, err := env.app.UploadAttachment(ctx, "alice", room.ID, "x.txt", "text/plain", 0, strings.NewReader("")); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty upload expected validation error, got %v", err)
	}
	if _, err := env.app.UploadAttachment(ctx, "alice", room.ID, "x.txt", "text/plain", defaultMaxAttachmentBytes+1, strings.NewReader("x")); !errors.Is(err, ErrValidation) {
		t.Fatalf("oversize upload expected validation error, got %v", err)
	}
}

func TestNotificationListingAndReadFlow(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		n := domain.Notification{
			ID:          uuid.NewString(),
			RecipientID: "bob",
			EntityKind:  domain.EntityJob,
			EntityID:    "job-1",
			Type:        domain.NotifBidReceived,
			Title:       "New bid",
			Body:        fmt.Sprintf("bid %d", i),
			Priority:    domain.PriorityNormal,
			CreatedAt:   now.Add(time.Duration(i) * time.Second),
		}
		if i == 0 {
			n.IsRead = true
		}
		if err := env.store.SaveNotification(n); err != nil {
			t.Fatalf("save notification: %v", err)
		}
		ids = append(ids, n.ID)
	}

	items, unread, err := env.app.ListNotifications("bob", false, "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 3 || unread != 2 {
		t.Fatalf("expected 3 items with 2 unread, got %d/%d", len(items), unread)
	}
	if items[0].Body != "bid 2" {
		t.Fatalf("expected newest first, got %+v", items[0])
	}
	unreadItems, _, err := env.app.ListNotifications("bob", true, "", 0)
	if err != nil {
		t.Fatalf("list unread: %v", err)
	}
	if len(unreadItems) != 2 {
		t.Fatalf("expected 2 unread items, got %d", len(unreadItems))
	}

	affected, err := env.app.MarkNotificationsRead("bob", ids)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if affected != 2 {
		t.Fatalf("expected 2 rows flipped, got %d", affected)
	}
	if _, unread, err = env.app.ListNotifications("bob", false, "", 0); err != nil || unread != 0 {
		t.Fatalf("expected no unread left, got %d (%v)", unread, err)
	}

	// Someone else's ids never flip.
	if affected, err = env.app.MarkNotificationsRead("alice", ids); err != nil || affected != 0 {
		t.Fatalf("foreign ids expected 0 affected, got %d (%v)", affected, err)
	}
	if _, err := env.app.MarkNotificationsRead("bob", []string{" "}); !errors.Is(err, ErrValidation) {
		t.Fatalf("blank ids expected validation error, got %v", err)
	}
}
