package verification

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"verifybot/internal/mail"
	"verifybot/internal/otp"
	"verifybot/internal/rolesync"
	"verifybot/internal/telemetry"
	userdomain "verifybot/internal/user/domain"
)

// memUsers implements UserStore in memory, including uniqueness of verified emails.
type memUsers struct {
	mu      sync.Mutex
	users     map[string]*userdomain.User
	failGet   error
	failIssue error
}

func newMemUsers() *memUsers {
	return &memUsers{users: make(map[string]*userdomain.User)}
}

func (m *memUsers) CreateUser(ctx context.Context, id string) (*userdomain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; ok {
		return nil, userdomain.ErrConflict
	}
	now := time.Now().UTC()
	u := &userdomain.User{ID: id, State: userdomain.StateUnverified, CreatedAt: now, UpdatedAt: now}
	m.users[id] = u
	cp := *u
	return &cp, nil
}

func (m *memUsers) GetUser(ctx context.Context, id string) (*userdomain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, userdomain.ErrNotFound
	}
	cp := *u
	cp.OTPs = slices.Clone(u.OTPs)
	return &cp, nil
}

func (m *memUsers) GetUserState(ctx context.Context, id string) (userdomain.State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return "", false, m.failGet
	}
	u, ok := m.users[id]
	if !ok {
		return "", false, nil
	}
	return u.State, true, nil
}

func (m *memUsers) update(id string, fn func(u *userdomain.User) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return userdomain.ErrNotFound
	}
	return fn(u)
}

func (m *memUsers) EmailInUse(ctx context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.State == userdomain.StateVerified && u.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (m *memUsers) IssueOTP(ctx context.Context, id, email string, code int64, replace bool) error {
	return m.update(id, func(u *userdomain.User) error {
		if m.failIssue != nil {
			return m.failIssue
		}
		if replace {
			u.OTPs = nil
		}
		u.Email, u.OTPs, u.State = email, append(u.OTPs, code), userdomain.StateQueryingOTP
		return nil
	})
}

func (m *memUsers) OTPMatches(ctx context.Context, id string, code int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	return ok && slices.Contains(u.OTPs, code), nil
}

func (m *memUsers) Reset(ctx context.Context, id string) error {
	return m.update(id, func(u *userdomain.User) error {
		u.State, u.Email, u.OTPs = userdomain.StateQueryingEmail, "", nil
		return nil
	})
}

func (m *memUsers) CompleteVerification(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.Email == "" {
		return userdomain.ErrNotFound
	}
	for other, v := range m.users {
		if other != id && v.State == userdomain.StateVerified && v.Email == u.Email {
			return userdomain.ErrConflict
		}
	}
	u.State, u.OTPs = userdomain.StateVerified, nil
	return nil
}

// forceVerify puts a user straight into Verified with email.
func (m *memUsers) forceVerify(id, email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = &userdomain.User{ID: id, Email: email, State: userdomain.StateVerified}
}

type memServers struct {
	mu    sync.Mutex
	roles map[string]string
}

func (m *memServers) UpsertVerifiedRole(ctx context.Context, id, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roles == nil {
		m.roles = make(map[string]string)
	}
	m.roles[id] = roleID
	return nil
}

type fakeSyncer struct {
	mu         sync.Mutex
	userSyncs  []string
	guildSyncs []string
	members    []string
	err        error
	memberOut  *rolesync.Outcome
}

func (f *fakeSyncer) SyncUserAcrossAllServers(ctx context.Context, userID string) (*rolesync.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userSyncs = append(f.userSyncs, userID)
	if f.err != nil {
		return nil, f.err
	}
	return &rolesync.Report{Outcomes: []rolesync.Outcome{{GuildID: "g1", UserID: userID, Status: rolesync.StatusGranted}}}, nil
}

func (f *fakeSyncer) SyncAllVerifiedOnServer(ctx context.Context, guildID string) (*rolesync.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.guildSyncs = append(f.guildSyncs, guildID)
	if f.err != nil {
		return nil, f.err
	}
	return &rolesync.Report{}, nil
}

func (f *fakeSyncer) SyncMember(ctx context.Context, guildID, userID string) (*rolesync.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members = append(f.members, guildID+"/"+userID)
	if f.err != nil {
		return nil, f.err
	}
	return f.memberOut, nil
}

type captureEvents struct {
	mu     sync.Mutex
	events []*telemetry.Event
}

func (c *captureEvents) Emit(ctx context.Context, ev *telemetry.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

// waitFor returns the first event of type typ, failing the test if none arrives.
func (c *captureEvents) waitFor(t *testing.T, typ string) *telemetry.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, ev := range c.events {
			if ev.Type == typ {
				c.mu.Unlock()
				return ev
			}
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s event emitted", typ)
	return nil
}

type fakeMessenger struct {
	mu   sync.Mutex
	dms  map[string][]string
	fail error
}

func (f *fakeMessenger) SendDirectMessage(ctx context.Context, userID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if f.dms == nil {
		f.dms = make(map[string][]string)
	}
	f.dms[userID] = append(f.dms[userID], text)
	return nil
}

func (f *fakeMessenger) count(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dms[userID])
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []mail.Message
	fail error
	// onSend runs before the send is recorded, e.g. to expire the caller's context.
	onSend func()
}

func (f *fakeMailer) Send(ctx context.Context, m mail.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onSend != nil {
		f.onSend()
	}
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeMailer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	svc     *Service
	users   *memUsers
	servers *memServers
	syncer  *fakeSyncer
	dm      *fakeMessenger
	mailer  *fakeMailer
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		users:   newMemUsers(),
		servers: &memServers{},
		syncer:  &fakeSyncer{},
		dm:      &fakeMessenger{},
		mailer:  &fakeMailer{},
	}
	opts := Options{EmailDomain: "imperial.ac.uk", MailFrom: "bot@example.org", Log: zerolog.Nop()}
	for _, m := range mutate {
		m(&opts)
	}
	f.svc = NewService(f.users, f.servers, f.syncer, f.dm, f.mailer, opts)
	return f
}

func (f *fixture) state(t *testing.T, id string) userdomain.State {
	t.Helper()
	s, ok, err := f.users.GetUserState(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("GetUserState(%s): ok=%v err=%v", id, ok, err)
	}
	return s
}

func (f *fixture) otps(t *testing.T, id string) []int64 {
	t.Helper()
	u, err := f.users.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("GetUser(%s): %v", id, err)
	}
	return u.OTPs
}

func (f *fixture) startAndSubmit(t *testing.T, id, email string) int64 {
	t.Helper()
	ctx := context.Background()
	if _, err := f.svc.RequestVerification(ctx, id); err != nil {
		t.Fatalf("RequestVerification(%s): %v", id, err)
	}
	if err := f.svc.SubmitEmail(ctx, id, id, email); err != nil {
		t.Fatalf("SubmitEmail(%s): %v", id, err)
	}
	codes := f.otps(t, id)
	return codes[len(codes)-1]
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.svc.RequestVerification(ctx, "U1")
	if err != nil {
		t.Fatalf("RequestVerification: %v", err)
	}
	if outcome != Started {
		t.Errorf("outcome = %v, want started", outcome)
	}
	if f.state(t, "U1") != userdomain.StateQueryingEmail {
		t.Fatalf("state = %s, want querying_email", f.state(t, "U1"))
	}
	if f.dm.count("U1") != 1 {
		t.Errorf("email prompt DMs = %d, want 1", f.dm.count("U1"))
	}

	if err := f.svc.SubmitEmail(ctx, "U1", "alice", "a@imperial.ac.uk"); err != nil {
		t.Fatalf("SubmitEmail: %v", err)
	}
	if f.state(t, "U1") != userdomain.StateQueryingOTP {
		t.Fatalf("state = %s, want querying_otp", f.state(t, "U1"))
	}
	codes := f.otps(t, "U1")
	if len(codes) != 1 {
		t.Fatalf("otps = %v, want exactly one", codes)
	}
	if f.mailer.count() != 1 {
		t.Fatalf("mails = %d, want 1", f.mailer.count())
	}
	sent := f.mailer.sent[0]
	if sent.To != "a@imperial.ac.uk" || sent.Subject != "Verify your Imperial Email" {
		t.Errorf("mail = %+v", sent)
	}
	if want := fmt.Sprintf("Hello, alice! Your secret password is %d", codes[0]); sent.Body != want {
		t.Errorf("body = %q, want %q", sent.Body, want)
	}

	report, err := f.svc.SubmitOTP(ctx, "U1", codes[0])
	if err != nil {
		t.Fatalf("SubmitOTP: %v", err)
	}
	if report.Count(rolesync.StatusGranted) != 1 {
		t.Errorf("granted = %d, want 1", report.Count(rolesync.StatusGranted))
	}
	if f.state(t, "U1") != userdomain.StateVerified {
		t.Fatalf("state = %s, want verified", f.state(t, "U1"))
	}
	if len(f.otps(t, "U1")) != 0 {
		t.Error("otps should be empty after verification")
	}
	if !slices.Equal(f.syncer.userSyncs, []string{"U1"}) {
		t.Errorf("user syncs = %v, want [U1]", f.syncer.userSyncs)
	}
}

func TestRequestVerification_AlreadyVerifiedIsSticky(t *testing.T) {
	f := newFixture(t)
	f.users.forceVerify("U1", "a@imperial.ac.uk")

	outcome, err := f.svc.RequestVerification(context.Background(), "U1")
	if err != nil {
		t.Fatalf("RequestVerification: %v", err)
	}
	if outcome != AlreadyVerified {
		t.Errorf("outcome = %v, want already_verified", outcome)
	}
	if f.state(t, "U1") != userdomain.StateVerified {
		t.Error("verified user must stay verified")
	}
	if f.dm.count("U1") != 0 {
		t.Error("verified user must not be prompted")
	}
}

func TestRestartDiscardsPreviousOTPs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.startAndSubmit(t, "U1", "a@imperial.ac.uk")

	outcome, err := f.svc.RequestVerification(ctx, "U1")
	if err != nil {
		t.Fatalf("RequestVerification: %v", err)
	}
	if outcome != Restarted {
		t.Errorf("outcome = %v, want restarted", outcome)
	}
	u, _ := f.users.GetUser(ctx, "U1")
	if u.State != userdomain.StateQueryingEmail || u.Email != "" || len(u.OTPs) != 0 {
		t.Fatalf("after restart: %+v", u)
	}

	if _, err := f.svc.SubmitOTP(ctx, "U1", old); !errors.Is(err, ErrNotAwaitingOTP) {
		t.Fatalf("old code after restart: want ErrNotAwaitingOTP, got %v", err)
	}
	if err := f.svc.SubmitEmail(ctx, "U1", "alice", "a@imperial.ac.uk"); err != nil {
		t.Fatalf("SubmitEmail: %v", err)
	}
	if fresh := f.otps(t, "U1"); len(fresh) != 1 {
		t.Errorf("otps after restart and resubmit = %v, want a single fresh code", fresh)
	}
}

func TestSubmitEmail_WrongDomain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.RequestVerification(ctx, "U1"); err != nil {
		t.Fatal(err)
	}

	err := f.svc.SubmitEmail(ctx, "U1", "alice", "a@gmail.com")
	if !errors.Is(err, ErrWrongDomain) {
		t.Fatalf("want ErrWrongDomain, got %v", err)
	}
	if f.state(t, "U1") != userdomain.StateQueryingEmail {
		t.Error("state must remain querying_email")
	}
	if len(f.otps(t, "U1")) != 0 || f.mailer.count() != 0 {
		t.Error("no OTP must be issued for a rejected email")
	}
}

func TestSubmitEmail_Normalization(t *testing.T) {
	tests := []struct {
		in   string
		want error
	}{
		{"  A@Imperial.AC.UK ", nil},
		{"not-an-email", ErrInvalidEmail},
		{"Alice <a@imperial.ac.uk>", ErrInvalidEmail},
		{"a@imperial.ac.uk.evil.com", ErrWrongDomain},
		{"a@notimperial.ac.uk", ErrWrongDomain},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			if _, err := f.svc.RequestVerification(ctx, "U1"); err != nil {
				t.Fatal(err)
			}
			err := f.svc.SubmitEmail(ctx, "U1", "alice", tt.in)
			if !errors.Is(err, tt.want) {
				t.Fatalf("SubmitEmail(%q) = %v, want %v", tt.in, err, tt.want)
			}
			if tt.want == nil {
				u, _ := f.users.GetUser(ctx, "U1")
				if u.Email != "a@imperial.ac.uk" {
					t.Errorf("stored email = %q", u.Email)
				}
			}
		})
	}
}

func TestSubmitEmail_AnyDomainWhenUnset(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.EmailDomain = "" })
	f.startAndSubmit(t, "U1", "a@gmail.com")
	if f.state(t, "U1") != userdomain.StateQueryingOTP {
		t.Error("any domain should be accepted when none is required")
	}
}

func TestSubmitEmail_EmailAlreadyVerifiedByAnother(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.startAndSubmit(t, "U1", "a@imperial.ac.uk")
	if _, err := f.svc.SubmitOTP(ctx, "U1", code); err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.RequestVerification(ctx, "U2"); err != nil {
		t.Fatal(err)
	}
	err := f.svc.SubmitEmail(ctx, "U2", "bob", "a@imperial.ac.uk")
	if !errors.Is(err, ErrEmailInUse) {
		t.Fatalf("want ErrEmailInUse, got %v", err)
	}
	if f.state(t, "U2") != userdomain.StateQueryingEmail {
		t.Error("second user must stay in querying_email")
	}
	if f.state(t, "U1") != userdomain.StateVerified {
		t.Error("first user must be unaffected")
	}
}

func TestSubmitOTP_VerifiedEmailRaceMapsToEmailInUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c1 := f.startAndSubmit(t, "U1", "a@imperial.ac.uk")
	c2 := f.startAndSubmit(t, "U2", "a@imperial.ac.uk")

	if _, err := f.svc.SubmitOTP(ctx, "U1", c1); err != nil {
		t.Fatalf("U1 SubmitOTP: %v", err)
	}
	if _, err := f.svc.SubmitOTP(ctx, "U2", c2); !errors.Is(err, ErrEmailInUse) {
		t.Fatalf("U2 SubmitOTP: want ErrEmailInUse, got %v", err)
	}
	if f.state(t, "U2") != userdomain.StateQueryingEmail {
		t.Errorf("U2 state = %s, want querying_email", f.state(t, "U2"))
	}
}

func TestSubmitEmail_RequiresActiveFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.SubmitEmail(ctx, "ghost", "g", "g@imperial.ac.uk"); !errors.Is(err, ErrNotAwaitingEmail) {
		t.Errorf("unknown user: want ErrNotAwaitingEmail, got %v", err)
	}
	f.users.forceVerify("U1", "a@imperial.ac.uk")
	if err := f.svc.SubmitEmail(ctx, "U1", "a", "b@imperial.ac.uk"); !errors.Is(err, ErrAlreadyVerified) {
		t.Errorf("verified user: want ErrAlreadyVerified, got %v", err)
	}
}

func TestSubmitEmail_ResendSameEmailAccumulates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.startAndSubmit(t, "U1", "a@imperial.ac.uk")

	if err := f.svc.SubmitEmail(ctx, "U1", "alice", "a@imperial.ac.uk"); err != nil {
		t.Fatalf("resend: %v", err)
	}
	codes := f.otps(t, "U1")
	if len(codes) != 2 || codes[0] != first {
		t.Fatalf("otps = %v, want first code plus one more", codes)
	}
	if _, err := f.svc.SubmitOTP(ctx, "U1", first); err != nil {
		t.Fatalf("first code should still verify: %v", err)
	}
}

func TestSubmitEmail_ResendDifferentEmailInvalidatesOldCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.startAndSubmit(t, "U1", "a@imperial.ac.uk")

	if err := f.svc.SubmitEmail(ctx, "U1", "alice", "b@imperial.ac.uk"); err != nil {
		t.Fatalf("resend: %v", err)
	}
	codes := f.otps(t, "U1")
	if len(codes) != 1 {
		t.Fatalf("otps = %v, want only the new code", codes)
	}
	if codes[0] != first {
		if _, err := f.svc.SubmitOTP(ctx, "U1", first); !errors.Is(err, ErrIncorrectOTP) {
			t.Fatalf("code mailed to the old address: want ErrIncorrectOTP, got %v", err)
		}
	}
}

func TestSubmitEmail_MailFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.RequestVerification(ctx, "U1"); err != nil {
		t.Fatal(err)
	}
	smtpErr := errors.New("550 mailbox unavailable")
	f.mailer.fail = smtpErr

	err := f.svc.SubmitEmail(ctx, "U1", "alice", "a@imperial.ac.uk")
	if !errors.Is(err, ErrMailDelivery) || !errors.Is(err, smtpErr) {
		t.Fatalf("want ErrMailDelivery wrapping smtp error, got %v", err)
	}
	if f.state(t, "U1") != userdomain.StateQueryingEmail {
		t.Errorf("state = %s, want querying_email", f.state(t, "U1"))
	}
	if len(f.otps(t, "U1")) != 0 {
		t.Error("otps written for an undelivered mail must be cleared")
	}

	f.mailer.fail = nil
	if err := f.svc.SubmitEmail(ctx, "U1", "alice", "a@imperial.ac.uk"); err != nil {
		t.Fatalf("retry after mail failure: %v", err)
	}
}

func TestSubmitEmail_MailFailureDuringResend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startAndSubmit(t, "U1", "a@imperial.ac.uk")
	f.mailer.fail = errors.New("timeout")

	if err := f.svc.SubmitEmail(ctx, "U1", "alice", "a@imperial.ac.uk"); !errors.Is(err, ErrMailDelivery) {
		t.Fatalf("want ErrMailDelivery, got %v", err)
	}
	if f.state(t, "U1") != userdomain.StateQueryingEmail || len(f.otps(t, "U1")) != 0 {
		t.Error("failed resend should leave the user in querying_email with no codes")
	}
}

func TestSubmitEmail_IssueWriteFailureSendsNoMail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.RequestVerification(ctx, "U1"); err != nil {
		t.Fatal(err)
	}
	storeErr := errors.New("db error: connection reset")
	f.users.failIssue = storeErr

	if err := f.svc.SubmitEmail(ctx, "U1", "alice", "a@imperial.ac.uk"); !errors.Is(err, storeErr) {
		t.Fatalf("want store error, got %v", err)
	}
	if f.mailer.count() != 0 {
		t.Error("no mail may be sent when the passcode was not stored")
	}
	if f.state(t, "U1") != userdomain.StateQueryingEmail || len(f.otps(t, "U1")) != 0 {
		t.Errorf("state = %s otps = %v, want querying_email with no codes", f.state(t, "U1"), f.otps(t, "U1"))
	}
}

func TestSubmitEmail_MailedCodeValidEvenIfContextExpiresDuringSend(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := f.svc.RequestVerification(ctx, "U1"); err != nil {
		t.Fatal(err)
	}
	f.mailer.onSend = cancel

	if err := f.svc.SubmitEmail(ctx, "U1", "alice", "a@imperial.ac.uk"); err != nil {
		t.Fatalf("SubmitEmail: %v", err)
	}
	if f.mailer.count() != 1 {
		t.Fatalf("mails = %d, want 1", f.mailer.count())
	}
	if f.state(t, "U1") != userdomain.StateQueryingOTP {
		t.Fatalf("state = %s, want querying_otp", f.state(t, "U1"))
	}
	codes := f.otps(t, "U1")
	if len(codes) != 1 {
		t.Fatalf("otps = %v, want exactly the mailed code", codes)
	}
	if _, err := f.svc.SubmitOTP(context.Background(), "U1", codes[0]); err != nil {
		t.Fatalf("SubmitOTP(mailed code): %v", err)
	}
}

func TestSubmitEmail_IssueRateLimit(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.IssueLimiter = otp.NewLimiter(2, time.Hour) })
	ctx := context.Background()
	f.startAndSubmit(t, "U1", "a@imperial.ac.uk")
	if err := f.svc.SubmitEmail(ctx, "U1", "alice", "a@imperial.ac.uk"); err != nil {
		t.Fatalf("second issue: %v", err)
	}
	err := f.svc.SubmitEmail(ctx, "U1", "alice", "a@imperial.ac.uk")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third issue: want ErrRateLimited, got %v", err)
	}
	if f.mailer.count() != 2 || len(f.otps(t, "U1")) != 2 {
		t.Error("a rate-limited call must not issue or mail a code")
	}
	if f.state(t, "U1") != userdomain.StateQueryingOTP {
		t.Error("rate limiting must not change state")
	}
}

func TestSubmitOTP_Malformed(t *testing.T) {
	f := newFixture(t)
	f.users.failGet = errors.New("store must not be called")
	for _, code := range []int64{0, 99999, 100000000, -5} {
		if _, err := f.svc.SubmitOTP(context.Background(), "U1", code); !errors.Is(err, ErrMalformedOTP) {
			t.Errorf("SubmitOTP(%d): want ErrMalformedOTP, got %v", code, err)
		}
	}
}

func TestSubmitOTP_IncorrectAllowsRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.startAndSubmit(t, "U1", "a@imperial.ac.uk")
	wrong := code + 1
	if wrong > otp.Max {
		wrong = otp.Min
	}

	if _, err := f.svc.SubmitOTP(ctx, "U1", wrong); !errors.Is(err, ErrIncorrectOTP) {
		t.Fatalf("want ErrIncorrectOTP, got %v", err)
	}
	if f.state(t, "U1") != userdomain.StateQueryingOTP {
		t.Fatal("state must remain querying_otp after a wrong code")
	}
	if _, err := f.svc.SubmitOTP(ctx, "U1", code); err != nil {
		t.Fatalf("correct code after a wrong one: %v", err)
	}
}

func TestSubmitOTP_SucceedsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.startAndSubmit(t, "U1", "a@imperial.ac.uk")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.SubmitOTP(ctx, "U1", code)
		}()
	}
	wg.Wait()

	var ok, already int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyVerified):
			already++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || already != len(errs)-1 {
		t.Errorf("successes = %d, already verified = %d", ok, already)
	}
	if len(f.syncer.userSyncs) != 1 {
		t.Errorf("role syncs = %d, want 1", len(f.syncer.userSyncs))
	}
}

func TestSubmitOTP_AttemptRateLimit(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AttemptLimiter = otp.NewLimiter(2, time.Hour) })
	ctx := context.Background()
	code := f.startAndSubmit(t, "U1", "a@imperial.ac.uk")
	wrong := otp.Min
	if wrong == code {
		wrong++
	}

	for i := 0; i < 2; i++ {
		if _, err := f.svc.SubmitOTP(ctx, "U1", wrong); !errors.Is(err, ErrIncorrectOTP) {
			t.Fatalf("attempt %d: want ErrIncorrectOTP, got %v", i, err)
		}
	}
	if _, err := f.svc.SubmitOTP(ctx, "U1", code); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
	if f.state(t, "U1") != userdomain.StateQueryingOTP {
		t.Error("rate limiting must not change state")
	}
}

func TestSubmitOTP_RoleSyncFailureStillVerifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.startAndSubmit(t, "U1", "a@imperial.ac.uk")
	f.syncer.err = errors.New("db error: gone")

	if _, err := f.svc.SubmitOTP(ctx, "U1", code); !errors.Is(err, ErrRoleSync) {
		t.Fatalf("want ErrRoleSync, got %v", err)
	}
	if f.state(t, "U1") != userdomain.StateVerified {
		t.Error("user should be verified even when the role sync fails")
	}
}

func TestEveryVerifiedUserHasUniqueEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	emails := []string{"a@imperial.ac.uk", "b@imperial.ac.uk", "a@imperial.ac.uk", "c@imperial.ac.uk", "b@imperial.ac.uk"}

	codes := make(map[string]int64, len(emails))
	for i, email := range emails {
		id := fmt.Sprintf("U%d", i)
		codes[id] = f.startAndSubmit(t, id, email)
	}

	var wg sync.WaitGroup
	for id, code := range codes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.SubmitOTP(ctx, id, code)
		}()
	}
	wg.Wait()

	seen := make(map[string]string)
	f.users.mu.Lock()
	defer f.users.mu.Unlock()
	for id, u := range f.users.users {
		if u.State != userdomain.StateVerified {
			continue
		}
		if u.Email == "" {
			t.Errorf("%s verified without email", id)
		}
		if prev, dup := seen[u.Email]; dup {
			t.Errorf("%s and %s both verified with %s", prev, id, u.Email)
		}
		seen[u.Email] = id
	}
	if len(seen) != 3 {
		t.Errorf("verified emails = %d, want 3", len(seen))
	}
}

func TestRequestVerification_DirectMessageFailure(t *testing.T) {
	f := newFixture(t)
	f.dm.fail = errors.New("cannot send messages to this user")

	outcome, err := f.svc.RequestVerification(context.Background(), "U1")
	if !errors.Is(err, ErrDirectMessage) {
		t.Fatalf("want ErrDirectMessage, got %v", err)
	}
	if outcome != Started {
		t.Errorf("outcome = %v, want started", outcome)
	}
	if f.state(t, "U1") != userdomain.StateQueryingEmail {
		t.Error("the state change should persist even when the prompt cannot be delivered")
	}
}

func TestSetVerifiedRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.SetVerifiedRole(ctx, "g1", " "); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("blank role: want ErrInvalidRole, got %v", err)
	}
	if _, err := f.svc.SetVerifiedRole(ctx, "g1", "r1"); err != nil {
		t.Fatalf("SetVerifiedRole: %v", err)
	}
	if f.servers.roles["g1"] != "r1" {
		t.Errorf("stored role = %q, want r1", f.servers.roles["g1"])
	}
	if !slices.Equal(f.syncer.guildSyncs, []string{"g1"}) {
		t.Errorf("guild syncs = %v", f.syncer.guildSyncs)
	}
}

func TestHandleGuildJoin(t *testing.T) {
	t.Run("verified user gets role without a new challenge", func(t *testing.T) {
		f := newFixture(t)
		f.users.forceVerify("U1", "a@imperial.ac.uk")
		f.syncer.memberOut = &rolesync.Outcome{GuildID: "g1", UserID: "U1", Status: rolesync.StatusGranted}

		if err := f.svc.HandleGuildJoin(context.Background(), "g1", "U1"); err != nil {
			t.Fatalf("HandleGuildJoin: %v", err)
		}
		if !slices.Equal(f.syncer.members, []string{"g1/U1"}) {
			t.Errorf("member syncs = %v", f.syncer.members)
		}
		if f.dm.count("U1") != 0 || f.state(t, "U1") != userdomain.StateVerified {
			t.Error("verified user must not be re-challenged")
		}
	})

	t.Run("grant failure is reported", func(t *testing.T) {
		f := newFixture(t)
		f.users.forceVerify("U1", "a@imperial.ac.uk")
		f.syncer.memberOut = &rolesync.Outcome{Status: rolesync.StatusRoleMissing, Err: rolesync.ErrRoleNotFound}

		err := f.svc.HandleGuildJoin(context.Background(), "g1", "U1")
		if !errors.Is(err, ErrRoleSync) || !errors.Is(err, rolesync.ErrRoleNotFound) {
			t.Fatalf("want ErrRoleSync wrapping ErrRoleNotFound, got %v", err)
		}
	})

	t.Run("new user starts verification", func(t *testing.T) {
		f := newFixture(t)
		if err := f.svc.HandleGuildJoin(context.Background(), "g1", "U2"); err != nil {
			t.Fatalf("HandleGuildJoin: %v", err)
		}
		if f.state(t, "U2") != userdomain.StateQueryingEmail {
			t.Errorf("state = %s, want querying_email", f.state(t, "U2"))
		}
		if f.dm.count("U2") != 1 {
			t.Error("new member should be prompted for an email")
		}
		if len(f.syncer.members) != 0 {
			t.Error("unverified member must not be granted a role")
		}
	})
}

func TestHandleGuildJoin_EmitsMemberJoined(t *testing.T) {
	tests := []struct {
		name       string
		out        *rolesync.Outcome
		syncErr    error
		wantFailed string
		wantStatus string
	}{
		{"granted", &rolesync.Outcome{Status: rolesync.StatusGranted}, nil, "0", "granted"},
		{"role missing", &rolesync.Outcome{Status: rolesync.StatusRoleMissing, Err: rolesync.ErrRoleNotFound}, nil, "1", "role_missing"},
		{"discord failure", &rolesync.Outcome{Status: rolesync.StatusFailed, Err: errors.New("grant role: 502")}, nil, "1", "failed"},
		{"store failure", nil, errors.New("get verified role: db down"), "1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := &captureEvents{}
			f := newFixture(t, func(o *Options) { o.Events = events })
			f.users.forceVerify("U1", "a@imperial.ac.uk")
			f.syncer.memberOut = tt.out
			f.syncer.err = tt.syncErr

			_ = f.svc.HandleGuildJoin(context.Background(), "g1", "U1")

			ev := events.waitFor(t, telemetry.EventMemberJoined)
			if ev.UserID != "U1" || ev.GuildID != "g1" {
				t.Errorf("event ids = %s/%s, want U1/g1", ev.UserID, ev.GuildID)
			}
			if ev.Metadata["failed"] != tt.wantFailed {
				t.Errorf("failed = %q, want %q", ev.Metadata["failed"], tt.wantFailed)
			}
			if ev.Metadata["status"] != tt.wantStatus {
				t.Errorf("status = %q, want %q", ev.Metadata["status"], tt.wantStatus)
			}
		})
	}
}

func TestStoreErrorsPropagate(t *testing.T) {
	f := newFixture(t)
	storeErr := errors.New("db error: connection refused")
	f.users.failGet = storeErr

	if _, err := f.svc.RequestVerification(context.Background(), "U1"); !errors.Is(err, storeErr) {
		t.Errorf("RequestVerification: want store error, got %v", err)
	}
	if err := f.svc.SubmitEmail(context.Background(), "U1", "a", "a@imperial.ac.uk"); !errors.Is(err, storeErr) {
		t.Errorf("SubmitEmail: want store error, got %v", err)
	}
	if err := f.svc.HandleGuildJoin(context.Background(), "g1", "U1"); !errors.Is(err, storeErr) {
		t.Errorf("HandleGuildJoin: want store error, got %v", err)
	}
}

func TestEmailPromptMentionsCommand(t *testing.T) {
	if !strings.Contains(EmailPrompt, "/set_email") {
		t.Error("prompt should tell the user which command to run")
	}
}
