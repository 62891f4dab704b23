package session

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"neo-trader/internal/errors"
)

// fakeAuth derives stage-2 tokens from the stage-1 token it is given so
// tests can check that a published session is internally consistent.
type fakeAuth struct {
	logins    int64
	validates int64
	failMPIN  bool
}

func (f *fakeAuth) TradeAPILogin(ctx context.Context, totp string) (Stage1, error) {
	n := atomic.AddInt64(&f.logins, 1)
	return Stage1{Token: fmt.Sprintf("view-%s-%d", totp, n), SID: fmt.Sprintf("vsid-%d", n)}, nil
}

func (f *fakeAuth) TradeAPIValidate(ctx context.Context, st1 Stage1, mpin string) (Stage2, error) {
	atomic.AddInt64(&f.validates, 1)
	if f.failMPIN {
		return Stage2{}, errors.NewBrokerError("tradeApiValidate", 401, `{"message":"Invalid MPIN"}`, errors.ErrAuthentication)
	}
	return Stage2{
		Token:      "trade-" + st1.Token,
		SID:        "trade-" + st1.SID,
		BaseURL:    "https://gw.example.test",
		DataCenter: "E21",
	}, nil
}

func TestCompleteLoginWithoutStage1(t *testing.T) {
	auth := &fakeAuth{}
	path := filepath.Join(t.TempDir(), "session.json")
	store := NewStore(auth, NewFileSnapshot(path, ""), zerolog.Nop())

	_, err := store.CompleteLogin(context.Background(), "1234")
	if !errors.Is(err, errors.ErrNoActiveStage1) {
		t.Fatalf("expected ErrNoActiveStage1, got %v", err)
	}
	if !store.Current().IsEmpty() {
		t.Errorf("store was modified: %+v", store.Current())
	}
	if auth.validates != 0 {
		t.Errorf("authenticator called %d times", auth.validates)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("snapshot should not exist, stat err = %v", err)
	}
}

func TestLoginPersistsAndRestores(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")

	store := NewStore(&fakeAuth{}, NewFileSnapshot(path, ""), zerolog.Nop())
	if _, err := store.BeginLogin(ctx, "123456"); err != nil {
		t.Fatalf("BeginLogin: %v", err)
	}
	if got := store.Current(); !got.HasStage1() || got.HasStage2() {
		t.Fatalf("after stage 1: %+v", got)
	}

	st2, err := store.CompleteLogin(ctx, "0000")
	if err != nil {
		t.Fatalf("CompleteLogin: %v", err)
	}
	if st2.BaseURL != "https://gw.example.test" {
		t.Errorf("base url = %q", st2.BaseURL)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("snapshot mode = %v, want 0600", info.Mode().Perm())
	}

	restored := NewStore(&fakeAuth{}, NewFileSnapshot(path, ""), zerolog.Nop())
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	want, got := store.Current(), restored.Current()
	if got.TradeToken != want.TradeToken || got.ViewSID != want.ViewSID || got.DataCenter != want.DataCenter {
		t.Errorf("restored %+v, want %+v", got, want)
	}
}

func TestFailedValidateKeepsStage1(t *testing.T) {
	ctx := context.Background()
	store := NewStore(&fakeAuth{failMPIN: true}, nil, zerolog.Nop())

	if _, err := store.BeginLogin(ctx, "111111"); err != nil {
		t.Fatalf("BeginLogin: %v", err)
	}
	before := store.Current()

	_, err := store.CompleteLogin(ctx, "bad")
	if !errors.Is(err, errors.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if store.Current() != before {
		t.Errorf("session changed after failed validate")
	}
}

func TestEncryptedSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")

	sealed := NewFileSnapshot(path, "correct horse")
	sess := Session{ViewToken: "vt", ViewSID: "vs", TradeToken: "tt", TradeSID: "ts", BaseURL: "https://b", UpdatedAt: time.Now().UTC()}
	if err := sealed.Save(ctx, sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, _ := os.ReadFile(path)
	if len(raw) == 0 || strings.Contains(string(raw), `"tt"`) {
		t.Errorf("snapshot appears to hold plaintext token")
	}

	got, err := sealed.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.TradeToken != "tt" || got.BaseURL != "https://b" {
		t.Errorf("loaded %+v", got)
	}

	if _, err := NewFileSnapshot(path, "").Load(ctx); err == nil {
		t.Error("expected error loading sealed snapshot without passphrase")
	}
	if _, err := NewFileSnapshot(path, "wrong").Load(ctx); err == nil {
		t.Error("expected error loading sealed snapshot with wrong passphrase")
	}
}

func TestInvalidateClearsSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")
	store := NewStore(&fakeAuth{}, NewFileSnapshot(path, ""), zerolog.Nop())

	store.BeginLogin(ctx, "1")
	store.CompleteLogin(ctx, "2")

	store.Invalidate(ctx, "401 from orders")
	if !store.Current().IsEmpty() {
		t.Errorf("session not cleared")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("snapshot not removed: %v", err)
	}
}

// Property: concurrent login steps never publish a session whose stage-2
// fields belong to a different stage-1 than the one it carries.
func TestProperty_ConcurrentLoginsPublishConsistentSessions(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("published sessions are never interleaved", prop.ForAll(
		func(workers int, rounds int) bool {
			ctx := context.Background()
			store := NewStore(&fakeAuth{}, nil, zerolog.Nop())

			var consistent atomic.Bool
			consistent.Store(true)

			stop := make(chan struct{})
			var readers sync.WaitGroup
			readers.Add(1)
			go func() {
				defer readers.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					cur := store.Current()
					if cur.HasStage2() && cur.TradeToken != "trade-"+cur.ViewToken {
						consistent.Store(false)
					}
					if cur.TradeToken != "" && !cur.HasStage2() {
						consistent.Store(false)
					}
				}
			}()

			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					for r := 0; r < rounds; r++ {
						store.BeginLogin(ctx, fmt.Sprintf("w%d", id))
						store.CompleteLogin(ctx, "0000")
					}
				}(w)
			}
			wg.Wait()
			close(stop)
			readers.Wait()

			final := store.Current()
			return consistent.Load() && final.HasStage2() && final.TradeToken == "trade-"+final.ViewToken
		},
		gen.IntRange(1, 6),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}

func TestStage2HookRunsAfterPINValidation(t *testing.T) {
	ctx := context.Background()
	auth := &fakeAuth{failMPIN: true}
	store := NewStore(auth, nil, zerolog.Nop())

	var got []Session
	store.OnStage2(func(s Session) { got = append(got, s) })

	if _, err := store.BeginLogin(ctx, "123456"); err != nil {
		t.Fatalf("BeginLogin: %v", err)
	}
	if _, err := store.CompleteLogin(ctx, "bad"); err == nil {
		t.Fatal("expected validate failure")
	}
	if len(got) != 0 {
		t.Fatalf("hook ran after failed validate: %+v", got)
	}

	auth.failMPIN = false
	if _, err := store.CompleteLogin(ctx, "0000"); err != nil {
		t.Fatalf("CompleteLogin: %v", err)
	}
	if len(got) != 1 || !got[0].HasStage2() || got[0].TradeToken != store.Current().TradeToken {
		t.Errorf("hook sessions = %+v", got)
	}
}

func TestLoginLogsOnlyMaskedCredentials(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	store := NewStore(&fakeAuth{}, nil, zerolog.New(&buf))

	if _, err := store.BeginLogin(ctx, "123456"); err != nil {
		t.Fatalf("BeginLogin: %v", err)
	}
	if _, err := store.CompleteLogin(ctx, "0000"); err != nil {
		t.Fatalf("CompleteLogin: %v", err)
	}

	sess := store.Current()
	out := buf.String()
	for _, secret := range []string{sess.ViewToken, sess.ViewSID, sess.TradeToken, sess.TradeSID} {
		if strings.Contains(out, `"`+secret+`"`) {
			t.Errorf("credential %q logged in clear: %s", secret, out)
		}
	}
	for _, field := range []string{"view_token", "view_sid", "trade_token", "trade_sid"} {
		if !strings.Contains(out, `"`+field+`"`) {
			t.Errorf("field %s missing from log: %s", field, out)
		}
	}
}
