package keysync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/twinlife/conversationcore/errkind"
	"github.com/twinlife/conversationcore/observer"
)

// fakeCrypto is a no-op conv.CryptoService: Sign/Verify always succeed,
// ValidateSecrets records the ids it was asked to activate.
type fakeCrypto struct {
	mu          sync.Mutex
	validated   [][2]string
	validateErr error
}

func (f *fakeCrypto) Sign(signerID string, data []byte) ([]byte, error) { return []byte("sig"), nil }
func (f *fakeCrypto) Verify(signerPublicKey []byte, data, signature []byte) bool { return true }
func (f *fakeCrypto) DeriveSecret(localPublicKey, peerPublicKey []byte) ([]byte, error) {
	return []byte("derived"), nil
}
func (f *fakeCrypto) ValidateSecrets(localSecretID, peerSecretID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validated = append(f.validated, [2]string{localSecretID, peerSecretID})
	return f.validateErr
}

// fakeOutbound records every invocation and lets a test script canned
// replies per action.
type fakeOutbound struct {
	mu      sync.Mutex
	invoked []string
	replies map[string]map[string]any
	errs    map[string]error
}

func newFakeOutbound() *fakeOutbound {
	return &fakeOutbound{replies: make(map[string]map[string]any), errs: make(map[string]error)}
}

func (f *fakeOutbound) Invoke(ctx context.Context, targetTwincodeID string, action string, attrs map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.invoked = append(f.invoked, action)
	f.mu.Unlock()
	if err, ok := f.errs[action]; ok {
		return nil, err
	}
	return f.replies[action], nil
}

func (f *fakeOutbound) invokedActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.invoked))
	copy(out, f.invoked)
	return out
}

type fakeInbound struct {
	handlers map[string]func(ctx context.Context, from string, attrs map[string]any) (map[string]any, error)
}

func newFakeInbound() *fakeInbound {
	return &fakeInbound{handlers: make(map[string]func(context.Context, string, map[string]any) (map[string]any, error))}
}

func (f *fakeInbound) RegisterHandler(action string, handler func(ctx context.Context, from string, attrs map[string]any) (map[string]any, error)) {
	f.handlers[action] = handler
}

type fakeSecretStore struct {
	mu              sync.Mutex
	peerPublicKeys  map[string][]byte
	peerSecrets     map[string][]byte
	localSecrets    map[string][]byte
	localPublicKeys map[string][]byte
}

func newFakeSecretStore() *fakeSecretStore {
	return &fakeSecretStore{
		peerPublicKeys:  make(map[string][]byte),
		peerSecrets:     make(map[string][]byte),
		localSecrets:    make(map[string][]byte),
		localPublicKeys: make(map[string][]byte),
	}
}

func (s *fakeSecretStore) StorePeerPublicKey(peerTwincodeID string, publicKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerPublicKeys[peerTwincodeID] = publicKey
	return nil
}

func (s *fakeSecretStore) StorePeerSecret(peerTwincodeID string, secret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerSecrets[peerTwincodeID] = secret
	return nil
}

func (s *fakeSecretStore) PeerSecret(peerTwincodeID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerSecrets[peerTwincodeID], nil
}

func (s *fakeSecretStore) LocalSecret(peerTwincodeID string) ([]byte, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret, ok := s.localSecrets[peerTwincodeID]
	if !ok {
		return nil, nil, nil
	}
	return secret, s.localPublicKeys[peerTwincodeID], nil
}

func (s *fakeSecretStore) CreateLocalSecret(peerTwincodeID string) ([]byte, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret := []byte("local-secret-" + peerTwincodeID)
	pub := []byte("local-public-" + peerTwincodeID)
	s.localSecrets[peerTwincodeID] = secret
	s.localPublicKeys[peerTwincodeID] = pub
	return secret, pub, nil
}

func TestNeedSecretHandlesRefreshSecretAndSendsOnRefreshSecret(t *testing.T) {
	outbound := newFakeOutbound()
	outbound.replies["conversation-need-secret"] = map[string]any{
		"public-key": []byte("peer-pub"),
		"secret":     []byte("peer-secret"),
	}
	crypto := &fakeCrypto{}
	secrets := newFakeSecretStore()
	bus := observer.NewBus()
	h := New(crypto, outbound, nil, secrets, bus)

	if err := h.NeedSecret(context.Background(), "peer-1"); err != nil {
		t.Fatalf("NeedSecret: %v", err)
	}

	if pub, _ := secrets.peerPublicKeys["peer-1"], secrets.peerSecrets["peer-1"]; string(pub) != "peer-pub" {
		t.Errorf("expected the peer public key to be stored, got %q", pub)
	}
	actions := outbound.invokedActions()
	if len(actions) != 2 || actions[0] != "conversation-need-secret" || actions[1] != "on-refresh-secret" {
		t.Fatalf("invoked actions = %v, want [conversation-need-secret on-refresh-secret]", actions)
	}
	if _, ok := secrets.localSecrets["peer-1"]; !ok {
		t.Error("expected a local secret to have been created since none existed")
	}
}

func TestNeedSecretMissingPublicKeyOrSecretFails(t *testing.T) {
	outbound := newFakeOutbound()
	outbound.replies["conversation-need-secret"] = map[string]any{}
	h := New(&fakeCrypto{}, outbound, nil, newFakeSecretStore(), observer.NewBus())

	err := h.NeedSecret(context.Background(), "peer-1")
	var ke *errkind.Error
	if !errors.As(err, &ke) || ke.Kind != errkind.NO_PUBLIC_KEY {
		t.Fatalf("expected NO_PUBLIC_KEY, got %v", err)
	}
}

func TestNeedSecretOfflineIsPropagatedUnwrapped(t *testing.T) {
	outbound := newFakeOutbound()
	outbound.errs["conversation-need-secret"] = errkind.New(errkind.TWINLIFE_OFFLINE)
	h := New(&fakeCrypto{}, outbound, nil, newFakeSecretStore(), observer.NewBus())

	err := h.NeedSecret(context.Background(), "peer-1")
	var ke *errkind.Error
	if !errors.As(err, &ke) || ke.Kind != errkind.TWINLIFE_OFFLINE {
		t.Fatalf("expected TWINLIFE_OFFLINE to be surfaced as-is, got %v", err)
	}
}

func TestOnRefreshSecretInvocationCreatesSecretWhenMissing(t *testing.T) {
	inbound := newFakeInbound()
	secrets := newFakeSecretStore()
	New(&fakeCrypto{}, newFakeOutbound(), inbound, secrets, observer.NewBus())

	handler := inbound.handlers["refresh-secret"]
	if handler == nil {
		t.Fatal("expected refresh-secret handler to be registered")
	}
	reply, err := handler(context.Background(), "peer-2", nil)
	if err != nil {
		t.Fatalf("refresh-secret handler: %v", err)
	}
	if reply["public-key"] == nil || reply["secret"] == nil {
		t.Errorf("expected a fresh public key and secret in the reply, got %+v", reply)
	}
}

func TestOnOnRefreshSecretInvocationValidatesAndTriggersValidateSecret(t *testing.T) {
	inbound := newFakeInbound()
	outbound := newFakeOutbound()
	crypto := &fakeCrypto{}
	secrets := newFakeSecretStore()
	secrets.CreateLocalSecret("peer-3")
	New(crypto, outbound, inbound, secrets, observer.NewBus())

	handler := inbound.handlers["on-refresh-secret"]
	attrs := map[string]any{"public-key": []byte("peer-pub"), "secret": []byte("peer-secret")}
	if _, err := handler(context.Background(), "peer-3", attrs); err != nil {
		t.Fatalf("on-refresh-secret handler: %v", err)
	}

	crypto.mu.Lock()
	validatedCount := len(crypto.validated)
	crypto.mu.Unlock()
	if validatedCount != 1 {
		t.Fatalf("expected ValidateSecrets to be called once, got %d", validatedCount)
	}

	deadline := time.After(2 * time.Second)
	for {
		if len(outbound.invokedActions()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the asynchronous validate-secret invocation")
		case <-time.After(time.Millisecond):
		}
	}
	actions := outbound.invokedActions()
	if len(actions) != 1 || actions[0] != "validate-secret" {
		t.Fatalf("expected validate-secret to be invoked asynchronously, got %v", actions)
	}
}

func TestKeySyncCompletionReportsDuration(t *testing.T) {
	inbound := newFakeInbound()
	outbound := newFakeOutbound()
	outbound.replies["conversation-need-secret"] = map[string]any{
		"public-key": []byte("peer-pub"),
		"secret":     []byte("peer-secret"),
	}
	secrets := newFakeSecretStore()
	bus := observer.NewBus()
	events := bus.Subscribe(8)
	h := New(&fakeCrypto{}, outbound, inbound, secrets, bus)

	base := time.Now()
	calls := 0
	h.now = func() time.Time {
		calls++
		if calls == 1 {
			return base
		}
		return base.Add(250 * time.Millisecond)
	}

	if err := h.NeedSecret(context.Background(), "peer-9"); err != nil {
		t.Fatalf("NeedSecret: %v", err)
	}
	handler := inbound.handlers["validate-secret"]
	if _, err := handler(context.Background(), "peer-9", nil); err != nil {
		t.Fatalf("validate-secret handler: %v", err)
	}

	for {
		select {
		case ev := <-events:
			data, _ := ev.Data.(map[string]any)
			if data["phase"] != "complete" {
				continue
			}
			if d, _ := data["duration"].(time.Duration); d != 250*time.Millisecond {
				t.Errorf("duration = %v, want 250ms", d)
			}
			return
		default:
			t.Fatal("expected a completion event carrying the elapsed duration")
		}
	}
}

func TestOnValidateSecretInvocationPublishesCompletion(t *testing.T) {
	inbound := newFakeInbound()
	secrets := newFakeSecretStore()
	secrets.CreateLocalSecret("peer-4")
	secrets.StorePeerSecret("peer-4", []byte("peer-secret"))
	bus := observer.NewBus()
	events := bus.Subscribe(4)
	crypto := &fakeCrypto{}
	New(crypto, newFakeOutbound(), inbound, secrets, bus)

	handler := inbound.handlers["validate-secret"]
	if _, err := handler(context.Background(), "peer-4", nil); err != nil {
		t.Fatalf("validate-secret handler: %v", err)
	}

	crypto.mu.Lock()
	validated := append([][2]string{}, crypto.validated...)
	crypto.mu.Unlock()
	if len(validated) != 1 {
		t.Fatalf("expected ValidateSecrets to be called once, got %d", len(validated))
	}
	localSecret, _, _ := secrets.LocalSecret("peer-4")
	if validated[0][0] != secretID(localSecret) || validated[0][1] != secretID([]byte("peer-secret")) {
		t.Errorf("ValidateSecrets called with %v, want (our secret, peer secret)", validated[0])
	}
	if validated[0][0] == validated[0][1] {
		t.Error("expected the local and peer secret ids to be distinct")
	}

	select {
	case ev := <-events:
		if ev.Type != observer.OnSignatureInfo {
			t.Errorf("expected OnSignatureInfo, got %+v", ev)
		}
	default:
		t.Fatal("expected a completion event to be published")
	}
}

func TestOnValidateSecretInvocationWithoutPeerSecretFails(t *testing.T) {
	inbound := newFakeInbound()
	secrets := newFakeSecretStore()
	secrets.CreateLocalSecret("peer-5")
	New(&fakeCrypto{}, newFakeOutbound(), inbound, secrets, observer.NewBus())

	handler := inbound.handlers["validate-secret"]
	_, err := handler(context.Background(), "peer-5", nil)
	var ke *errkind.Error
	if !errors.As(err, &ke) || ke.Kind != errkind.NO_SECRET_KEY {
		t.Fatalf("expected NO_SECRET_KEY when no peer secret was ever stored, got %v", err)
	}
}
