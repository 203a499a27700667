package guard

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Falk3579/bitchat-android/internal/protocol"
)

func pid(b byte) protocol.PeerID {
	var p protocol.PeerID
	for i := range p {
		p[i] = b
	}
	return p
}

var localID = pid(0x01)

// fakeClock lets tests advance time explicitly.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeCrypto is an instrumented EncryptionService.
type fakeCrypto struct {
	mu         sync.Mutex
	sessions   map[protocol.PeerID]bool
	processed  int
	response   []byte
	processErr error
	establish  bool          // establish a session on successful processing
	gate       chan struct{} // when set, ProcessHandshake blocks until closed

	signErr    error
	verifyErr  error
	encryptErr error
	decryptErr error
}

func newFakeCrypto() *fakeCrypto {
	return &fakeCrypto{sessions: make(map[protocol.PeerID]bool)}
}

func (f *fakeCrypto) HasSession(p protocol.PeerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[p]
}

func (f *fakeCrypto) ProcessHandshake(ctx context.Context, p protocol.PeerID, payload []byte) ([]byte, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed++
	if f.processErr != nil {
		return nil, f.processErr
	}
	if f.establish {
		f.sessions[p] = true
	}
	return f.response, nil
}

func (f *fakeCrypto) processedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed
}

func (f *fakeCrypto) Sign(data []byte) ([]byte, error) {
	if f.signErr != nil {
		return nil, f.signErr
	}
	return []byte("signature"), nil
}

func (f *fakeCrypto) Verify(data, sig []byte, p protocol.PeerID) error {
	return f.verifyErr
}

func (f *fakeCrypto) Encrypt(data []byte, p protocol.PeerID) ([]byte, error) {
	if f.encryptErr != nil {
		return nil, f.encryptErr
	}
	return append([]byte("ct:"), data...), nil
}

func (f *fakeCrypto) Decrypt(data []byte, p protocol.PeerID) ([]byte, error) {
	if f.decryptErr != nil {
		return nil, f.decryptErr
	}
	return append([]byte("pt:"), data...), nil
}

func (f *fakeCrypto) PeerPublicKey(p protocol.PeerID) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessions[p] {
		return []byte("peer-material")
	}
	return nil
}

func (f *fakeCrypto) CombinedPublicKeyMaterial() ([]byte, error) {
	return []byte("local-material"), nil
}

// fakeDelegate records callbacks.
type fakeDelegate struct {
	mu        sync.Mutex
	responses map[protocol.PeerID][][]byte
	completed map[protocol.PeerID][][]byte
}

func newFakeDelegate() *fakeDelegate {
	return &fakeDelegate{
		responses: make(map[protocol.PeerID][][]byte),
		completed: make(map[protocol.PeerID][][]byte),
	}
}

func (d *fakeDelegate) SendHandshakeResponse(p protocol.PeerID, response []byte) {
	d.mu.Lock()
	d.responses[p] = append(d.responses[p], response)
	d.mu.Unlock()
}

func (d *fakeDelegate) KeyExchangeCompleted(p protocol.PeerID, publicKey []byte) {
	d.mu.Lock()
	d.completed[p] = append(d.completed[p], publicKey)
	d.mu.Unlock()
}

func (d *fakeDelegate) responseCount(p protocol.PeerID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.responses[p])
}

func (d *fakeDelegate) completedCount(p protocol.PeerID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.completed[p])
}

func newTestManager(t *testing.T) (*Manager, *fakeCrypto, *fakeDelegate, *fakeClock) {
	t.Helper()
	fc := newFakeCrypto()
	fd := newFakeDelegate()
	clock := newFakeClock()
	m := New(Config{
		LocalPeerID: localID,
		Crypto:      fc,
		Delegate:    fd,
		Now:         clock.Now,
	})
	t.Cleanup(m.Shutdown)
	return m, fc, fd, clock
}

func makePacket(t *testing.T, typ byte, ttl byte, sender, recipient protocol.PeerID, payload []byte, ts time.Time) *protocol.Packet {
	t.Helper()
	pkt, err := protocol.NewPacket(typ, ttl, sender, recipient, payload)
	if err != nil {
		t.Fatal(err)
	}
	pkt.Timestamp = ts.UnixMilli()
	return &pkt
}

func TestValidateAcceptsThenRejectsDuplicate(t *testing.T) {
	m, _, _, clock := newTestManager(t)
	pkt := makePacket(t, protocol.TypeMessage, 3, pid(0x02), protocol.BroadcastID, []byte{1, 2, 3}, clock.Now())

	if !m.ValidatePacket(pkt, pkt.SenderID) {
		t.Fatal("first delivery should be admitted")
	}
	if m.ValidatePacket(pkt, pkt.SenderID) {
		t.Fatal("identical second delivery should be rejected as duplicate")
	}
}

func TestValidateRejectsZeroTTL(t *testing.T) {
	m, _, _, clock := newTestManager(t)
	pkt := makePacket(t, protocol.TypeMessage, 0, pid(0x02), protocol.BroadcastID, []byte{1}, clock.Now())

	if m.ValidatePacket(pkt, pkt.SenderID) {
		t.Fatal("TTL 0 should be rejected")
	}
	if m.MessageStoreLen() != 0 {
		t.Fatal("rejection must not mutate the store")
	}
}

func TestValidateRejectsEmptyPayload(t *testing.T) {
	m, _, _, clock := newTestManager(t)
	pkt := makePacket(t, protocol.TypeMessage, 1, pid(0x02), protocol.BroadcastID, nil, clock.Now())

	if m.ValidatePacket(pkt, pkt.SenderID) {
		t.Fatal("empty payload should be rejected")
	}
	if m.MessageStoreLen() != 0 {
		t.Fatal("rejection must not mutate the store")
	}
}

func TestValidateRejectsOutsideReplayWindow(t *testing.T) {
	m, _, _, clock := newTestManager(t)

	stale := makePacket(t, protocol.TypeMessage, 3, pid(0x02), protocol.BroadcastID, []byte{1}, clock.Now().Add(-6*time.Minute))
	if m.ValidatePacket(stale, stale.SenderID) {
		t.Fatal("stale packet should be rejected")
	}

	// The window is symmetric: future-skewed timestamps fail too.
	future := makePacket(t, protocol.TypeMessage, 3, pid(0x02), protocol.BroadcastID, []byte{1}, clock.Now().Add(6*time.Minute))
	if m.ValidatePacket(future, future.SenderID) {
		t.Fatal("future-skewed packet should be rejected")
	}

	edge := makePacket(t, protocol.TypeMessage, 3, pid(0x02), protocol.BroadcastID, []byte{1}, clock.Now().Add(-4*time.Minute))
	if !m.ValidatePacket(edge, edge.SenderID) {
		t.Fatal("packet inside the window should be admitted")
	}
}

func TestValidateRejectsSelfOrigin(t *testing.T) {
	m, _, _, clock := newTestManager(t)
	pkt := makePacket(t, protocol.TypeMessage, 3, localID, protocol.BroadcastID, []byte{1}, clock.Now())

	if m.ValidatePacket(pkt, localID) {
		t.Fatal("self-originated packet arriving via the network should be rejected")
	}
	if m.MessageStoreLen() != 0 {
		t.Fatal("rejection must not mutate the store")
	}
}

func TestFragmentsWithSameHeaderBothAdmitted(t *testing.T) {
	m, _, _, clock := newTestManager(t)
	ts := clock.Now()

	a := makePacket(t, protocol.TypeFragmentStart, 3, pid(0x02), protocol.BroadcastID, []byte("fragment-one"), ts)
	b := makePacket(t, protocol.TypeFragmentStart, 3, pid(0x02), protocol.BroadcastID, []byte("fragment-two"), ts)

	if !m.ValidatePacket(a, a.SenderID) {
		t.Fatal("first fragment should be admitted")
	}
	if !m.ValidatePacket(b, b.SenderID) {
		t.Fatal("second fragment with different payload should be admitted")
	}
}

func TestNonFragmentFingerprintUsesPayloadPrefix(t *testing.T) {
	m, _, _, clock := newTestManager(t)
	ts := clock.Now()

	// Two messages identical in their first 64 payload bytes collide.
	base := make([]byte, 80)
	for i := range base {
		base[i] = 0x55
	}
	other := append([]byte(nil), base...)
	other[79] = 0x99

	a := makePacket(t, protocol.TypeMessage, 3, pid(0x02), protocol.BroadcastID, base, ts)
	b := makePacket(t, protocol.TypeMessage, 3, pid(0x02), protocol.BroadcastID, other, ts)

	if !m.ValidatePacket(a, a.SenderID) {
		t.Fatal("first message should be admitted")
	}
	if m.ValidatePacket(b, b.SenderID) {
		t.Fatal("same prefix, timestamp and sender should fingerprint as duplicate")
	}
}

func TestValidateDistinguishesSenders(t *testing.T) {
	m, _, _, clock := newTestManager(t)
	ts := clock.Now()

	a := makePacket(t, protocol.TypeMessage, 3, pid(0x02), protocol.BroadcastID, []byte{9}, ts)
	b := makePacket(t, protocol.TypeMessage, 3, pid(0x03), protocol.BroadcastID, []byte{9}, ts)

	if !m.ValidatePacket(a, a.SenderID) || !m.ValidatePacket(b, b.SenderID) {
		t.Fatal("same payload from different senders should both be admitted")
	}
}

func TestConcurrentValidateSingleWinner(t *testing.T) {
	m, _, _, clock := newTestManager(t)
	pkt := makePacket(t, protocol.TypeMessage, 3, pid(0x02), protocol.BroadcastID, []byte("contended"), clock.Now())

	const callers = 32
	var wg sync.WaitGroup
	admitted := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.ValidatePacket(pkt, pkt.SenderID) {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	won := 0
	for range admitted {
		won++
	}
	if won != 1 {
		t.Fatalf("%d callers admitted the same packet, want exactly 1", won)
	}
}

func TestEvictionEnforcesMessageCap(t *testing.T) {
	m, _, _, clock := newTestManager(t)
	ts := clock.Now()

	for i := 0; i < MaxMessageEntries+1; i++ {
		payload := make([]byte, 8)
		binary.LittleEndian.PutUint64(payload, uint64(i))
		pkt := makePacket(t, protocol.TypeMessage, 3, pid(0x02), protocol.BroadcastID, payload, ts)
		if !m.ValidatePacket(pkt, pkt.SenderID) {
			t.Fatalf("packet %d unexpectedly rejected", i)
		}
	}
	if m.MessageStoreLen() != MaxMessageEntries+1 {
		t.Fatalf("store size %d before eviction", m.MessageStoreLen())
	}

	m.EvictNow()
	if m.MessageStoreLen() > MaxMessageEntries {
		t.Fatalf("store size %d exceeds cap after eviction", m.MessageStoreLen())
	}
}

func TestEvictionExpiresOldFingerprints(t *testing.T) {
	m, _, _, clock := newTestManager(t)
	pkt := makePacket(t, protocol.TypeMessage, 3, pid(0x02), protocol.BroadcastID, []byte{1}, clock.Now())

	if !m.ValidatePacket(pkt, pkt.SenderID) {
		t.Fatal("packet should be admitted")
	}

	clock.Advance(ReplayWindow + time.Second)
	m.EvictNow()
	if m.MessageStoreLen() != 0 {
		t.Fatal("fingerprint should be gone after the freshness sweep")
	}
}

func TestEvictionEnforcesHandshakeCap(t *testing.T) {
	m, fc, _, clock := newTestManager(t)
	fc.response = nil

	for i := 0; i < MaxHandshakeEntries+5; i++ {
		payload := make([]byte, 20)
		binary.LittleEndian.PutUint64(payload, uint64(i))
		var sender protocol.PeerID
		binary.LittleEndian.PutUint64(sender[:], uint64(i+2))
		pkt := makePacket(t, protocol.TypeHandshakeInit, 3, sender, localID, payload, clock.Now())
		m.HandleHandshake(context.Background(), pkt, 1)
	}
	if m.HandshakeStoreLen() <= MaxHandshakeEntries {
		t.Fatalf("test setup should overfill the store, got %d", m.HandshakeStoreLen())
	}

	m.EvictNow()
	if m.HandshakeStoreLen() > MaxHandshakeEntries {
		t.Fatalf("handshake store size %d exceeds cap after eviction", m.HandshakeStoreLen())
	}
}

func TestClearStateForgetsEverything(t *testing.T) {
	m, _, _, clock := newTestManager(t)
	pkt := makePacket(t, protocol.TypeMessage, 3, pid(0x02), protocol.BroadcastID, []byte{1}, clock.Now())

	m.ValidatePacket(pkt, pkt.SenderID)
	m.ClearState()

	if !m.ValidatePacket(pkt, pkt.SenderID) {
		t.Fatal("after ClearState the packet should be treated as never seen")
	}
}

func TestShutdownRejectsFurtherCalls(t *testing.T) {
	fc := newFakeCrypto()
	clock := newFakeClock()
	m := New(Config{LocalPeerID: localID, Crypto: fc, Delegate: newFakeDelegate(), Now: clock.Now})

	m.Shutdown()
	// Second Shutdown is a no-op, not a panic.
	m.Shutdown()

	pkt := makePacket(t, protocol.TypeMessage, 3, pid(0x02), protocol.BroadcastID, []byte{1}, clock.Now())
	if m.ValidatePacket(pkt, pkt.SenderID) {
		t.Fatal("ValidatePacket after Shutdown should reject")
	}
	hs := makePacket(t, protocol.TypeHandshakeInit, 3, pid(0x02), localID, []byte{1}, clock.Now())
	if m.HandleHandshake(context.Background(), hs, 1) {
		t.Fatal("HandleHandshake after Shutdown should reject")
	}
}

func handshakePacket(t *testing.T, sender protocol.PeerID, payload []byte, clock *fakeClock) *protocol.Packet {
	t.Helper()
	return makePacket(t, protocol.TypeHandshakeInit, 3, sender, localID, payload, clock.Now())
}

func TestHandshakeForwardedOnce(t *testing.T) {
	m, fc, _, clock := newTestManager(t)
	pkt := handshakePacket(t, pid(0x02), []byte("step-one-material"), clock)

	if !m.HandleHandshake(context.Background(), pkt, 1) {
		t.Fatal("first delivery should be processed")
	}
	if m.HandleHandshake(context.Background(), pkt, 1) {
		t.Fatal("byte-identical re-delivery should be rejected")
	}
	if fc.processedCount() != 1 {
		t.Fatalf("encryption service invoked %d times, want 1", fc.processedCount())
	}
}

func TestHandshakeRejectsWrongRecipient(t *testing.T) {
	m, fc, _, clock := newTestManager(t)
	pkt := makePacket(t, protocol.TypeHandshakeInit, 3, pid(0x02), pid(0x09), []byte("material"), clock.Now())

	if m.HandleHandshake(context.Background(), pkt, 1) {
		t.Fatal("handshake not addressed to us should be rejected")
	}
	if fc.processedCount() != 0 {
		t.Fatal("encryption service should not be invoked")
	}
}

func TestHandshakeRejectsSelfLoop(t *testing.T) {
	m, fc, _, clock := newTestManager(t)
	pkt := makePacket(t, protocol.TypeHandshakeInit, 3, localID, localID, []byte("material"), clock.Now())

	if m.HandleHandshake(context.Background(), pkt, 1) {
		t.Fatal("self-loop handshake should be rejected")
	}
	if fc.processedCount() != 0 {
		t.Fatal("encryption service should not be invoked")
	}
}

func TestHandshakeRejectsEmptyPayload(t *testing.T) {
	m, _, _, clock := newTestManager(t)
	pkt := handshakePacket(t, pid(0x02), nil, clock)

	if m.HandleHandshake(context.Background(), pkt, 1) {
		t.Fatal("empty handshake payload should be rejected")
	}
}

func TestHandshakeEstablishedShortCircuit(t *testing.T) {
	m, fc, _, clock := newTestManager(t)
	fc.sessions[pid(0x02)] = true
	pkt := handshakePacket(t, pid(0x02), []byte("material"), clock)

	if !m.HandleHandshake(context.Background(), pkt, 1) {
		t.Fatal("established session should short-circuit to success")
	}
	if fc.processedCount() != 0 {
		t.Fatal("no reprocessing once the session exists")
	}
}

func TestHandshakeResponseReachesDelegate(t *testing.T) {
	m, fc, fd, clock := newTestManager(t)
	fc.response = []byte("step-two-material")

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = 0xAA
	}
	pkt := handshakePacket(t, pid(0x02), payload, clock)

	if !m.HandleHandshake(context.Background(), pkt, 1) {
		t.Fatal("handshake should be processed")
	}
	if fd.responseCount(pid(0x02)) != 1 {
		t.Fatal("delegate should receive exactly one response to transmit")
	}
}

func TestHandshakeNoResponseNoDelegateCall(t *testing.T) {
	m, fc, fd, clock := newTestManager(t)
	fc.response = nil
	pkt := handshakePacket(t, pid(0x02), []byte("final-step"), clock)

	m.HandleHandshake(context.Background(), pkt, 2)
	if fd.responseCount(pid(0x02)) != 0 {
		t.Fatal("no response payload means no delegate send")
	}
}

func TestHandshakeCompletionFiresExactlyOnce(t *testing.T) {
	m, fc, fd, clock := newTestManager(t)
	fc.establish = true

	first := handshakePacket(t, pid(0x02), []byte("step-one"), clock)
	if !m.HandleHandshake(context.Background(), first, 1) {
		t.Fatal("handshake should be processed")
	}
	if fd.completedCount(pid(0x02)) != 1 {
		t.Fatalf("completion fired %d times, want 1", fd.completedCount(pid(0x02)))
	}

	// A later step from the same peer short-circuits on the established
	// session and must not re-fire the completion signal.
	second := handshakePacket(t, pid(0x02), []byte("step-two"), clock)
	if !m.HandleHandshake(context.Background(), second, 2) {
		t.Fatal("established session should report success")
	}
	if fd.completedCount(pid(0x02)) != 1 {
		t.Fatalf("completion fired %d times after re-delivery, want 1", fd.completedCount(pid(0x02)))
	}
}

func TestHandshakeFailureIsContainedAndRemembered(t *testing.T) {
	m, fc, fd, clock := newTestManager(t)
	fc.processErr = errors.New("boom")

	pkt := handshakePacket(t, pid(0x02), []byte("poison-step"), clock)
	if m.HandleHandshake(context.Background(), pkt, 1) {
		t.Fatal("processing failure should surface as false")
	}
	if fd.completedCount(pid(0x02)) != 0 {
		t.Fatal("no completion on failure")
	}

	// The failed step stays recorded: re-delivery is a duplicate, not a retry.
	if m.HandleHandshake(context.Background(), pkt, 1) {
		t.Fatal("re-delivered failed step should be rejected as seen")
	}
	if fc.processedCount() != 1 {
		t.Fatalf("encryption service invoked %d times, want 1", fc.processedCount())
	}
}

func TestHandshakeDoesNotBlockAdmission(t *testing.T) {
	m, fc, _, clock := newTestManager(t)
	fc.gate = make(chan struct{})

	hs := handshakePacket(t, pid(0x02), []byte("slow-step"), clock)
	done := make(chan bool, 1)
	go func() {
		done <- m.HandleHandshake(context.Background(), hs, 1)
	}()

	// While the crypto call is parked, admission keeps flowing.
	pkt := makePacket(t, protocol.TypeMessage, 3, pid(0x03), protocol.BroadcastID, []byte("independent"), clock.Now())
	admitted := make(chan bool, 1)
	go func() {
		admitted <- m.ValidatePacket(pkt, pkt.SenderID)
	}()

	select {
	case ok := <-admitted:
		if !ok {
			t.Fatal("independent packet should be admitted")
		}
	case <-time.After(time.Second):
		t.Fatal("ValidatePacket blocked behind an in-flight handshake")
	}

	close(fc.gate)
	if !<-done {
		t.Fatal("gated handshake should complete successfully")
	}
}

func TestVerifySignatureAbsentIsValid(t *testing.T) {
	m, _, _, clock := newTestManager(t)
	pkt := makePacket(t, protocol.TypeMessage, 3, pid(0x02), protocol.BroadcastID, []byte{1}, clock.Now())

	if !m.VerifySignature(pkt, pkt.SenderID) {
		t.Fatal("a packet without a signature is valid by policy")
	}
}

func TestVerifySignatureFailureIsFalse(t *testing.T) {
	m, fc, _, clock := newTestManager(t)
	fc.verifyErr = errors.New("bad signature")

	pkt := makePacket(t, protocol.TypeMessage, 3, pid(0x02), protocol.BroadcastID, []byte{1}, clock.Now())
	pkt.SetSignature(make([]byte, protocol.SignatureSize))

	if m.VerifySignature(pkt, pkt.SenderID) {
		t.Fatal("verification failure should surface as false")
	}
}

func TestFacadeConvertsErrorsToNil(t *testing.T) {
	m, fc, _, _ := newTestManager(t)

	if m.Sign([]byte("x")) == nil {
		t.Fatal("Sign should succeed with a healthy service")
	}
	fc.signErr = errors.New("no key")
	if m.Sign([]byte("x")) != nil {
		t.Fatal("Sign failure should surface as nil")
	}

	fc.encryptErr = errors.New("no session")
	if m.EncryptForPeer([]byte("x"), pid(0x02)) != nil {
		t.Fatal("Encrypt failure should surface as nil")
	}
	fc.decryptErr = errors.New("no session")
	if m.DecryptFromPeer([]byte("x"), pid(0x02)) != nil {
		t.Fatal("Decrypt failure should surface as nil")
	}
}

func TestHasKeysForPeer(t *testing.T) {
	m, fc, _, _ := newTestManager(t)
	if m.HasKeysForPeer(pid(0x02)) {
		t.Fatal("no keys before a session exists")
	}
	fc.sessions[pid(0x02)] = true
	if !m.HasKeysForPeer(pid(0x02)) {
		t.Fatal("established session should report keys")
	}
}

func TestCombinedPublicKeyMaterial(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	if string(m.CombinedPublicKeyMaterial()) != "local-material" {
		t.Fatal("facade should pass the service's material through")
	}
}
