package crypto

import (
	"bytes"
	"testing"
)

func TestKeyPairSaveLoad(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	tmp := t.TempDir() + "/identity.json"
	if err := kp.Save(tmp); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadKeyPair(tmp)
	if err != nil {
		t.Fatal(err)
	}

	if loaded.EncPubHex != kp.EncPubHex {
		t.Fatal("enc pub mismatch after load")
	}
	if loaded.PeerID() != kp.PeerID() {
		t.Fatal("peer ID mismatch after load")
	}

	// The loaded identity must still produce verifiable signatures.
	sig := loaded.Sign([]byte("probe"))
	svc := NewService(kp)
	peer := NewService(loaded)
	establish(t, peer, svc)
	if err := svc.Verify([]byte("probe"), sig, loaded.PeerID()); err != nil {
		t.Fatalf("signature from loaded key failed: %v", err)
	}
}

func TestPeerIDStableAndDistinct(t *testing.T) {
	kp1, _ := GenerateKeyPair()
	kp2, _ := GenerateKeyPair()

	if kp1.PeerID() != kp1.PeerID() {
		t.Fatal("peer ID should be deterministic")
	}
	if kp1.PeerID() == kp2.PeerID() {
		t.Fatal("distinct identities should not share a peer ID")
	}
}

func TestCombinedPublicKeyMaterial(t *testing.T) {
	kp, _ := GenerateKeyPair()
	material := kp.CombinedPublicKeyMaterial()
	if len(material) != CombinedKeySize {
		t.Fatalf("material length %d, want %d", len(material), CombinedKeySize)
	}
	if !bytes.Equal(material[:32], kp.EncPub[:]) {
		t.Fatal("material should start with the encryption public key")
	}
	if !bytes.Equal(material[32:], kp.SignPub) {
		t.Fatal("material should end with the signing public key")
	}
}

func TestPubKeyFromHex(t *testing.T) {
	kp, _ := GenerateKeyPair()
	pub, err := PubKeyFromHex(kp.PublicKeyHex())
	if err != nil {
		t.Fatal(err)
	}
	if pub != kp.EncPub {
		t.Fatal("parsed key mismatch")
	}
	if _, err := PubKeyFromHex("nothex"); err == nil {
		t.Fatal("expected error for invalid hex")
	}
	if _, err := PubKeyFromHex("abcd"); err == nil {
		t.Fatal("expected error for wrong length")
	}
}
