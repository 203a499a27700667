package main

import (
	"encoding/hex"
	"testing"

	"github.com/Falk3579/bitchat-android/internal/crypto"
	"github.com/Falk3579/bitchat-android/internal/directory"
)

func TestResolveRecipient(t *testing.T) {
	dir, err := directory.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer dir.Close()

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	e := &directory.Entry{
		PeerID:   kp.PeerID().String(),
		Nickname: "alice",
		EncPub:   kp.PublicKeyHex(),
		SignPub:  hex.EncodeToString(kp.SignPub),
	}
	if err := e.Sign(kp.SignPriv); err != nil {
		t.Fatal(err)
	}
	if err := dir.Add(e); err != nil {
		t.Fatal(err)
	}

	got, err := resolveRecipient(dir, "alice")
	if err != nil {
		t.Fatalf("nickname resolution: %v", err)
	}
	if got != kp.PeerID() {
		t.Fatal("nickname resolved to the wrong peer ID")
	}

	got, err = resolveRecipient(dir, kp.PeerID().String())
	if err != nil {
		t.Fatalf("hex resolution: %v", err)
	}
	if got != kp.PeerID() {
		t.Fatal("hex peer ID resolved to the wrong peer ID")
	}

	if _, err := resolveRecipient(dir, "nobody"); err == nil {
		t.Fatal("unknown recipient should not resolve")
	}
}
