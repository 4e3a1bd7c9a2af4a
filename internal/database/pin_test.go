package database

import (
	"strings"
	"testing"
)

func TestHashAndCheckPIN(t *testing.T) {
	hash, err := HashPIN("1234")
	if err != nil {
		t.Fatalf("HashPIN() error: %v", err)
	}

	if !strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=3,p=4$") {
		t.Errorf("unexpected hash prefix: %q", hash)
	}

	ok, err := CheckPIN("1234", hash)
	if err != nil {
		t.Fatalf("CheckPIN() error: %v", err)
	}
	if !ok {
		t.Error("correct PIN did not verify")
	}

	ok, err = CheckPIN("4321", hash)
	if err != nil {
		t.Fatalf("CheckPIN() error: %v", err)
	}
	if ok {
		t.Error("wrong PIN verified")
	}
}

func TestHashPINUniqueSalts(t *testing.T) {
	h1, err := HashPIN("0000")
	if err != nil {
		t.Fatalf("HashPIN() error: %v", err)
	}
	h2, err := HashPIN("0000")
	if err != nil {
		t.Fatalf("HashPIN() error: %v", err)
	}
	if h1 == h2 {
		t.Error("two hashes of the same PIN should differ")
	}
}

func TestCheckPINMalformed(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{"empty", ""},
		{"wrong part count", "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA"},
		{"wrong algorithm", "$bcrypt$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA"},
		{"bad version", "$argon2id$v=99$m=65536,t=3,p=4$c2FsdA$aGFzaA"},
		{"bad params", "$argon2id$v=19$nope$c2FsdA$aGFzaA"},
		{"bad salt encoding", "$argon2id$v=19$m=65536,t=3,p=4$!!!$aGFzaA"},
		{"bad hash encoding", "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$!!!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := CheckPIN("1234", tt.encoded); err == nil {
				t.Errorf("CheckPIN(%q) expected error", tt.encoded)
			}
		})
	}
}
