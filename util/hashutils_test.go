package util

import "testing"

func TestHashConsistency(t *testing.T) {
	data := []byte("788788")
	if HashCode(data) != HashCode(data) {
		t.Errorf("hash should be deterministic")
	}
}

func TestHashDistinguishesDifferentKeys(t *testing.T) {
	if HashCode([]byte("a.bin")) == HashCode([]byte("b.bin")) {
		t.Errorf("distinct names should not collide on such a short input")
	}
}
