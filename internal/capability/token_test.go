package capability

import "testing"

func signedToken() *Token {
	tok := &Token{TokenID: 1, AgentID: 7, Capabilities: BitSpawn | BitKill, ExpiresAt: 1000}
	tok.Signature[0] = 0xAB // any non-zero byte marks the token as signed
	return tok
}

func TestValidateRejectsNilToken(t *testing.T) {
	if Validate(nil, 0) {
		t.Fatal("expected Validate(nil, ...) to fail")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	tok := signedToken()
	if Validate(tok, tok.ExpiresAt+1) {
		t.Fatal("expected an expired token to fail validation")
	}
}

func TestValidateAcceptsTokenAtExactExpiry(t *testing.T) {
	tok := signedToken()
	if !Validate(tok, tok.ExpiresAt) {
		t.Fatal("expected a token to remain valid exactly at its expiry instant")
	}
}

func TestValidateRejectsUnsignedSentinel(t *testing.T) {
	tok := &Token{TokenID: 1, AgentID: 7, ExpiresAt: 1000}
	if Validate(tok, 0) {
		t.Fatal("expected an all-zero signature to be rejected as the uninitialized sentinel")
	}
}

func TestHasReportsIndividualBits(t *testing.T) {
	tok := signedToken()
	if !tok.Has(BitSpawn) {
		t.Fatal("expected BitSpawn to be set")
	}
	if tok.Has(BitMemory) {
		t.Fatal("expected BitMemory to be unset")
	}
}

func TestIsAdminAndIsSupervisor(t *testing.T) {
	admin := signedToken()
	admin.Capabilities |= BitAdmin
	if !admin.IsAdmin() {
		t.Fatal("expected IsAdmin() to be true once BitAdmin is set")
	}
	if admin.IsSupervisor() {
		t.Fatal("expected IsSupervisor() to be false without BitSupervisor")
	}
}
