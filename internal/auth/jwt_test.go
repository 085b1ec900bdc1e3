package auth

import (
	"testing"
	"time"
)

func TestIssueAndParse(t *testing.T) {
	pair, err := Issue("device-1", RoleScanner, "attendance-api", "test-key", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	claims, err := Parse(pair.AccessToken, "test-key", "attendance-api")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.Subject != "device-1" || claims.Role != RoleScanner {
		t.Errorf("claims = %+v", claims)
	}
}

func TestParseRejectsWrongKey(t *testing.T) {
	pair, err := Issue("device-1", RoleScanner, "attendance-api", "test-key", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := Parse(pair.AccessToken, "other-key", "attendance-api"); err == nil {
		t.Fatal("Parse() accepted a token signed with a different key")
	}
}

func TestParseRejectsWrongIssuer(t *testing.T) {
	pair, err := Issue("device-1", RoleAdmin, "someone-else", "test-key", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := Parse(pair.AccessToken, "test-key", "attendance-api"); err == nil {
		t.Fatal("Parse() accepted a token from a different issuer")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	pair, err := Issue("device-1", RoleScanner, "attendance-api", "test-key", -time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := Parse(pair.AccessToken, "test-key", "attendance-api"); err == nil {
		t.Fatal("Parse() accepted an expired token")
	}
}
