package auth

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"geoportal-back/internal/models"
)

func TestTokenRoundTrip(t *testing.T) {
	userID := uuid.New()
	token, err := GenerateToken(userID, models.RoleAnalyst)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := ParseToken(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != userID {
		t.Fatalf("user id = %s, want %s", claims.UserID, userID)
	}
	if claims.Role != models.RoleAnalyst {
		t.Fatalf("role = %s", claims.Role)
	}
}

func TestParseRejectsTampered(t *testing.T) {
	token, err := GenerateToken(uuid.New(), models.RoleViewer)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + ".AAAA"
	if _, err := ParseToken(tampered); err == nil {
		t.Fatal("tampered token accepted")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := ParseToken("not-a-token"); err == nil {
		t.Fatal("garbage token accepted")
	}
}
