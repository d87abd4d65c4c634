package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/lalithlochan/orderalert/internal/auth"
)

func TestRun_IssuesVerifiableToken(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("JWT_SECRET", "local-secret")
	t.Setenv("SMS_ADMIN_NUMBERS", "")

	var out bytes.Buffer
	if err := run([]string{"-user", "svc-storefront", "-role", auth.RoleService}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}

	id, err := auth.NewVerifier("local-secret").Verify(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.AdminID != "svc-storefront" || id.Role != auth.RoleService {
		t.Errorf("identity = %+v", id)
	}
}

func TestRun_RejectsBadFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"customer role", []string{"-role", auth.RoleCustomer}},
		{"zero ttl", []string{"-ttl", "0s"}},
		{"unknown flag", []string{"-nope"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := run(tt.args, &out); err == nil {
				t.Fatalf("expected error, printed %q", out.String())
			}
		})
	}
}
