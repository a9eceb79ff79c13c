package naming

import (
	"strings"
	"testing"
)

func TestCheckConstraint_Stable(t *testing.T) {
	a := CheckConstraint("users", `"email" IS NOT NULL`)
	b := CheckConstraint("users", `"email" IS NOT NULL`)
	if a != b {
		t.Fatalf("expected stable name, got %q and %q", a, b)
	}
	if !strings.HasPrefix(a, "chk_") || len(a) != len("chk_")+10 {
		t.Errorf("unexpected name %q", a)
	}

	if other := CheckConstraint("accounts", `"email" IS NOT NULL`); other == a {
		t.Errorf("expected different name for different table, both %q", a)
	}
	if other := CheckConstraint("users", `"name" IS NOT NULL`); other == a {
		t.Errorf("expected different name for different expression, both %q", a)
	}
}

func TestForeignKey_Stable(t *testing.T) {
	a := ForeignKey("projects", "user_id")
	if a != ForeignKey("projects", "user_id") {
		t.Fatal("expected stable foreign key name")
	}
	if !strings.HasPrefix(a, "fk_rails_") {
		t.Errorf("unexpected name %q", a)
	}
}

func TestIndex(t *testing.T) {
	tests := []struct {
		table   string
		columns []string
		want    string
	}{
		{"users", []string{"email"}, "index_users_on_email"},
		{"users", []string{"company_id", "email"}, "index_users_on_company_id_and_email"},
		{"public.users", []string{"email"}, "index_users_on_email"},
	}

	for _, tt := range tests {
		if got := Index(tt.table, tt.columns); got != tt.want {
			t.Errorf("Index(%q, %v) = %q, want %q", tt.table, tt.columns, got, tt.want)
		}
	}
}

func TestIndex_LongNamesTruncated(t *testing.T) {
	cols := []string{"a_really_long_column_name", "another_really_long_column_name", "third"}
	name := Index("organization_memberships", cols)
	if len(name) > MaxIdentifierLength {
		t.Fatalf("name %q exceeds %d bytes", name, MaxIdentifierLength)
	}
	if !strings.HasPrefix(name, "idx_on_") {
		t.Errorf("expected idx_on_ prefix, got %q", name)
	}
	if name != Index("organization_memberships", cols) {
		t.Error("expected truncated name to be stable")
	}
}

func TestQuoteIdent(t *testing.T) {
	tests := map[string]string{
		"users":        `"users"`,
		"public.users": `"public"."users"`,
		`we"ird`:       `"we""ird"`,
	}
	for in, want := range tests {
		if got := QuoteIdent(in); got != want {
			t.Errorf("QuoteIdent(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTextLimit(t *testing.T) {
	if TextLimit("users", "bio") == TextLimit("users", "name") {
		t.Error("expected distinct names per column")
	}
	if !strings.HasPrefix(TextLimit("users", "bio"), "chk_") {
		t.Error("expected chk_ prefix")
	}
}
