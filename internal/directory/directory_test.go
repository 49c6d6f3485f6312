package directory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/die-net/gateproxy/internal/auth"
)

const usersJSON = `{
  "users": {
    "admin": {
      "password": "admin123",
      "enabled": true,
      "maxConnections": 10,
      "allowedIPs": [],
      "description": "Administrator"
    },
    "bot": {
      "password": "tok",
      "enabled": false,
      "maxConnections": 8,
      "allowedIPs": ["192.168.1.100", "10.0.0.0/8"]
    },
    "label": {}
  },
  "settings": {"logLevel": "info"}
}`

const usersYAML = `
users:
  admin:
    password: admin123
    maxConnections: 3
settings:
  enforceSecrets: false
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestFileJSON(t *testing.T) {
	f, err := NewFile(writeFile(t, "users.json", usersJSON), true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if f.Len() != 3 {
		t.Fatalf("len=%d want 3", f.Len())
	}
	if !f.EnforceSecrets() {
		t.Fatal("expected secrets to be enforced by default")
	}

	ctx := context.Background()
	got, ok, err := f.Lookup(ctx, "bot")
	if err != nil || !ok {
		t.Fatalf("lookup bot: ok=%v err=%v", ok, err)
	}
	want := auth.Record{
		Secret:         "tok",
		Enabled:        false,
		MaxConnections: 8,
		AllowedIPs:     []string{"192.168.1.100", "10.0.0.0/8"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}

	label, _, _ := f.Lookup(ctx, "label")
	if !label.Enabled || label.Secret != "" {
		t.Fatalf("omitted fields: %+v", label)
	}

	if _, ok, _ := f.Lookup(ctx, "ghost"); ok {
		t.Fatal("ghost must be unknown")
	}
}

func TestFileYAMLSettings(t *testing.T) {
	f, err := NewFile(writeFile(t, "users.yaml", usersYAML), true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if f.EnforceSecrets() {
		t.Fatal("settings.enforceSecrets=false must override the default")
	}
	rec, ok, _ := f.Lookup(context.Background(), "admin")
	if !ok || rec.MaxConnections != 3 || rec.Secret != "admin123" {
		t.Fatalf("admin: ok=%v %+v", ok, rec)
	}
}

func TestFileReloadKeepsPreviousOnError(t *testing.T) {
	p := writeFile(t, "users.json", usersJSON)
	f, err := NewFile(p, true, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(p, []byte(`{"users": {"new": {"password": "x"}}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := f.Reload(); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := f.Lookup(context.Background(), "admin"); ok {
		t.Fatal("admin must be gone after reload")
	}

	if err := os.WriteFile(p, []byte(`{not json`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := f.Reload(); err == nil {
		t.Fatal("expected parse error")
	}
	if _, ok, _ := f.Lookup(context.Background(), "new"); !ok {
		t.Fatal("failed reload must keep the previous table")
	}
}

func TestFileInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "colon in identity", content: `{"users": {"a:b": {}}}`},
		{name: "negative limit", content: `{"users": {"a": {"maxConnections": -1}}}`},
		{name: "syntax", content: `{"users": [`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewFile(writeFile(t, "users.json", tt.content), true, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := NewFile(filepath.Join(t.TempDir(), "missing.json"), true, nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestStatic(t *testing.T) {
	s := NewStatic(map[string]auth.Record{"a": {Enabled: true}}, false)
	s.Set("b", auth.Record{Secret: "x"})
	s.Delete("a")

	if s.Len() != 1 {
		t.Fatalf("len=%d want 1", s.Len())
	}
	if _, ok, _ := s.Lookup(context.Background(), "a"); ok {
		t.Fatal("a must be deleted")
	}
	if s.EnforceSecrets() {
		t.Fatal("enforce must be false")
	}
}

func TestParseRedisRecord(t *testing.T) {
	tests := []struct {
		name    string
		fields  map[string]string
		want    auth.Record
		wantErr bool
	}{
		{
			name:   "defaults",
			fields: map[string]string{"password": "pw"},
			want:   auth.Record{Secret: "pw", Enabled: true},
		},
		{
			name: "all fields",
			fields: map[string]string{
				"password":        "pw",
				"enabled":         "false",
				"max_connections": "4",
				"allowed_ips":     " 10.0.0.1, 192.168.0.0/16 ,",
				"description":     "mobile app",
			},
			want: auth.Record{
				Secret:         "pw",
				Enabled:        false,
				MaxConnections: 4,
				AllowedIPs:     []string{"10.0.0.1", "192.168.0.0/16"},
				Description:    "mobile app",
			},
		},
		{name: "bad enabled", fields: map[string]string{"enabled": "maybe"}, wantErr: true},
		{name: "bad limit", fields: map[string]string{"max_connections": "many"}, wantErr: true},
		{name: "negative limit", fields: map[string]string{"max_connections": "-2"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRedisRecord(tt.fields)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("record mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFileWithoutUsersRejectsEveryone(t *testing.T) {
	f, err := NewFile(writeFile(t, "users.json", `{"users": {}}`), true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if f.Len() != 0 {
		t.Fatalf("len=%d want 0", f.Len())
	}

	g := auth.NewGate(f, nil)
	_, err = g.Check(context.Background(), auth.Credentials{Identity: "anyone", Secret: "x"}, "127.0.0.1:5000")
	var ae *auth.Error
	if !errors.As(err, &ae) || ae.Reason != auth.UnknownIdentity {
		t.Fatalf("err=%v want unknown identity rejection", err)
	}
}
