package config

import (
	"testing"
)

func withContainer(t *testing.T, in bool) {
	t.Helper()
	prev := inContainer
	inContainer = func() bool { return in }
	t.Cleanup(func() { inContainer = prev })
}

func TestDialHost(t *testing.T) {
	tests := []struct {
		host      string
		container bool
		want      string
	}{
		{"localhost", false, "localhost"},
		{"127.0.0.1", false, "127.0.0.1"},
		{"localhost", true, "host.docker.internal"},
		{"::1", true, "host.docker.internal"},
		{"db.internal", true, "db.internal"},
		{"192.168.1.100", true, "192.168.1.100"},
	}
	for _, tt := range tests {
		withContainer(t, tt.container)
		b := BackendConfig{Host: tt.host}
		if got := b.DialHost(); got != tt.want {
			t.Errorf("DialHost(%q, container=%v) = %q, want %q", tt.host, tt.container, got, tt.want)
		}
	}
}

func TestAddress_DefaultPort(t *testing.T) {
	withContainer(t, false)
	b := BackendConfig{Host: "db.internal"}
	if got := b.Address(3306); got != "db.internal:3306" {
		t.Errorf("Address() = %q, want db.internal:3306", got)
	}
	b.Port = 13306
	if got := b.Address(3306); got != "db.internal:13306" {
		t.Errorf("Address() = %q, want db.internal:13306", got)
	}
}
