package session

import "testing"

func TestValidateStream(t *testing.T) {
	r := &Request{Mode: ModeFile, StreamID: "KEY"}
	if err := r.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Mode != ModeStream {
		t.Fatalf("expected stream_id to force mode=stream, got %s", r.Mode)
	}

	r2 := &Request{Mode: ModeStream}
	if err := r2.Validate(); err == nil {
		t.Fatal("expected error for missing stream_id")
	}
}

func TestValidateFile(t *testing.T) {
	r := &Request{Mode: ModeFile, Room: "r1@muc.example"}
	if err := r.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Mode != ModeFile {
		t.Fatalf("expected mode to stay file, got %s", r.Mode)
	}

	r2 := &Request{Mode: ModeFile}
	if err := r2.Validate(); err == nil {
		t.Fatal("expected error for missing url/room")
	}
}

func TestValidateSIP(t *testing.T) {
	r := &Request{Mode: ModeSIP, SIPAddress: "sip:foo@example.com"}
	if err := r.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.DisplayName != r.SIPAddress {
		t.Fatalf("expected display name to default to sip address, got %q", r.DisplayName)
	}

	r2 := &Request{Mode: ModeSIP}
	if err := r2.Validate(); err == nil {
		t.Fatal("expected error for missing sip_address")
	}
}

func TestSubdomain(t *testing.T) {
	cases := []struct {
		name, host, mucPrefix, xmppDomain, want string
	}{
		{"derived", "conference.tenantA.ex.test", "conference.", "ex.test", "tenantA/"},
		{"no-prefix-match", "other.ex.test", "conference.", "ex.test", ""},
		{"exact-equal-is-empty", "conference.ex.test", "conference.", "ex.test", ""},
		{"empty-prefix", "conference.ex.test", "", "ex.test", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Subdomain(c.host, c.mucPrefix, c.xmppDomain)
			if got != c.want {
				t.Errorf("Subdomain(%q,%q,%q) = %q, want %q", c.host, c.mucPrefix, c.xmppDomain, got, c.want)
			}
		})
	}
}

func TestResolveURL(t *testing.T) {
	got, err := ResolveURL("https://ex.test/%SUBDOMAIN%%ROOM%", "r2", "tenantA/")
	if err != nil {
		t.Fatal(err)
	}
	want := "https://ex.test/tenantA/r2"
	if got != want {
		t.Errorf("got %q want %q", got, want)
	}
}

func TestRoomParts(t *testing.T) {
	local, host := RoomParts("r1@muc.example.com")
	if local != "r1" || host != "muc.example.com" {
		t.Errorf("got local=%q host=%q", local, host)
	}
}
