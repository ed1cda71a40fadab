package console

import (
	"testing"
)

func TestHashSecretRoundTrip(t *testing.T) {
	hash, err := HashSecret("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if !verifySecret("hunter2", hash) {
		t.Error("correct secret rejected")
	}
	if verifySecret("hunter3", hash) {
		t.Error("wrong secret accepted")
	}
	if verifySecret("hunter2", "$md5$nope") {
		t.Error("malformed hash accepted")
	}
}

func TestRest(t *testing.T) {
	for _, tc := range []struct {
		line string
		want string
	}{
		{"eval 1 + 1", "1 + 1"},
		{"eval", ""},
		{"sql SELECT * FROM events", "SELECT * FROM events"},
	} {
		if got := rest(tc.line); got != tc.want {
			t.Errorf("rest(%q) = %q, want %q", tc.line, got, tc.want)
		}
	}
}

func TestCommandsAttempt(t *testing.T) {
	ran := ""
	cmds := commands{
		{names: m("go", "g"), f: func(c *Connection, s string) error {
			ran = s
			return nil
		}},
	}
	if found, err := cmds.attempt(nil, "g", "g now"); err != nil || !found {
		t.Fatalf("got (%v, %v), want (true, nil)", found, err)
	}
	if ran != "g now" {
		t.Errorf("handler saw %q, want the full line", ran)
	}
	if found, _ := cmds.attempt(nil, "stop", "stop"); found {
		t.Error("unknown command reported as found")
	}
}
