package testbin

import (
	"strings"
	"testing"

	"kernsim/pkg/usermode"
)

func TestRegister(t *testing.T) {
	rt := usermode.New(nil)
	if err := Register(rt); err != nil {
		t.Fatal(err)
	}
	if got := len(rt.Names()); got != len(Programs) {
		t.Errorf("%d programs registered, want %d", got, len(Programs))
	}
	if err := Register(rt); err == nil {
		t.Error("registering twice succeeded")
	}
}

func TestUsage(t *testing.T) {
	usage := Usage()
	for _, line := range strings.Split(strings.TrimSpace(usage), "\n") {
		name := strings.TrimPrefix(strings.TrimSpace(line), "/bin/")
		if _, ok := Programs[name]; !ok {
			t.Errorf("usage lists unknown program %q", name)
		}
	}
}
