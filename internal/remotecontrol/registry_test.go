package remotecontrol

import "testing"

func TestRegistryGetSet(t *testing.T) {
	r := NewRegistry()
	value := "1.0"
	r.Register("gaincontrol",
		Parameter{
			Name: "digital_gain",
			Get:  func() string { return value },
			Set: func(v string) error {
				value = v
				return nil
			},
		},
		Parameter{
			Name: "ncoefs",
			Get:  func() string { return "5" },
		},
	)

	got, err := r.Get("gaincontrol", "digital_gain")
	if err != nil || got != "1.0" {
		t.Fatalf("Get = (%q, %v), want (1.0, nil)", got, err)
	}

	if err := r.Set("gaincontrol", "digital_gain", "2.0"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, _ = r.Get("gaincontrol", "digital_gain")
	if got != "2.0" {
		t.Fatalf("after Set, Get = %q, want 2.0", got)
	}

	if err := r.Set("gaincontrol", "ncoefs", "10"); err == nil {
		t.Fatalf("expected error setting read-only parameter")
	}

	if _, err := r.Get("gaincontrol", "nosuch"); err == nil {
		t.Fatalf("expected error for unknown parameter")
	}
	if _, err := r.Get("nosuch", "x"); err == nil {
		t.Fatalf("expected error for unknown component")
	}
}

func TestRegistryReRegisterMerges(t *testing.T) {
	r := NewRegistry()
	r.Register("uhd", Parameter{Name: "txgain", Get: func() string { return "0" }})
	r.Register("uhd", Parameter{Name: "rxgain", Get: func() string { return "10" }})

	params := r.Parameters("uhd")
	if len(params) != 2 {
		t.Fatalf("expected 2 params after merge, got %v", params)
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register("feedback", Parameter{Name: "port", Get: func() string { return "8080" }})
	r.Unregister("feedback")
	if _, err := r.Get("feedback", "port"); err == nil {
		t.Fatalf("expected error after unregister")
	}
}
