package auth

import "testing"

func TestRoleHierarchy(t *testing.T) {
	cases := []struct {
		actor    Role
		required Role
		want     bool
	}{
		{RoleTech, RoleTech, true},
		{RoleTech, RoleSupervisor, false},
		{RoleSupervisor, RoleTech, true},
		{RoleSupervisor, RoleAdmin, false},
		{RoleAdmin, RoleSupervisor, true},
		{RoleNone, RoleTech, false},
	}
	for _, c := range cases {
		if got := c.actor.Meets(c.required); got != c.want {
			t.Errorf("%s meets %s: got %v want %v", c.actor, c.required, got, c.want)
		}
	}
}

func TestParse(t *testing.T) {
	if r, err := Parse(""); err != nil || r != RoleNone {
		t.Fatalf("empty role: %v %v", r, err)
	}
	if _, err := Parse("captain"); err == nil {
		t.Fatalf("expected unknown role error")
	}
	for _, name := range []string{"tech", "supervisor", "admin"} {
		r, err := Parse(name)
		if err != nil {
			t.Fatalf("parse %s: %v", name, err)
		}
		if r.String() != name {
			t.Fatalf("round trip %s: got %s", name, r.String())
		}
	}
}
