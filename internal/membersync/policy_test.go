package membersync

import (
	"reflect"
	"testing"
)

func TestIgnorePolicyMatchesExactAndPrefix(t *testing.T) {
	policy := NewIgnorePolicy(" u_edms_pub , U_EDMS_Other", "u_edms_tmp_, legacy")

	cases := map[string]bool{
		"u_edms_pub":      true,
		"U_EDMS_PUB":      true,
		"u_edms_other":    true,
		"u_edms_tmp_1":    true,
		"legacy_group":    true,
		"u_edms_x":        false,
		"u_edms_pub_plus": false,
		"":                false,
	}
	for group, want := range cases {
		if got := policy.Ignored(group); got != want {
			t.Fatalf("Ignored(%q) = %v, want %v", group, got, want)
		}
	}
}

func TestIgnorePolicyDropsEmptyEntries(t *testing.T) {
	policy := NewIgnorePolicy("", " , ,")
	if policy.Ignored("anything") {
		t.Fatalf("expected empty lists to ignore nothing")
	}
}

func TestNamespaceManaged(t *testing.T) {
	ns := NewNamespace("u_edms")
	if !ns.Managed("u_edms_team") {
		t.Fatalf("expected u_edms_team to be managed")
	}
	if ns.Managed("uw_staff") {
		t.Fatalf("expected uw_staff to be unmanaged")
	}
	if NewNamespace("").Managed("u_edms_team") {
		t.Fatalf("expected empty namespace to manage nothing")
	}
}

func TestMembershipSetDiff(t *testing.T) {
	authoritative := NewMembershipSet("g1", "g2", " ", "g2")
	target := NewMembershipSet("g2", "g3")
	toAdd, toRemove := authoritative.Diff(target)
	if !reflect.DeepEqual(toAdd, []string{"g1"}) {
		t.Fatalf("expected toAdd [g1], got %v", toAdd)
	}
	if !reflect.DeepEqual(toRemove, []string{"g3"}) {
		t.Fatalf("expected toRemove [g3], got %v", toRemove)
	}
	if authoritative.Len() != 2 {
		t.Fatalf("expected blank and duplicate ids to be dropped, got %d", authoritative.Len())
	}
}

func TestChangeEventChangedMembersDeduplicates(t *testing.T) {
	event := ChangeEvent{
		AddMembers:    []string{"alice", "bob"},
		DeleteMembers: []string{"carol"},
		UpdateMembers: []string{"alice", "bob", "carol", " "},
	}
	want := []string{"alice", "bob", "carol"}
	if got := event.ChangedMembers(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestSharedUserAndGroupLabel(t *testing.T) {
	user := SharedUser("svc_print", "@uw.edu")
	if user.FirstName != "svc_print" || user.LastName != "svc_print" || user.Email != "svc_print@uw.edu" {
		t.Fatalf("unexpected shared user %+v", user)
	}
	if (Group{ID: "u_edms_a"}).Label() != "u_edms_a" {
		t.Fatalf("expected label to fall back to id")
	}
	if (Group{ID: "u_edms_a", DisplayName: "A"}).Label() != "A" {
		t.Fatalf("expected display name label")
	}
}
