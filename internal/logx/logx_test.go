package logx

import "testing"

func TestDebugDomainFiltering(t *testing.T) {
	SetDebug(true, []string{"coder"})
	defer SetDebug(false, nil)

	if !debugEnabledFor("coder") {
		t.Error("expected coder domain to be enabled")
	}
	if debugEnabledFor("dispatch") {
		t.Error("expected dispatch domain to be disabled")
	}
}

func TestDebugDisabledByDefault(t *testing.T) {
	SetDebug(false, nil)
	if debugEnabledFor("anything") {
		t.Error("expected debug to be disabled")
	}
}

func TestDebugAllDomainsWhenNilList(t *testing.T) {
	SetDebug(true, nil)
	defer SetDebug(false, nil)

	if !debugEnabledFor("anything") {
		t.Error("expected all domains enabled when domain list is nil")
	}
}
