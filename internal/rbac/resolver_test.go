package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jermoo/authority-edge/internal/storage"
)

func TestEvaluateDenyBeatsAllow(t *testing.T) {
	perms := []*storage.Permission{
		{Action: "read", ResourceType: "document", Effect: "allow"},
		{Action: "read", ResourceType: "document", Effect: "deny"},
	}
	decision, matched := Evaluate(perms, "read", "document")
	assert.Equal(t, Deny, decision)
	assert.Equal(t, "deny", matched.Effect)
}

func TestEvaluateAllowWinsWithoutDeny(t *testing.T) {
	perms := []*storage.Permission{
		{Action: "read", ResourceType: "document", Effect: "allow"},
	}
	decision, matched := Evaluate(perms, "read", "document")
	assert.Equal(t, Allow, decision)
	assert.Equal(t, "allow", matched.Effect)
}

func TestEvaluateNoMatchFallsThrough(t *testing.T) {
	perms := []*storage.Permission{
		{Action: "write", ResourceType: "document", Effect: "allow"},
	}
	decision, matched := Evaluate(perms, "read", "document")
	assert.Equal(t, NoMatch, decision)
	assert.Nil(t, matched)
}

func TestEvaluateIgnoresUnrelatedPermissions(t *testing.T) {
	perms := []*storage.Permission{
		{Action: "read", ResourceType: "invoice", Effect: "deny"},
		{Action: "read", ResourceType: "document", Effect: "allow"},
	}
	decision, _ := Evaluate(perms, "read", "document")
	assert.Equal(t, Allow, decision)
}
