package tenancy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jermoo/authority-edge/internal/apierr"
)

func TestRequireSameOrganizationAllowsMatch(t *testing.T) {
	assert.NoError(t, RequireSameOrganization("org1", "org1"))
}

func TestRequireSameOrganizationRejectsMismatch(t *testing.T) {
	err := RequireSameOrganization("org1", "org2")
	apiErr, ok := apierr.As(err)
	assert.True(t, ok)
	assert.Equal(t, apierr.KindCrossTenantRequest, apiErr.Kind)
}

func TestRequireSameOrganizationRejectsEmptyIDs(t *testing.T) {
	err := RequireSameOrganization("", "org2")
	apiErr, ok := apierr.As(err)
	assert.True(t, ok)
	assert.Equal(t, apierr.KindCrossTenantRequest, apiErr.Kind)
}

func TestWithConnRejectsEmptyOrganizationID(t *testing.T) {
	_, err := WithConn(nil, nil, "")
	apiErr, ok := apierr.As(err)
	assert.True(t, ok)
	assert.Equal(t, apierr.KindTenancyViolation, apiErr.Kind)
}
