package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSensitiveFieldsRedactsKnownKeys(t *testing.T) {
	masked := maskSensitiveFields(map[string]any{
		"api_key":  "sk_live_abcd1234",
		"resource": "document",
	})
	assert.Equal(t, "****1234", masked["api_key"])
	assert.Equal(t, "document", masked["resource"])
}

func TestMaskSensitiveFieldsHandlesShortValues(t *testing.T) {
	masked := maskSensitiveFields(map[string]any{"token": "ab"})
	assert.Equal(t, "****", masked["token"])
}

func TestMaskSensitiveFieldsNilIsNil(t *testing.T) {
	assert.Nil(t, maskSensitiveFields(nil))
}

func TestExtractIPStripsPort(t *testing.T) {
	assert.Equal(t, "10.0.0.1", ExtractIP("10.0.0.1:54321"))
}

func TestExtractIPHandlesNoPort(t *testing.T) {
	assert.Equal(t, "10.0.0.1", ExtractIP("10.0.0.1"))
}

func TestPipelineEmitDropsWhenQueueFull(t *testing.T) {
	p := &Pipeline{queue: make(chan Record, 1)}
	p.Emit(Record{Action: "read"})
	p.Emit(Record{Action: "write"}) // queue full, should drop not block

	assert.Equal(t, int64(1), p.Dropped())
	assert.Equal(t, 1, p.QueueDepth())
}

func TestRequestDigestIsStableForIdenticalRequests(t *testing.T) {
	rec := Record{OrganizationID: "org1", PrincipalID: "user1", Action: "read", ResourceType: "document", ResourceID: "d1"}
	a := requestDigest(rec, maskSensitiveFields(rec.Metadata))
	b := requestDigest(rec, maskSensitiveFields(rec.Metadata))
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a)
}

func TestRequestDigestDiffersAcrossResources(t *testing.T) {
	base := Record{OrganizationID: "org1", PrincipalID: "user1", Action: "read", ResourceType: "document"}
	d1 := base
	d1.ResourceID = "d1"
	d2 := base
	d2.ResourceID = "d2"

	assert.NotEqual(t,
		requestDigest(d1, nil),
		requestDigest(d2, nil),
		"two unrelated decisions must not share a digest")
}

func TestToStorageRecordPopulatesNonEmptyDigest(t *testing.T) {
	rec := Record{OrganizationID: "org1", PrincipalID: "user1", Action: "read", ResourceType: "document", ResourceID: "d1"}
	sr := toStorageRecord(rec)
	assert.NotEqual(t, "null", sr.RequestDigest)
	assert.NotEmpty(t, sr.RequestDigest)
}
