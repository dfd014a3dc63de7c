package mission

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hades/internal/broker"
)

const scanPayload = `{
  "name": "t1",
  "rules_of_engagement": {"techniques": {"allowed": ["T1046"], "prohibited": ["T1485"]}},
  "systems": [
    {"targets": [{"type": "machine", "address": "10.0.0.5", "goals": ["scan"]}]},
    {"targets": [{"type": "persona", "address": "", "goals": ["phish"]}]}
  ],
  "notes": "kept as submitted"
}`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(scanPayload))
	require.NoError(t, err)
	assert.Equal(t, "t1", m.Name)
	assert.Equal(t, []string{"T1046"}, m.Allowed())
	assert.Equal(t, []string{"T1485"}, m.Prohibited())
	require.Len(t, m.Systems, 2)
	assert.Equal(t, TargetMachine, m.Systems[0].Targets[0].Type)
	assert.Equal(t, uuid.Nil, m.ID)
}

func TestParseRejectsMalformedPayloads(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"name":`,
		"missing name":    `{"systems":[{"targets":[{"type":"machine","address":"10.0.0.5","goals":["scan"]}]}]}`,
		"no systems":      `{"name":"x","systems":[]}`,
		"empty system":    `{"name":"x","systems":[{"targets":[]}]}`,
		"missing type":    `{"name":"x","systems":[{"targets":[{"address":"10.0.0.5","goals":["scan"]}]}]}`,
		"machine no addr": `{"name":"x","systems":[{"targets":[{"type":"machine","goals":["scan"]}]}]}`,
		"machine no goal": `{"name":"x","systems":[{"targets":[{"type":"machine","address":"10.0.0.5","goals":[]}]}]}`,
		"wrong types":     `{"name":"x","systems":"all"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(payload))
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

func TestParseDispatchedRequiresID(t *testing.T) {
	_, err := ParseDispatched([]byte(scanPayload))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "id", verr.Field)

	id := uuid.New()
	withID, err := InjectID([]byte(scanPayload), id)
	require.NoError(t, err)
	m, err := ParseDispatched(withID)
	require.NoError(t, err)
	assert.Equal(t, id, m.ID)
}

func TestInjectIDKeepsUnknownFields(t *testing.T) {
	id := uuid.New()
	out, err := InjectID([]byte(scanPayload), id)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(out, &fields))
	assert.Equal(t, id.String(), fields["id"])
	assert.Equal(t, "kept as submitted", fields["notes"])

	_, err = InjectID([]byte(`[1,2]`), id)
	assert.Error(t, err)
	_, err = InjectID([]byte(`null`), id)
	assert.Error(t, err)
}

func TestRegistryAllocateIssuesFreshIDs(t *testing.T) {
	r := NewRegistry()
	seen := map[uuid.UUID]bool{}
	for i := 0; i < 50; i++ {
		e, err := r.Allocate([]byte(scanPayload))
		require.NoError(t, err)
		assert.False(t, seen[e.ID])
		seen[e.ID] = true
	}
	assert.Len(t, r.List(), 50)
}

func TestRegistryEntriesKeepSubmissionOrder(t *testing.T) {
	r := NewRegistry()
	frozen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return frozen }
	var want []uuid.UUID
	for i := 0; i < 5; i++ {
		e, err := r.Allocate([]byte(scanPayload))
		require.NoError(t, err)
		want = append(want, e.ID)
	}
	r.Discard(want[2])
	want = append(want[:2], want[3:]...)

	var got []uuid.UUID
	for _, e := range r.Entries() {
		got = append(got, e.ID)
		assert.Equal(t, frozen, e.SubmittedAt)
	}
	assert.Equal(t, want, got)
}

func TestRegistryAllocateSkipsCollisions(t *testing.T) {
	r := NewRegistry()
	fixed := uuid.MustParse("11111111-1111-4111-8111-111111111111")
	next := uuid.MustParse("22222222-2222-4222-8222-222222222222")
	ids := []uuid.UUID{fixed, uuid.Nil, fixed, next}
	r.newID = func() uuid.UUID {
		id := ids[0]
		ids = ids[1:]
		return id
	}
	first, err := r.Allocate([]byte(scanPayload))
	require.NoError(t, err)
	second, err := r.Allocate([]byte(scanPayload))
	require.NoError(t, err)
	assert.Equal(t, fixed, first.ID)
	assert.Equal(t, next, second.ID)
}

func TestRegistryRejectsInvalidPayloadWithoutStoring(t *testing.T) {
	r := NewRegistry()
	_, err := r.Allocate([]byte(`{"name":""}`))
	require.Error(t, err)
	assert.Empty(t, r.List())
}

func TestRegistryBindingAndDiscard(t *testing.T) {
	r := NewRegistry()
	e, err := r.Allocate([]byte(scanPayload))
	require.NoError(t, err)

	b := broker.RoutingBinding{Exchange: "hades.inject.requests", ExchangeType: "topic", RoutingKey: e.ID.String(), Queue: "hades.inject.requests.queue"}
	require.True(t, r.SetBinding(e.ID, b))
	got, ok := r.Get(e.ID)
	require.True(t, ok)
	require.NotNil(t, got.Binding)
	assert.Equal(t, b, *got.Binding)

	var stored map[string]any
	require.NoError(t, json.Unmarshal(r.List()[e.ID.String()], &stored))
	assert.Equal(t, e.ID.String(), stored["id"])

	r.Discard(e.ID)
	_, ok = r.Get(e.ID)
	assert.False(t, ok)
	assert.False(t, r.SetBinding(e.ID, b))
}

func TestRegistrySessions(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()
	r.Register(id, "s1")
	r.Register(id, "s2")
	r.Register(id, "s1")
	assert.Equal(t, []string{"s1", "s2"}, r.Lookup(id))
	r.Unregister(id, "s1")
	assert.Equal(t, []string{"s2"}, r.Lookup(id))
	r.Unregister(id, "s2")
	assert.Empty(t, r.Lookup(id))
}
