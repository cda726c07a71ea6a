package vault

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vault-cli/credvault/internal/crypto"
	"github.com/vault-cli/credvault/internal/domain"
	"github.com/vault-cli/credvault/internal/util"
)

func newCodec(t *testing.T) *FieldCodec {
	t.Helper()
	sk, err := crypto.RandomBytes(64)
	require.NoError(t, err)
	c, err := NewFieldCodec(sk)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestFieldCodecRoundTrip(t *testing.T) {
	c := newCodec(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	e, err := c.NewEntry("  Gmail ", "a@example.com", []byte("S3cr3t!23"), now)
	require.NoError(t, err)
	assert.Equal(t, "Gmail", e.Service)
	assert.Equal(t, byte(SchemeCTR), e.Secret[0])
	assert.NotContains(t, string(e.Secret), "S3cr3t!23")

	plain, err := c.Open(e.Secret)
	require.NoError(t, err)
	assert.Equal(t, "S3cr3t!23", string(plain.Bytes()))
}

func TestFieldCodecRejectsEmptySecret(t *testing.T) {
	c := newCodec(t)
	_, err := c.NewEntry("svc", "id", nil, time.Now())
	assert.ErrorIs(t, err, util.ErrValidation)
}

func TestFieldKeyIsIndependentOfWholeFileKey(t *testing.T) {
	c := newCodec(t)
	sealed, err := c.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = Open(testKey(t), sealed)
	assert.ErrorIs(t, err, util.ErrIntegrity)
}

func TestDocumentNaturalKey(t *testing.T) {
	c := newCodec(t)
	doc := NewDocument()
	now := time.Now()

	e1, err := c.NewEntry("GitHub", "octocat", []byte("one"), now)
	require.NoError(t, err)
	require.NoError(t, doc.Add(e1))

	dup, err := c.NewEntry(" github ", "OCTOCAT", []byte("two"), now)
	require.NoError(t, err)
	assert.ErrorIs(t, doc.Add(dup), util.ErrValidation)

	found, err := doc.Find("GITHUB", "octocat")
	require.NoError(t, err)
	assert.Equal(t, "GitHub", found.Service)

	_, err = doc.Find("github", "nobody")
	assert.ErrorIs(t, err, util.ErrNotFound)

	require.NoError(t, doc.Remove("github", "OctoCat"))
	assert.Equal(t, 0, doc.Len())
	assert.ErrorIs(t, doc.Remove("github", "octocat"), util.ErrNotFound)
}

func TestDocumentReplace(t *testing.T) {
	c := newCodec(t)
	doc := NewDocument()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e, err := c.NewEntry("svc", "id", []byte("old"), created)
	require.NoError(t, err)
	require.NoError(t, doc.Add(e))

	sealed, err := c.Seal([]byte("new"))
	require.NoError(t, err)
	later := created.Add(time.Hour)
	require.NoError(t, doc.Replace("SVC", "ID", sealed, later))

	got, err := doc.Find("svc", "id")
	require.NoError(t, err)
	assert.Equal(t, created, got.CreatedAt)
	assert.Equal(t, later, got.UpdatedAt)
	plain, err := c.Open(got.Secret)
	require.NoError(t, err)
	assert.Equal(t, "new", string(plain))
}

func TestDocumentMarshalSortsAndRoundTrips(t *testing.T) {
	c := newCodec(t)
	doc := NewDocument()
	for _, svc := range []string{"zeta", "Alpha", "mid"} {
		e, err := c.NewEntry(svc, "user", []byte("pw-"+svc), time.Now())
		require.NoError(t, err)
		require.NoError(t, doc.Add(e))
	}

	data, err := MarshalDocument(doc)
	require.NoError(t, err)

	back, err := UnmarshalDocument(data)
	require.NoError(t, err)
	require.Equal(t, 3, back.Len())
	assert.Equal(t, "Alpha", back.Entries[0].Service)
	assert.Equal(t, "zeta", back.Entries[2].Service)

	plain, err := c.Open(back.Entries[1].Secret)
	require.NoError(t, err)
	assert.Equal(t, "pw-mid", string(plain))
}

func TestUnmarshalDocumentRejectsBadInput(t *testing.T) {
	_, err := UnmarshalDocument([]byte("not json"))
	assert.ErrorIs(t, err, util.ErrFormat)

	_, err = UnmarshalDocument([]byte(`{"format":9,"entries":[]}`))
	assert.ErrorIs(t, err, util.ErrFormat)

	_, err = UnmarshalDocument([]byte(`{"format":1,"entries":[{"service":"a","identifier":"b"},{"service":"A","identifier":"B"}]}`))
	assert.ErrorIs(t, err, util.ErrFormat)
}

func TestSummariesFilter(t *testing.T) {
	doc := NewDocument()
	require.NoError(t, doc.Add(domain.VaultEntry{Service: "GitHub", Identifier: "work", Secret: []byte{1}}))
	require.NoError(t, doc.Add(domain.VaultEntry{Service: "Gmail", Identifier: "personal", Secret: []byte{1}}))

	assert.Len(t, doc.Summaries(nil), 2)
	got := doc.Summaries(&domain.Filter{Search: "git work"})
	require.Len(t, got, 1)
	assert.Equal(t, "GitHub", got[0].Service)
	assert.Empty(t, doc.Summaries(&domain.Filter{Search: "git+personal"}))
}

func TestValidateEntryFields(t *testing.T) {
	assert.NoError(t, ValidateEntryFields("svc", "id"))
	assert.ErrorIs(t, ValidateEntryFields(" ", "id"), util.ErrValidation)
	assert.ErrorIs(t, ValidateEntryFields("svc", ""), util.ErrValidation)
	assert.ErrorIs(t, ValidateEntryFields("svc\n", "x\x00"), util.ErrValidation)
	long := make([]byte, MaxFieldLength+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.ErrorIs(t, ValidateEntryFields(string(long), "id"), util.ErrValidation)
}

func TestLineForm(t *testing.T) {
	line := FormatLine("Gmail", "a@example.com", "p - w")
	assert.Equal(t, "Gmail - a@example.com - p - w", line)

	svc, id, secret, err := ParseLine(line + "\n")
	require.NoError(t, err)
	assert.Equal(t, "Gmail", svc)
	assert.Equal(t, "a@example.com", id)
	assert.Equal(t, "p - w", secret)

	_, _, _, err = ParseLine("no separators here")
	assert.ErrorIs(t, err, util.ErrFormat)
	_, _, _, err = ParseLine("svc - id - ")
	assert.ErrorIs(t, err, util.ErrValidation)
}

func TestCheckLine(t *testing.T) {
	assert.NoError(t, CheckLine("Gmail", "a@example.com", "p - w"))
	assert.ErrorIs(t, CheckLine("Acme - Prod", "ops", "pw"), util.ErrValidation)
	assert.ErrorIs(t, CheckLine("Acme", "ops - 2", "pw"), util.ErrValidation)
	assert.ErrorIs(t, CheckLine("Acme", " ops", "pw"), util.ErrValidation)
	assert.ErrorIs(t, CheckLine("Acme", "ops", "a\nb"), util.ErrValidation)
}

func TestParseSearchTokens(t *testing.T) {
	assert.Nil(t, ParseSearchTokens("   "))
	assert.Equal(t, []string{"git", "work"}, ParseSearchTokens(" Git+WORK "))
}
