package gmail

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildQuery(t *testing.T) {
	since := time.Date(2024, time.March, 5, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		attr     string
		values   []string
		excluded []string
		since    time.Time
		want     string
	}{
		{
			name: "empty values",
			attr: AttrThreadID,
			want: "",
		},
		{
			name:   "single value has no OR",
			attr:   AttrThreadID,
			values: []string{"111"},
			want:   "X-GM-THRID 111",
		},
		{
			name:   "two values",
			attr:   AttrThreadID,
			values: []string{"1", "2"},
			want:   "OR X-GM-THRID 1 X-GM-THRID 2",
		},
		{
			name:   "three values nest to the right",
			attr:   AttrLabels,
			values: []string{"a", "b", "c"},
			want:   "OR X-GM-LABELS a OR X-GM-LABELS b X-GM-LABELS c",
		},
		{
			name:     "excluded labels",
			attr:     AttrInReplyTo,
			values:   []string{".acct@example.com"},
			excluded: []string{DraftsLabel, "Spam Folder"},
			want:     `HEADER In-Reply-To .acct@example.com NOT OR X-GM-LABELS "\\Draft" X-GM-LABELS "Spam Folder"`,
		},
		{
			name:   "date floor",
			attr:   AttrThreadID,
			values: []string{"9"},
			since:  since,
			want:   "X-GM-THRID 9 SINCE 05-Mar-2024",
		},
		{
			name:     "excluded labels without values",
			attr:     AttrThreadID,
			excluded: []string{DraftsLabel},
			since:    since,
			want:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildQuery(tt.attr, tt.values, tt.excluded, tt.since))
		})
	}
}

func TestBuildBatches(t *testing.T) {
	values := make([]string, 1001)
	for i := range values {
		values[i] = strconv.Itoa(i + 1)
	}

	queries := BuildBatches(AttrThreadID, values, nil, time.Time{})
	require.Len(t, queries, 3)

	var total int
	for _, q := range queries {
		n := strings.Count(q, AttrThreadID)
		assert.LessOrEqual(t, n, MaxQueryValues)
		total += n
	}
	assert.Equal(t, len(values), total)
	assert.True(t, strings.HasPrefix(queries[0], "OR X-GM-THRID 1 "))
	assert.Equal(t, "X-GM-THRID 1001", queries[2])

	assert.Len(t, BuildBatches(AttrThreadID, values[:500], nil, time.Time{}), 1)
	assert.Len(t, BuildBatches(AttrThreadID, values[:501], nil, time.Time{}), 2)
	assert.Nil(t, BuildBatches(AttrThreadID, nil, nil, time.Time{}))
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "myriad/launch", Quote("myriad/launch"))
	assert.Equal(t, `""`, Quote(""))
	assert.Equal(t, `"two words"`, Quote("two words"))
	assert.Equal(t, `"a\"b"`, Quote(`a"b`))
	assert.Equal(t, `"Grüße"`, Quote("Grüße"))
}

func TestUIDRange(t *testing.T) {
	assert.Equal(t, "UID 100:104", UIDRange(100, 105))
	assert.Equal(t, "UID 7", UIDRange(7, 8))
}

func TestScopedAndMessageIDQuery(t *testing.T) {
	assert.Equal(t, "UNDELETED X-GM-THRID 1", Scoped("UNDELETED", "X-GM-THRID 1"))
	assert.Equal(t, "", Scoped("UNDELETED", ""))
	assert.Equal(t, "X-GM-THRID 1", Scoped("", "X-GM-THRID 1"))
	assert.Equal(t, `X-GM-RAW rfc822msgid:abc.1@example.com`, MessageIDQuery("abc.1@example.com"))
}
