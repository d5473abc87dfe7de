package events

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestParseTableName(t *testing.T) {
	tn, err := ParseTableName("db.events")
	assert.NoError(t, err)
	assert.Equal(t, []string{"db"}, tn.Namespace)
	assert.Equal(t, "events", tn.Name)

	tn, err = ParseTableName("org.db.raw.events")
	assert.NoError(t, err)
	assert.Equal(t, []string{"org", "db", "raw"}, tn.Namespace)
	assert.Equal(t, "events", tn.Name)
}

func TestParseTableNameRejectsUnqualified(t *testing.T) {
	for _, s := range []string{"events", "", ".events", "db."} {
		_, err := ParseTableName(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestTableNameStringRoundTrips(t *testing.T) {
	tn := NewTableName([]string{"org", "db"}, "events")

	parsed, err := ParseTableName(tn.String())

	assert.NoError(t, err)
	assert.True(t, tn.Equal(parsed))
}

func TestTableNameEqual(t *testing.T) {
	a := NewTableName([]string{"db"}, "t")

	assert.True(t, a.Equal(NewTableName([]string{"db"}, "t")))
	assert.False(t, a.Equal(NewTableName([]string{"db2"}, "t")))
	assert.False(t, a.Equal(NewTableName([]string{"db"}, "u")))
	assert.False(t, a.Equal(NewTableName([]string{"db", "x"}, "t")))
}

func TestNewEventStampsTypeAndSchema(t *testing.T) {
	e := NewEvent("g1", CommitTablePayload{CommitID: uuid.New(), TableName: NewTableName([]string{"db"}, "t")})

	assert.Equal(t, EventTypeCommitTable, e.Type)
	assert.Equal(t, SchemaCommitTableV1, e.SchemaID)
}

func TestTopicPartitionOffsetProjection(t *testing.T) {
	o := TopicPartitionOffset{Topic: "src", Partition: 4, Offset: int64p(10)}

	assert.Equal(t, TopicPartition{Topic: "src", Partition: 4}, o.TopicPartition())
	assert.Equal(t, "src/4", o.TopicPartition().String())
}

func TestParseTopicPartition(t *testing.T) {
	tp, err := ParseTopicPartition("src/4")
	assert.NoError(t, err)
	assert.Equal(t, TopicPartition{Topic: "src", Partition: 4}, tp)

	tp, err = ParseTopicPartition("tenant/events/12")
	assert.NoError(t, err)
	assert.Equal(t, TopicPartition{Topic: "tenant/events", Partition: 12}, tp)

	for _, bad := range []string{"src", "src/", "/4", "src/abc", ""} {
		_, err := ParseTopicPartition(bad)
		assert.Error(t, err, bad)
	}
}
