package steplog

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawSteps(n int, tag string) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		out[i] = json.RawMessage(fmt.Sprintf(`{"tag":%q,"i":%d}`, tag, i))
	}
	return out
}

func TestAppend_NumbersFromBaseVersion(t *testing.T) {
	var log Log
	log = log.Append(0, "client-1", rawSteps(3, "a"), 10)
	log = log.Append(3, "client-2", rawSteps(2, "b"), 10)

	require.Len(t, log, 5)
	for i, r := range log {
		assert.Equal(t, i+1, r.Version)
	}
	assert.Equal(t, "client-1", log[2].ClientID)
	assert.Equal(t, "client-2", log[3].ClientID)
	assert.JSONEq(t, `{"tag":"b","i":0}`, string(log[3].Step))
}

func TestAppend_EvictsOldestFirst(t *testing.T) {
	var log Log
	log = log.Append(0, "c", rawSteps(4, "a"), 5)
	log = log.Append(4, "c", rawSteps(3, "b"), 5)

	require.Len(t, log, 5)
	assert.Equal(t, 3, log.Oldest())
	assert.Equal(t, 7, log[len(log)-1].Version)
}

func TestAppend_NeverExceedsRetention(t *testing.T) {
	var log Log
	version := 0
	for i := 1; i <= 50; i++ {
		n := i % 7
		log = log.Append(version, "c", rawSteps(n, "x"), 10)
		version += n
		assert.LessOrEqual(t, len(log), 10)
		if n > 0 {
			assert.Equal(t, version, log[len(log)-1].Version, "newest records retained")
		}
	}
}

func TestAppend_MoreStepsThanRetention(t *testing.T) {
	log := Log{}.Append(0, "c", rawSteps(8, "x"), 3)

	require.Len(t, log, 3)
	assert.Equal(t, []int{6, 7, 8}, []int{log[0].Version, log[1].Version, log[2].Version})
}

func TestAppend_EmptyOnlyTruncates(t *testing.T) {
	log := Log{}.Append(0, "c", rawSteps(5, "x"), 10)

	same := log.Append(5, "c", nil, 10)
	assert.Equal(t, log, same)

	shorter := log.Append(5, "c", nil, 2)
	require.Len(t, shorter, 2)
	assert.Equal(t, 4, shorter.Oldest())
}

func TestAppend_DoesNotMutateReceiver(t *testing.T) {
	log := Log{}.Append(0, "c", rawSteps(3, "x"), 3)
	before := append(Log{}, log...)

	_ = log.Append(3, "c", rawSteps(2, "y"), 3)
	assert.Equal(t, before, log)
}

func TestSince(t *testing.T) {
	log := Log{}.Append(0, "c", rawSteps(5, "x"), 10)

	assert.Len(t, log.Since(0), 5)
	assert.Len(t, log.Since(3), 2)
	assert.Equal(t, 4, log.Since(3)[0].Version)
	assert.Empty(t, log.Since(5))
	assert.NotNil(t, log.Since(5), "empty result encodes as []")
}

func TestRecordJSONFieldNames(t *testing.T) {
	data, err := json.Marshal(Record{Step: json.RawMessage(`{}`), Version: 1, ClientID: "123456789"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"step":{},"version":1,"clientID":"123456789"}`, string(data))
}
