package data

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPair() TokenPair {
	return TokenPair{
		TokenA: "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2",
		TokenB: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		Fee:    3000,
	}
}

func TestTask(t *testing.T) {
	start := time.Date(2021, 5, 4, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	t.Run("Valid Task", func(t *testing.T) {
		task, err := NewTask(testPair(), start, end)
		require.NoError(t, err)
		assert.Equal(t, start, task.Start)
		assert.Contains(t, task.Key(), "2021-05-04 00:00:00")
	})

	t.Run("Invalid Tasks", func(t *testing.T) {
		_, err := NewTask(TokenPair{TokenA: "a"}, start, end)
		assert.ErrorIs(t, err, ErrInvalidTask)

		_, err = NewTask(testPair(), end, start)
		assert.ErrorIs(t, err, ErrInvalidTask)

		_, err = NewTask(testPair(), time.Time{}, end)
		assert.ErrorIs(t, err, ErrInvalidTask)
	})

	t.Run("Wire Format", func(t *testing.T) {
		task, err := NewTask(testPair(), start, end)
		require.NoError(t, err)

		b, err := json.Marshal(task)
		require.NoError(t, err)

		var wire map[string]string
		require.NoError(t, json.Unmarshal(b, &wire))
		assert.Equal(t, "3000", wire["fee"])
		assert.Equal(t, "2021-05-04 00:00:00", wire["start_datetime"])
		assert.Equal(t, "2021-05-05 00:00:00", wire["end_datetime"])

		var decoded Task
		require.NoError(t, json.Unmarshal(b, &decoded))
		assert.Equal(t, task, decoded)
	})

	t.Run("Bad Fee", func(t *testing.T) {
		var task Task
		err := json.Unmarshal([]byte(`{"token_a":"a","token_b":"b","fee":"x","start_datetime":"2021-05-04 00:00:00","end_datetime":"2021-05-05 00:00:00"}`), &task)
		assert.ErrorIs(t, err, ErrInvalidTask)
	})
}

func TestResponseDecoding(t *testing.T) {
	t.Run("Keeps Raw Record", func(t *testing.T) {
		body := `{"data":[{"block_number":12,"transaction_hash":"0xabc","event_type":"swap","amount":"5"}],"overall_data_hash":"h1"}`

		var resp Response
		require.NoError(t, json.Unmarshal([]byte(body), &resp))
		require.NoError(t, resp.Validate())
		require.Len(t, resp.Data, 1)
		assert.Equal(t, int64(12), resp.Data[0].BlockNumber)
		assert.Equal(t, "swap", resp.Data[0].EventType)

		out, err := json.Marshal(resp.Data[0])
		require.NoError(t, err)
		assert.JSONEq(t, `{"block_number":12,"transaction_hash":"0xabc","event_type":"swap","amount":"5"}`, string(out))
	})

	t.Run("Missing Block Number", func(t *testing.T) {
		var resp Response
		err := json.Unmarshal([]byte(`{"data":[{"transaction_hash":"0xabc"}],"overall_data_hash":"h1"}`), &resp)
		assert.ErrorIs(t, err, ErrInvalidRecord)
	})

	t.Run("Missing Hash", func(t *testing.T) {
		resp := Response{Data: []Record{}}
		assert.ErrorIs(t, resp.Validate(), ErrMissingHash)
	})

	t.Run("Missing Data", func(t *testing.T) {
		resp := Response{OverallDataHash: "h"}
		assert.ErrorIs(t, resp.Validate(), ErrInvalidData)
	})

	t.Run("Record Without Transaction Hash", func(t *testing.T) {
		resp := Response{OverallDataHash: "h", Data: []Record{{BlockNumber: 1}}}
		assert.ErrorIs(t, resp.Validate(), ErrInvalidRecord)
	})
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		host    string
		port    int
		wantErr bool
	}{
		{name: "Plain", input: "10.0.0.1:8000", host: "10.0.0.1", port: 8000},
		{name: "Embedded", input: "module@192.168.1.20:9001/extra", host: "192.168.1.20", port: 9001},
		{name: "No Port", input: "10.0.0.1", wantErr: true},
		{name: "Port Out Of Range", input: "10.0.0.1:70000", wantErr: true},
		{name: "Empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, err := ParseAddress(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
		})
	}
}

func TestReply(t *testing.T) {
	ok := Reply{WorkerUID: 1, Payload: []Record{}, ContentHash: "h"}
	assert.True(t, ok.HasPayload())

	failed := FailedReply(2, FailureTimeout, time.Second, "deadline")
	assert.False(t, failed.HasPayload())
	assert.Nil(t, failed.Payload)
	assert.Equal(t, FailureTimeout, failed.Failure)
}

func TestAllocation(t *testing.T) {
	a := Allocation{{UID: 1, Weight: 750}, {UID: 2, Weight: 250}}

	assert.Equal(t, []int{1, 2}, a.UIDs())
	assert.Equal(t, []int{750, 250}, a.Weights())
	assert.Equal(t, 1000, a.Total())
	assert.Equal(t, "[1:750 2:250]", a.String())
	assert.NoError(t, a.Validate(2))

	assert.ErrorIs(t, a.Validate(1), ErrInvalidAllocation)
	assert.ErrorIs(t, Allocation{{UID: 1, Weight: 0}}.Validate(5), ErrInvalidAllocation)
	assert.ErrorIs(t, Allocation{{UID: 1, Weight: 1}, {UID: 1, Weight: 2}}.Validate(5), ErrInvalidAllocation)
	assert.NoError(t, Allocation{}.Validate(0))
}
