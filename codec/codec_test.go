package codec_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/flowbridge/codec"
	"github.com/xraph/flowbridge/outcome"
)

func TestGet(t *testing.T) {
	c, err := codec.Get("")
	require.NoError(t, err)
	assert.Equal(t, codec.NameMsgpack, c.Name())

	c, err = codec.Get("json")
	require.NoError(t, err)
	assert.Equal(t, codec.NameJSON, c.Name())

	_, err = codec.Get("protobuf")
	assert.Error(t, err)
}

func TestCodecs_PreserveOutcome(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	outcomes := map[string]*outcome.Outcome{
		"complete":    outcome.Completed("wfrun_1", json.RawMessage(`{"total":3}`), created, created.Add(time.Second)),
		"terminated":  outcome.Terminated("wfrun_2", "card declined", created, created.Add(time.Minute)),
		"in progress": outcome.InProgress("wfrun_3", outcome.StatusSuspended, nil, created),
	}

	for _, c := range []codec.Codec{codec.JSON{}, codec.Msgpack{}} {
		for name, want := range outcomes {
			t.Run(c.Name()+"/"+name, func(t *testing.T) {
				data, err := c.Encode(want)
				require.NoError(t, err)

				got, err := c.Decode(data)
				require.NoError(t, err)
				assert.Equal(t, want.WorkflowInstanceID, got.WorkflowInstanceID)
				assert.Equal(t, want.Status, got.Status)
				assert.Equal(t, want.ErrorMessage, got.ErrorMessage)
				assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
				if want.CompletedAt == nil {
					assert.Nil(t, got.CompletedAt)
				} else {
					require.NotNil(t, got.CompletedAt)
					assert.True(t, want.CompletedAt.Equal(*got.CompletedAt))
				}
				if want.Data == nil {
					assert.Empty(t, got.Data)
				} else {
					assert.JSONEq(t, string(want.Data), string(got.Data))
				}
				assert.NoError(t, got.Validate())
			})
		}
	}
}

func TestDecode_Garbage(t *testing.T) {
	for _, c := range []codec.Codec{codec.JSON{}, codec.Msgpack{}} {
		_, err := c.Decode([]byte{0xc1, 0x00, 0x7b})
		assert.Error(t, err, c.Name())
	}
}
