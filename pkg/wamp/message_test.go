package wamp_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightforgemedia/go-wamprouter/pkg/wamp"
)

func TestEventPayloadHalves(t *testing.T) {
	t.Run("args and kwargs", func(t *testing.T) {
		m := wamp.Event(5, 9, nil, wamp.List{"a"}, wamp.Dict{"k": 1})
		assert.Equal(t, wamp.Message{wamp.TypeEvent, wamp.ID(5), wamp.ID(9), wamp.Dict{}, wamp.List{"a"}, wamp.Dict{"k": 1}}, m)
	})

	t.Run("kwargs only is dropped", func(t *testing.T) {
		m := wamp.Event(5, 9, nil, nil, wamp.Dict{"a": 1})
		assert.Len(t, m, 4)
		raw, err := m.Encode()
		require.NoError(t, err)
		assert.JSONEq(t, `[36,5,9,{}]`, string(raw))
	})

	t.Run("args only", func(t *testing.T) {
		raw, err := wamp.Event(1, 2, nil, wamp.List{1, 2}, nil).Encode()
		require.NoError(t, err)
		assert.JSONEq(t, `[36,1,2,{},[1,2]]`, string(raw))
	})
}

func TestResultPadsArgs(t *testing.T) {
	raw, err := wamp.Result(7, nil, nil, wamp.Dict{"x": true}).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `[50,7,{},[],{"x":true}]`, string(raw))

	raw, err = wamp.Result(7, nil, nil, nil).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `[50,7,{}]`, string(raw))
}

func TestErrorMessage(t *testing.T) {
	raw, err := wamp.ErrorMessage(wamp.TypeCall, 3, nil, wamp.ErrNoSuchProcedure, nil, nil).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `[8,48,3,{},"wamp.error.no_such_procedure"]`, string(raw))
}

func TestDecode(t *testing.T) {
	m, err := wamp.Decode([]byte(`[32, 713845233, {}, "com.myapp.mytopic1"]`))
	require.NoError(t, err)
	typ, ok := m.Type()
	require.True(t, ok)
	assert.Equal(t, wamp.TypeSubscribe, typ)

	id, ok := wamp.AsID(m.Arg(1))
	require.True(t, ok)
	assert.Equal(t, wamp.ID(713845233), id)

	topic, ok := wamp.AsString(m.Arg(3))
	require.True(t, ok)
	assert.Equal(t, "com.myapp.mytopic1", topic)
	assert.Nil(t, m.Arg(10))

	_, err = wamp.Decode([]byte(`[]`))
	assert.ErrorIs(t, err, wamp.ErrEmptyMessage)

	_, err = wamp.Decode([]byte(`["hello"]`))
	assert.ErrorIs(t, err, wamp.ErrBadMessageType)

	_, err = wamp.Decode([]byte(`{`))
	assert.Error(t, err)
}

func TestAsHelpers(t *testing.T) {
	_, ok := wamp.AsID(-1.0)
	assert.False(t, ok)
	_, ok = wamp.AsID(1.5)
	assert.False(t, ok)
	_, ok = wamp.AsID("7")
	assert.False(t, ok)

	l, ok := wamp.AsList([]any{})
	assert.True(t, ok)
	assert.NotNil(t, l)
	_, ok = wamp.AsList(map[string]any{})
	assert.False(t, ok)

	d, ok := wamp.AsDict(map[string]any{"a": 1.0})
	assert.True(t, ok)
	assert.Equal(t, 1.0, d["a"])
	_, ok = wamp.AsDict([]any{1})
	assert.False(t, ok)
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "EVENT", wamp.TypeEvent.String())
	assert.Equal(t, "UNKNOWN(99)", wamp.MessageType(99).String())
}
