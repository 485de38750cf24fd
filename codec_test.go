package zion

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type testAddress struct {
	City string `json:"city"`
	Zip  string `json:"zip,omitempty"`
}

func (*testAddress) TypeName() string { return "Address" }

type testUser struct {
	Name  string         `json:"name"`
	Age   int            `json:"age"`
	Tags  []string       `json:"tags"`
	Home  *testAddress   `json:"home"`
	Extra any            `json:"extra"`
	Meta  map[string]any `json:"meta"`
}

func (*testUser) TypeName() string { return "User" }

func testRegistry(t *testing.T) *ObjectRegistry {
	t.Helper()
	reg := NewObjectRegistry()
	require.NoError(t, reg.Register((*testAddress)(nil), (*testUser)(nil)))
	return reg
}

func TestDomainObjectRoundTrip(t *testing.T) {
	reg := testRegistry(t)
	user := &testUser{
		Name:  "ada",
		Age:   36,
		Tags:  []string{"math", "engines"},
		Home:  &testAddress{City: "London", Zip: "W1"},
		Extra: &testAddress{City: "Paris"},
		Meta:  map[string]any{"k": "v"},
	}

	for _, codec := range []Codec{JSONCodec, MsgpackCodec} {
		data, err := EncodeEnvelope(codec, reg, NewResponse(user))
		require.NoError(t, err)

		env, err := DecodeEnvelope(codec, reg, data)
		require.NoError(t, err)
		require.Equal(t, KindResponse, env.Kind)
		require.Equal(t, user, env.Result, codec.ContentType())

		// encode -> decode -> encode 幂等
		again, err := EncodeEnvelope(codec, reg, env)
		require.NoError(t, err)
		env2, err := DecodeEnvelope(codec, reg, again)
		require.NoError(t, err)
		require.Equal(t, env.Result, env2.Result)
		if codec == JSONCodec {
			require.JSONEq(t, string(data), string(again))
		}
	}
}

func TestDomainObjectWireFormat(t *testing.T) {
	reg := testRegistry(t)
	data, err := EncodeEnvelope(JSONCodec, reg, NewRequest("move", &testAddress{City: "Oslo"}, 3))
	require.NoError(t, err)
	require.JSONEq(t, `{
		"kind": "request",
		"method": "move",
		"args": [{"city": "Oslo", "__is_domain_object": true, "type_": "Address"}, 3],
		"result": null
	}`, string(data))
}

func TestPlainValuesPassThrough(t *testing.T) {
	reg := testRegistry(t)
	result := map[string]any{
		"n":    1.5,
		"list": []any{"a", true, nil},
		// 没有判别字段的 type_ 不会被当作领域对象
		"type_": "User",
	}
	data, err := EncodeEnvelope(JSONCodec, reg, NewResponse(result))
	require.NoError(t, err)
	env, err := DecodeEnvelope(JSONCodec, reg, data)
	require.NoError(t, err)
	require.Equal(t, result, env.Result)
}

func TestDecodeUnknownDomainType(t *testing.T) {
	reg := testRegistry(t)
	_, err := DecodeEnvelope(JSONCodec, reg, []byte(`{"kind":"response","result":{"__is_domain_object":true,"type_":"Ghost"}}`))
	require.True(t, errors.Is(err, ErrUnknownType))

	_, err = DecodeEnvelope(JSONCodec, reg, []byte(`{"kind":"mystery"}`))
	require.Error(t, err)
}

func TestDecodeIntoTyped(t *testing.T) {
	reg := testRegistry(t)
	data, err := EncodeEnvelope(JSONCodec, reg, NewResponse(&testAddress{City: "Rome"}))
	require.NoError(t, err)
	env, err := DecodeEnvelope(JSONCodec, reg, data)
	require.NoError(t, err)

	var addr testAddress
	require.NoError(t, reg.DecodeInto(env.Result, &addr))
	require.Equal(t, "Rome", addr.City)

	var n int
	require.Error(t, reg.DecodeInto("not a number", &n))
}

func TestCodecFor(t *testing.T) {
	c, err := CodecFor("")
	require.NoError(t, err)
	require.Equal(t, JSONCodec, c)

	c, err = CodecFor("application/msgpack; charset=binary")
	require.NoError(t, err)
	require.Equal(t, MsgpackCodec, c)

	_, err = CodecFor("text/plain")
	require.Error(t, err)
}

func TestRegisterRejectsNonStruct(t *testing.T) {
	reg := NewObjectRegistry()
	require.Error(t, reg.Register(nil))
}
