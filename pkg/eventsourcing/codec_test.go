package eventsourcing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestCodecFor(t *testing.T) {
	for _, ct := range []string{"", ContentTypeJSON} {
		codec, err := CodecFor(ct)
		require.NoError(t, err)
		assert.Equal(t, ContentTypeJSON, codec.ContentType())
	}

	codec, err := CodecFor(ContentTypeProto)
	require.NoError(t, err)
	assert.Equal(t, ContentTypeProto, codec.ContentType())

	_, err = CodecFor("application/xml")
	require.Error(t, err)
}

func TestProtoCodec(t *testing.T) {
	codec := ProtoCodec{}

	data, err := codec.Marshal(wrapperspb.String("acct-1"))
	require.NoError(t, err)

	e := &Event{EventType: "Opened", Data: data, ContentType: ContentTypeProto}
	var out wrapperspb.StringValue
	require.NoError(t, e.Decode(&out))
	assert.Equal(t, "acct-1", out.GetValue())

	_, err = codec.Marshal(struct{}{})
	require.Error(t, err, "plain structs are not proto messages")
}

func TestEventDecode_UnknownContentType(t *testing.T) {
	e := &Event{EventType: "Opened", Data: []byte("<x/>"), ContentType: "application/xml"}
	var out map[string]any
	require.Error(t, e.Decode(&out))
}

func TestGenerateDeterministicEventID(t *testing.T) {
	a := GenerateDeterministicEventID("cmd-1", "acct-1", 1)
	assert.Equal(t, a, GenerateDeterministicEventID("cmd-1", "acct-1", 1))
	assert.NotEqual(t, a, GenerateDeterministicEventID("cmd-1", "acct-1", 2))
	assert.NotEqual(t, a, GenerateDeterministicEventID("cmd-2", "acct-1", 1))
	assert.Len(t, a, 32)
}
