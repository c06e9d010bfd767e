package realms

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/registry"
)

func TestContent_Registers(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(NewContent()))

	realm, err := reg.Resolve(IntentUpload)
	require.NoError(t, err)
	assert.Equal(t, "content", realm.Name())

	assert.NoError(t, reg.ValidateParameters(IntentUpload, model.Payload{"filename": "a.txt", "content": "hi"}))
	assert.ErrorIs(t, reg.ValidateParameters(IntentUpload, model.Payload{"filename": "a.txt"}), registry.ErrInvalidParameters)
}

func TestContent_Upload(t *testing.T) {
	c := NewContent()
	out, err := c.HandleIntent(context.Background(), model.Intent{
		Type:       IntentUpload,
		Parameters: model.Payload{"filename": "notes.txt", "content": "hello world\nbye"},
	}, registry.ExecContext{})
	require.NoError(t, err)

	assert.Len(t, out.Artifacts, 4)
	assert.Equal(t, ResultParsedText, out.Artifacts["text"].ResultType)
	assert.JSONEq(t, `{"chars":15,"lines":2,"words":3}`, string(out.Artifacts["stats"].Data))
	require.Len(t, out.Events, 1)
	assert.Equal(t, "content.uploaded", out.Events[0].Type)
	assert.Equal(t, 15, out.Events[0].Payload["bytes"])
}

func TestContent_UploadBinary(t *testing.T) {
	c := NewContent()
	raw := []byte{0xff, 0xfe, 0x00}
	out, err := c.HandleIntent(context.Background(), model.Intent{
		Type: IntentUpload,
		Parameters: model.Payload{
			"filename": "blob.bin",
			"content":  base64.StdEncoding.EncodeToString(raw),
			"encoding": "base64",
		},
	}, registry.ExecContext{})
	require.NoError(t, err)

	assert.Len(t, out.Artifacts, 1, "binary uploads have no text derivatives")
	assert.Equal(t, raw, out.Artifacts["original"].Data)
}

func TestContent_BadEncoding(t *testing.T) {
	_, err := NewContent().HandleIntent(context.Background(), model.Intent{
		Type:       IntentUpload,
		Parameters: model.Payload{"filename": "x", "content": "***", "encoding": "base64"},
	}, registry.ExecContext{})

	var re *registry.RealmError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "bad_encoding", re.Code)
}

func TestContent_Analyze(t *testing.T) {
	out, err := NewContent().HandleIntent(context.Background(), model.Intent{
		Type:       IntentAnalyze,
		Parameters: model.Payload{"text": "one two three"},
	}, registry.ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Events[0].Payload["words"])
}
