package changes

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustDecode(t *testing.T, line string) *Event {
	t.Helper()
	ev, _, err := decodeLine([]byte(line))
	require.NoError(t, err)
	require.NotNil(t, ev)
	return ev
}

func TestEventDocIsCopied(t *testing.T) {
	ev := mustDecode(t, `{"seq":1,"id":"d1","changes":[{"rev":"1-a"}],"doc":{"n":1}}`)

	doc := ev.Doc()
	doc[0] = 'X'

	require.JSONEq(t, `{"n":1}`, string(ev.Doc()))
}

func TestEventParsedDoc(t *testing.T) {
	ev := mustDecode(t, `{"seq":1,"id":"d1","changes":[{"rev":"1-a"}],"doc":{"title":"hello","tags":["a","b"]}}`)

	parsed := ev.ParsedDoc()
	require.True(t, parsed.Exists())
	require.Equal(t, "hello", parsed.Get("title").String())
	require.Equal(t, int64(2), parsed.Get("tags.#").Int())

	noDoc := mustDecode(t, `{"seq":2,"id":"d2"}`)
	require.False(t, noDoc.ParsedDoc().Exists())
}

func TestEventDecodeDoc(t *testing.T) {
	ev := mustDecode(t, `{"seq":1,"id":"d1","changes":[{"rev":"1-a"}],"doc":{"_id":"d1","title":"hello"}}`)

	var post struct {
		ID    string `json:"_id"`
		Title string `json:"title"`
	}
	require.NoError(t, ev.DecodeDoc(&post))
	require.Equal(t, "d1", post.ID)
	require.Equal(t, "hello", post.Title)

	var wrong []string
	require.Error(t, ev.DecodeDoc(&wrong))

	noDoc := mustDecode(t, `{"seq":2,"id":"d2"}`)
	require.ErrorIs(t, noDoc.DecodeDoc(&post), ErrNoDoc)
}

func TestEventString(t *testing.T) {
	require.Equal(t, "change 1: d1@1-a",
		mustDecode(t, `{"seq":1,"id":"d1","changes":[{"rev":"1-a"}]}`).String())
	require.Equal(t, "change 2: d2@2-b (deleted)",
		mustDecode(t, `{"seq":2,"id":"d2","changes":[{"rev":"2-b"}],"deleted":true}`).String())
}
