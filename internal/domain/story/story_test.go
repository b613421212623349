package story

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
  "id": "forest",
  "title": "The Whispering Forest",
  "voice": "en-US-Chirp3-HD-Charon",
  "tts_model": "googleclassic",
  "language": "en-US",
  "nodes": [
    {"id": "start", "kind": "linear", "text": "Mia stepped into the forest.", "next": "q1"},
    {"id": "q1", "kind": "choice", "text": "A fox appeared on the path.",
     "question": "What should Mia do?",
     "options": [
       {"label": "Follow the fox", "keywords": ["follow", "fox"], "next": "endA", "category": "curiosity"},
       {"label": "Climb a tree", "keywords": ["climb", "tree"], "next": "endB", "category": "caution"}
     ]},
    {"id": "endA", "kind": "end", "text": "The fox led Mia home."},
    {"id": "endB", "kind": "end", "text": "Mia saw the whole forest from above."}
  ]
}`

func TestDecode(t *testing.T) {
	s, err := Decode(strings.NewReader(sampleJSON))
	require.NoError(t, err)

	assert.Equal(t, "forest", s.ID)
	assert.Len(t, s.Nodes, 4)

	start, ok := s.Node("start")
	require.True(t, ok)
	lin, ok := start.(*Linear)
	require.True(t, ok, "start should be linear")
	assert.Equal(t, "q1", lin.Next)

	q1, _ := s.Node("q1")
	ch, ok := q1.(*Choice)
	require.True(t, ok, "q1 should be a choice")
	require.Len(t, ch.Options, 2)
	assert.Equal(t, "What should Mia do?", ch.Question)
	assert.Equal(t, "curiosity", ch.Options[0].Category)

	_, ok = s.Nodes["endA"].(*End)
	assert.True(t, ok)
}

func TestDecodeRejectsMissingStart(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"id":"x","nodes":[{"id":"a","kind":"end","text":"hi"}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start")
}

func TestDecodeRejectsChoiceWithoutOptions(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"id":"x","nodes":[{"id":"start","kind":"choice","text":"hi"}]}`))
	require.Error(t, err)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"id":"x","nodes":[{"id":"start","kind":"mystery","text":"hi"}]}`))
	require.Error(t, err)
}

func TestSuccessors(t *testing.T) {
	s, err := Decode(strings.NewReader(sampleJSON))
	require.NoError(t, err)

	start, _ := s.Node("start")
	assert.Equal(t, []string{"q1"}, Successors(start))

	q1, _ := s.Node("q1")
	assert.Equal(t, []string{"endA", "endB"}, Successors(q1))

	endA, _ := s.Node("endA")
	assert.Empty(t, Successors(endA))
}
