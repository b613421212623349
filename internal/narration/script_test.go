package narration

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"storyvine/internal/domain/story"
)

func TestBuildSpeechLinear(t *testing.T) {
	n := story.NewLinear("start", story.NodeText{Text: "Mia stepped into the forest"}, "q1")
	assert.Equal(t, "Mia stepped into the forest.", BuildSpeech(n))
}

func TestBuildSpeechPrefersSpokenOverride(t *testing.T) {
	n := story.NewLinear("start", story.NodeText{
		Text:   "Mia stepped into the forest",
		Spoken: "Once upon a time, Mia tiptoed into a whispering forest.",
	}, "q1")
	assert.Equal(t, "Once upon a time, Mia tiptoed into a whispering forest.", BuildSpeech(n))
}

func TestBuildSpeechDeterministic(t *testing.T) {
	n := story.NewChoice("q1", story.NodeText{Text: "A fox appeared"}, "What should Mia do?", []story.Option{
		{Label: "Follow the fox", Next: "a"},
		{Label: "Climb a tree", Next: "b"},
	})
	first := BuildSpeech(n)
	assert.Equal(t, first, BuildSpeech(n))
}

func TestBuildSpeechChoiceEnumeratesLabelsOnceInOrder(t *testing.T) {
	n := story.NewChoice("q1", story.NodeText{Text: "A fox appeared"}, "What should Mia do?", []story.Option{
		{Label: "Follow the fox", Next: "a"},
		{Label: "Climb a tree", Next: "b"},
		{Label: "Call for help", Next: "c"},
	})
	got := BuildSpeech(n)

	assert.Contains(t, got, "What should Mia do?")
	assert.Contains(t, got, "For example: Follow the fox, Climb a tree, or Call for help.")
	for _, label := range []string{"Follow the fox", "Climb a tree", "Call for help"} {
		assert.Equal(t, 1, strings.Count(got, label), "label %q should appear exactly once", label)
	}
	// Order preserved.
	assert.Less(t, strings.Index(got, "Follow the fox"), strings.Index(got, "Climb a tree"))
	assert.Less(t, strings.Index(got, "Climb a tree"), strings.Index(got, "Call for help"))
}

func TestBuildSpeechQuestionNotDuplicated(t *testing.T) {
	n := story.NewChoice("q1", story.NodeText{Text: "A fox appeared. What should Mia do?"}, "What should Mia do?", []story.Option{
		{Label: "Run", Next: "a"},
	})
	got := BuildSpeech(n)
	assert.Equal(t, 1, strings.Count(got, "What should Mia do?"))
}

func TestBuildSpeechQuestionGetsQuestionMark(t *testing.T) {
	n := story.NewChoice("q1", story.NodeText{Text: "A fox appeared."}, "What should Mia do", []story.Option{
		{Label: "Run", Next: "a"},
	})
	assert.Contains(t, BuildSpeech(n), "What should Mia do?")
}

func TestBuildSpeechFallbackOnEmptyText(t *testing.T) {
	n := story.NewEnd("end", story.NodeText{Text: "   "})
	assert.Equal(t, FallbackPhrase, BuildSpeech(n))
}

func TestBuildSpeechFallbackOnErrorLeak(t *testing.T) {
	n := story.NewLinear("start", story.NodeText{Text: "Error: model returned status 500"}, "q1")
	assert.Equal(t, FallbackPhrase, BuildSpeech(n))
}

func TestBuildSpeechKeepsExistingTerminalPunctuation(t *testing.T) {
	n := story.NewEnd("end", story.NodeText{Text: "And they lived happily ever after!"})
	assert.Equal(t, "And they lived happily ever after!", BuildSpeech(n))
}

func TestBuildSpeechCJKPunctuation(t *testing.T) {
	n := story.NewEnd("end", story.NodeText{Text: "小狐狸回家了。"})
	assert.Equal(t, "小狐狸回家了。", BuildSpeech(n))
}
