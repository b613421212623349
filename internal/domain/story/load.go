package story

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// nodeEnvelope is the wire form of a node before the kind tag is resolved.
type nodeEnvelope struct {
	ID           string   `json:"id"`
	Kind         string   `json:"kind"`
	Text         string   `json:"text"`
	SpokenText   string   `json:"spoken_text,omitempty"`
	Illustration string   `json:"illustration,omitempty"`
	Next         string   `json:"next,omitempty"`
	Question     string   `json:"question,omitempty"`
	Options      []Option `json:"options,omitempty"`
}

type storyEnvelope struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Voice    string         `json:"voice"`
	TTSModel string         `json:"tts_model"`
	Language string         `json:"language"`
	Nodes    []nodeEnvelope `json:"nodes"`
}

// Decode reads a story graph from JSON and checks its structural invariants:
// a "start" node must exist, node ids must be unique, and each node must carry
// the fields its kind requires. Dangling successor references are allowed and
// handled at playback time.
func Decode(r io.Reader) (*Story, error) {
	var env storyEnvelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, fmt.Errorf("parse story: %w", err)
	}

	s := &Story{
		ID:       env.ID,
		Title:    env.Title,
		Voice:    env.Voice,
		TTSModel: env.TTSModel,
		Language: env.Language,
		Nodes:    make(map[string]Node, len(env.Nodes)),
	}

	for _, ne := range env.Nodes {
		if ne.ID == "" {
			return nil, fmt.Errorf("story %q: node with empty id", env.ID)
		}
		if _, dup := s.Nodes[ne.ID]; dup {
			return nil, fmt.Errorf("story %q: duplicate node id %q", env.ID, ne.ID)
		}
		n, err := ne.node()
		if err != nil {
			return nil, fmt.Errorf("story %q: %w", env.ID, err)
		}
		s.Nodes[ne.ID] = n
	}

	if _, ok := s.Nodes[StartNodeID]; !ok {
		return nil, fmt.Errorf("story %q has no %q node", env.ID, StartNodeID)
	}
	return s, nil
}

// Load reads a story graph from a JSON file.
func Load(path string) (*Story, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open story: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

func (ne nodeEnvelope) node() (Node, error) {
	b := base{
		NodeID:     ne.ID,
		NodeText:   ne.Text,
		SpokenText: ne.SpokenText,
		Image:      ne.Illustration,
	}
	switch ne.Kind {
	case "linear":
		if ne.Next == "" {
			return nil, fmt.Errorf("linear node %q has no next", ne.ID)
		}
		return &Linear{base: b, Next: ne.Next}, nil
	case "choice":
		if len(ne.Options) == 0 {
			return nil, fmt.Errorf("choice node %q has no options", ne.ID)
		}
		for i, o := range ne.Options {
			if o.Next == "" {
				return nil, fmt.Errorf("choice node %q option %d has no next", ne.ID, i)
			}
		}
		return &Choice{base: b, Question: ne.Question, Options: ne.Options}, nil
	case "end":
		return &End{base: b}, nil
	default:
		return nil, fmt.Errorf("node %q has unknown kind %q", ne.ID, ne.Kind)
	}
}
